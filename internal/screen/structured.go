package screen

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// DefaultMaxAliasRatio is the reference-to-definition ratio above which a
// structured payload is treated as an expansion bomb. The ratio, not an
// absolute count, is the invariant: expansion composes multiplicatively
// across nesting depth, so any fixed count is defeatable by nesting.
const DefaultMaxAliasRatio = 5.0

var (
	// ErrAmplification reports a payload whose alias references outnumber
	// anchor definitions beyond the configured ratio.
	ErrAmplification = errors.New("structured data amplification ratio exceeded")

	// ErrForbiddenTag reports a payload using a tag outside the core
	// schema, the executable-type escape hatch in most YAML stacks.
	ErrForbiddenTag = errors.New("structured data uses a non-core tag")
)

// coreTags is the safe schema subset. Everything else, custom local tags
// included, is rejected.
var coreTags = map[string]struct{}{
	"!!str":       {},
	"!!int":       {},
	"!!float":     {},
	"!!bool":      {},
	"!!null":      {},
	"!!seq":       {},
	"!!map":       {},
	"!!timestamp": {},
	"!!binary":    {},
	"!!merge":     {},
}

// ScreenStructuredData parses raw as YAML into a node tree, never
// materializing aliases, and rejects expansion bombs and non-core tags.
// Unparsable input, an undefined alias included, is rejected as-is.
func (s *Screener) ScreenStructuredData(ctx context.Context, raw []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return xerrors.Wrap(err, "parse structured data")
	}

	var st yamlStats
	collectYAML(&root, &st)

	if st.badTag != "" {
		s.logger.Warn(ctx, "structured data rejected for non-core tag", "tag", st.badTag)
		s.sink.Emit(ctx, events.New(events.TypeScreenBadTag, events.SeverityHigh, "screen",
			"structured data uses a tag outside the core schema",
			"tag", st.badTag,
		))
		return xerrors.Wrapf(ErrForbiddenTag, "%s", st.badTag)
	}

	if st.anchors > 0 {
		ratio := float64(st.aliases) / float64(st.anchors)
		if ratio > s.maxAliasRatio {
			s.logger.Warn(ctx, "structured data rejected for alias amplification",
				"anchors", st.anchors,
				"aliases", st.aliases,
				"ratio", fmt.Sprintf("%.2f", ratio),
			)
			s.sink.Emit(ctx, events.New(events.TypeScreenAmplification, events.SeverityHigh, "screen",
				"alias references amplify anchors beyond the allowed ratio",
				"anchors", strconv.Itoa(st.anchors),
				"aliases", strconv.Itoa(st.aliases),
				"ratio", fmt.Sprintf("%.2f", ratio),
				"limit", fmt.Sprintf("%.2f", s.maxAliasRatio),
			))
			return xerrors.Wrapf(ErrAmplification, "%d references over %d definitions", st.aliases, st.anchors)
		}
	}
	return nil
}

type yamlStats struct {
	anchors int
	aliases int
	badTag  string
}

// collectYAML walks Content only. Following the Alias pointer would
// re-count shared subtrees, exactly the amplification being measured.
func collectYAML(n *yaml.Node, st *yamlStats) {
	if n == nil {
		return
	}
	if n.Kind == yaml.AliasNode {
		st.aliases++
	} else if n.Anchor != "" {
		st.anchors++
	}
	if n.Tag != "" {
		if _, ok := coreTags[n.Tag]; !ok && st.badTag == "" {
			st.badTag = n.Tag
		}
	}
	for _, c := range n.Content {
		collectYAML(c, st)
	}
}
