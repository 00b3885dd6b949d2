package admit

import (
	"bytes"
	"context"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/screen"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// Validator is a named veto over the in-memory payload. Validators never
// mutate the payload; the bytes they see are the bytes that land on disk.
type Validator struct {
	Name  string
	Check func(ctx context.Context, payload []byte) error
}

// SizeValidator vetoes payloads over max bytes. The pipeline ceiling
// bounds the transfer; this bounds the element itself, which is usually
// configured tighter.
func SizeValidator(max int64) Validator {
	return Validator{
		Name: "size",
		Check: func(_ context.Context, payload []byte) error {
			if int64(len(payload)) > max {
				return xerrors.Wrapf(ErrTooLarge, "element is %d bytes, limit %d", len(payload), max)
			}
			return nil
		},
	}
}

// ScreenValidator vetoes on critical threat findings. Sub-critical
// findings are recorded by the screener's own events and allowed
// through; the sanitized rendition is a display concern, the store
// keeps the author's bytes.
func ScreenValidator(s *screen.Screener) Validator {
	return Validator{
		Name: "screen",
		Check: func(ctx context.Context, payload []byte) error {
			out, err := s.Screen(ctx, string(payload))
			if err != nil {
				return err
			}
			if !out.Valid {
				return xerrors.Wrapf(screen.ErrCriticalContent, "%d finding(s)", len(out.Findings))
			}
			return nil
		},
	}
}

// FrontmatterValidator parses the payload's YAML metadata and vetoes on
// amplification, forbidden tags, missing required fields, or critical
// threats inside metadata values. Markdown payloads carry metadata in a
// leading "---" block; yaml payloads are metadata throughout.
func FrontmatterValidator(s *screen.Screener) Validator {
	return Validator{
		Name: "frontmatter",
		Check: func(ctx context.Context, payload []byte) error {
			raw, _, found := splitFrontmatter(payload)
			if !found {
				raw = payload
			}

			if err := s.ScreenStructuredData(ctx, raw); err != nil {
				return err
			}

			var meta map[string]any
			if err := yaml.Unmarshal(raw, &meta); err != nil {
				return xerrors.Wrap(err, "metadata does not parse as a mapping")
			}
			if meta == nil {
				return xerrors.New("metadata block is empty")
			}
			for _, field := range []string{"name", "description"} {
				v, ok := meta[field].(string)
				if !ok || strings.TrimSpace(v) == "" {
					return xerrors.Newf("metadata field %q is missing or empty", field)
				}
			}

			if _, err := s.ScreenMetadata(ctx, meta); err != nil {
				return err
			}
			return nil
		},
	}
}

// DefaultValidators is the stock chain, cheapest check first.
func DefaultValidators(s *screen.Screener, maxElement int64) []Validator {
	return []Validator{
		SizeValidator(maxElement),
		ScreenValidator(s),
		FrontmatterValidator(s),
	}
}

// splitFrontmatter extracts a leading YAML frontmatter block delimited
// by "---" lines. found is false when the payload has no such block.
func splitFrontmatter(payload []byte) (meta, body []byte, found bool) {
	nl := bytes.IndexByte(payload, '\n')
	if nl < 0 {
		return nil, payload, false
	}
	if strings.TrimRight(string(payload[:nl]), "\r") != "---" {
		return nil, payload, false
	}

	rest := payload[nl+1:]
	offset := 0
	for offset <= len(rest) {
		end := bytes.IndexByte(rest[offset:], '\n')
		var line string
		next := len(rest) + 1
		if end < 0 {
			line = string(rest[offset:])
		} else {
			line = string(rest[offset : offset+end])
			next = offset + end + 1
		}
		if strings.TrimRight(line, "\r") == "---" {
			if next > len(rest) {
				return rest[:offset], nil, true
			}
			return rest[:offset], rest[next:], true
		}
		if end < 0 {
			break
		}
		offset = next
	}
	return nil, payload, false
}
