package screen

import (
	"context"
	"errors"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// defaultMaxMetadataDepth bounds metadata recursion. Parsed documents
// never legitimately nest this far; anything deeper is a construction.
const defaultMaxMetadataDepth = 32

// ErrMetadataTooDeep reports metadata nested past the recursion bound.
var ErrMetadataTooDeep = errors.New("metadata nesting too deep")

// ScreenMetadata applies Screen to every string value in meta, nested
// maps and slices included, and returns a sanitized copy. A critical
// finding anywhere rejects the whole map; structured fields cannot
// smuggle what a top-level check would catch.
func (s *Screener) ScreenMetadata(ctx context.Context, meta map[string]any) (map[string]any, error) {
	if meta == nil {
		return nil, nil
	}
	v, err := s.screenValue(ctx, meta, 0)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (s *Screener) screenValue(ctx context.Context, v any, depth int) (any, error) {
	if depth > s.maxDepth {
		return nil, xerrors.Wrapf(ErrMetadataTooDeep, "depth %d", depth)
	}
	switch t := v.(type) {
	case string:
		out, err := s.Screen(ctx, t)
		if err != nil {
			return nil, err
		}
		if !out.Valid {
			return nil, xerrors.Wrap(ErrCriticalContent, "metadata value")
		}
		return out.Sanitized, nil
	case map[string]any:
		clean := make(map[string]any, len(t))
		for k, val := range t {
			cv, err := s.screenValue(ctx, val, depth+1)
			if err != nil {
				return nil, err
			}
			clean[k] = cv
		}
		return clean, nil
	case []any:
		clean := make([]any, len(t))
		for i, val := range t {
			cv, err := s.screenValue(ctx, val, depth+1)
			if err != nil {
				return nil, err
			}
			clean[i] = cv
		}
		return clean, nil
	case []string:
		clean := make([]string, len(t))
		for i, val := range t {
			cv, err := s.screenValue(ctx, val, depth+1)
			if err != nil {
				return nil, err
			}
			clean[i] = cv.(string)
		}
		return clean, nil
	default:
		// numbers, booleans, nil: nothing to screen
		return v, nil
	}
}
