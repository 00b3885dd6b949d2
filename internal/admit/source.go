package admit

import (
	"net/url"
	"strings"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// SourceKind identifies where a payload comes from.
type SourceKind string

const (
	SourceRemote SourceKind = "remote"
	SourceLocal  SourceKind = "local"
)

// Source is a parsed content origin. Remote sources carry a URL, local
// sources a filesystem path. Only http and https URLs are accepted;
// anything else with a scheme is refused at parse time.
type Source struct {
	Kind SourceKind
	URL  *url.URL
	Path string
}

// ParseSource classifies raw as a remote URL or a local path.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, xerrors.New("source: empty")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		// no scheme: a plain filesystem path
		return Source{Kind: SourceLocal, Path: raw}, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return Source{}, xerrors.Newf("source: %q has no host", raw)
		}
		return Source{Kind: SourceRemote, URL: u}, nil
	default:
		return Source{}, xerrors.Wrapf(ErrSourceDenied, "source: scheme %q not allowed", u.Scheme)
	}
}

// String renders the source for logs. URL passwords are masked.
func (s Source) String() string {
	if s.Kind == SourceRemote && s.URL != nil {
		return s.URL.Redacted()
	}
	return s.Path
}
