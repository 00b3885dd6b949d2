package admit

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// resolver is the DNS lookup surface the guard needs. *net.Resolver
// satisfies it; tests substitute canned answers.
type resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// blockedHosts are refused by name, before any DNS lookup.
var blockedHosts = map[string]struct{}{
	"metadata.google.internal": {},
}

var cloudMetadataIP = net.IPv4(169, 254, 169, 254)

// denyReason classifies an address against the denylist. Empty means
// the address is acceptable.
func denyReason(ip net.IP) string {
	switch {
	case ip.Equal(cloudMetadataIP):
		return "cloud metadata endpoint"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private range"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsUnspecified():
		return "unspecified"
	}
	return ""
}

// guardRemote refuses URLs whose host is denylisted by name, is a
// denylisted IP literal, or resolves to any denylisted address. Every
// DNS answer is checked; one bad address poisons the lot.
func (p *Pipeline) guardRemote(ctx context.Context, u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return xerrors.Wrap(ErrSourceDenied, "guard: empty host")
	}

	if _, bad := blockedHosts[host]; bad {
		return p.deny(ctx, host, "blocked hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason := denyReason(ip); reason != "" {
			return p.deny(ctx, host, reason)
		}
		return nil
	}

	addrs, err := p.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return xerrors.Wrapf(err, "guard: resolve %s", host)
	}
	if len(addrs) == 0 {
		return xerrors.Newf("guard: %s resolved to no addresses", host)
	}
	for _, ip := range addrs {
		if reason := denyReason(ip); reason != "" {
			return p.deny(ctx, host, reason)
		}
	}
	return nil
}

func (p *Pipeline) deny(ctx context.Context, host, reason string) error {
	p.logger.Warn(ctx, "remote source denied",
		"host", host,
		"reason", reason,
	)
	p.sink.Emit(ctx, events.New(events.TypeCommitSourceDenied, events.SeverityHigh, "admit",
		"remote source refused before request",
		"host", host,
		"reason", reason,
	))
	return xerrors.Wrapf(ErrSourceDenied, "guard: %s is %s", host, reason)
}
