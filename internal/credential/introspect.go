package credential

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// DefaultAPIBase is the provider endpoint introspection calls against.
const DefaultAPIBase = "https://api.github.com"

const userAgent = "DollhouseMCP/1.6"

// errScopeDenied marks a 403 from the provider; the manager converts it
// into a ScopeError naming the scopes the caller required.
var errScopeDenied = errors.New("provider denied required scope")

// Credential is a validated token with its derived attributes. Token is
// the raw secret; it never flows into logs, errors, or events.
type Credential struct {
	Token            string
	Type             TokenType
	Scopes           []string
	RateLimitPerHour int
}

// Introspector performs the single remote validation call.
type Introspector struct {
	client *http.Client
	base   string
}

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) IntrospectorOption {
	return func(i *Introspector) {
		if c != nil {
			i.client = c
		}
	}
}

// WithAPIBase points introspection at a different endpoint, primarily
// for tests and GitHub Enterprise hosts.
func WithAPIBase(base string) IntrospectorOption {
	return func(i *Introspector) {
		if base != "" {
			i.base = strings.TrimRight(base, "/")
		}
	}
}

// NewIntrospector builds an Introspector against the default API.
func NewIntrospector(opts ...IntrospectorOption) *Introspector {
	i := &Introspector{
		client: &http.Client{Timeout: 15 * time.Second},
		base:   DefaultAPIBase,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Introspect validates token with one GET /user call. Scopes come from
// the X-OAuth-Scopes response header; fine-grained tokens carry no such
// header and resolve to an empty scope set.
func (i *Introspector) Introspect(ctx context.Context, token string) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.base+"/user", nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build introspection request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(err, "introspection request")
	}
	defer resp.Body.Close()
	// body is irrelevant; drain a bounded amount for connection reuse
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK:
		cred := &Credential{
			Token:  token,
			Scopes: parseScopes(resp.Header.Get("X-OAuth-Scopes")),
		}
		cred.Type, _ = Classify(token)
		if n, convErr := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); convErr == nil {
			cred.RateLimitPerHour = n
		}
		return cred, nil
	case http.StatusUnauthorized:
		return nil, xerrors.Wrap(ErrInvalidCredential, "provider rejected token")
	case http.StatusForbidden:
		return nil, xerrors.Wrap(errScopeDenied, "introspection")
	default:
		return nil, xerrors.Newf("introspection status %d", resp.StatusCode)
	}
}

func parseScopes(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
