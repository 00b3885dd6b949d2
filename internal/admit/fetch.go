package admit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// userAgent identifies this client on every outbound request.
const userAgent = "DollhouseMCP/1.6"

// fetch pulls the full payload into memory under the byte ceiling.
// Nothing touches disk here; validators run over exactly these bytes.
func (p *Pipeline) fetch(ctx context.Context, src Source) ([]byte, error) {
	switch src.Kind {
	case SourceRemote:
		return p.fetchRemote(ctx, src)
	case SourceLocal:
		return p.fetchLocal(ctx, src)
	default:
		return nil, xerrors.Newf("fetch: unknown source kind %q", src.Kind)
	}
}

func (p *Pipeline) fetchRemote(ctx context.Context, src Source) ([]byte, error) {
	if err := p.guardRemote(ctx, src.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch: build request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch %s", src)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, xerrors.Newf("fetch %s: status %d", src, resp.StatusCode)
	}

	// declared length aborts before the body; actual bytes still win below
	if resp.ContentLength > p.maxBytes {
		return nil, p.tooLarge(ctx, src, "declared")
	}

	data, err := readCapped(resp.Body, p.maxBytes)
	if errors.Is(err, ErrTooLarge) {
		return nil, p.tooLarge(ctx, src, "actual")
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch %s", src)
	}
	return data, nil
}

func (p *Pipeline) fetchLocal(ctx context.Context, src Source) ([]byte, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch %s", src)
	}
	if !info.Mode().IsRegular() {
		return nil, xerrors.Newf("fetch %s: not a regular file", src)
	}
	if info.Size() > p.maxBytes {
		return nil, p.tooLarge(ctx, src, "declared")
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch %s", src)
	}
	defer f.Close()

	// the file can grow between stat and read; the cap still holds
	data, err := readCapped(f, p.maxBytes)
	if errors.Is(err, ErrTooLarge) {
		return nil, p.tooLarge(ctx, src, "actual")
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch %s", src)
	}
	return data, nil
}

// readCapped reads at most max+1 bytes and reports ErrTooLarge the
// moment the ceiling is crossed, without draining the rest.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}

func (p *Pipeline) tooLarge(ctx context.Context, src Source, mode string) error {
	p.logger.Warn(ctx, "payload over size ceiling",
		"source", src.String(),
		"mode", mode,
		"limit_bytes", p.maxBytes,
	)
	p.sink.Emit(ctx, events.New(events.TypeCommitTooLarge, events.SeverityMedium, "admit",
		"payload exceeds size ceiling",
		"source", src.String(),
		"mode", mode,
		"limit_bytes", strconv.FormatInt(p.maxBytes, 10),
	))
	return xerrors.Wrapf(ErrTooLarge, "fetch %s: over %d bytes (%s)", src, p.maxBytes, mode)
}
