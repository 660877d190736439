package repo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/flipset/flipset/pkg/types"
	log "github.com/sirupsen/logrus"
)

const defaultUserAgent = "flipset"

// Transport opens a repository file by URL.
// Errors returned for missing or unreachable files must be *types.TransportError.
type Transport interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// HTTPTransport fetches files over HTTP(S). Query is appended to every request so the server can
// see which version and seed are asking. Deadlines come from the request context only, image
// downloads can take long.
type HTTPTransport struct {
	Client    *http.Client
	UserAgent string
	Query     url.Values
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client:    &http.Client{},
		UserAgent: defaultUserAgent,
		Query:     url.Values{},
	}
}

func (t *HTTPTransport) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	if len(t.Query) > 0 {
		q := u.Query()
		for k, vs := range t.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	log.Debugf("GET %s", u.String())
	resp, err := client.Do(req)
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &types.TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// FileTransport reads file:// URLs from the local filesystem.
type FileTransport struct{}

func (FileTransport) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	return f, nil
}

// SchemeTransport dispatches on the URL scheme.
type SchemeTransport struct {
	HTTP *HTTPTransport
	File FileTransport
}

// DefaultTransport serves http, https and file URLs.
func DefaultTransport() *SchemeTransport {
	return &SchemeTransport{HTTP: NewHTTPTransport()}
}

func (t *SchemeTransport) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	switch u.Scheme {
	case "http", "https":
		return t.HTTP.Open(ctx, rawURL)
	case "file":
		return t.File.Open(ctx, rawURL)
	default:
		return nil, &types.TransportError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

// fetch reads a whole file, refusing anything longer than limit bytes.
func fetch(ctx context.Context, t Transport, rawURL string, limit int64) ([]byte, error) {
	rc, err := t.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, &types.TransportError{URL: rawURL, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", types.ErrIntegrityMismatch, rawURL, limit)
	}
	return data, nil
}
