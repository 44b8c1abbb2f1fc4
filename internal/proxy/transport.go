package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"trustedge/internal/platform/config"
	pkgerrors "trustedge/pkg/domain-errors"
)

// Transport executes outbound requests against named backends. The
// interface exists so handler tests can substitute a recording fake for the
// real HTTP client.
type Transport interface {
	// Origin returns the base URL of the named backend.
	Origin(backend string) (*url.URL, bool)
	// Do executes the request against the named backend under that
	// backend's timeout. It makes exactly one attempt; retries are the
	// caller's policy, and no caller here has one.
	Do(ctx context.Context, backend string, req *http.Request) (*http.Response, error)
}

type backendClient struct {
	origin  *url.URL
	timeout time.Duration
	client  *http.Client
}

// HTTPTransport is the production Transport: one http.Client per backend so
// connection pools and timeouts never bleed across upstreams.
type HTTPTransport struct {
	backends map[string]*backendClient
}

// NewTransport builds clients for every configured backend.
func NewTransport(cfg map[string]config.Backend) (*HTTPTransport, error) {
	t := &HTTPTransport{backends: make(map[string]*backendClient, len(cfg))}
	for name, b := range cfg {
		origin, err := url.Parse(b.Origin)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeConfiguration, "backend "+name+" origin")
		}
		timeout := b.Timeout.Std()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		t.backends[name] = &backendClient{
			origin:  origin,
			timeout: timeout,
			client:  &http.Client{Timeout: timeout},
		}
	}
	return t, nil
}

func (t *HTTPTransport) Origin(backend string) (*url.URL, bool) {
	b, ok := t.backends[backend]
	if !ok {
		return nil, false
	}
	return b.origin, true
}

func (t *HTTPTransport) Do(ctx context.Context, backend string, req *http.Request) (*http.Response, error) {
	b, ok := t.backends[backend]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeConfiguration, "unknown backend %q", backend)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	resp, err := b.client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	// The body must outlive this call; tie the timeout to body closure.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
