package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/http2"
)

// Common errors.
var (
	ErrExists  = errors.New("fetch: destination already exists")
	ErrBadLink = errors.New("fetch: invalid link")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Link string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d %s", e.Link, e.Code, http.StatusText(e.Code))
}

// Options configures the HTTP session.
type Options struct {
	// HTTP2 enables HTTP/2 over TLS. When false the transport speaks HTTP/1.1 only.
	HTTP2 bool

	// UserAgent is sent with every request when set.
	UserAgent string

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int
}

// Fetcher downloads links with one shared session.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewClient builds the shared session for opts.
func NewClient(opts Options) (*http.Client, error) {
	idle := opts.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = 16
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: idle,
		MaxIdleConns:        idle * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if opts.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	} else {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	// Per-link deadlines come from the caller's context.
	return &http.Client{Transport: transport}, nil
}

// New creates a fetcher with its own session.
func New(opts Options) (*Fetcher, error) {
	client, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, opts.UserAgent), nil
}

// NewWithClient creates a fetcher on an existing session.
func NewWithClient(client *http.Client, userAgent string) *Fetcher {
	return &Fetcher{client: client, userAgent: userAgent}
}

// Fetch downloads link into dest. It returns ErrExists when dest is already
// present and leaves no partial file behind on failure.
func (f *Fetcher) Fetch(ctx context.Context, link, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadLink, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", link, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Link: link, Code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}

	return writeFile(resp.Body, dest)
}

func writeFile(body io.Reader, dest string) (err error) {
	part := dest + ".part"

	file, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			os.Remove(part)
		}
	}()

	if _, err = io.Copy(file, body); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", part, err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", part, err)
	}

	if _, statErr := os.Stat(dest); statErr == nil {
		err = fmt.Errorf("%w: %s", ErrExists, dest)
		return err
	}
	if err = os.Rename(part, dest); err != nil {
		return fmt.Errorf("rename %s: %w", part, err)
	}

	return nil
}
