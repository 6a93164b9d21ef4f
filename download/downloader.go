// Package download fetches image bytes from remote URLs with
// singleflight-based deduplication. When multiple cache operations race on
// the same uncached URL, only one HTTP request is made and every caller
// shares its result.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds a single image download.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps the size of a downloaded image.
	DefaultMaxBytes = 32 * 1024 * 1024
)

// Result holds the outcome of an image download.
type Result struct {
	Body        []byte
	ContentType string
}

// Downloader fetches remote images, deduplicating concurrent fetches for
// the same URL. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight download for others.
type Downloader struct {
	group    singleflight.Group
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithClient sets the HTTP client, replacing the default timeout client.
func WithClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithMaxBytes sets the maximum accepted response size.
func WithMaxBytes(n int64) Option {
	return func(d *Downloader) {
		d.maxBytes = n
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:   &http.Client{Timeout: DefaultTimeout},
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads the image at url. Concurrent calls for the same URL are
// collapsed into a single request; callers whose context expires first get
// their context error while the download continues for the rest.
func (d *Downloader) Fetch(ctx context.Context, url string) (*Result, error) {
	ch := d.group.DoChan(url, func() (any, error) {
		// Detached context so no single caller's cancellation stops the
		// download for everyone else.
		return d.fetch(context.WithoutCancel(ctx), url)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Allow a later call to retry instead of replaying the failure.
			d.group.Forget(url)
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Downloader) fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", url, err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, fmt.Errorf("fetching %s: body exceeds %d bytes", url, d.maxBytes)
	}

	d.logger.Debug("downloaded image",
		"url", url,
		"bytes", len(body),
		"duration", time.Since(start),
	)

	return &Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
