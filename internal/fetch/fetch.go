// Package fetch downloads user supplied input files into the output
// bucket so the R programs can read them through the output mount.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
)

const defaultTimeout = 5 * time.Minute

var (
	ErrHostNotAllowed = errors.New("download host not allowed")
	ErrBadStatus      = errors.New("unexpected download status")
)

type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithTimeout bounds a single download. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithAllowedHosts sets the hosts downloads may come from. A host matches
// itself and its subdomains.
func WithAllowedHosts(hosts ...string) Option {
	return func(f *Fetcher) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "."))
			if h != "" {
				f.allowed = append(f.allowed, h)
			}
		}
	}
}

// Fetcher writes downloads to <prefix><key> in a bucket whose root is the
// host directory root.
type Fetcher struct {
	bucket  *blob.Bucket
	root    string
	prefix  string
	client  *http.Client
	timeout time.Duration
	allowed []string
}

// New returns a Fetcher storing files under prefix in bucket. root is the
// host directory backing the bucket, used to report file paths.
func New(bucket *blob.Bucket, root, prefix string, opts ...Option) *Fetcher {
	f := &Fetcher{
		bucket:  bucket,
		root:    root,
		prefix:  strings.Trim(prefix, "/") + "/",
		client:  http.DefaultClient,
		timeout: defaultTimeout,
	}
	if f.prefix == "/" {
		f.prefix = ""
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, a := range f.allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// Download fetches rawURL and stores it as key. It returns the host path of
// the stored file.
func (f *Fetcher) Download(ctx context.Context, rawURL, key string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid download url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid download url %q: unsupported scheme", rawURL)
	}
	if !f.hostAllowed(u.Hostname()) {
		return "", fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}
	if key == "" || key != path.Base(key) {
		return "", fmt.Errorf("invalid download key %q", key)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	slog.DebugContext(ctx, "downloading file", "url", rawURL, "key", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not download input file %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: could not download input file (HTTP status %d): %s", ErrBadStatus, resp.StatusCode, rawURL)
	}

	objKey := f.prefix + key
	w, err := f.bucket.NewWriter(ctx, objKey, nil)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		// closing with a cancelled context discards the partial object
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("could not download input file %s: %w", rawURL, err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	p := filepath.Join(f.root, filepath.FromSlash(objKey))
	slog.DebugContext(ctx, "downloaded file", "path", p, "bytes", n)
	return p, nil
}
