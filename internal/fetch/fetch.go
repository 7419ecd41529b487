// Package fetch retrieves the module manifest and module payloads from the
// content source. It never retries; the poller's next tick does.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/manifest"
)

const (
	defaultTimeout         = 5 * time.Second
	defaultMaxPayloadBytes = 10 << 20
)

// FetchError reports a timeout, transport failure, non-2xx response or
// unusable body.
type FetchError struct {
	URL        string
	Variant    string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	target := e.URL
	if e.Variant != "" {
		target = fmt.Sprintf("%s (%s)", e.URL, e.Variant)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", target, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the fetch failed because its deadline passed.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Config configures a Client.
type Config struct {
	ManifestURL     string
	Timeout         time.Duration
	MaxPayloadBytes int64
	UserAgent       string
	HTTPClient      *http.Client
	Logger          logrus.FieldLogger
}

// Client fetches manifests and payloads over HTTP. It reuses connections
// and is otherwise stateless.
type Client struct {
	manifestURL *url.URL
	http        *http.Client
	timeout     time.Duration
	maxBytes    int64
	userAgent   string
	log         logrus.FieldLogger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("manifest URL required")
	}
	u, err := url.Parse(cfg.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "modhost"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Client{
		manifestURL: u,
		http:        cfg.HTTPClient,
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxPayloadBytes,
		userAgent:   cfg.UserAgent,
		log:         cfg.Logger,
	}, nil
}

// ManifestURL returns the configured manifest location.
func (c *Client) ManifestURL() string {
	return c.manifestURL.String()
}

// FetchManifest downloads and parses the manifest.
func (c *Client) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	raw := c.manifestURL.String()
	body, err := c.get(ctx, raw, "")
	if err != nil {
		return nil, err
	}
	m, warnings, err := manifest.Parse(body, c.manifestURL)
	if err != nil {
		return nil, &FetchError{URL: raw, Err: err}
	}
	for _, w := range warnings {
		c.log.WithFields(logrus.Fields{
			"module": w.Module,
			"reason": w.Reason,
		}).Warn("manifest entry ignored")
	}
	return m, nil
}

// FetchPayload downloads one variant of a module.
func (c *Client) FetchPayload(ctx context.Context, rawURL, variant string) ([]byte, error) {
	if rawURL == "" {
		return nil, &FetchError{Variant: variant, Err: errors.New("no URL for variant")}
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Variant: variant, Err: err}
	}
	return c.get(ctx, c.manifestURL.ResolveReference(ref).String(), variant)
}

func (c *Client) get(ctx context.Context, rawURL, variant string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Variant: variant, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Variant: variant, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: rawURL, Variant: variant, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Variant: variant, Err: err}
	}
	if int64(len(body)) > c.maxBytes {
		return nil, &FetchError{URL: rawURL, Variant: variant, Err: fmt.Errorf("body exceeds %d bytes", c.maxBytes)}
	}
	return body, nil
}
