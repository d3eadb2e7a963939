package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

const (
	// DefaultRegistryURL is the public npm registry.
	DefaultRegistryURL = "https://registry.npmjs.org"

	// DefaultMaxArchiveBytes caps a downloaded tarball.
	DefaultMaxArchiveBytes = 256 << 20
)

// HTTPSource downloads package tarballs from an npm style registry:
//
//	GET {base}/{name}/-/{basename}-{version}.tgz
//
// where basename is name without its scope. Transient server errors are
// retried; 404 means the package is missing and 429 that the registry is
// throttling us.
type HTTPSource struct {
	baseURL  string
	token    string
	maxBytes int64
	client   *retryablehttp.Client
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) HTTPOption {
	return func(s *HTTPSource) { s.token = token }
}

// WithMaxBytes limits how large an archive may be.
func WithMaxBytes(n int64) HTTPOption {
	return func(s *HTTPSource) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithRetries sets how often and how patiently failed requests are retried.
func WithRetries(max int, waitMin, waitMax time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.client.RetryMax = max
		s.client.RetryWaitMin = waitMin
		s.client.RetryWaitMax = waitMax
	}
}

// WithHTTPLogger routes the retry client's request logging to logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPSource) {
		if logger != nil {
			s.client.Logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.client.HTTPClient = c
		}
	}
}

// NewHTTPSource creates a source for the registry at baseURL. An empty
// baseURL means DefaultRegistryURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	client := retryablehttp.NewClient()
	client.Logger = slog.Default()
	client.RetryMax = 3
	client.CheckRetry = retryPolicy
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	s := &HTTPSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: DefaultMaxArchiveBytes,
		client:   client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TarballURL returns where name@version is downloaded from.
func (s *HTTPSource) TarballURL(name, version string) string {
	basename := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		basename = name[i+1:]
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", s.baseURL, name, basename, version)
}

func (s *HTTPSource) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	url := s.TarballURL(name, version)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", install.ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: fetching %s: %v", install.ErrSourceUnavailable, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s@%s (%s)", install.ErrPackageNotFound, name, version, url)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned %d", install.ErrRateLimited, url, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: %s returned %d", install.ErrSourceUnavailable, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: reading %s: %v", install.ErrSourceUnavailable, url, err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", install.ErrSourceUnavailable, url, s.maxBytes)
	}
	return body, nil
}

// retryPolicy retries transport errors and 5xx answers. A 429 is reported
// at once so the caller sees rate limiting as its own failure class.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
