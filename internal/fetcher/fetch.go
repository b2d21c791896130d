package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/voyagen/mayotv/internal/logger"
	"github.com/voyagen/mayotv/internal/metrics"
)

const (
	DefaultTimeout   = 8 * time.Second
	DefaultUserAgent = "MayoTV/1.0"

	maxBodyBytes = 256 << 20
)

// Resource names one remote JSON document and the URLs it can be read from.
type Resource struct {
	Name      string
	URL       string
	Fallbacks []string
}

// Candidates returns the primary URL followed by the fallbacks, skipping empties.
func (r Resource) Candidates() []string {
	urls := make([]string, 0, 1+len(r.Fallbacks))
	for _, u := range append([]string{r.URL}, r.Fallbacks...) {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Client performs GET requests with a per-attempt timeout.
type Client struct {
	http      *http.Client
	userAgent string
	timeout   time.Duration
	breakers  *breakers
	log       logger.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		if ua != "" {
			cl.userAgent = ua
		}
	}
}

// WithTimeout bounds each single URL attempt.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

func WithBreaker(cfg BreakerConfig) Option {
	return func(cl *Client) { cl.breakers = newBreakers(cfg) }
}

func WithLogger(l logger.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func New(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{},
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
		log:       logger.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Component("fetcher")
	return c
}

// FetchJSON reads primaryURL and then each fallback in order, returning
// the first 2xx response that decodes as T. Each URL is tried once. When
// all fail the result is a *ResourceFetchError wrapping the last error.
func FetchJSON[T any](ctx context.Context, c *Client, primaryURL, resourceName string, fallbackURLs []string) (T, error) {
	return Fetch[T](ctx, c, Resource{Name: resourceName, URL: primaryURL, Fallbacks: fallbackURLs})
}

// Fetch is FetchJSON taking a Resource.
func Fetch[T any](ctx context.Context, c *Client, res Resource) (T, error) {
	var zero T
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(res.Name).Observe(time.Since(start).Seconds())
	}()

	candidates := res.Candidates()
	if len(candidates) == 0 {
		return zero, &ResourceFetchError{Resource: res.Name, Err: ErrNoSources}
	}

	var (
		lastErr  error
		attempts int
	)
	for _, u := range candidates {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attempts++

		v, err := attempt[T](ctx, c, u)
		metrics.FetchAttempts.WithLabelValues(res.Name, outcome(err)).Inc()
		if err == nil {
			if attempts > 1 {
				c.log.Info().Str("resource", res.Name).Str("url", u).Int("attempt", attempts).Msg("served by fallback")
			}
			return v, nil
		}
		c.log.Debug().Err(err).Str("resource", res.Name).Str("url", u).Msg("source failed")
		lastErr = err
	}

	return zero, &ResourceFetchError{Resource: res.Name, Attempts: attempts, Err: lastErr}
}

func attempt[T any](ctx context.Context, c *Client, url string) (T, error) {
	var v T

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := execute(c.breakers.forURL(url), func() ([]byte, error) {
		return c.get(ctx, url)
	})
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, &DecodeError{URL: url, Err: err}
	}
	return v, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("ReadAll: %w", err)
	}
	return body, nil
}
