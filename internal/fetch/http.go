package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Client is the lightweight request-based transport. It cannot expand
// paginated listings; expandPagination is accepted and ignored so the two
// transports stay interchangeable.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	ua      string
	retries int
	log     zerolog.Logger
}

var _ Fetcher = (*Client)(nil)

func NewClient(cfg Config, log zerolog.Logger) *Client {
	cfg.normalize()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestDelay), 1)
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		ua:      cfg.UserAgent,
		retries: cfg.Retries,
		log:     log,
	}
}

func (c *Client) Fetch(ctx context.Context, pageURL string, _ bool) (*goquery.Document, error) {
	var last error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Warn().Str("url", pageURL).Int("attempt", attempt+1).Err(last).Msg("retrying fetch")
			if err := sleepCtx(ctx, time.Duration(attempt)*retryDelayUnit); err != nil {
				return nil, &Error{Kind: KindNetwork, URL: pageURL, Err: err}
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindNetwork, URL: pageURL, Err: err}
		}

		doc, err := c.fetchOnce(ctx, pageURL)
		if err == nil {
			return doc, nil
		}
		last = err
	}
	return nil, last
}

func (c *Client) fetchOnce(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: pageURL, Err: err}
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyNetErr(err), URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindNetwork, URL: pageURL, Err: fmt.Errorf("upstream returned %s", resp.Status)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: pageURL, Err: fmt.Errorf("parse document: %w", err)}
	}
	return doc, nil
}

// Reset is a no-op: the plain transport keeps no per-tag session state.
func (c *Client) Reset(context.Context) error { return nil }

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func classifyNetErr(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
