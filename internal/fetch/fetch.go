// Package fetch retrieves discover pages over one of two transports: a plain
// HTTP client, or a headless browser that can expand paginated listings.
// The choice is made once at construction; callers never learn which
// transport served a given call.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

// ErrorKind classifies fetch failures.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindNetwork
	KindRender
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindRender:
		return "render"
	default:
		return "unknown"
	}
}

// Error wraps a transport failure with its classification and target URL.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher retrieves a parsed document for a page URL.
//
// Reset gives the transport a chance to discard session state (cookies,
// scroll position) before a fresh per-tag fetch; the plain HTTP transport
// treats it as a no-op.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string, expandPagination bool) (*goquery.Document, error)
	Reset(ctx context.Context) error
	Close() error
}

// Config carries transport settings shared by both implementations.
//
// Zero durations and counts fall back to the defaults below.
type Config struct {
	UserAgent    string
	RequestDelay time.Duration // politeness delay between upstream requests
	Timeout      time.Duration // per-attempt bound
	Retries      int           // additional attempts after the first

	Browser BrowserConfig
}

type BrowserConfig struct {
	Enabled       bool
	MaxExpansions int           // "view more" trigger cap per page
	ActionDelay   time.Duration // settle time after page interactions
}

const (
	defaultTimeout       = 20 * time.Second
	defaultRetries       = 2
	defaultActionDelay   = 2 * time.Second
	defaultMaxExpansions = 5
	retryDelayUnit       = 2 * time.Second
)

func (c *Config) normalize() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = defaultRetries
	}
	if c.Browser.ActionDelay <= 0 {
		c.Browser.ActionDelay = defaultActionDelay
	}
	if c.Browser.MaxExpansions <= 0 {
		c.Browser.MaxExpansions = defaultMaxExpansions
	}
}

// New builds the fetcher for the configured capability: a browser-backed
// transport with HTTP fallback when the browser is enabled, the plain HTTP
// transport otherwise.
func New(cfg Config, log zerolog.Logger) Fetcher {
	cfg.normalize()
	client := NewClient(cfg, log)
	if !cfg.Browser.Enabled {
		return client
	}
	return NewBrowser(cfg, client, log)
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
