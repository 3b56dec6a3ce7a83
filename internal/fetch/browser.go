package fetch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// dismissConsentJS clicks a cookie-consent accept button when one is shown.
// Returns whether anything was clicked.
const dismissConsentJS = `(() => {
	const candidates = Array.from(document.querySelectorAll('button, div[class*="cookie"] button'));
	for (const b of candidates) {
		const text = (b.textContent || '').trim().toLowerCase();
		const cls = (b.className || '').toString().toLowerCase();
		if (text.includes('accept') || cls.includes('accept')) {
			b.scrollIntoView({block: 'center'});
			b.click();
			return true;
		}
	}
	return false;
})()`

// clickViewMoreJS clicks the listing's "view more" control when present and
// visible. Returns whether a click happened.
const clickViewMoreJS = `(() => {
	const buttons = Array.from(document.querySelectorAll('button'));
	for (const b of buttons) {
		const text = (b.textContent || '').trim().toLowerCase();
		const hasHint = b.id === 'view-more' ||
			b.getAttribute('data-test') === 'view-more' ||
			text.includes('view more') ||
			(text.includes('more') && (b.className || '').toString().toLowerCase().includes('more'));
		if (hasHint && !b.disabled && b.offsetParent !== null) {
			b.scrollIntoView({block: 'center'});
			b.click();
			return true;
		}
	}
	return false;
})()`

const scrollBottomJS = `window.scrollTo(0, document.body.scrollHeight)`

// Browser is the heavy rendering transport. It drives a headless browser so
// scripted listings can be expanded past the first page. A persistent render
// failure within one call falls back to the plain transport for that call
// only; the browser is tried again on the next one.
type Browser struct {
	cfg      Config
	log      zerolog.Logger
	fallback *Client

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

var _ Fetcher = (*Browser)(nil)

func NewBrowser(cfg Config, fallback *Client, log zerolog.Logger) *Browser {
	cfg.normalize()
	return &Browser{cfg: cfg, log: log, fallback: fallback}
}

// Reset discards the current browser session so the next fetch starts with
// fresh cookies and scroll state. Startup failures are returned but leave
// the Browser usable; Fetch will retry the restart and fall back if needed.
func (b *Browser) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return b.startLocked(ctx)
}

func (b *Browser) startLocked(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.WindowSize(1280, 720),
	)
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Launch eagerly so startup failures show up here, not mid-fetch.
	startCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return &Error{Kind: KindRender, URL: "about:blank", Err: err}
	}

	b.allocCancel = allocCancel
	b.tabCtx = tabCtx
	b.tabCancel = tabCancel
	b.log.Debug().Msg("browser session started")
	return nil
}

func (b *Browser) closeLocked() {
	if b.tabCancel != nil {
		b.tabCancel()
		b.tabCancel = nil
		b.tabCtx = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
}

func (b *Browser) Close() error {
	b.mu.Lock()
	b.closeLocked()
	b.mu.Unlock()
	return b.fallback.Close()
}

func (b *Browser) Fetch(ctx context.Context, pageURL string, expandPagination bool) (*goquery.Document, error) {
	var last error
	for attempt := 0; attempt <= b.cfg.Retries; attempt++ {
		if attempt > 0 {
			b.log.Warn().Str("url", pageURL).Int("attempt", attempt+1).Err(last).Msg("retrying render")
			if err := sleepCtx(ctx, time.Duration(attempt)*retryDelayUnit); err != nil {
				return nil, &Error{Kind: KindRender, URL: pageURL, Err: err}
			}
			// A broken tab rarely heals; restart before the next try.
			if err := b.Reset(ctx); err != nil {
				last = err
				continue
			}
		}

		doc, err := b.fetchOnce(ctx, pageURL, expandPagination)
		if err == nil {
			return doc, nil
		}
		last = err
	}

	// Fall back to the plain transport for this call only. Expansion is a
	// browser capability, so the fallback serves the unexpanded page.
	b.log.Warn().Str("url", pageURL).Err(last).Msg("render transport failed, falling back to plain fetch")
	return b.fallback.Fetch(ctx, pageURL, false)
}

func (b *Browser) fetchOnce(ctx context.Context, pageURL string, expand bool) (*goquery.Document, error) {
	b.mu.Lock()
	tab := b.tabCtx
	b.mu.Unlock()
	if tab == nil {
		if err := b.Reset(ctx); err != nil {
			return nil, err
		}
		b.mu.Lock()
		tab = b.tabCtx
		b.mu.Unlock()
	}

	// Bound the whole page interaction; expansion clicks make a fixed
	// per-attempt timeout too tight.
	budget := b.cfg.Timeout
	if expand {
		budget += time.Duration(b.cfg.Browser.MaxExpansions) * (b.cfg.Browser.ActionDelay + b.cfg.Timeout/4)
	}
	runCtx, cancel := context.WithTimeout(tab, budget)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(b.cfg.Browser.ActionDelay),
	)
	if err != nil {
		return nil, &Error{Kind: classifyRenderErr(err), URL: pageURL, Err: err}
	}

	var dismissed bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(dismissConsentJS, &dismissed)); err == nil && dismissed {
		b.log.Debug().Str("url", pageURL).Msg("consent prompt dismissed")
		_ = chromedp.Run(runCtx, chromedp.Sleep(b.cfg.Browser.ActionDelay))
	}

	if expand {
		b.expandListing(runCtx, pageURL)
	}

	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, &Error{Kind: classifyRenderErr(err), URL: pageURL, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &Error{Kind: KindRender, URL: pageURL, Err: err}
	}
	return doc, nil
}

// expandListing triggers the "view more" control until it disappears, the
// expansion cap is reached, or the page stops growing between two
// consecutive expansions. Errors here degrade to a shorter listing; the
// page as rendered so far is still worth extracting.
func (b *Browser) expandListing(ctx context.Context, pageURL string) {
	clicks := 0
	prevHeight := int64(-1)
	for i := 0; i < b.cfg.Browser.MaxExpansions; i++ {
		var height int64
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(scrollBottomJS, nil),
			chromedp.Sleep(b.cfg.Browser.ActionDelay/2),
			chromedp.Evaluate(`document.body.scrollHeight`, &height),
		); err != nil {
			b.log.Debug().Str("url", pageURL).Err(err).Msg("listing expansion stopped")
			return
		}
		if height == prevHeight {
			b.log.Debug().Str("url", pageURL).Int("clicks", clicks).Msg("listing stopped growing")
			return
		}
		prevHeight = height

		var clicked bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(clickViewMoreJS, &clicked)); err != nil {
			b.log.Debug().Str("url", pageURL).Err(err).Msg("listing expansion stopped")
			return
		}
		if !clicked {
			b.log.Debug().Str("url", pageURL).Int("clicks", clicks).Msg("view-more control gone")
			return
		}
		clicks++
		if err := chromedp.Run(ctx, chromedp.Sleep(b.cfg.Browser.ActionDelay)); err != nil {
			return
		}
	}
	b.log.Debug().Str("url", pageURL).Int("clicks", clicks).Msg("expansion cap reached")
}

func classifyRenderErr(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindRender
}
