// Package watcher runs the discovery pass: fetch each configured tag page,
// extract releases, record them, and deliver the ones that are genuinely new.
// Blacklisted tags are recorded but never delivered, which keeps their
// releases out of every future pass.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"bandwatch/internal/extract"
	"bandwatch/internal/release"
	"bandwatch/internal/store"
)

// failureStatusTimeout bounds the best-effort status send after a failed
// pass so a channel outage cannot wedge shutdown.
const failureStatusTimeout = 15 * time.Second

// Fetcher loads a listing page as a parsed document.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string, expandPagination bool) (*goquery.Document, error)
	Reset(ctx context.Context) error
}

// Channel delivers notifications. Both methods report only success or
// failure; retries happen inside the channel.
type Channel interface {
	SendRelease(ctx context.Context, rel release.Release) bool
	SendStatus(ctx context.Context, text string) bool
}

// Store is the subset of the release store the watcher needs.
type Store interface {
	Insert(ctx context.Context, rec store.Record) (bool, error)
	MarkDelivered(ctx context.Context, url string) error
	ListPending(ctx context.Context) ([]store.Record, error)
	RetentionSweep(ctx context.Context, maxAgeDays int) (int64, error)
}

type Config struct {
	BaseURL       string
	Tags          []string
	BlacklistTags []string
	SendPause     time.Duration
	RetentionDays int
	RetryInterval time.Duration
}

type Watcher struct {
	log     zerolog.Logger
	fetcher Fetcher
	extract *extract.Extractor
	store   Store
	channel Channel

	mu  sync.Mutex
	cfg Config

	// passMu serializes passes; an overlapping trigger is refused, not queued.
	passMu sync.Mutex

	retryDone chan struct{}
}

func New(cfg Config, f Fetcher, ex *extract.Extractor, st Store, ch Channel, log zerolog.Logger) *Watcher {
	return &Watcher{
		log:     log,
		fetcher: f,
		extract: ex,
		store:   st,
		channel: ch,
		cfg:     cfg,
	}
}

// SetTags swaps the watch and blacklist lists. The next pass picks them up.
func (w *Watcher) SetTags(tags, blacklist []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg.Tags = append([]string(nil), tags...)
	w.cfg.BlacklistTags = append([]string(nil), blacklist...)
}

func (w *Watcher) snapshot() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// RunPass executes one full discovery pass. Failures never escape: a store
// or pass-level error is logged and reported as a status message, and the
// process keeps running.
func (w *Watcher) RunPass(ctx context.Context) {
	if !w.passMu.TryLock() {
		w.log.Warn().Msg("pass already running, trigger refused")
		return
	}
	defer w.passMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("pass panicked")
			w.reportFailure(ctx, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := w.runPass(ctx); err != nil {
		if ctx.Err() != nil {
			w.log.Info().Msg("pass interrupted by shutdown")
			return
		}
		w.log.Error().Err(err).Msg("pass failed")
		w.reportFailure(ctx, err)
	}
}

func (w *Watcher) runPass(ctx context.Context) error {
	start := time.Now()
	cfg := w.snapshot()
	w.log.Info().
		Int("tags", len(cfg.Tags)).
		Int("blacklist", len(cfg.BlacklistTags)).
		Msg("pass started")

	suppressed := 0
	for _, tag := range cfg.BlacklistTags {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rels, ok := w.fetchTag(ctx, cfg, tag, false)
		if !ok {
			continue
		}
		for _, rel := range rels {
			inserted, err := w.store.Insert(ctx, recordFrom(rel))
			if err != nil {
				return fmt.Errorf("record blacklisted release: %w", err)
			}
			if !inserted {
				continue
			}
			if err := w.store.MarkDelivered(ctx, rel.URL); err != nil {
				return fmt.Errorf("suppress blacklisted release: %w", err)
			}
			suppressed++
		}
	}

	sent := 0
	for _, tag := range cfg.Tags {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rels, ok := w.fetchTag(ctx, cfg, tag, true)
		if !ok {
			continue
		}
		for _, rel := range rels {
			inserted, err := w.store.Insert(ctx, recordFrom(rel))
			if err != nil {
				return fmt.Errorf("record release: %w", err)
			}
			if !inserted {
				continue
			}
			if !w.channel.SendRelease(ctx, rel) {
				// Stays pending; the retry sweep picks it up.
				w.log.Warn().Str("release", rel.String()).Msg("delivery failed, left pending")
				continue
			}
			if err := w.store.MarkDelivered(ctx, rel.URL); err != nil {
				return fmt.Errorf("mark delivered: %w", err)
			}
			sent++
			if err := sleepCtx(ctx, cfg.SendPause); err != nil {
				return err
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.channel.SendStatus(ctx, passStatus(sent))

	if cfg.RetentionDays > 0 {
		removed, err := w.store.RetentionSweep(ctx, cfg.RetentionDays)
		if err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}
		if removed > 0 {
			w.log.Info().Int64("removed", removed).Msg("retention sweep")
		}
	}

	w.log.Info().
		Int("sent", sent).
		Int("suppressed", suppressed).
		Dur("took", time.Since(start)).
		Msg("pass finished")
	return nil
}

// fetchTag loads and parses one tag listing. A failed tag is skipped so the
// rest of the pass still runs.
func (w *Watcher) fetchTag(ctx context.Context, cfg Config, tag string, expand bool) ([]release.Release, bool) {
	if err := w.fetcher.Reset(ctx); err != nil {
		w.log.Warn().Str("tag", tag).Err(err).Msg("fetcher reset failed")
	}
	u := tagURL(cfg.BaseURL, tag)
	doc, err := w.fetcher.Fetch(ctx, u, expand)
	if err != nil {
		w.log.Error().Str("tag", tag).Str("url", u).Err(err).Msg("tag fetch failed")
		return nil, false
	}
	rels := w.extract.Extract(doc, tag)
	w.log.Debug().Str("tag", tag).Int("found", len(rels)).Msg("tag extracted")
	return rels, true
}

func (w *Watcher) reportFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), failureStatusTimeout)
	defer cancel()
	w.channel.SendStatus(sctx, "⚠️ Pass failed: "+err.Error())
}

func passStatus(sent int) string {
	if sent == 0 {
		return "📭 Nothing new this time"
	}
	return fmt.Sprintf("✅ Found and sent %d new release(s)", sent)
}

// tagURL builds the sorted-by-new listing url for a tag. Multi-word tags
// use hyphens in the path segment.
func tagURL(base, tag string) string {
	slug := strings.ReplaceAll(strings.TrimSpace(tag), " ", "-")
	return strings.TrimRight(base, "/") + "/discover/" + slug + "?sort=new"
}

func recordFrom(rel release.Release) store.Record {
	return store.Record{
		URL:         rel.URL,
		Title:       rel.Title,
		Artist:      rel.Artist,
		Tags:        rel.Tags,
		CoverURL:    rel.CoverURL,
		Description: rel.Description,
	}
}

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
