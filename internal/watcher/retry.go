package watcher

import (
	"context"
	"time"
)

const (
	retryStopWait = 5 * time.Second

	// defaultRetryInterval backstops a non-positive configured interval so
	// the ticker below never panics.
	defaultRetryInterval = 20 * time.Minute
)

// StartRetryLoop runs the pending-release sweep in the background: once
// right away, then on the configured interval until the context is canceled.
func (w *Watcher) StartRetryLoop(ctx context.Context) {
	w.retryDone = make(chan struct{})
	go w.retryLoop(ctx)
}

// StopRetryLoop waits briefly for the loop to exit. Cancel the context
// passed to StartRetryLoop first.
func (w *Watcher) StopRetryLoop() {
	if w.retryDone == nil {
		return
	}
	select {
	case <-w.retryDone:
	case <-time.After(retryStopWait):
		w.log.Warn().Msg("retry loop did not stop in time")
	}
}

func (w *Watcher) retryLoop(ctx context.Context) {
	defer close(w.retryDone)

	interval := w.snapshot().RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	w.log.Info().Dur("interval", interval).Msg("retry loop started")

	w.drainPending(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("retry loop stopped")
			return
		case <-t.C:
			w.drainPending(ctx)
		}
	}
}

// drainPending retries every pending release in creation order. One failed
// item does not stop the rest of the sweep.
func (w *Watcher) drainPending(ctx context.Context) {
	recs, err := w.store.ListPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("list pending failed")
		}
		return
	}
	if len(recs) == 0 {
		return
	}

	pause := w.snapshot().SendPause
	w.log.Info().Int("pending", len(recs)).Msg("retry sweep started")

	delivered := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if !w.channel.SendRelease(ctx, rec.Release()) {
			continue
		}
		if err := w.store.MarkDelivered(ctx, rec.URL); err != nil {
			w.log.Error().Str("url", rec.URL).Err(err).Msg("mark delivered failed")
			continue
		}
		delivered++
		if sleepCtx(ctx, pause) != nil {
			return
		}
	}
	w.log.Info().Int("delivered", delivered).Int("pending", len(recs)-delivered).Msg("retry sweep finished")
}
