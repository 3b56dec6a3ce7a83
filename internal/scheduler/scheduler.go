// Package scheduler fires the discovery pass at fixed wall-clock times.
// Triggers that land while a pass is still running are coalesced into at
// most one follow-up run, and only when the missed trigger is recent enough
// to still be worth honoring.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"bandwatch/internal/config"
)

// misfireGrace bounds how stale a missed trigger may be and still cause a
// follow-up pass once the current one finishes.
const misfireGrace = 300 * time.Second

type Config struct {
	// Times are daily fire points as HH:MM in Timezone.
	Times    []string
	Timezone string
}

type Scheduler struct {
	log   zerolog.Logger
	loc   *time.Location
	c     *cron.Cron
	job   func(ctx context.Context)
	grace time.Duration

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	missedAt time.Time

	wg sync.WaitGroup
}

// New builds a stopped scheduler. The job runs once per trigger; it is
// expected to be context-aware and to tolerate back-to-back invocations.
func New(cfg Config, job func(ctx context.Context), log zerolog.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}

	s := &Scheduler{
		log:   log,
		loc:   loc,
		job:   job,
		grace: misfireGrace,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log})),
	)
	for _, at := range cfg.Times {
		spec, err := specFor(at)
		if err != nil {
			return nil, err
		}
		if _, err := s.c.AddFunc(spec, s.trigger); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", at, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
	s.log.Info().Strs("entries", entryTimes(s.c)).Str("tz", s.loc.String()).Msg("scheduler started")
}

// Stop halts the cron loop and waits for any in-flight pass to return.
// Cancel the context passed to Start first if the pass should be cut short.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) trigger() {
	s.mu.Lock()
	if s.running {
		s.missedAt = time.Now()
		s.mu.Unlock()
		s.log.Warn().Msg("pass still running, trigger deferred")
		return
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(ctx)
}

// runLoop executes the job, then reruns it at most once per completed run if
// a trigger fired meanwhile and is still within the grace window.
func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.job(ctx)

		s.mu.Lock()
		missed := s.missedAt
		s.missedAt = time.Time{}
		if missed.IsZero() || time.Since(missed) > s.grace || ctx.Err() != nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.log.Info().Time("missed_at", missed).Msg("running coalesced pass for deferred trigger")
	}
}

func specFor(at string) (string, error) {
	h, m, err := config.ParseHHMM(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

func entryTimes(c *cron.Cron) []string {
	entries := c.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next.Format("2006-01-02 15:04"))
	}
	return out
}

// cronLogger adapts zerolog to the cron logging interface used by the
// panic-recovery wrapper.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}
