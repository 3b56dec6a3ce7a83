// Package telegram delivers release notifications and status lines to a
// single chat. Every outgoing message goes through one retry wrapper with a
// per-attempt timeout, linear backoff for transient failures, and an
// immediate abort for protocol-level rejections.
package telegram

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"bandwatch/internal/release"
)

const (
	maxAttempts    = 5
	backoffUnit    = 5 * time.Second
	attemptTimeout = 10 * time.Second
)

type Config struct {
	Token  string
	ChatID int64
	// MaxDescriptionLength trims release descriptions in messages; 0 drops
	// descriptions entirely.
	MaxDescriptionLength int
}

// transport performs one send attempt. It is a field so tests can exercise
// the retry wrapper without a live bot.
type transport func(ctx context.Context, text string, html bool) error

type Channel struct {
	log    zerolog.Logger
	maxLen int

	send        transport
	backoffUnit time.Duration
	timeout     time.Duration
}

func New(cfg Config, log zerolog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// No poller: this process only sends.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}

	chat := &tele.Chat{ID: cfg.ChatID}
	return &Channel{
		log:         log,
		maxLen:      cfg.MaxDescriptionLength,
		backoffUnit: backoffUnit,
		timeout:     attemptTimeout,
		send: func(_ context.Context, text string, html bool) error {
			opts := &tele.SendOptions{}
			if html {
				opts.ParseMode = tele.ModeHTML
			} else {
				opts.DisableWebPagePreview = true
			}
			_, err := bot.Send(chat, text, opts)
			return err
		},
	}, nil
}

// SendRelease posts a formatted release notification. The boolean is the
// only outcome: on false the release stays pending for the retry sweep.
func (c *Channel) SendRelease(ctx context.Context, rel release.Release) bool {
	ok := c.sendWithRetry(ctx, FormatRelease(rel, c.maxLen), true, rel.String())
	if ok {
		c.log.Info().Str("release", rel.String()).Msg("release sent")
	}
	return ok
}

// SendStatus posts a plain status line.
func (c *Channel) SendStatus(ctx context.Context, text string) bool {
	return c.sendWithRetry(ctx, text, false, "status")
}

func (c *Channel) sendWithRetry(ctx context.Context, text string, html bool, what string) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(ctx, text, html)
		if err == nil {
			return true
		}

		if !recoverable(err) {
			c.log.Error().Str("what", what).Int("attempt", attempt).Err(err).Msg("send rejected")
			return false
		}

		c.log.Warn().Str("what", what).Int("attempt", attempt).Int("max", maxAttempts).Err(err).Msg("send failed")
		if attempt == maxAttempts {
			break
		}

		// Linear backoff: attempt number times the unit.
		wait := time.Duration(attempt) * c.backoffUnit
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	c.log.Error().Str("what", what).Int("attempts", maxAttempts).Msg("send gave up")
	return false
}

// attempt bounds a single send. The telebot client has no context hooks, so
// the send runs in its own goroutine and an expired deadline counts as a
// recoverable timeout; a late success or failure is discarded.
func (c *Channel) attempt(ctx context.Context, text string, html bool) error {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.send(actx, text, html) }()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
		return actx.Err()
	}
}

// recoverable reports whether a failure is worth another attempt. Flood
// limits and anything network-shaped are; other API-level rejections
// (bad markup, unknown chat, revoked token) will not improve with retries.
func recoverable(err error) bool {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return true
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return false
	}
	return true
}
