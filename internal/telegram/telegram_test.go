package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"bandwatch/internal/release"
)

func newTestChannel(send transport) *Channel {
	return &Channel{
		log:         zerolog.Nop(),
		maxLen:      0,
		send:        send,
		backoffUnit: 5 * time.Millisecond,
		timeout:     time.Second,
	}
}

func TestSendReleaseSucceedsOnFifthAttempt(t *testing.T) {
	t.Parallel()

	var calls int
	var stamps []time.Time
	ch := newTestChannel(func(context.Context, string, bool) error {
		calls++
		stamps = append(stamps, time.Now())
		if calls < 5 {
			return errors.New("connection reset")
		}
		return nil
	})

	ok := ch.SendRelease(context.Background(), release.Release{
		URL: "https://x.bandcamp.com/album/y", Title: "Y", Artist: "X",
	})
	if !ok {
		t.Fatal("expected eventual success")
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	// Backoff grows with the attempt number, so each gap between
	// consecutive attempts must be strictly longer than the previous one.
	var prev time.Duration
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		if gap <= prev {
			t.Fatalf("gap %d (%v) not longer than previous (%v)", i, gap, prev)
		}
		prev = gap
	}
}

func TestSendReleaseAbortsOnProtocolError(t *testing.T) {
	t.Parallel()

	var calls int
	ch := newTestChannel(func(context.Context, string, bool) error {
		calls++
		return &tele.Error{Code: 400, Description: "Bad Request: can't parse entities"}
	})

	if ch.SendRelease(context.Background(), release.Release{URL: "u", Title: "T", Artist: "A"}) {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries on protocol errors)", calls)
	}
}

func TestSendReleaseGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls int
	ch := newTestChannel(func(context.Context, string, bool) error {
		calls++
		return errors.New("timeout")
	})

	if ch.SendRelease(context.Background(), release.Release{URL: "u", Title: "T", Artist: "A"}) {
		t.Fatal("expected failure")
	}
	if calls != maxAttempts {
		t.Fatalf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestSendReleaseRetriesFloodError(t *testing.T) {
	t.Parallel()

	var calls int
	ch := newTestChannel(func(context.Context, string, bool) error {
		calls++
		if calls == 1 {
			return &tele.FloodError{RetryAfter: 1}
		}
		return nil
	})

	if !ch.SendRelease(context.Background(), release.Release{URL: "u", Title: "T", Artist: "A"}) {
		t.Fatal("expected success after flood retry")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestSendReleaseStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	ch := newTestChannel(func(context.Context, string, bool) error {
		calls++
		cancel()
		return errors.New("flaky")
	})

	if ch.SendRelease(ctx, release.Release{URL: "u", Title: "T", Artist: "A"}) {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancel observed during backoff)", calls)
	}
}

func TestAttemptTimesOutBlockedSend(t *testing.T) {
	t.Parallel()

	ch := newTestChannel(func(ctx context.Context, _ string, _ bool) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ch.timeout = 10 * time.Millisecond

	err := ch.attempt(context.Background(), "hi", false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !recoverable(err) {
		t.Fatal("a timed out attempt must be retried")
	}
}

func TestFormatRelease(t *testing.T) {
	t.Parallel()

	rel := release.Release{
		URL:    "https://shiny.bandcamp.com/album/glass",
		Title:  "Glass <Cuts>",
		Artist: "Shiny & Co",
		Tags:   []string{"post rock", "lo-fi"},
	}
	got := FormatRelease(rel, 0)

	for _, want := range []string{
		"🎵 <b>Glass &lt;Cuts&gt;</b>",
		"👤 <b>Shiny &amp; Co</b>",
		"🏷️ #post_rock #lo_fi",
		"🔗 <a href='https://shiny.bandcamp.com/album/glass'>Open on Bandcamp</a>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}
}

func TestFormatReleaseDescription(t *testing.T) {
	t.Parallel()

	rel := release.Release{
		URL: "u", Title: "T", Artist: "A",
		Description: "a very long liner note about the record",
	}
	if got := FormatRelease(rel, 0); strings.Contains(got, "liner note") {
		t.Errorf("description included with maxLen 0:\n%s", got)
	}
	got := FormatRelease(rel, 14)
	if !strings.Contains(got, "a very long...") {
		t.Errorf("description not truncated to 14 runes:\n%s", got)
	}
}

func TestHashtags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tags []string
		want string
	}{
		{"spaces and hyphens", []string{"dark ambient", "lo-fi"}, "#dark_ambient #lo_fi"},
		{"blank tags skipped", []string{"", "  ", "punk"}, "#punk"},
		{"empty list", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Hashtags(tt.tags); got != tt.want {
				t.Errorf("Hashtags(%v) = %q, want %q", tt.tags, got, tt.want)
			}
		})
	}
}
