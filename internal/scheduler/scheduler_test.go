package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()

	job := func(context.Context) {}
	if _, err := New(Config{Times: []string{"25:00"}}, job, zerolog.Nop()); err == nil {
		t.Error("expected error for hour 25")
	}
	if _, err := New(Config{Times: []string{"08:00"}, Timezone: "Mars/Olympus"}, job, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown timezone")
	}
	if _, err := New(Config{Times: []string{"08:00", "22:30"}, Timezone: "Europe/Berlin"}, job, zerolog.Nop()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestSpecFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"08:00", "0 8 * * *"},
		{"22:35", "35 22 * * *"},
		{"00:00", "0 0 * * *"},
	}
	for _, tt := range tests {
		got, err := specFor(tt.in)
		if err != nil {
			t.Fatalf("specFor(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("specFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTriggerWhileIdleRunsJob(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})
	s, err := New(Config{Times: []string{"08:00"}}, func(context.Context) { close(ran) }, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.ctx = context.Background()

	s.trigger()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	s.wg.Wait()
}

func TestOverlappingTriggersCoalesce(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	release := make(chan struct{})
	s, err := New(Config{Times: []string{"08:00"}}, func(context.Context) {
		if runs.Add(1) == 1 {
			<-release
		}
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.ctx = context.Background()

	s.trigger()
	waitFor(t, func() bool { return runs.Load() == 1 })

	// Several triggers during one run collapse into a single follow-up.
	s.trigger()
	s.trigger()
	s.trigger()
	close(release)

	s.wg.Wait()
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestStaleMissedTriggerIsDropped(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	release := make(chan struct{})
	s, err := New(Config{Times: []string{"08:00"}}, func(context.Context) {
		if runs.Add(1) == 1 {
			<-release
		}
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.ctx = context.Background()

	s.trigger()
	waitFor(t, func() bool { return runs.Load() == 1 })
	s.trigger()

	// Age the deferred trigger past the grace window.
	s.mu.Lock()
	s.missedAt = time.Now().Add(-s.grace - time.Minute)
	s.mu.Unlock()
	close(release)

	s.wg.Wait()
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (stale trigger must not rerun)", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
