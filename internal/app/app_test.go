package app

import (
	"testing"
	"time"

	"bandwatch/internal/config"
)

func durationConfig(interval string) *config.Config {
	return &config.Config{
		Source: config.SourceConfig{RequestDelay: "1500ms"},
		Store:  config.StoreConfig{BusyTimeout: "5s"},
		Retry:  config.RetryConfig{Interval: interval, SendPause: "2s"},
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()

	d, err := parseDurations(durationConfig("20m"))
	if err != nil {
		t.Fatal(err)
	}
	if d.requestDelay != 1500*time.Millisecond {
		t.Errorf("requestDelay = %v", d.requestDelay)
	}
	if d.busyTimeout != 5*time.Second {
		t.Errorf("busyTimeout = %v", d.busyTimeout)
	}
	if d.retryInterval != 20*time.Minute {
		t.Errorf("retryInterval = %v", d.retryInterval)
	}
	if d.sendPause != 2*time.Second {
		t.Errorf("sendPause = %v", d.sendPause)
	}
}

func TestParseDurationsPropagatesErrors(t *testing.T) {
	t.Parallel()

	if _, err := parseDurations(durationConfig("soon")); err == nil {
		t.Fatal("invalid retry.interval accepted")
	}
	bad := durationConfig("20m")
	bad.Source.RequestDelay = "-1s"
	if _, err := parseDurations(bad); err == nil {
		t.Fatal("negative source.request_delay accepted")
	}
}
