package dhtcrawl

import (
	"testing"
	"time"
)

func TestNewConfigDefaultsAreUsable(t *testing.T) {
	c := NewConfig()
	if c.BindPort == 0 {
		t.Errorf("expected a nonzero default bind port")
	}
	if c.K <= 0 || c.Alpha <= 0 {
		t.Errorf("expected positive K/Alpha defaults, got K=%d Alpha=%d", c.K, c.Alpha)
	}
	if c.BootstrapPingWindowMs <= 0 || c.BootstrapDeadlineMs <= 0 {
		t.Errorf("expected positive bootstrap timing defaults, got ping=%d deadline=%d",
			c.BootstrapPingWindowMs, c.BootstrapDeadlineMs)
	}

	lc := c.lookupConfig()
	if lc.Alpha != c.Alpha || lc.K != c.K {
		t.Errorf("lookupConfig did not carry over K/Alpha: got %+v", lc)
	}

	bc := c.bootstrapConfig()
	wantPing := time.Duration(c.BootstrapPingWindowMs) * time.Millisecond
	wantDeadline := time.Duration(c.BootstrapDeadlineMs) * time.Millisecond
	if bc.PingWindow != wantPing || bc.Deadline != wantDeadline {
		t.Errorf("bootstrapConfig did not carry over timing fields: got %+v, want ping=%v deadline=%v",
			bc, wantPing, wantDeadline)
	}
}

func TestOrIntFallsBackOnNonPositive(t *testing.T) {
	cases := []struct {
		v, fallback, want int
	}{
		{0, 5, 5},
		{-1, 5, 5},
		{3, 5, 3},
	}
	for _, c := range cases {
		if got := orInt(c.v, c.fallback); got != c.want {
			t.Errorf("orInt(%d, %d) = %d, want %d", c.v, c.fallback, got, c.want)
		}
	}
}

func TestOrDurationFallsBackOnNonPositive(t *testing.T) {
	cases := []struct {
		ms       int64
		fallback time.Duration
		want     time.Duration
	}{
		{0, 7 * time.Second, 7 * time.Second},
		{-1, 7 * time.Second, 7 * time.Second},
		{250, 7 * time.Second, 250 * time.Millisecond},
	}
	for _, c := range cases {
		if got := orDuration(c.ms, c.fallback); got != c.want {
			t.Errorf("orDuration(%d, %v) = %v, want %v", c.ms, c.fallback, got, c.want)
		}
	}
}
