package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	err := Retry(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Retry error = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("validation rejected")
	err := Retry(context.Background(), 5, time.Millisecond, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Retry error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable errors must not be retried)", calls)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, 50*time.Millisecond, nil, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
}

func TestTradingWindowContains(t *testing.T) {
	w := TradingWindow{Start: "09:30", End: "16:00", Timezone: "UTC"}

	inside := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	ok, err := w.Contains(inside)
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if !ok {
		t.Error("12:00 should be inside 09:30-16:00")
	}

	outside := time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)
	ok, err = w.Contains(outside)
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if ok {
		t.Error("17:00 should be outside 09:30-16:00")
	}
}

func TestTradingWindowOvernight(t *testing.T) {
	w := TradingWindow{Start: "22:00", End: "02:00", Timezone: "UTC"}

	cases := []struct {
		hour int
		want bool
	}{
		{23, true},
		{1, true},
		{12, false},
	}
	for _, tc := range cases {
		now := time.Date(2025, 6, 2, tc.hour, 0, 0, 0, time.UTC)
		ok, err := w.Contains(now)
		if err != nil {
			t.Fatalf("Contains returned error: %v", err)
		}
		if ok != tc.want {
			t.Errorf("Contains(%02d:00) = %v, want %v", tc.hour, ok, tc.want)
		}
	}
}

func TestTradingWindowBadConfig(t *testing.T) {
	w := TradingWindow{Start: "25:00", End: "16:00", Timezone: "UTC"}
	if _, err := w.Contains(time.Now()); err == nil {
		t.Error("expected error for out-of-range start time")
	}

	w = TradingWindow{Start: "09:30", End: "16:00", Timezone: "Not/AZone"}
	if _, err := w.Contains(time.Now()); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("1234567890abcdef"); got != "12345678...cdef" {
		t.Errorf("MaskSecret() = %q, want %q", got, "12345678...cdef")
	}
	if got := MaskSecret("short"); got != "***" {
		t.Errorf("MaskSecret(short) = %q, want %q", got, "***")
	}
	if got := MaskSecret(""); got != "***" {
		t.Errorf("MaskSecret(empty) = %q, want %q", got, "***")
	}
}
