package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithoutJitter(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		b := Default()
		b.Rand = func() float64 { return r }
		got := b.Delay(2)
		if got < 3200*time.Millisecond || got > 4800*time.Millisecond {
			t.Errorf("Delay(2) with rand %v = %v, outside ±20%% of 4s", r, got)
		}
	}

	b := Default()
	b.Rand = func() float64 { return 0.999 }
	if got := b.Delay(10); got > 60*time.Second {
		t.Errorf("jitter must not exceed the cap, got %v", got)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	err := Do(context.Background(), Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, 5,
		func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context) error {
			calls++
			return fatal
		})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do() error = %v, want fatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, 3, nil,
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
}
