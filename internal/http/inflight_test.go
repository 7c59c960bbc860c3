package http

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestInFlightTracker_StartAndDone(t *testing.T) {
	tracker := &InFlightTracker{}

	doneA := tracker.Start(ForecastRoute)
	doneB := tracker.Start(ForecastRoute)
	doneH := tracker.Start("/health")
	if got := tracker.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
	if got, want := tracker.Routes(), []string{ForecastRoute, "/health"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Routes() = %v, want %v", got, want)
	}

	doneH()
	doneH()
	if got := tracker.Count(); got != 2 {
		t.Errorf("Count() after double done = %d, want 2", got)
	}
	if got := tracker.Routes(); !reflect.DeepEqual(got, []string{ForecastRoute}) {
		t.Errorf("Routes() = %v, want only forecast", got)
	}

	doneA()
	doneB()
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if got := tracker.Routes(); len(got) != 0 {
		t.Errorf("Routes() = %v, want empty", got)
	}
}

func TestInFlightTracker_WaitForZero(t *testing.T) {
	tracker := &InFlightTracker{}
	done := tracker.Start(ForecastRoute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	returned := make(chan error, 1)
	go func() { returned <- tracker.WaitForZero(ctx, 5*time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	done()

	select {
	case err := <-returned:
		if err != nil {
			t.Errorf("WaitForZero() = %v, want nil", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("WaitForZero did not return after count reached zero")
	}
}

func TestInFlightTracker_WaitForZeroContextCanceled(t *testing.T) {
	tracker := &InFlightTracker{}
	tracker.Start(ForecastRoute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForZero() = %v, want context.Canceled", err)
	}
}
