package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want boom", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("expected supervisor context to be canceled")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected final error")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (1 run + 2 restarts)", got)
	}
}
