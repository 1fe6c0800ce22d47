package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "switchboard/pkg/logx"
)

func collect(t *testing.T, n int) (Handler, func() []Message) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []Message
	)
	done := make(chan struct{})
	h := func(ctx context.Context, m Message) error {
		mu.Lock()
		got = append(got, m)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	}
	wait := func() []Message {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d messages", n)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Message(nil), got...)
	}
	return h, wait
}

func TestMemoryGroupsCompeteAndFanOut(t *testing.T) {
	b := NewMemory(logx.Nop())
	defer b.Close()
	ctx := context.Background()

	var a1, a2 atomic.Int32
	counter := func(c *atomic.Int32) Handler {
		return func(context.Context, Message) error { c.Add(1); return nil }
	}
	if _, err := b.Subscribe(ctx, "docs.find", counter(&a1), WithGroup("docs")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, "docs.find", counter(&a2), WithGroup("docs")); err != nil {
		t.Fatal(err)
	}
	audit, wait := collect(t, 4)
	if _, err := b.Subscribe(ctx, "docs.find", audit, WithGroup("audit")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if err := b.Publish(ctx, "docs.find", "k", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if got := wait(); len(got) != 4 {
		t.Fatalf("audit group got %d", len(got))
	}
	deadline := time.Now().Add(2 * time.Second)
	for a1.Load()+a2.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a1.Load() != 2 || a2.Load() != 2 {
		t.Fatalf("round robin split = %d/%d, want 2/2", a1.Load(), a2.Load())
	}
}

func TestMemoryPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := NewMemory(logx.Nop())
	defer b.Close()
	if err := b.Publish(context.Background(), "nobody", "k", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestMemoryRedeliversTransientFailures(t *testing.T) {
	b := NewMemory(logx.Nop())
	defer b.Close()

	var calls atomic.Int32
	ok := make(chan struct{})
	h := func(ctx context.Context, m Message) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		close(ok)
		return nil
	}
	if _, err := b.Subscribe(context.Background(), "d", h); err != nil {
		t.Fatal(err)
	}
	_ = b.Publish(context.Background(), "d", "k", nil)
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestMemoryPoisonIsNotRetried(t *testing.T) {
	b := NewMemory(logx.Nop())
	defer b.Close()

	var calls atomic.Int32
	h := func(ctx context.Context, m Message) error {
		calls.Add(1)
		return ErrPoison
	}
	if _, err := b.Subscribe(context.Background(), "d", h); err != nil {
		t.Fatal(err)
	}
	_ = b.Publish(context.Background(), "d", "k", nil)
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestMemorySubscriptionClose(t *testing.T) {
	b := NewMemory(logx.Nop())
	defer b.Close()

	var calls atomic.Int32
	sub, err := b.Subscribe(context.Background(), "d", func(context.Context, Message) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Destination() != "d" {
		t.Fatalf("Destination = %q", sub.Destination())
	}
	_ = sub.Close()
	_ = sub.Close()
	_ = b.Publish(context.Background(), "d", "k", nil)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("closed subscription received a message")
	}
}

func TestMemoryClosed(t *testing.T) {
	b := NewMemory(logx.Nop())
	_ = b.Close()
	if err := b.Publish(context.Background(), "d", "k", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish err = %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "d", func(context.Context, Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe err = %v", err)
	}
}

func TestMemoryWorkersHandleInParallel(t *testing.T) {
	b := NewMemory(logx.Nop())
	defer b.Close()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	h := func(ctx context.Context, m Message) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}
	if _, err := b.Subscribe(context.Background(), "jobs", h, WithGroup("w"), WithWorkers(4)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := b.Publish(context.Background(), "jobs", "", nil); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.After(2 * time.Second)
	for peak.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("peak concurrency = %d, want 4", peak.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
}
