package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"switchboard/internal/eventbus"
	logx "switchboard/pkg/logx"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestEngine(bus eventbus.Bus) *Engine {
	return NewEngine(EngineConfig{Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, Sleep: noSleep}, logx.Nop(), bus)
}

func TestDecide(t *testing.T) {
	transient := errors.New("503")
	cases := []struct {
		name      string
		attempt   int
		err       error
		action    Action
		exhausted bool
	}{
		{"success", 1, nil, Done, false},
		{"transient first", 1, transient, Retry, false},
		{"transient last", 3, transient, Stop, true},
		{"permanent", 1, NoRetry(transient), Stop, false},
		{"permanent last", 3, NoRetry(transient), Stop, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := RetryState{Attempt: tc.attempt, MaxAttempts: 3, Backoff: time.Second}
			d := st.Decide(tc.err)
			if d.Action != tc.action || d.Exhausted != tc.exhausted {
				t.Fatalf("got %+v", d)
			}
			if d.Action == Retry && d.Wait != time.Second {
				t.Fatalf("wait = %v", d.Wait)
			}
		})
	}
}

func TestFanOutIndependence(t *testing.T) {
	e := newTestEngine(nil)
	var callsB atomic.Int32
	e.Register("a", AdapterFunc(func(ctx context.Context, n Notification) error {
		return NoRetry(errors.New("invalid recipient"))
	}))
	e.Register("b", AdapterFunc(func(ctx context.Context, n Notification) error {
		if callsB.Add(1) == 1 {
			return errors.New("temporarily unavailable")
		}
		return nil
	}))
	e.Register("c", AdapterFunc(func(ctx context.Context, n Notification) error { return nil }))

	start := time.Now()
	rep := e.Send(context.Background(), Notification{Message: "hi"}, []string{"a", "b", "c"})
	if time.Since(start) > 2*time.Second {
		t.Fatal("dispatch took too long")
	}
	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(rep.Outcomes))
	}
	want := []struct {
		ch       string
		kind     Kind
		attempts int
	}{
		{"a", KindTerminal, 1},
		{"b", KindDelivered, 2},
		{"c", KindDelivered, 1},
	}
	for i, w := range want {
		o := rep.Outcomes[i]
		if o.Channel != w.ch || o.Kind != w.kind || o.Attempts != w.attempts {
			t.Errorf("outcome %d = %+v, want %+v", i, o, w)
		}
	}
	if !rep.Delivered {
		t.Fatal("partial success should count as delivered")
	}
	if rep.DispatchID == "" {
		t.Fatal("missing dispatch id")
	}
	if o, _ := rep.Outcome("a"); o.Detail != "invalid recipient" {
		t.Fatalf("detail = %q", o.Detail)
	}
}

func TestFanOutDoesNotSerializeBackoff(t *testing.T) {
	const backoff = 100 * time.Millisecond
	e := NewEngine(EngineConfig{Retry: RetryPolicy{MaxAttempts: 2, Backoff: backoff}}, logx.Nop(), nil)
	flaky := func() Adapter {
		var calls atomic.Int32
		return AdapterFunc(func(ctx context.Context, n Notification) error {
			if calls.Add(1) == 1 {
				return errors.New("busy")
			}
			return nil
		})
	}
	for _, ch := range []string{"a", "b", "c"} {
		e.Register(ch, flaky())
	}

	start := time.Now()
	rep := e.Send(context.Background(), Notification{Message: "x"}, []string{"a", "b", "c"})
	took := time.Since(start)
	for _, o := range rep.Outcomes {
		if !o.OK() || o.Attempts != 2 {
			t.Fatalf("outcome = %+v", o)
		}
	}
	if took < backoff {
		t.Fatalf("took %v, less than one backoff", took)
	}
	// Three serialized backoffs would be 300ms.
	if took > 2*backoff {
		t.Fatalf("took %v, channels waited on each other", took)
	}
}

func TestExhaustion(t *testing.T) {
	e := newTestEngine(nil)
	var calls atomic.Int32
	e.Register("sms", AdapterFunc(func(ctx context.Context, n Notification) error {
		calls.Add(1)
		return errors.New("gateway 502")
	}))
	rep := e.Send(context.Background(), Notification{Message: "x"}, []string{"sms"})
	o := rep.Outcomes[0]
	if o.Kind != KindExhausted || o.Status != StatusError || o.Attempts != 3 {
		t.Fatalf("outcome = %+v", o)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if !strings.Contains(o.Detail, "exhausted after 3 attempts") || !strings.Contains(o.Detail, "gateway 502") {
		t.Fatalf("detail = %q", o.Detail)
	}
	if rep.Delivered {
		t.Fatal("nothing was delivered")
	}
}

func TestUnsupportedAndDuplicateChannels(t *testing.T) {
	e := newTestEngine(nil)
	e.Register("email", AdapterFunc(func(ctx context.Context, n Notification) error { return nil }))

	rep := e.Send(context.Background(), Notification{Message: "x"}, []string{"Email", "pigeon", "email"})
	if len(rep.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", rep.Outcomes)
	}
	if rep.Outcomes[0].Channel != "email" || !rep.Outcomes[0].OK() {
		t.Fatalf("email = %+v", rep.Outcomes[0])
	}
	if o := rep.Outcomes[1]; o.Channel != "pigeon" || o.Kind != KindUnsupported || o.Attempts != 0 {
		t.Fatalf("pigeon = %+v", o)
	}
}

func TestEmptyChannelList(t *testing.T) {
	rep := newTestEngine(nil).Send(context.Background(), Notification{Message: "x"}, nil)
	if len(rep.Outcomes) != 0 || rep.Delivered {
		t.Fatalf("report = %+v", rep)
	}
}

func TestEmailAndBotScenario(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	e := newTestEngine(bus)
	e.Register("email", AdapterFunc(func(ctx context.Context, n Notification) error {
		if n.RecipientEmail == "" {
			return NoRetry(errors.New("missing recipient email"))
		}
		return nil
	}))
	e.Register("bot", AdapterFunc(func(ctx context.Context, n Notification) error {
		return NoRetry(errors.New("recipient must enroll first"))
	}))

	rep := e.Send(context.Background(), Notification{RecipientEmail: "a@b.c", RecipientPhone: "+628123", Message: "hello"}, []string{"email", "bot"})
	if o, _ := rep.Outcome("email"); !o.OK() {
		t.Fatalf("email = %+v", o)
	}
	if o, _ := rep.Outcome("bot"); o.Kind != KindTerminal || o.Attempts != 1 {
		t.Fatalf("bot = %+v", o)
	}

	var outcomes, done int
	timeout := time.After(time.Second)
	for done == 0 {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.DispatchOutcome:
				oe := ev.Data.(OutcomeEvent)
				if oe.DispatchID != rep.DispatchID {
					t.Fatalf("event dispatch id = %q", oe.DispatchID)
				}
				outcomes++
			case eventbus.DispatchDone:
				done++
			}
		case <-timeout:
			t.Fatal("missing events")
		}
	}
	if outcomes != 2 {
		t.Fatalf("outcome events = %d", outcomes)
	}
}

func TestSendTimeoutCancelsSlowChannels(t *testing.T) {
	e := NewEngine(EngineConfig{SendTimeout: 50 * time.Millisecond}, logx.Nop(), nil)
	e.Register("fast", AdapterFunc(func(ctx context.Context, n Notification) error { return nil }))
	e.Register("slow", AdapterFunc(func(ctx context.Context, n Notification) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	rep := e.Send(context.Background(), Notification{Message: "x"}, []string{"slow", "fast"})
	if time.Since(start) > time.Second {
		t.Fatal("deadline not enforced")
	}
	if o, _ := rep.Outcome("slow"); o.Kind != KindCanceled || o.Attempts != 1 {
		t.Fatalf("slow = %+v", o)
	}
	if o, _ := rep.Outcome("fast"); !o.OK() {
		t.Fatalf("fast = %+v", o)
	}
}

func TestAdapterPanicIsTerminal(t *testing.T) {
	e := newTestEngine(nil)
	e.Register("bad", AdapterFunc(func(ctx context.Context, n Notification) error { panic("nil map") }))
	rep := e.Send(context.Background(), Notification{Message: "x"}, []string{"bad"})
	if o := rep.Outcomes[0]; o.Kind != KindTerminal || !strings.Contains(o.Detail, "nil map") {
		t.Fatalf("outcome = %+v", rep.Outcomes[0])
	}
}

func TestApplySwapsPolicy(t *testing.T) {
	e := newTestEngine(nil)
	e.Apply(RetryPolicy{MaxAttempts: 1}, 0)
	var calls atomic.Int32
	e.Register("x", AdapterFunc(func(ctx context.Context, n Notification) error {
		calls.Add(1)
		return errors.New("flaky")
	}))
	rep := e.Send(context.Background(), Notification{Message: "x"}, []string{"x"})
	if calls.Load() != 1 || rep.Outcomes[0].Kind != KindExhausted {
		t.Fatalf("calls=%d outcome=%+v", calls.Load(), rep.Outcomes[0])
	}
}
