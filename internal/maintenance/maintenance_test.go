package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"switchboard/internal/eventbus"
	"switchboard/internal/notify"
	"switchboard/internal/storage"
	logx "switchboard/pkg/logx"
)

type fakePruner struct {
	mu     sync.Mutex
	before []time.Time
	err    error
}

func (f *fakePruner) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, before)
	return 4, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.before)
}

func TestRunOnceUsesRetention(t *testing.T) {
	fp := &fakePruner{}
	p := NewPruner(Config{Retention: time.Hour}, fp, logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.RunOnce(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !fp.before[0].Equal(now.Add(-time.Hour)) {
		t.Fatalf("cutoff = %v", fp.before[0])
	}

	fp.err = errors.New("disk full")
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestZeroRetentionDisablesPruning(t *testing.T) {
	fp := &fakePruner{}
	p := NewPruner(Config{}, fp, logx.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())
	if n, _ := p.RunOnce(context.Background()); n != 0 || fp.calls() != 0 {
		t.Fatal("pruning should be disabled")
	}
}

func TestScheduledPrune(t *testing.T) {
	fp := &fakePruner{}
	p := NewPruner(Config{Retention: time.Hour, Schedule: "@every 1s"}, fp, logx.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for fp.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if fp.calls() == 0 {
		t.Fatal("scheduled prune did not run")
	}
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	p := NewPruner(Config{Retention: time.Hour}, &fakePruner{}, logx.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())
	if err := p.Apply(Config{Retention: time.Hour, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected schedule error")
	}
	if _, err := ParseSchedule("*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
}

type captureAppender struct {
	mu   sync.Mutex
	recs []storage.DeliveryRecord
}

func (c *captureAppender) AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
	return nil
}

func (c *captureAppender) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestRecorderPersistsOutcomes(t *testing.T) {
	bus := eventbus.New()
	app := &captureAppender{}
	r := NewRecorder(app, bus, logx.Nop())

	eng := notify.NewEngine(notify.EngineConfig{}, logx.Nop(), bus)
	eng.Register("email", notify.AdapterFunc(func(context.Context, notify.Notification) error { return nil }))
	rep := eng.Send(context.Background(), notify.Notification{Message: "x"}, []string{"email", "fax"})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for app.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if app.len() != 2 {
		t.Fatalf("records = %d", app.len())
	}
	byChannel := map[string]storage.DeliveryRecord{}
	for _, rec := range app.recs {
		byChannel[rec.Channel] = rec
		if rec.DispatchID != rep.DispatchID {
			t.Fatalf("dispatch id = %q", rec.DispatchID)
		}
	}
	if byChannel["email"].Status != "success" || byChannel["fax"].Kind != "unsupported" {
		t.Fatalf("records = %+v", byChannel)
	}
}

func TestTruncateDetail(t *testing.T) {
	if got := truncateDetail("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("é", maxDetail)
	got := truncateDetail(long)
	if len(got) > maxDetail+3 || !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("len=%d valid=%v", len(got), utf8.ValidString(got))
	}
}
