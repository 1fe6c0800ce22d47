package chatid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"switchboard/internal/eventbus"
	"switchboard/internal/storage"
	"switchboard/internal/transport"
	logx "switchboard/pkg/logx"
)

type sent struct {
	chatID int64
	text   string
	opt    *transport.SendOptions
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{to.ChatID, text, opt})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recorder) last(t *testing.T) sent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		t.Fatal("no reply sent")
	}
	return r.msgs[len(r.msgs)-1]
}

// flakyStore fails CreateBindingIfAbsent while fail is set.
type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) CreateBindingIfAbsent(ctx context.Context, b storage.ChatBinding) (storage.ChatBinding, bool, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return storage.ChatBinding{}, false, errors.New("database is locked")
	}
	return f.Store.CreateBindingIfAbsent(ctx, b)
}

func command(chatID int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: chatID, FromID: chatID, Text: text}}
}

func contact(chatID, fromID, ownerID int64, phone string) transport.Update {
	return transport.Update{Kind: transport.UpdateContact, Message: &transport.Message{
		ChatID: chatID, FromID: fromID, FromUsername: "ana",
		Contact: &transport.Contact{Phone: phone, UserID: ownerID},
	}}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+62 812-3456-789": "+628123456789",
		"(0812) 345.678":   "+0812345678",
		"628123456789":     "+628123456789",
		"  +1 555 0100 ":   "+15550100",
		"+":                "",
		"abc":              "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnrollmentFlow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	rec := &recorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	r := New(store, rec, logx.Nop(), bus)

	if err := r.Handle(ctx, command(10, "/start")); err != nil {
		t.Fatal(err)
	}
	if r.State(10) != AwaitingContact {
		t.Fatalf("state = %v", r.State(10))
	}
	if opt := rec.last(t).opt; opt == nil || !opt.RequestContact {
		t.Fatal("start should request the contact")
	}

	if err := r.Handle(ctx, contact(10, 10, 10, "+62 812 3456")); err != nil {
		t.Fatal(err)
	}
	if r.State(10) != Bound {
		t.Fatalf("state = %v", r.State(10))
	}
	b, ok, err := r.Lookup(ctx, "+62-812-3456")
	if err != nil || !ok || b.ChatID != 10 || b.Username != "ana" {
		t.Fatalf("lookup = %+v %v %v", b, ok, err)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.ChatBound || ev.Data.(BoundEvent).Binding.Phone != "+628123456" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no bound event")
	}

	if err := r.Handle(ctx, command(10, "/status")); err != nil {
		t.Fatal(err)
	}
	if got := rec.last(t).text; got == msgNotRegistered {
		t.Fatalf("status = %q", got)
	}

	// A second /start on a bound chat is informational.
	_ = r.Handle(ctx, command(10, "/start"))
	if got := rec.last(t); got.opt != nil || r.State(10) != Bound {
		t.Fatalf("second start = %+v state=%v", got, r.State(10))
	}
}

func TestRepeatedContactIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	r := New(store, &recorder{}, logx.Nop(), nil)

	for i := 0; i < 3; i++ {
		if err := r.Handle(ctx, contact(10, 10, 10, "+15550100")); err != nil {
			t.Fatal(err)
		}
	}
	b, _, _ := store.FindBinding(ctx, "+15550100")
	first := b.RegisteredAt

	// Another chat claiming the same phone leaves the binding untouched.
	rec := &recorder{}
	r2 := New(store, rec, logx.Nop(), nil)
	_ = r2.Handle(ctx, contact(20, 20, 20, "+1 555 0100"))
	b, _, _ = store.FindBinding(ctx, "+15550100")
	if b.ChatID != 10 || !b.RegisteredAt.Equal(first) {
		t.Fatalf("binding changed: %+v", b)
	}
	if r2.State(20) == Bound {
		t.Fatal("foreign chat should not be bound")
	}
}

func TestContactWithoutPlusMatchesE164Lookup(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	r := New(store, &recorder{}, logx.Nop(), nil)

	// Telegram clients often report contacts without the leading '+'.
	if err := r.Handle(ctx, contact(10, 10, 10, "628123456789")); err != nil {
		t.Fatal(err)
	}
	b, ok, err := r.Lookup(ctx, "+628123456789")
	if err != nil || !ok || b.ChatID != 10 {
		t.Fatalf("lookup = %+v %v %v", b, ok, err)
	}

	_ = r.Handle(ctx, contact(20, 20, 20, "+62 812 3456 789"))
	if r.State(20) == Bound {
		t.Fatal("second chat bound the same number")
	}
	if b, _, _ := store.FindBinding(ctx, "+628123456789"); b.ChatID != 10 {
		t.Fatalf("binding = %+v", b)
	}
	if _, ok, _ := store.FindBinding(ctx, "628123456789"); ok {
		t.Fatal("binding stored under a non-canonical key")
	}
}

func TestConcurrentEnrollmentCreatesOneBinding(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	r := New(store, &recorder{}, logx.Nop(), bus)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Handle(ctx, contact(10, 10, 10, "+15550100"))
		}()
	}
	wg.Wait()

	bound := 0
	for len(events) > 0 {
		if (<-events).Type == eventbus.ChatBound {
			bound++
		}
	}
	if bound != 1 {
		t.Fatalf("bound events = %d, want 1", bound)
	}
}

func TestForeignContactRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	rec := &recorder{}
	r := New(store, rec, logx.Nop(), nil)

	_ = r.Handle(ctx, command(10, "/start"))
	_ = r.Handle(ctx, contact(10, 10, 99, "+15550100"))
	if rec.last(t).text != msgForeignContact {
		t.Fatalf("reply = %q", rec.last(t).text)
	}
	if _, ok, _ := store.FindBinding(ctx, "+15550100"); ok {
		t.Fatal("foreign contact was stored")
	}
	if r.State(10) != AwaitingContact {
		t.Fatalf("state = %v", r.State(10))
	}
}

func TestStorageFaultAsksToRetry(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemory(), fail: true}
	rec := &recorder{}
	r := New(store, rec, logx.Nop(), nil)

	_ = r.Handle(ctx, command(10, "/start"))
	if err := r.Handle(ctx, contact(10, 10, 10, "+15550100")); err == nil {
		t.Fatal("expected error")
	}
	if rec.last(t).text != msgTryAgain || r.State(10) != AwaitingContact {
		t.Fatalf("reply=%q state=%v", rec.last(t).text, r.State(10))
	}
	if _, ok, _ := store.FindBinding(ctx, "+15550100"); ok {
		t.Fatal("partial binding stored")
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	if err := r.Handle(ctx, contact(10, 10, 10, "+15550100")); err != nil {
		t.Fatal(err)
	}
	if r.State(10) != Bound {
		t.Fatalf("state = %v", r.State(10))
	}
}

func TestRunStopsOnClose(t *testing.T) {
	r := New(storage.NewMemory(), &recorder{}, logx.Nop(), nil)
	ch := make(chan transport.Update, 1)
	ch <- command(1, "/status")
	close(ch)
	if err := r.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestGroupChatsIgnored(t *testing.T) {
	rec := &recorder{}
	r := New(storage.NewMemory(), rec, logx.Nop(), nil)
	up := command(5, "/start")
	up.Message.IsGroup = true
	_ = r.Handle(context.Background(), up)
	if len(rec.msgs) != 0 {
		t.Fatal("group chat got a reply")
	}
}
