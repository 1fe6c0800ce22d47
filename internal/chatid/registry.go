// Package chatid binds phone numbers to bot chats. A user sends /start,
// shares their own contact, and from then on the bot channel can reach
// them by phone number.
package chatid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"switchboard/internal/eventbus"
	"switchboard/internal/storage"
	"switchboard/internal/transport"
	logx "switchboard/pkg/logx"
)

// State is the enrollment state of one chat.
type State int

const (
	Unregistered State = iota
	AwaitingContact
	Bound
)

func (s State) String() string {
	switch s {
	case AwaitingContact:
		return "awaiting_contact"
	case Bound:
		return "bound"
	default:
		return "unregistered"
	}
}

const (
	msgSharePrompt    = "To receive notifications here, share your phone number with the button below."
	msgShareButton    = "Share my phone number"
	msgAlreadyBound   = "This chat is already registered for %s."
	msgRegistered     = "Registered. Notifications for %s will be delivered here."
	msgPhoneTaken     = "%s is already registered to another chat."
	msgForeignContact = "Please share your own contact using the button, not someone else's."
	msgNoPhone        = "That contact has no phone number. Please share your own contact using the button."
	msgTryAgain       = "Could not save your registration right now, please try again."
	msgNotRegistered  = "This chat is not registered. Send /start to register."
	msgStatus         = "Registered for %s since %s."
)

// BoundEvent is published on eventbus.ChatBound when a new binding is
// stored.
type BoundEvent struct {
	Binding storage.ChatBinding
}

type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Registry struct {
	store  storage.Store
	sender TextSender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu     sync.Mutex
	states map[int64]State
}

func New(store storage.Store, sender TextSender, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Registry{
		store:  store,
		sender: sender,
		log:    log.With(logx.String("comp", "chatid")),
		bus:    bus,
		now:    time.Now,
		states: map[int64]State{},
	}
}

// Commands is the bot command menu served by the registry.
func Commands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "start", Description: "Register this chat for notifications"},
		{Command: "status", Description: "Show the registered phone number"},
	}
}

// Lookup returns the binding for phone.
func (r *Registry) Lookup(ctx context.Context, phone string) (storage.ChatBinding, bool, error) {
	p := NormalizePhone(phone)
	if p == "" {
		return storage.ChatBinding{}, false, nil
	}
	return r.store.FindBinding(ctx, p)
}

// State reports the in-memory enrollment state of a chat.
func (r *Registry) State(chatID int64) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[chatID]
}

func (r *Registry) setState(chatID int64, s State) {
	r.mu.Lock()
	r.states[chatID] = s
	r.mu.Unlock()
}

// Run handles updates until ctx ends or updates is closed.
func (r *Registry) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, up); err != nil {
				r.log.Warn("update handling failed", logx.Err(err))
			}
		}
	}
}

// Handle processes one update. Group chats are ignored. The returned error
// is for logging; the user has already been answered where possible.
func (r *Registry) Handle(ctx context.Context, up transport.Update) error {
	m := up.Message
	if m == nil || m.IsGroup {
		return nil
	}
	switch up.Kind {
	case transport.UpdateContact:
		if m.Contact == nil {
			return nil
		}
		return r.onContact(ctx, m)
	case transport.UpdateMessage:
		cmd, _, ok := m.Command()
		if !ok {
			return nil
		}
		switch cmd {
		case "start":
			return r.onStart(ctx, m)
		case "status":
			return r.onStatus(ctx, m)
		}
	}
	return nil
}

func (r *Registry) onStart(ctx context.Context, m *transport.Message) error {
	b, ok, err := r.store.FindBindingByChat(ctx, m.ChatID)
	if err != nil {
		r.reply(ctx, m.ChatID, msgTryAgain, nil)
		return fmt.Errorf("find binding by chat: %w", err)
	}
	if ok {
		r.setState(m.ChatID, Bound)
		r.reply(ctx, m.ChatID, fmt.Sprintf(msgAlreadyBound, b.Phone), nil)
		return nil
	}
	r.setState(m.ChatID, AwaitingContact)
	r.reply(ctx, m.ChatID, msgSharePrompt, &transport.SendOptions{RequestContact: true, ContactButton: msgShareButton})
	return nil
}

func (r *Registry) onStatus(ctx context.Context, m *transport.Message) error {
	b, ok, err := r.store.FindBindingByChat(ctx, m.ChatID)
	if err != nil {
		r.reply(ctx, m.ChatID, msgTryAgain, nil)
		return fmt.Errorf("find binding by chat: %w", err)
	}
	if !ok {
		r.reply(ctx, m.ChatID, msgNotRegistered, nil)
		return nil
	}
	r.setState(m.ChatID, Bound)
	r.reply(ctx, m.ChatID, fmt.Sprintf(msgStatus, b.Phone, b.RegisteredAt.UTC().Format("2006-01-02 15:04 MST")), nil)
	return nil
}

// onContact binds the shared phone to this chat. Contacts are accepted in
// any state so a keyboard left over from a restart still works.
func (r *Registry) onContact(ctx context.Context, m *transport.Message) error {
	c := m.Contact
	if c.UserID != 0 && c.UserID != m.FromID {
		r.reply(ctx, m.ChatID, msgForeignContact, nil)
		return nil
	}
	phone := NormalizePhone(c.Phone)
	if phone == "" {
		r.reply(ctx, m.ChatID, msgNoPhone, nil)
		return nil
	}

	b, created, err := r.store.CreateBindingIfAbsent(ctx, storage.ChatBinding{
		Phone:        phone,
		ChatID:       m.ChatID,
		Username:     m.FromUsername,
		RegisteredAt: r.now().UTC(),
	})
	if err != nil {
		r.setState(m.ChatID, AwaitingContact)
		r.reply(ctx, m.ChatID, msgTryAgain, nil)
		return fmt.Errorf("create binding: %w", err)
	}

	done := &transport.SendOptions{RemoveKeyboard: true}
	switch {
	case created:
		r.setState(m.ChatID, Bound)
		r.log.Info("chat bound", logx.String("phone", phone), logx.Int64("chat_id", m.ChatID))
		r.bus.Publish(eventbus.Event{Type: eventbus.ChatBound, Data: BoundEvent{Binding: b}})
		r.reply(ctx, m.ChatID, fmt.Sprintf(msgRegistered, phone), done)
	case b.ChatID == m.ChatID:
		r.setState(m.ChatID, Bound)
		r.reply(ctx, m.ChatID, fmt.Sprintf(msgAlreadyBound, phone), done)
	default:
		r.reply(ctx, m.ChatID, fmt.Sprintf(msgPhoneTaken, phone), done)
	}
	return nil
}

func (r *Registry) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if r.sender == nil {
		return
	}
	if _, err := r.sender.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		lvl := r.log.Warn
		if errors.Is(err, context.Canceled) {
			lvl = r.log.Debug
		}
		lvl("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
