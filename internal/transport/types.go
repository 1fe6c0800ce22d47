package transport

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrRateLimited marks a send rejected by the platform's flood control.
	// Callers may retry later.
	ErrRateLimited = errors.New("transport: rate limited")
	// ErrUnreachable marks a chat the bot can no longer write to
	// (blocked, deleted, never started). Retrying will not help.
	ErrUnreachable = errors.New("transport: chat unreachable")
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateContact UpdateKind = "contact"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	// Contact is set for UpdateContact.
	Contact *Contact
}

// Contact is a shared phone contact. UserID is zero when the contact does
// not belong to a platform user.
type Contact struct {
	Phone     string
	UserID    int64
	FirstName string
}

// Command splits "/cmd@bot args" into ("cmd", "args").
// ok is false when the text is not a command.
func (m *Message) Command() (cmd, args string, ok bool) {
	if m == nil {
		return "", "", false
	}
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// RequestContact attaches a one-time keyboard asking the user to share
	// their own phone number.
	RequestContact bool
	ContactButton  string
	// RemoveKeyboard clears a previously shown reply keyboard.
	RemoveKeyboard bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a
// platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
