package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrInvalid = errors.New("storage: invalid record")
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChatBinding maps a normalized phone number to a bot chat.
// It is created once and never mutated.
type ChatBinding struct {
	Phone        string    `json:"phone"`
	ChatID       int64     `json:"chat_id"`
	Username     string    `json:"username,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DeliveryRecord is one channel outcome of a dispatch.
type DeliveryRecord struct {
	At         time.Time `json:"at"`
	DispatchID string    `json:"dispatch_id"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind"`
	Attempts   int       `json:"attempts"`
	Detail     string    `json:"detail,omitempty"`
}

// Store is the persistence API used by the registry, the bot channel and
// maintenance.
type Store interface {
	FindBinding(ctx context.Context, phone string) (ChatBinding, bool, error)
	FindBindingByChat(ctx context.Context, chatID int64) (ChatBinding, bool, error)
	// CreateBindingIfAbsent stores b unless b.Phone is already bound. It
	// returns the stored binding and whether this call created it.
	CreateBindingIfAbsent(ctx context.Context, b ChatBinding) (ChatBinding, bool, error)

	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// PruneDeliveries removes records older than before and reports how many.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

func validBinding(b ChatBinding) error {
	if b.Phone == "" || b.ChatID == 0 {
		return ErrInvalid
	}
	return nil
}
