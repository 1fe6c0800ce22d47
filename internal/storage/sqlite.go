package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "switchboard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FindBinding(ctx context.Context, phone string) (ChatBinding, bool, error) {
	return s.scanBinding(s.db.QueryRowContext(ctx,
		`SELECT phone, chat_id, username, registered_at FROM chat_bindings WHERE phone = ?`, phone))
}

func (s *sqliteStore) FindBindingByChat(ctx context.Context, chatID int64) (ChatBinding, bool, error) {
	return s.scanBinding(s.db.QueryRowContext(ctx,
		`SELECT phone, chat_id, username, registered_at FROM chat_bindings WHERE chat_id = ? ORDER BY registered_at LIMIT 1`, chatID))
}

func (s *sqliteStore) scanBinding(row *sql.Row) (ChatBinding, bool, error) {
	var (
		b        ChatBinding
		username sql.NullString
		ms       int64
	)
	err := row.Scan(&b.Phone, &b.ChatID, &username, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatBinding{}, false, nil
	}
	if err != nil {
		return ChatBinding{}, false, err
	}
	b.Username = username.String
	b.RegisteredAt = time.UnixMilli(ms).UTC()
	return b, true, nil
}

// CreateBindingIfAbsent relies on the phone primary key: the insert is a
// no-op when the phone is already bound, and the reselect returns the winner.
func (s *sqliteStore) CreateBindingIfAbsent(ctx context.Context, b ChatBinding) (ChatBinding, bool, error) {
	if err := validBinding(b); err != nil {
		return ChatBinding{}, false, err
	}
	if b.RegisteredAt.IsZero() {
		b.RegisteredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_bindings(phone, chat_id, username, registered_at) VALUES(?,?,?,?)
		 ON CONFLICT(phone) DO NOTHING`,
		b.Phone, b.ChatID, nullStr(b.Username), b.RegisteredAt.UnixMilli(),
	)
	if err != nil {
		return ChatBinding{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ChatBinding{}, false, err
	}
	cur, ok, err := s.FindBinding(ctx, b.Phone)
	if err != nil {
		return ChatBinding{}, false, err
	}
	if !ok {
		return ChatBinding{}, false, fmt.Errorf("binding for %s vanished after insert", b.Phone)
	}
	return cur, n == 1, nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, dispatch_id, channel, status, kind, attempts, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.UnixMilli(), r.DispatchID, r.Channel, r.Status, r.Kind, r.Attempts, nullStr(r.Detail),
	)
	return err
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
