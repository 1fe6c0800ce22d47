package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "switchboard/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.bindings.jsonl   (append-only; bindings are immutable)
//   - <prefix>.deliveries.jsonl (append-only; rewritten on prune)
//
// Bindings are indexed in memory on open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	bindingsFile   *os.File
	deliveriesPath string
	deliveriesFile *os.File

	byPhone map[string]ChatBinding
	byChat  map[int64]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	bindingsPath := prefix + ".bindings.jsonl"
	deliveriesPath := prefix + ".deliveries.jsonl"

	s := &fileStore{
		log:            log,
		deliveriesPath: deliveriesPath,
		byPhone:        map[string]ChatBinding{},
		byChat:         map[int64]string{},
	}
	if err := s.replayBindings(bindingsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	bf, err := os.OpenFile(bindingsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	df, err := os.OpenFile(deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = bf.Close()
		return nil, err
	}
	s.bindingsFile = bf
	s.deliveriesFile = df
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("bindings", len(s.byPhone)))
	return s, nil
}

// maxJournalLine bounds one journal line. bufio.Scanner's 64KiB default
// would fail the whole scan on a single oversized record.
const maxJournalLine = 4 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxJournalLine)
	return sc
}

// replayBindings loads the journal. The first record per phone wins, which
// matches create-if-absent semantics even if a duplicate line slipped in.
func (s *fileStore) replayBindings(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newLineScanner(f)
	for sc.Scan() {
		var b ChatBinding
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			continue
		}
		if validBinding(b) != nil {
			continue
		}
		if _, ok := s.byPhone[b.Phone]; ok {
			continue
		}
		s.byPhone[b.Phone] = b
		s.byChat[b.ChatID] = b.Phone
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.bindingsFile != nil {
		errs = append(errs, s.bindingsFile.Close())
		s.bindingsFile = nil
	}
	if s.deliveriesFile != nil {
		errs = append(errs, s.deliveriesFile.Close())
		s.deliveriesFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) FindBinding(ctx context.Context, phone string) (ChatBinding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindingsFile == nil {
		return ChatBinding{}, false, ErrClosed
	}
	b, ok := s.byPhone[phone]
	return b, ok, nil
}

func (s *fileStore) FindBindingByChat(ctx context.Context, chatID int64) (ChatBinding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindingsFile == nil {
		return ChatBinding{}, false, ErrClosed
	}
	phone, ok := s.byChat[chatID]
	if !ok {
		return ChatBinding{}, false, nil
	}
	return s.byPhone[phone], true, nil
}

func (s *fileStore) CreateBindingIfAbsent(ctx context.Context, b ChatBinding) (ChatBinding, bool, error) {
	if err := validBinding(b); err != nil {
		return ChatBinding{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindingsFile == nil {
		return ChatBinding{}, false, ErrClosed
	}
	if cur, ok := s.byPhone[b.Phone]; ok {
		return cur, false, nil
	}
	if b.RegisteredAt.IsZero() {
		b.RegisteredAt = time.Now().UTC()
	}
	// Journal first: the index only changes once the record is durable.
	if err := json.NewEncoder(s.bindingsFile).Encode(b); err != nil {
		return ChatBinding{}, false, err
	}
	s.byPhone[b.Phone] = b
	s.byChat[b.ChatID] = b.Phone
	return b, true, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return json.NewEncoder(s.deliveriesFile).Encode(r)
}

// PruneDeliveries rewrites the delivery journal through a temp file and
// reopens the append handle.
func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil {
		return 0, ErrClosed
	}

	src, err := os.Open(s.deliveriesPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := s.deliveriesPath + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}

	var removed int64
	w := bufio.NewWriter(dst)
	sc := newLineScanner(src)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = dst.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			removed++
			continue
		}
		if r.At.Before(before) {
			removed++
			continue
		}
		if _, err := w.Write(append(sc.Bytes(), '\n')); err != nil {
			_ = dst.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		return 0, err
	}
	if err := dst.Close(); err != nil {
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.deliveriesFile.Close()
	s.deliveriesFile = nil
	renameErr := os.Rename(tmp, s.deliveriesPath)
	df, err := os.OpenFile(s.deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, errors.Join(renameErr, err)
	}
	s.deliveriesFile = df
	if renameErr != nil {
		_ = os.Remove(tmp)
		return 0, renameErr
	}
	return removed, nil
}
