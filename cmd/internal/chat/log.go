// Package chat keeps the bounded session chat history.
//
// Records live in an in-memory Badger instance keyed by monotonic ULIDs, so key order is append
// order. Values are CBOR. Only the newest MaxMessages records are retained.
package chat

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

const (
	MaxMessages = 100
	// MaxRunes bounds a single message.
	MaxRunes = 1000

	SystemSenderID   = "system"
	SystemSenderName = "System"
)

var keyPrefix = []byte("msg/")

// encMode keeps the wall clock and zone so HH:mm stays stable across a round trip.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Kind separates user text from server notices.
type Kind string

const (
	KindText   Kind = v1.ChatKindText
	KindSystem Kind = v1.ChatKindSystem
)

// Record is one stored chat message.
type Record struct {
	ID         string    `cbor:"id"`
	SenderID   string    `cbor:"sid"`
	SenderName string    `cbor:"sn"`
	Message    string    `cbor:"m"`
	Kind       Kind      `cbor:"k"`
	CreatedAt  time.Time `cbor:"t"`
}

// Wire converts the record to its CHAT_MESSAGE form.
func (r Record) Wire() v1.ChatRecord {
	return v1.ChatRecord{
		ID:         r.ID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Message:    r.Message,
		Type:       string(r.Kind),
		Timestamp:  r.CreatedAt.Format("15:04"),
	}
}

// Log is the chat history. It is safe for concurrent use.
type Log struct {
	db    *badger.DB
	clock clockwork.Clock
	max   int

	mu      sync.Mutex
	entropy io.Reader
	count   int
	closed  bool
}

// Option configures a Log.
type Option func(*Log)

func WithClock(c clockwork.Clock) Option {
	return func(l *Log) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithMaxMessages overrides the retention bound.
func WithMaxMessages(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

// Open starts an in-memory log.
func Open(log *slog.Logger, opts ...Option) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}

	bopts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{log: log.With("component", "chat.badger")})
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("chat: open: %w", err)
	}

	l := &Log{
		db:      db,
		clock:   clockwork.NewRealClock(),
		max:     MaxMessages,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append stores a message and trims the history to the retention bound. Text is trimmed and
// cut to MaxRunes; empty text returns ErrEmptyMessage.
func (l *Log) Append(senderID, senderName, text string, kind Kind) (Record, error) {
	text = clip(strings.TrimSpace(text), MaxRunes)
	if text == "" {
		return Record{}, ErrEmptyMessage
	}
	if kind == "" {
		kind = KindText
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Record{}, ErrClosed
	}

	now := l.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		return Record{}, fmt.Errorf("chat: id: %w", err)
	}

	rec := Record{
		ID:         id.String(),
		SenderID:   senderID,
		SenderName: senderName,
		Message:    text,
		Kind:       kind,
		CreatedAt:  now,
	}
	val, err := encMode.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("chat: encode: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.ID), val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("chat: put: %w", err)
	}
	l.count++

	if l.count > l.max {
		if err := l.trimLocked(l.count - l.max); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// System appends a server notice.
func (l *Log) System(text string) (Record, error) {
	return l.Append(SystemSenderID, SystemSenderName, text, KindSystem)
}

// History returns the retained records, oldest first.
func (l *Log) History() ([]Record, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.mu.Unlock()

	out := make([]Record, 0, l.Len())
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 32, Prefix: keyPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	return out, nil
}

// Len reports the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Clear removes every record.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.db.DropPrefix(keyPrefix); err != nil {
		return fmt.Errorf("chat: clear: %w", err)
	}
	l.count = 0
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *Log) trimLocked(n int) error {
	var stale [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid() && len(stale) < n; it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chat: trim scan: %w", err)
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("chat: trim: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("chat: trim flush: %w", err)
	}
	l.count -= len(stale)
	return nil
}

func key(id string) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+len(id)), keyPrefix...), id...)
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// badgerLogger routes Badger's internal logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...any) {
	b.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
func (b badgerLogger) Warningf(f string, v ...any) {
	b.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
func (b badgerLogger) Infof(f string, v ...any) { b.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Debugf(f string, v ...any) {
	b.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

var _ badger.Logger = badgerLogger{}
