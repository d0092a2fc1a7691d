// ABOUTME: BadgerDB implementation of LogStore with msgpack-encoded sessions and events
// ABOUTME: Keys are laid out so a chat's streams and a stream's events iterate in order

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/2389/agent-relay/internal/event"
)

// Key layout, with sep between segments:
//
//	stream <id>                      -> StreamSession
//	event  <id> <seq:%010d>          -> event.Event
//	chat   <chatID> <created:%020d> <id> -> nil (index)
const sep = "\x00"

func streamKey(id string) []byte { return []byte("stream" + sep + id) }

func eventPrefix(id string) []byte { return []byte("event" + sep + id + sep) }

func eventKey(id string, seq int) []byte {
	return append(eventPrefix(id), fmt.Sprintf("%010d", seq)...)
}

func chatPrefix(chatID string) []byte { return []byte("chat" + sep + chatID + sep) }

func chatKey(s *StreamSession) []byte {
	return append(chatPrefix(s.ChatID), fmt.Sprintf("%020d%s%s", s.CreatedAt.UnixNano(), sep, s.StreamID)...)
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence (tests).
	InMemory bool
	// Logger receives badger's warnings and errors. Nil uses slog.Default().
	Logger *slog.Logger
}

// BadgerStore implements LogStore on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a BadgerDB-backed log store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store requires a directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger")

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	logger.Info("badger log store initialized", "dir", opts.Dir, "in_memory", opts.InMemory)
	return &BadgerStore{db: db, logger: logger}, nil
}

func getSession(txn *badger.Txn, id string) (*StreamSession, error) {
	item, err := txn.Get(streamKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s StreamSession
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding stream %s: %w", id, err)
	}
	return &s, nil
}

func putSession(txn *badger.Txn, s *StreamSession) error {
	b, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding stream %s: %w", s.StreamID, err)
	}
	return txn.Set(streamKey(s.StreamID), b)
}

// CreateStream records a new active session.
func (b *BadgerStore) CreateStream(_ context.Context, s *StreamSession) error {
	cp := *s
	if cp.State == "" {
		cp.State = StreamActive
	}
	cp.EventCount = 0

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := getSession(txn, cp.StreamID); err == nil {
			return ErrDuplicateStream
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := putSession(txn, &cp); err != nil {
			return err
		}
		return txn.Set(chatKey(&cp), nil)
	})
}

// AppendEvent stores e at position seq.
func (b *BadgerStore) AppendEvent(_ context.Context, streamID string, seq int, e event.Event) error {
	val, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		s, err := getSession(txn, streamID)
		if err != nil {
			return err
		}
		if s.State.Terminal() {
			return ErrStreamClosed
		}
		if seq != s.EventCount {
			return fmt.Errorf("append at %d but stream %s has %d events", seq, streamID, s.EventCount)
		}
		if err := txn.Set(eventKey(streamID, seq), val); err != nil {
			return err
		}
		s.EventCount++
		return putSession(txn, s)
	})
}

// CompleteStream marks a session terminal.
func (b *BadgerStore) CompleteStream(_ context.Context, streamID string, state StreamState, at time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		s, err := getSession(txn, streamID)
		if err != nil {
			return err
		}
		if s.State.Terminal() {
			return ErrStreamClosed
		}
		s.State = state
		s.CompletedAt = at
		return putSession(txn, s)
	})
}

// GetStream returns a session by id.
func (b *BadgerStore) GetStream(_ context.Context, streamID string) (*StreamSession, error) {
	var s *StreamSession
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = getSession(txn, streamID)
		return err
	})
	return s, err
}

// LatestStream returns the most recently created session for a chat.
func (b *BadgerStore) LatestStream(_ context.Context, chatID string) (*StreamSession, error) {
	prefix := chatPrefix(chatID)
	var s *StreamSession

	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			i := bytes.LastIndex(key, []byte(sep))
			found, err := getSession(txn, string(key[i+1:]))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			s = found
			return nil
		}
		return ErrNotFound
	})
	return s, err
}

// ReadEvents returns the events from position from onwards.
func (b *BadgerStore) ReadEvents(_ context.Context, streamID string, from int) ([]event.Event, error) {
	if from < 0 {
		from = 0
	}
	prefix := eventPrefix(streamID)
	var events []event.Event

	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(eventKey(streamID, from)); it.ValidForPrefix(prefix); it.Next() {
			var e event.Event
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decoding event: %w", err)
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// DeleteStreamsBefore removes terminal sessions completed before cutoff,
// along with their events and chat index entries.
func (b *BadgerStore) DeleteStreamsBefore(_ context.Context, cutoff time.Time) (int, error) {
	var keys [][]byte
	removed := 0

	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte("stream" + sep)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s StreamSession
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &s)
			})
			if err != nil {
				return fmt.Errorf("decoding stream: %w", err)
			}
			if !s.State.Terminal() || s.CompletedAt.IsZero() || !s.CompletedAt.Before(cutoff) {
				continue
			}

			removed++
			keys = append(keys, streamKey(s.StreamID), chatKey(&s))
			for seq := 0; seq < s.EventCount; seq++ {
				keys = append(keys, eventKey(s.StreamID, seq))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("deleting expired stream keys: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flushing stream cleanup: %w", err)
	}

	b.logger.Debug("deleted expired streams", "count", removed)
	return removed, nil
}

// Ping reports whether the database is open.
func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's logging into slog, dropping info and debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.logger.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.logger.Warn(fmt.Sprintf(f, v...)) }
func (badgerLogger) Infof(string, ...any)          {}
func (badgerLogger) Debugf(string, ...any)         {}
