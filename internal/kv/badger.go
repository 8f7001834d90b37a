package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configure the Badger-backed store.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps all data off disk, for tests and ephemeral runs.
	InMemory bool
	// Logger receives Badger's internal logging. Defaults to slog.Default().
	Logger *slog.Logger
}

type badgerStore struct {
	db *badger.DB
}

// NewBadger opens a Badger-backed Store at opts.Dir.
func NewBadger(opts BadgerOptions) (Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	// Badger refuses disk-less mode when a directory is set.
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}

	bopts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithLogger(&badgerLogger{log: log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %q: %w", opts.Dir, err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *badgerStore) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *badgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *badgerStore) List(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger forwards Badger's internal logging to slog. Badger is chatty
// at info level during compaction, so info and debug both map to debug.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
