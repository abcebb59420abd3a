package stores

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
)

var (
	segmentPrefix   = []byte("seg/")
	nextSegmentKey  = []byte("meta/next_segment")
	installPrefix   = []byte("install/")
	installIDPrefix = []byte("install_id/")
)

// BadgerConfig holds configuration for a Badger-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory; useful for tests.
	InMemory bool
	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
	// Capacity bounds the total segment bytes; zero means unlimited.
	Capacity int
	// Logger receives Badger's internal log lines. Nil disables them.
	Logger *zerolog.Logger
}

// BadgerStore implements Store on an embedded Badger database. Segments
// are stored under "seg/<id>" and install records under
// "install/<timestamp><id>".
type BadgerStore struct {
	db       *badger.DB
	inMemory bool
	budget   budget
}

// badgerLogger adapts zerolog to Badger's Logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// OpenBadgerStore opens or creates a Badger store.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, inMemory: cfg.InMemory, budget: budget{capacity: cfg.Capacity}}
	if err := s.loadUsage(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func segmentKey(id engine.SegmentID) []byte {
	k := make([]byte, len(segmentPrefix)+4)
	copy(k, segmentPrefix)
	binary.BigEndian.PutUint32(k[len(segmentPrefix):], uint32(id))
	return k
}

func (s *BadgerStore) loadUsage() error {
	segments, used := 0, 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = segmentPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			segments++
			used += int(it.Item().ValueSize())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load segment usage: %w", err)
	}
	s.budget.set(segments, used)
	return nil
}

func getSegment(txn *badger.Txn, id engine.SegmentID) ([]byte, error) {
	item, err := txn.Get(segmentKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d: %w", id, err)
	}
	return item.ValueCopy(nil)
}

// Allocate implements engine.SegmentStore.
func (s *BadgerStore) Allocate(_ context.Context, size int) (engine.SegmentID, error) {
	if err := s.budget.reserve(size); err != nil {
		return 0, err
	}
	var id engine.SegmentID
	err := s.db.Update(func(txn *badger.Txn) error {
		next := uint32(1)
		item, err := txn.Get(nextSegmentKey)
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			next = binary.BigEndian.Uint32(v)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		id = engine.SegmentID(next)

		counter := make([]byte, 4)
		binary.BigEndian.PutUint32(counter, next+1)
		if err := txn.Set(nextSegmentKey, counter); err != nil {
			return err
		}
		return txn.Set(segmentKey(id), make([]byte, size))
	})
	if err != nil {
		s.budget.release(size)
		return 0, fmt.Errorf("failed to allocate segment: %w", err)
	}
	return id, nil
}

// Read implements engine.SegmentStore.
func (s *BadgerStore) Read(_ context.Context, id engine.SegmentID, offset, length int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getSegment(txn, id)
		if err != nil {
			return err
		}
		if err := checkRange(len(data), offset, length); err != nil {
			return fmt.Errorf("segment %d: %w", id, err)
		}
		out = data[offset : offset+length]
		return nil
	})
	return out, err
}

// Write implements engine.SegmentStore.
func (s *BadgerStore) Write(_ context.Context, id engine.SegmentID, offset int, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		current, err := getSegment(txn, id)
		if err != nil {
			return err
		}
		if err := checkRange(len(current), offset, len(data)); err != nil {
			return fmt.Errorf("segment %d: %w", id, err)
		}
		copy(current[offset:], data)
		return txn.Set(segmentKey(id), current)
	})
}

// Flush implements engine.SegmentStore by syncing the value log.
func (s *BadgerStore) Flush(_ context.Context, id engine.SegmentID) error {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(segmentKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
		}
		return err
	})
	if err != nil || s.inMemory {
		return err
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", id, err)
	}
	return nil
}

// Free implements engine.SegmentStore.
func (s *BadgerStore) Free(_ context.Context, id engine.SegmentID) error {
	size := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
		}
		if err != nil {
			return err
		}
		size = int(item.ValueSize())
		return txn.Delete(segmentKey(id))
	})
	if err != nil {
		return err
	}
	s.budget.release(size)
	return nil
}

// Usage implements Store.
func (s *BadgerStore) Usage() Usage {
	return s.budget.usage()
}

// Purge implements Store.
func (s *BadgerStore) Purge(_ context.Context) error {
	if err := s.db.DropPrefix(segmentPrefix); err != nil {
		return fmt.Errorf("failed to purge segments: %w", err)
	}
	s.budget.set(0, 0)
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func installKey(rec *InstallRecord) []byte {
	k := make([]byte, 0, len(installPrefix)+8+len(rec.ID))
	k = append(k, installPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(rec.CreatedAt.UnixNano()))
	return append(k, rec.ID...)
}

// RecordInstall implements InstallHistory.
func (s *BadgerStore) RecordInstall(_ context.Context, rec *InstallRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode install record: %w", err)
	}
	key := installKey(rec)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(append(append([]byte(nil), installIDPrefix...), rec.ID...), key)
	})
	if err != nil {
		return fmt.Errorf("failed to record install: %w", err)
	}
	return nil
}

// GetInstall implements InstallHistory.
func (s *BadgerStore) GetInstall(_ context.Context, id string) (*InstallRecord, error) {
	rec := &InstallRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(append([]byte(nil), installIDPrefix...), id...))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if item, err = txn.Get(key); err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("install %s: %w", id, ErrInstallNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get install: %w", err)
	}
	return rec, nil
}

// ListInstalls implements InstallHistory.
func (s *BadgerStore) ListInstalls(_ context.Context, limit int) ([]*InstallRecord, error) {
	records := []*InstallRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = installPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), installPrefix...), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			rec := &InstallRecord{}
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
			if limit > 0 && len(records) == limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list installs: %w", err)
	}
	return records, nil
}
