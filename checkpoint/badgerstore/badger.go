// Package badgerstore implements a durable CheckpointStore on an embedded
// Badger key-value database. One record is written per checkpoint; Put
// commits synchronously, so a successful Put survives an immediate process
// crash. Pending task writes are persisted under their own keys for mid-step
// crash recovery.
//
// Channel values round-trip through JSON, so restored values follow JSON
// conventions (numbers decode as float64, maps as map[string]any).
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/graphmesh/core"
	"github.com/hupe1980/graphmesh/logging"
)

// key layout, fields separated by NUL so run keys may contain any printable
// separator:
//
//	c <run> <checkpoint id> -> JSON checkpoint
//	l <run>                 -> latest checkpoint id
//	p <run> <checkpoint id> <task id> -> JSON pending writes
const (
	prefixCheckpoint = 'c'
	prefixLatest     = 'l'
	prefixPending    = 'p'
	sep              = 0x00
)

// Options configures the Badger-backed store.
type Options struct {
	// InMemory runs Badger without a directory (useful for tests).
	InMemory bool
	// Shallow retains only the newest checkpoint per run key.
	Shallow bool
	// Logger receives store diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Store is a durable CheckpointStore backed by Badger.
type Store struct {
	db      *badger.DB
	shallow bool
	logger  logging.Logger

	mu      sync.Mutex
	runLock map[string]*sync.Mutex
}

// New opens (or creates) a Badger database at path and returns the store.
func New(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	badgerOpts := badger.DefaultOptions(path).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	return &Store{
		db:      db,
		shallow: opts.Shallow,
		logger:  opts.Logger,
		runLock: map[string]*sync.Mutex{},
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func key(prefix byte, parts ...string) []byte {
	k := []byte{prefix}
	for _, p := range parts {
		k = append(k, sep)
		k = append(k, p...)
	}
	return k
}

// runPrefix returns the key prefix covering all entries of kind prefix for a
// run, including the trailing separator.
func runPrefix(prefix byte, runKey string) []byte {
	return append(key(prefix, runKey), sep)
}

// lock returns the per-run mutex serializing Put calls for one run key.
func (s *Store) lock(runKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.runLock[runKey]
	if !ok {
		l = &sync.Mutex{}
		s.runLock[runKey] = l
	}
	return l
}

// Get returns the checkpoint with the given id, or the latest one when id is
// empty, merging in any buffered pending writes.
func (s *Store) Get(ctx context.Context, runKey, checkpointID string) (*core.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ckpt *core.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		id := checkpointID
		if id == "" {
			item, err := txn.Get(key(prefixLatest, runKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
		}

		item, err := txn.Get(key(prefixCheckpoint, runKey, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.ErrCheckpointNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			ckpt = &core.Checkpoint{}
			return json.Unmarshal(val, ckpt)
		}); err != nil {
			return err
		}

		pending, err := s.readPendingWrites(txn, runKey, id)
		if err != nil {
			return err
		}
		ckpt.PendingWrites = append(ckpt.PendingWrites, pending...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ckpt, nil
}

// List returns the run's checkpoints newest first. Checkpoint ids are
// time-ordered (UUIDv7), so reverse key order is reverse chronological order.
func (s *Store) List(ctx context.Context, runKey string, opts core.ListOptions) ([]*core.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := runPrefix(prefixCheckpoint, runKey)
	var out []*core.Checkpoint

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.Prefix = prefix

		it := txn.NewIterator(itOpts)
		defer it.Close()

		// Seek past the last possible key within the prefix.
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			if opts.Before != "" && id >= opts.Before {
				continue
			}

			var ckpt core.Checkpoint
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ckpt)
			}); err != nil {
				return err
			}
			if opts.Source != "" && ckpt.Source != opts.Source {
				continue
			}

			out = append(out, &ckpt)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put durably persists the checkpoint. The write transaction commits
// synchronously before Put returns. Puts referencing an unknown parent are
// rejected with ErrOutOfOrderCheckpoint.
func (s *Store) Put(ctx context.Context, runKey string, ckpt *core.Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l := s.lock(runKey)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(ckpt)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if ckpt.ParentID != "" && !s.shallow {
			if _, err := txn.Get(key(prefixCheckpoint, runKey, ckpt.ParentID)); errors.Is(err, badger.ErrKeyNotFound) {
				return core.ErrOutOfOrderCheckpoint
			} else if err != nil {
				return err
			}
		}

		if s.shallow {
			if err := s.deletePrefix(txn, runPrefix(prefixCheckpoint, runKey)); err != nil {
				return err
			}
			if err := s.deletePrefix(txn, runPrefix(prefixPending, runKey)); err != nil {
				return err
			}
		}

		if err := txn.Set(key(prefixCheckpoint, runKey, ckpt.ID), data); err != nil {
			return err
		}
		return txn.Set(key(prefixLatest, runKey), []byte(ckpt.ID))
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("checkpoint persisted run_key=%s checkpoint_id=%s step=%d", runKey, ckpt.ID, ckpt.Step)
	return ckpt.ID, nil
}

// PutPendingWrites persists buffered task writes for a still-executing step.
func (s *Store) PutPendingWrites(ctx context.Context, runKey, checkpointID, taskID string, writes []core.PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tagged := make([]core.PendingWrite, len(writes))
	for i, w := range writes {
		w.TaskID = taskID
		tagged[i] = w
	}
	data, err := json.Marshal(tagged)
	if err != nil {
		return fmt.Errorf("marshal pending writes: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixPending, runKey, checkpointID, taskID), data)
	})
}

// DeleteRun removes all records under the run key.
func (s *Store) DeleteRun(ctx context.Context, runKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.deletePrefix(txn, runPrefix(prefixCheckpoint, runKey)); err != nil {
			return err
		}
		if err := s.deletePrefix(txn, runPrefix(prefixPending, runKey)); err != nil {
			return err
		}
		return txn.Delete(key(prefixLatest, runKey))
	})
}

// NextVersion returns the next monotonically increasing channel version.
func (s *Store) NextVersion(current int64) int64 { return current + 1 }

// readPendingWrites loads all buffered writes for a checkpoint.
func (s *Store) readPendingWrites(txn *badger.Txn, runKey, checkpointID string) ([]core.PendingWrite, error) {
	prefix := append(runPrefix(prefixPending, runKey), checkpointID...)
	prefix = append(prefix, sep)

	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = prefix

	it := txn.NewIterator(itOpts)
	defer it.Close()

	var out []core.PendingWrite
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var writes []core.PendingWrite
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &writes)
		}); err != nil {
			return nil, err
		}
		out = append(out, writes...)
	}
	return out, nil
}

// deletePrefix removes every key under prefix within the transaction.
func (s *Store) deletePrefix(txn *badger.Txn, prefix []byte) error {
	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = prefix
	itOpts.PrefetchValues = false

	it := txn.NewIterator(itOpts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
