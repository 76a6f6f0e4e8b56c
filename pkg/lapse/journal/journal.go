// Package journal provides Badger DB-backed storage for cycle logs and the
// resume state of the capture loop.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// Key prefixes for different data types
const (
	prefixCycle = "c:" // c:<unix nanos BE><id> -> CycleLog JSON
	prefixID    = "i:" // i:<id> -> cycle key
	prefixMeta  = "m:" // metadata
)

// ErrNotFound is returned when a cycle or state is absent.
var ErrNotFound = errors.New("not found")

// Journal is the cycle log store.
type Journal struct {
	db *badger.DB
}

// Open opens or creates a journal at the given directory.
func Open(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// OpenInMemory opens a journal that lives only in memory.
func OpenInMemory() (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

func cycleKey(ts time.Time, id string) []byte {
	key := make([]byte, 0, len(prefixCycle)+8+len(id))
	key = append(key, prefixCycle...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
	return append(key, id...)
}

// Record stores a cycle log, assigning an ID when it has none.
func (j *Journal) Record(c *types.CycleLog) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	key := cycleKey(c.Timestamp, c.ID)
	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(prefixID+c.ID), key)
	})
}

// Get returns the cycle with the given ID.
func (j *Journal) Get(id string) (*types.CycleLog, error) {
	var c types.CycleLog
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixID + id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns up to limit cycles, newest first. A limit of zero or less
// returns all cycles.
func (j *Journal) List(limit int) ([]*types.CycleLog, error) {
	var results []*types.CycleLog

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCycle)
		// Reverse iteration seeks to the last key <= the seek key.
		seek := append([]byte(prefixCycle), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var c types.CycleLog
				if err := json.Unmarshal(val, &c); err != nil {
					return nil //nolint:nilerr // skip malformed records
				}
				results = append(results, &c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return results, err
}

// Latest returns the most recent cycle.
func (j *Journal) Latest() (*types.CycleLog, error) {
	cycles, err := j.List(1)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, ErrNotFound
	}
	return cycles[0], nil
}

// Counts tallies the stored cycles by outcome.
type Counts struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Failures int `json:"failures"`
}

// Count tallies all stored cycles.
func (j *Journal) Count() (Counts, error) {
	var n Counts
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCycle)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c struct {
					Outcome types.Outcome `json:"outcome"`
				}
				if err := json.Unmarshal(val, &c); err != nil {
					return nil //nolint:nilerr // skip malformed records
				}
				n.Total++
				if c.Outcome == types.OutcomeSuccess {
					n.Success++
				} else {
					n.Failures++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

// Prune removes cycles recorded before cutoff and returns how many were
// removed.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	var keys, ids [][]byte

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCycle)
		end := cycleKey(cutoff, "")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(end) {
				break
			}
			keys = append(keys, key)
			ids = append(ids, append([]byte(prefixID), key[len(prefixCycle)+8:]...))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range keys {
		if err := wb.Delete(keys[i]); err != nil {
			return 0, err
		}
		if err := wb.Delete(ids[i]); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}
