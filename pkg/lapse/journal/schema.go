package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Schema versions:
// 1 - cycle records only
// 2 - added the ID index (i:)
const CurrentSchemaVersion = 2

const schemaKey = prefixMeta + "__schema__"

// Schema holds database schema information.
type Schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSchema returns the stored schema, or nil if not set.
func (j *Journal) GetSchema() *Schema {
	var schema *Schema

	_ = j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			schema = &Schema{}
			return json.Unmarshal(val, schema)
		})
	})

	return schema
}

// SetSchema stores the schema version.
func (j *Journal) SetSchema(schema *Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), data)
	})
}

// Migrate brings the journal up to CurrentSchemaVersion and returns the
// number of migrations run. A fresh journal is stamped without migrating.
func (j *Journal) Migrate(ctx context.Context) (int, error) {
	from := 0
	if schema := j.GetSchema(); schema != nil {
		from = schema.Version
	} else if j.hasCycles() {
		from = 1
	} else {
		return 0, j.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()})
	}

	run := 0
	for version := from + 1; version <= CurrentSchemaVersion; version++ {
		if err := ctx.Err(); err != nil {
			return run, err
		}

		var err error
		switch version {
		case 2:
			err = j.rebuildIDIndex(ctx)
		}
		if err != nil {
			return run, err
		}

		if err := j.SetSchema(&Schema{Version: version, UpdatedAt: time.Now()}); err != nil {
			return run, err
		}
		run++
	}
	return run, nil
}

func (j *Journal) hasCycles() bool {
	var found bool
	_ = j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCycle)
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	return found
}

// rebuildIDIndex derives the i: index from the cycle keys.
func (j *Journal) rebuildIDIndex(ctx context.Context) error {
	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCycle)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if len(key) <= len(prefixCycle)+8 {
				continue
			}
			id := key[len(prefixCycle)+8:]
			if err := wb.Set(append([]byte(prefixID), id...), key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return wb.Flush()
}
