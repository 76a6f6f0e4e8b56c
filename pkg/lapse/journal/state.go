package journal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const stateKey = prefixMeta + "state"

// State is what the capture loop needs to resume after a restart: the last
// converged settings, used as the next starting estimate.
type State struct {
	Exposure  int       `json:"exposure"`
	Focus     *int      `json:"focus,omitempty"`
	CycleID   string    `json:"cycle_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveState stores the resume state.
func (j *Journal) SaveState(st State) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
}

// LoadState returns the resume state, or ErrNotFound.
func (j *Journal) LoadState() (State, error) {
	var st State
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return State{}, ErrNotFound
	}
	return st, err
}
