package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/livesync/internal/livesync"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.livesync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// maxHistory is the number of accepted snapshots kept per resource.
	maxHistory = 50
)

var (
	snapshotsBucket = []byte("snapshots")
	historyBucket   = []byte("history")
)

// Record is the last known state of one tracked resource.
type Record struct {
	ResourceID string            `json:"resource_id"`
	Label      string            `json:"label,omitempty"`
	Snapshot   livesync.Snapshot `json:"snapshot"`
	Mode       string            `json:"mode,omitempty"`

	// TerminalReason is set once the session ended on its own.
	TerminalReason string    `json:"terminal_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// State wraps a bbolt database holding the snapshot cache.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.livesync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(historyBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// PutSnapshot stores rec as the latest record for its resource and
// appends its snapshot to the resource history, trimming the oldest
// entries beyond maxHistory.
func (s *State) PutSnapshot(rec Record) error {
	if rec.ResourceID == "" {
		return fmt.Errorf("resource id is required")
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	snap, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)

		unchanged := false
		if prev := b.Get([]byte(rec.ResourceID)); prev != nil {
			var old Record
			unchanged = json.Unmarshal(prev, &old) == nil && old.Snapshot.Equal(rec.Snapshot)
		}

		if err := b.Put([]byte(rec.ResourceID), data); err != nil {
			return err
		}

		// Mode-only updates do not grow the history.
		if unchanged {
			return nil
		}

		hb, err := tx.Bucket(historyBucket).CreateBucketIfNotExists([]byte(rec.ResourceID))
		if err != nil {
			return err
		}

		seq, err := hb.NextSequence()
		if err != nil {
			return err
		}

		if err := hb.Put(seqKey(seq), snap); err != nil {
			return err
		}

		return trimHistory(hb)
	})
}

// GetSnapshot returns the record for a resource, or nil if not found.
func (s *State) GetSnapshot(resourceID string) (*Record, error) {
	var rec *Record

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(resourceID))
		if v == nil {
			return nil
		}

		rec = &Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// ListSnapshots returns every stored record ordered by resource id.
func (s *State) ListSnapshots() ([]Record, error) {
	var recs []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)

			return nil
		})
	})

	return recs, err
}

// History returns up to limit stored snapshots for a resource, newest
// first. A limit of zero or less returns everything kept.
func (s *State) History(resourceID string, limit int) ([]livesync.Snapshot, error) {
	var out []livesync.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		hb := tx.Bucket(historyBucket).Bucket([]byte(resourceID))
		if hb == nil {
			return nil
		}

		c := hb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}

			var snap livesync.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}

			out = append(out, snap)
		}

		return nil
	})

	return out, err
}

// DeleteSnapshot removes a resource's record and history.
func (s *State) DeleteSnapshot(resourceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotsBucket).Delete([]byte(resourceID)); err != nil {
			return err
		}

		hist := tx.Bucket(historyBucket)
		if hist.Bucket([]byte(resourceID)) == nil {
			return nil
		}

		return hist.DeleteBucket([]byte(resourceID))
	})
}

// Count returns the number of stored records.
func (s *State) Count() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(snapshotsBucket).Stats().KeyN
		return nil
	})

	return count
}

func trimHistory(hb *bolt.Bucket) error {
	var keys [][]byte

	c := hb.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	if len(keys) <= maxHistory {
		return nil
	}

	for _, k := range keys[:len(keys)-maxHistory] {
		if err := hb.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)

	return b
}

// DefaultPath returns ~/.livesync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".livesync", "state.db"), nil
}
