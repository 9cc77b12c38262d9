// Package checkpoint persists per-iteration snapshots of the parent
// individuals so a halted or crashed run can be inspected and resumed.
// Snapshots are deterministic: the same population always serializes to
// the same bytes.
package checkpoint

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/gd"
	"github.com/cyw0ng95/descent/pkg/jsonutil"
	"github.com/cyw0ng95/descent/pkg/work"
)

// BucketCheckpoints holds one entry per (run, iteration).
var BucketCheckpoints = []byte("checkpoints")

// ParentSnapshot is the persisted state of one parent individual.
type ParentSnapshot struct {
	Params      []float64 `json:"params"`
	Raw         float64   `json:"raw"`
	Transformed float64   `json:"transformed"`
	Dirty       bool      `json:"dirty"`
}

// Snapshot is the persisted state of one iteration.
type Snapshot struct {
	RunID     string           `json:"run_id"`
	Iteration int              `json:"iteration"`
	Final     bool             `json:"final"`
	Best      gd.Fitness       `json:"best"`
	Parents   []ParentSnapshot `json:"parents"`
}

// Store is a bbolt-backed checkpoint sink. It implements gd.Recorder.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the checkpoint database.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// key builds the bucket key for one checkpoint. Iterations are zero
// padded so a cursor walks them in order; the final snapshot of a run
// sorts last.
func key(runID string, iteration int, final bool) []byte {
	if final {
		return []byte(fmt.Sprintf("%s/final", runID))
	}
	return []byte(fmt.Sprintf("%s/%010d", runID, iteration))
}

// Record implements gd.Recorder: it snapshots the parents and writes
// one checkpoint entry.
func (s *Store) Record(runID string, iteration int, final bool, best gd.Fitness, parents []work.Item) error {
	snap := Snapshot{
		RunID:     runID,
		Iteration: iteration,
		Final:     final,
		Best:      best,
		Parents:   make([]ParentSnapshot, 0, len(parents)),
	}

	for _, parent := range parents {
		ps := ParentSnapshot{Dirty: parent.IsDirty()}
		parent.StreamlineActiveDoubles(&ps.Params)
		if !ps.Dirty {
			// Clean reads never fail and never trigger evaluation
			ps.Raw, _ = parent.Fitness(work.RawFitness, work.PreventReevaluation)
			ps.Transformed, _ = parent.Fitness(work.TransformedFitness, work.PreventReevaluation)
		}
		snap.Parents = append(snap.Parents, ps)
	}

	data, err := jsonutil.Marshal(snap)
	if err != nil {
		return common.NewError(common.ErrCodeStorageWriteFailed, "cannot serialize checkpoint", err, false)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCheckpoints)
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket not found")
		}
		return bucket.Put(key(runID, iteration, final), data)
	})
}

// Load retrieves one checkpoint.
func (s *Store) Load(runID string, iteration int, final bool) (*Snapshot, error) {
	var snap *Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCheckpoints)
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket not found")
		}

		data := bucket.Get(key(runID, iteration, final))
		if data == nil {
			return fmt.Errorf("checkpoint not found")
		}

		snap = &Snapshot{}
		return jsonutil.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, common.NewError(common.ErrCodeStorageReadFailed, "cannot load checkpoint", err, false)
	}

	return snap, nil
}

// ListRun returns every checkpoint of one run in iteration order, the
// final snapshot last.
func (s *Store) ListRun(runID string) ([]*Snapshot, error) {
	var snaps []*Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCheckpoints)
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket not found")
		}

		prefix := []byte(runID + "/")
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			snap := &Snapshot{}
			if err := jsonutil.Unmarshal(v, snap); err != nil {
				continue
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snaps, nil
}

// Count returns the number of stored checkpoints.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCheckpoints)
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket not found")
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
