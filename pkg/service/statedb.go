package service

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentfabric/aof/pkg/scheduler"
)

var (
	bucketMurmur        = []byte("murmur")
	bucketMurmurReviews = []byte("murmur_reviews")
	bucketNotifyDedup   = []byte("notify_dedup")
)

// StateDB holds the small amount of engine state that must survive
// restarts but does not belong in task frontmatter: per-team murmur
// counters, current review pointers, and the notification dedup window.
// Task state itself stays on the filesystem; this database is an index,
// never the source of truth.
type StateDB struct {
	db *bolt.DB
}

// OpenStateDB opens (or creates) the state database under dir.
func OpenStateDB(dir string) (*StateDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "aof.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMurmur, bucketMurmurReviews, bucketNotifyDedup} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StateDB{db: db}, nil
}

// Close closes the database.
func (s *StateDB) Close() error {
	return s.db.Close()
}

func stateKey(projectID, team string) []byte {
	return []byte(projectID + "/" + team)
}

// Counters implements scheduler.MurmurState.
func (s *StateDB) Counters(projectID, team string) (scheduler.MurmurCounters, error) {
	var counters scheduler.MurmurCounters
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMurmur).Get(stateKey(projectID, team))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &counters)
	})
	return counters, err
}

func (s *StateDB) updateCounters(projectID, team string, fn func(*scheduler.MurmurCounters)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMurmur)
		key := stateKey(projectID, team)

		var counters scheduler.MurmurCounters
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &counters); err != nil {
				return err
			}
		}
		fn(&counters)
		data, err := json.Marshal(&counters)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// BumpCompletions implements scheduler.MurmurState.
func (s *StateDB) BumpCompletions(projectID, team string) error {
	return s.updateCounters(projectID, team, func(c *scheduler.MurmurCounters) {
		c.CompletionsSinceLastReview++
	})
}

// BumpFailures implements scheduler.MurmurState.
func (s *StateDB) BumpFailures(projectID, team string) error {
	return s.updateCounters(projectID, team, func(c *scheduler.MurmurCounters) {
		c.FailuresSinceLastReview++
	})
}

// ResetCounters implements scheduler.MurmurState.
func (s *StateDB) ResetCounters(projectID, team string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMurmur).Delete(stateKey(projectID, team))
	})
}

// CurrentReview implements scheduler.MurmurState.
func (s *StateDB) CurrentReview(projectID, team string) (string, error) {
	var taskID string
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMurmurReviews).Get(stateKey(projectID, team)); data != nil {
			taskID = string(data)
		}
		return nil
	})
	return taskID, err
}

// SetCurrentReview implements scheduler.MurmurState.
func (s *StateDB) SetCurrentReview(projectID, team, taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMurmurReviews).Put(stateKey(projectID, team), []byte(taskID))
	})
}

// ClearCurrentReview implements scheduler.MurmurState.
func (s *StateDB) ClearCurrentReview(projectID, team string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMurmurReviews).Delete(stateKey(projectID, team))
	})
}

// Seen implements notify.Dedup with persistence, so a quick restart does
// not replay notifications already sent. Expired entries for other keys
// are pruned on each write.
func (s *StateDB) Seen(key string, now time.Time, window time.Duration) bool {
	seen := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifyDedup)

		cutoff := now.Add(-window).UnixNano()
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		if v := b.Get([]byte(key)); len(v) == 8 {
			at := int64(binary.BigEndian.Uint64(v))
			if now.UnixNano()-at <= window.Nanoseconds() {
				seen = true
				return nil
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
		return b.Put([]byte(key), buf[:])
	})
	if err != nil {
		// Fail open: a broken dedup store must not drop notifications.
		return false
	}
	return seen
}
