package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stokerhq/stoker/pkg/types"
)

var (
	// Bucket names
	bucketExecutions = []byte("executions")
	bucketLeases     = []byte("leases")
	bucketMeta       = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// schemaVersion is the current on-disk schema. Migrations are forward-only
// and run under an exclusive update transaction at open.
const schemaVersion = 1

// BoltStore implements Store using a single bbolt file. bbolt gives the
// one-writer/many-readers discipline the broker needs: View transactions
// never block Update and vice versa, and every Update commit is fsynced
// before it returns, so Enqueue is durable by the time the caller acks.
type BoltStore struct {
	db *bolt.DB

	// now is injectable for lease-expiry tests.
	now func() time.Time
}

// NewBoltStore opens (or creates) the store file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db, now: time.Now}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrate creates buckets and applies forward-only schema migrations.
func (s *BoltStore) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketExecutions, bucketLeases, bucketMeta}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		raw := meta.Get(keySchemaVersion)
		if raw == nil {
			return meta.Put(keySchemaVersion, encodeVersion(schemaVersion))
		}

		have := decodeVersion(raw)
		if have > schemaVersion {
			return fmt.Errorf("store schema version %d is newer than supported %d", have, schemaVersion)
		}
		// Future forward migrations land here, keyed on `have`.
		if have < schemaVersion {
			return meta.Put(keySchemaVersion, encodeVersion(schemaVersion))
		}
		return nil
	})
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeVersion(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Enqueue durably records a new execution in pending state. The commit is
// flushed before return; a nil error means the caller may ack the client.
func (s *BoltStore) Enqueue(exec *types.Execution) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		if b.Get([]byte(exec.TaskID)) != nil {
			return fmt.Errorf("%w: %s", types.ErrDuplicateID, exec.TaskID)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		exec.Seq = seq
		exec.Status = types.StatusPending
		if exec.CreatedAt.IsZero() {
			exec.CreatedAt = s.now()
		}

		data, err := json.Marshal(exec)
		if err != nil {
			return err
		}
		return b.Put([]byte(exec.TaskID), data)
	})
	if err != nil {
		return err
	}
	return nil
}

// Get returns a snapshot of one execution record.
func (s *BoltStore) Get(taskID string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("%w: execution %s", types.ErrNotFound, taskID)
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// transition applies a status change under the monotonicity rules: records
// move forward through pending -> running -> terminal, pending may go
// directly to cancelled, and repeating the current terminal state is a no-op.
func (s *BoltStore) transition(taskID string, to types.ExecutionStatus, when time.Time, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("%w: execution %s", types.ErrNotFound, taskID)
		}

		var exec types.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return err
		}

		if exec.Status == to {
			// Idempotent repeat, including terminal re-marks.
			return nil
		}
		if !legalTransition(exec.Status, to) {
			return fmt.Errorf("%w: %s -> %s for %s", types.ErrInvalidTransition, exec.Status, to, taskID)
		}

		exec.Status = to
		switch {
		case to == types.StatusRunning:
			exec.StartedAt = &when
		case to.Terminal():
			exec.CompletedAt = &when
			exec.ErrorMessage = errMsg
		}

		updated, err := json.Marshal(&exec)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), updated)
	})
}

func legalTransition(from, to types.ExecutionStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case types.StatusPending:
		// Cancellation of a queued execution skips running.
		return to == types.StatusRunning || to == types.StatusCancelled
	case types.StatusRunning:
		return to.Terminal()
	}
	return false
}

func (s *BoltStore) MarkStarted(taskID string, when time.Time) error {
	return s.transition(taskID, types.StatusRunning, when, "")
}

func (s *BoltStore) MarkCompleted(taskID string, when time.Time) error {
	return s.transition(taskID, types.StatusCompleted, when, "")
}

func (s *BoltStore) MarkFailed(taskID string, when time.Time, errMsg string) error {
	return s.transition(taskID, types.StatusFailed, when, errMsg)
}

func (s *BoltStore) MarkCancelled(taskID string, when time.Time) error {
	return s.transition(taskID, types.StatusCancelled, when, "cancelled by client")
}

func (s *BoltStore) MarkTimeout(taskID string, when time.Time) error {
	return s.transition(taskID, types.StatusTimeout, when, "execution deadline exceeded")
}

// LoadNonterminal returns all pending and running rows ordered by created_at
// (sequence number as tiebreak). Called once at startup for crash recovery.
func (s *BoltStore) LoadNonterminal() ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if !exec.Status.Terminal() {
				execs = append(execs, &exec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].Seq < execs[j].Seq
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

// CleanupCompleted deletes terminal rows older than age. Maintenance
// operation with no default schedule; wired to the CLI.
func (s *BoltStore) CleanupCompleted(age time.Duration) (int, error) {
	cutoff := s.now().Add(-age)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				continue
			}
			if exec.Status.Terminal() && exec.CompletedAt != nil && exec.CompletedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// RenewAssetLease creates or renews the lease protecting assetPath.
func (s *BoltStore) RenewAssetLease(assetPath, notebookKey string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		now := s.now()

		lease := types.AssetLease{
			AssetPath:    assetPath,
			NotebookKey:  notebookKey,
			CreatedAt:    now,
			LastSeen:     now,
			LeaseExpires: now.Add(ttl),
		}
		if data := b.Get([]byte(assetPath)); data != nil {
			var existing types.AssetLease
			if err := json.Unmarshal(data, &existing); err == nil {
				lease.CreatedAt = existing.CreatedAt
			}
		}

		data, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		return b.Put([]byte(assetPath), data)
	})
}

// GetAssetLease returns the lease for assetPath.
func (s *BoltStore) GetAssetLease(assetPath string) (*types.AssetLease, error) {
	var lease types.AssetLease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(assetPath))
		if data == nil {
			return fmt.Errorf("%w: lease %s", types.ErrNotFound, assetPath)
		}
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// ListLeases returns all leases owned by notebookKey. An empty key lists
// every lease.
func (s *BoltStore) ListLeases(notebookKey string) ([]*types.AssetLease, error) {
	var leases []*types.AssetLease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.AssetLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if notebookKey == "" || lease.NotebookKey == notebookKey {
				leases = append(leases, &lease)
			}
			return nil
		})
	})
	return leases, err
}

// ExpiredAssets returns the paths of all assets whose lease has expired.
func (s *BoltStore) ExpiredAssets() ([]string, error) {
	var paths []string
	now := s.now()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.AssetLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if now.After(lease.LeaseExpires) {
				paths = append(paths, lease.AssetPath)
			}
			return nil
		})
	})
	return paths, err
}

// DropAsset removes the lease row for assetPath.
func (s *BoltStore) DropAsset(assetPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.Delete([]byte(assetPath))
	})
}

// Stats returns counters for observability.
func (s *BoltStore) Stats() (*Stats, error) {
	stats := &Stats{
		ExecutionsByStatus: make(map[types.ExecutionStatus]int),
	}
	now := s.now()
	err := s.db.View(func(tx *bolt.Tx) error {
		execs := tx.Bucket(bucketExecutions)
		if err := execs.ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			stats.ExecutionsByStatus[exec.Status]++
			return nil
		}); err != nil {
			return err
		}

		leases := tx.Bucket(bucketLeases)
		return leases.ForEach(func(k, v []byte) error {
			var lease types.AssetLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if now.After(lease.LeaseExpires) {
				stats.ExpiredLeases++
			} else {
				stats.ActiveLeases++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
