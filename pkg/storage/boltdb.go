package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBackups   = []byte("backups")
	bucketBackupIDs = []byte("backup_ids")
	bucketAttempts  = []byte("rollback_attempts")
	bucketVerdicts  = []byte("health_verdicts")
	bucketRevisions = []byte("revisions")
)

// backupTimeFormat sorts lexically in time order
const backupTimeFormat = "20060102T150405.000000000Z"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "shepherd.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketBackups,
			bucketBackupIDs,
			bucketAttempts,
			bucketVerdicts,
			bucketRevisions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

func envPrefix(environment string) []byte {
	return []byte(environment + "/")
}

func backupKey(b *types.Backup) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s/%s",
		b.Environment,
		b.CreatedAt.UTC().Format(backupTimeFormat),
		b.RevisionBeforeChange,
		b.ID,
	))
}

// sequenceKey builds <environment>/<big-endian sequence> so prefix scans
// return records in append order
func sequenceKey(environment string, seq uint64) []byte {
	key := envPrefix(environment)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// Backup operations

// SaveBackup stores a backup keyed by environment, timestamp and revision and
// returns its location
func (s *BoltStore) SaveBackup(backup *types.Backup) (string, error) {
	key := backupKey(backup)
	location := fmt.Sprintf("bolt://%s#%s", s.path, key)
	backup.Location = location

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(backup)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBackups).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketBackupIDs).Put([]byte(backup.ID), key)
	})
	if err != nil {
		backup.Location = ""
		return "", fmt.Errorf("failed to save backup %s: %w", backup.ID, err)
	}
	return location, nil
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketBackupIDs).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", types.ErrBackupNotFound, id)
		}
		data := tx.Bucket(bucketBackups).Get(key)
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrBackupNotFound, id)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackups(environment string) ([]*types.Backup, error) {
	var backups []*types.Backup
	prefix := envPrefix(environment)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBackups).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			backups = append(backups, &backup)
		}
		return nil
	})
	return backups, err
}

func (s *BoltStore) LatestBackup(environment string) (*types.Backup, error) {
	var backup *types.Backup
	prefix := envPrefix(environment)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBackups).Cursor()

		// '0' sorts right after '/', so this seeks past the environment's keys
		k, _ := c.Seek([]byte(environment + "0"))
		var v []byte
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return fmt.Errorf("%w: no backup for environment %s", types.ErrBackupNotFound, environment)
		}
		backup = &types.Backup{}
		return json.Unmarshal(v, backup)
	})
	if err != nil {
		return nil, err
	}
	return backup, nil
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketBackupIDs)
		key := ids.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", types.ErrBackupNotFound, id)
		}
		// key is only valid for the life of the transaction
		key = append([]byte(nil), key...)
		if err := tx.Bucket(bucketBackups).Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

// CountBackups returns the number of retained backups across all environments
func (s *BoltStore) CountBackups() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBackups).Stats().KeyN
		return nil
	})
	return n, err
}

// Rollback attempt operations

func (s *BoltStore) AppendAttempt(attempt *types.RollbackAttempt) error {
	return s.appendRecord(bucketAttempts, attempt.Environment, attempt)
}

func (s *BoltStore) ListAttempts(environment string, limit int) ([]*types.RollbackAttempt, error) {
	var attempts []*types.RollbackAttempt
	err := s.scanTail(bucketAttempts, environment, limit, func(v []byte) error {
		var attempt types.RollbackAttempt
		if err := json.Unmarshal(v, &attempt); err != nil {
			return err
		}
		attempts = append(attempts, &attempt)
		return nil
	})
	return attempts, err
}

// Health verdict operations

func (s *BoltStore) AppendVerdict(environment string, verdict *types.HealthVerdict) error {
	return s.appendRecord(bucketVerdicts, environment, verdict)
}

func (s *BoltStore) ListVerdicts(environment string, limit int) ([]*types.HealthVerdict, error) {
	var verdicts []*types.HealthVerdict
	err := s.scanTail(bucketVerdicts, environment, limit, func(v []byte) error {
		var verdict types.HealthVerdict
		if err := json.Unmarshal(v, &verdict); err != nil {
			return err
		}
		verdicts = append(verdicts, &verdict)
		return nil
	})
	return verdicts, err
}

func (s *BoltStore) appendRecord(bucket []byte, environment string, record interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(environment, seq), data)
	})
}

// scanTail calls fn for the last limit records of environment in append
// order. A limit of zero or less returns every record.
func (s *BoltStore) scanTail(bucket []byte, environment string, limit int, fn func(v []byte) error) error {
	prefix := envPrefix(environment)
	return s.db.View(func(tx *bolt.Tx) error {
		var values [][]byte
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			values = append(values, v)
		}
		if limit > 0 && len(values) > limit {
			values = values[len(values)-limit:]
		}
		for _, v := range values {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Revision operations

func (s *BoltStore) SaveRevision(rev *types.DeploymentRevision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRevisions).Put([]byte(rev.ID), data)
	})
}

func (s *BoltStore) GetRevision(id string) (*types.DeploymentRevision, error) {
	var rev types.DeploymentRevision
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRevisions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrRevisionNotFound, id)
		}
		return json.Unmarshal(data, &rev)
	})
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

// ListRevisions returns the newest limit revisions of environment, oldest first
func (s *BoltStore) ListRevisions(environment string, limit int) ([]*types.DeploymentRevision, error) {
	var revs []*types.DeploymentRevision
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevisions).ForEach(func(k, v []byte) error {
			var rev types.DeploymentRevision
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			if rev.Environment == environment {
				revs = append(revs, &rev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].CreatedAt.Before(revs[j].CreatedAt) })
	if limit > 0 && len(revs) > limit {
		revs = revs[len(revs)-limit:]
	}
	return revs, nil
}

var _ Store = (*BoltStore)(nil)
