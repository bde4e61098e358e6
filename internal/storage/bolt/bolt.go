package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/movin10/talktime/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketUsageRecords = "usage_records"

// Store implements the storage.Store interface using bbolt. It is the
// local fallback store: guest identities persist here, and the usage
// meter also falls back to it when the remote store is unavailable.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketUsageRecords)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketUsageRecords, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return &usageStore{db: s.db} }

type usageStore struct {
	db *bbolt.DB
}

func (s *usageStore) GetRecord(ctx context.Context, identityKey string) (*storage.UsageRecord, error) {
	var record *storage.UsageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketUsageRecords))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(identityKey))
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.UsageRecord
		if err := json.Unmarshal(value, &result); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		record = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *usageStore) PutRecord(ctx context.Context, identityKey string, record storage.UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketUsageRecords))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketUsageRecords)
		}
		return b.Put([]byte(identityKey), data)
	})
}

func (s *usageStore) DeleteRecord(ctx context.Context, identityKey string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketUsageRecords))
		if b == nil {
			return storage.ErrNotFound
		}
		if b.Get([]byte(identityKey)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(identityKey))
	})
}

func (s *usageStore) DeleteRecordsBefore(ctx context.Context, cutoffDate string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsageRecords))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var record storage.UsageRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			if record.Date < cutoffDate {
				stale = append(stale, append([]byte(nil), k...))
			}
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
