package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
}

// UsageStore persists per-identity daily usage records.
//
// Records are keyed by an opaque identity key supplied by the caller. A
// record that exists but carries a stale date is returned as-is; rollover
// is the usage meter's job, not the store's.
type UsageStore interface {
	GetRecord(ctx context.Context, identityKey string) (*UsageRecord, error)
	PutRecord(ctx context.Context, identityKey string, record UsageRecord) error
	DeleteRecord(ctx context.Context, identityKey string) error
	DeleteRecordsBefore(ctx context.Context, cutoffDate string) (int, error)
}
