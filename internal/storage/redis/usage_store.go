package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/movin10/talktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "talktime:usage:record:"
	recordIndexKey  = "talktime:usage:records"
)

type usageStore struct {
	client *redis.Client
}

// GetRecord retrieves the usage record for an identity key
func (s *usageStore) GetRecord(ctx context.Context, identityKey string) (*storage.UsageRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKeyPrefix+identityKey).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseRecord(data)
}

// PutRecord creates or replaces the usage record for an identity key
func (s *usageStore) PutRecord(ctx context.Context, identityKey string, record storage.UsageRecord) error {
	key := recordKeyPrefix + identityKey

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"date":         record.Date,
		"minutes_used": record.MinutesUsed,
		"visits":       record.Visits,
	})
	pipe.SAdd(ctx, recordIndexKey, identityKey)

	_, err := pipe.Exec(ctx)
	return err
}

// DeleteRecord removes the usage record for an identity key
func (s *usageStore) DeleteRecord(ctx context.Context, identityKey string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKeyPrefix+identityKey)
	pipe.SRem(ctx, recordIndexKey, identityKey)

	_, err := pipe.Exec(ctx)
	return err
}

// DeleteRecordsBefore removes records whose date precedes the cutoff date.
// Dates use storage.DateLayout, so a plain string comparison is enough.
func (s *usageStore) DeleteRecordsBefore(ctx context.Context, cutoffDate string) (int, error) {
	keys, err := s.client.SMembers(ctx, recordIndexKey).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, identityKey := range keys {
		date, err := s.client.HGet(ctx, recordKeyPrefix+identityKey, "date").Result()
		if err == redis.Nil {
			// Stale index entry
			s.client.SRem(ctx, recordIndexKey, identityKey)
			continue
		}
		if err != nil {
			return deleted, err
		}

		if date < cutoffDate {
			if err := s.DeleteRecord(ctx, identityKey); err != nil {
				return deleted, err
			}
			deleted++
		}
	}

	return deleted, nil
}

func parseRecord(data map[string]string) (*storage.UsageRecord, error) {
	record := &storage.UsageRecord{
		Date: data["date"],
	}

	if v, ok := data["minutes_used"]; ok {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse minutes_used: %w", err)
		}
		record.MinutesUsed = minutes
	}

	if v, ok := data["visits"]; ok {
		visits, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse visits: %w", err)
		}
		record.Visits = visits
	}

	return record, nil
}
