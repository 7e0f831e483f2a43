package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

const (
	// readingsBucket holds one nested bucket per sensor, keyed by ULID
	readingsBucket = "readings"

	// configBucket stores alarm configuration per sensor
	configBucket = "alarm_config"

	// pendingBucket stores pending notifications keyed by PendingKey
	pendingBucket = "pending"

	// tokensBucket stores push tokens per user
	tokensBucket = "push_tokens"

	// DefaultMaxReadings is the per-sensor retention used when none is given
	DefaultMaxReadings = 1000

	// trimEvery controls how often retention runs, in appended readings
	trimEvery = 50
)

// BoltStore is a bbolt implementation of the Store interface
type BoltStore struct {
	db          *bbolt.DB
	maxReadings int
	entropy     io.Reader
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the database at path.
// maxReadings bounds the readings kept per sensor; 0 selects the default.
func NewBoltStore(path string, maxReadings int) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{readingsBucket, configBucket, pendingBucket, tokensBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if maxReadings <= 0 {
		maxReadings = DefaultMaxReadings
	}

	return &BoltStore{
		db:          db,
		maxReadings: maxReadings,
		// Only used inside write transactions, which bbolt serializes.
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func sensorKey(userID, sensorUUID string) []byte {
	return []byte(userID + "/" + sensorUUID)
}

// Readings

// AppendReading stores r under a time-ordered ULID key
func (s *BoltStore) AppendReading(ctx context.Context, r SensorReading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(readingsBucket)).CreateBucketIfNotExists(sensorKey(r.UserID, r.SensorUUID))
		if err != nil {
			return fmt.Errorf("failed to create sensor bucket: %w", err)
		}

		id, err := ulid.New(ulid.Timestamp(r.ObservedAt), s.entropy)
		if err != nil {
			return fmt.Errorf("failed to generate reading key: %w", err)
		}
		if err := bucket.Put(id[:], data); err != nil {
			return err
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if seq%trimEvery == 0 {
			return trimBucket(bucket, s.maxReadings)
		}
		return nil
	})
}

// trimBucket deletes the oldest keys so that at most keep remain
func trimBucket(bucket *bbolt.Bucket, keep int) error {
	count := 0
	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
		count++
	}
	if count <= keep {
		return nil
	}

	toDelete := make([][]byte, 0, count-keep)
	for k, _ := cursor.First(); k != nil && len(toDelete) < count-keep; k, _ = cursor.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("failed to delete old reading: %w", err)
		}
	}
	return nil
}

// LatestReading returns the reading with the greatest observation time
func (s *BoltStore) LatestReading(ctx context.Context, userID, sensorUUID string) (*SensorReading, error) {
	readings, err := s.ListReadings(ctx, userID, sensorUUID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, ErrNotFound
	}
	return &readings[0], nil
}

// ListReadings returns up to limit readings, newest first
func (s *BoltStore) ListReadings(ctx context.Context, userID, sensorUUID string, limit int) ([]SensorReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var readings []SensorReading
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket)).Bucket(sensorKey(userID, sensorUUID))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(readings) >= limit {
				break
			}
			var r SensorReading
			if err := json.Unmarshal(v, &r); err != nil {
				continue // Skip corrupted entries
			}
			readings = append(readings, r)
		}
		return nil
	})

	return readings, err
}

// Alarm configuration

// GetAlarmConfig returns the configuration for a sensor
func (s *BoltStore) GetAlarmConfig(ctx context.Context, userID, sensorUUID string) (*AlarmConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cfg *AlarmConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(configBucket)).Get(sensorKey(userID, sensorUUID))
		if data == nil {
			return ErrNotFound
		}

		cfg = &AlarmConfig{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to unmarshal alarm config: %w", err)
		}
		return nil
	})

	return cfg, err
}

// SetAlarmConfig stores the configuration for cfg's sensor
func (s *BoltStore) SetAlarmConfig(ctx context.Context, cfg *AlarmConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal alarm config: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(configBucket)).Put(sensorKey(cfg.UserID, cfg.SensorUUID), data)
	})
}

// Pending notifications

// CreatePending inserts p if its key is free
func (s *BoltStore) CreatePending(ctx context.Context, p PendingNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		return putPending(bucket, p, false)
	})
}

// ReplacePending deletes key and inserts next atomically
func (s *BoltStore) ReplacePending(ctx context.Context, key PendingKey, next *PendingNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if err := bucket.Delete([]byte(key.String())); err != nil {
			return fmt.Errorf("failed to delete pending notification: %w", err)
		}
		if next == nil {
			return nil
		}
		return putPending(bucket, *next, false)
	})
}

// UpdatePending overwrites an existing record
func (s *BoltStore) UpdatePending(ctx context.Context, p PendingNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if bucket.Get([]byte(p.Key().String())) == nil {
			return ErrNotFound
		}
		return putPending(bucket, p, true)
	})
}

func putPending(bucket *bbolt.Bucket, p PendingNotification, overwrite bool) error {
	key := []byte(p.Key().String())
	if !overwrite && bucket.Get(key) != nil {
		return ErrPendingExists
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending notification: %w", err)
	}
	return bucket.Put(key, data)
}

// GetPending returns the record for key
func (s *BoltStore) GetPending(ctx context.Context, key PendingKey) (*PendingNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p *PendingNotification
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(pendingBucket)).Get([]byte(key.String()))
		if data == nil {
			return ErrNotFound
		}
		p = &PendingNotification{}
		if err := json.Unmarshal(data, p); err != nil {
			return fmt.Errorf("failed to unmarshal pending notification: %w", err)
		}
		return nil
	})

	return p, err
}

// DeletePending removes the record for key
func (s *BoltStore) DeletePending(ctx context.Context, key PendingKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete([]byte(key.String()))
	})
}

// ListPending returns every pending record
func (s *BoltStore) ListPending(ctx context.Context) ([]PendingNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var list []PendingNotification
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(k, v []byte) error {
			var p PendingNotification
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to unmarshal pending notification %s: %w", k, err)
			}
			list = append(list, p)
			return nil
		})
	})

	return list, err
}

// ListDuePending returns the records due at now, earliest first
func (s *BoltStore) ListDuePending(ctx context.Context, now time.Time) ([]PendingNotification, error) {
	all, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	due := all[:0]
	for _, p := range all {
		if p.Due(now) {
			due = append(due, p)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].DueAt.Before(due[j].DueAt)
	})
	return due, nil
}

// Push recipients

// PushToken returns the push token registered for userID
func (s *BoltStore) PushToken(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var token string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(tokensBucket)).Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		token = string(data)
		return nil
	})

	return token, err
}

// SetPushToken registers token for userID. An empty token removes it.
func (s *BoltStore) SetPushToken(ctx context.Context, userID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tokensBucket))
		if token == "" {
			return bucket.Delete([]byte(userID))
		}
		return bucket.Put([]byte(userID), []byte(token))
	})
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}
