// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore wraps the durable key-value store backing every actor.
// Records are per-key JSON blobs; each entity kind gets its own bucket.
package kvstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names, one per persisted entity kind.
const (
	BucketDrops        = "drops"
	BucketParticipants = "participants"
	BucketRollover     = "rollover"
	BucketLoyalty      = "loyalty"
	BucketQueueTokens  = "queuetokens"
	BucketChallenges   = "challenges"
	BucketRateLimits   = "ratelimits"
	BucketDropsIndex   = "dropsindex"
	BucketTimers       = "timers"
)

var allBuckets = []string{
	BucketDrops, BucketParticipants, BucketRollover, BucketLoyalty,
	BucketQueueTokens, BucketChallenges, BucketRateLimits,
	BucketDropsIndex, BucketTimers,
}

// Store is a bbolt-backed durable KV store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open kv store %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SanitizeKey maps a key onto the allowed charset [A-Za-z0-9_/-];
// anything else becomes '_'.
func SanitizeKey(key string) string {
	out := []byte(key)
	changed := false
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '_', c == '/', c == '-':
		default:
			out[i] = '_'
			changed = true
		}
	}
	if !changed {
		return key
	}
	return string(out)
}

// Get unmarshals the record at key into v, reporting whether it exists.
func (s *Store) Get(bucket, key string, v interface{}) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(bucket)).Get([]byte(SanitizeKey(key))); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %v", bucket, key, err)
	}
	return true, nil
}

// Put stores v as JSON at key.
func (s *Store) Put(bucket, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %v", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(SanitizeKey(key)), raw)
	})
}

// Delete removes the record at key. Missing keys are not an error.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(SanitizeKey(key)))
	})
}

// ForEachPrefix iterates records whose key has the given prefix in key
// order, stopping early if fn errors.
func (s *Store) ForEachPrefix(bucket, prefix string, fn func(key string, raw []byte) error) error {
	p := []byte(SanitizeKey(prefix))
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys lists the keys under prefix in order.
func (s *Store) Keys(bucket, prefix string) ([]string, error) {
	var keys []string
	err := s.ForEachPrefix(bucket, prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// expirable is the minimal decode used by the TTL sweep. Records opting
// into expiry carry an expiresAt unix-ms field.
type expirable struct {
	ExpiresAt int64 `json:"expiresAt"`
}

// SweepExpired deletes records in bucket whose expiresAt has passed.
// Records without the field (zero) are kept. Returns the number of
// deletions.
func (s *Store) SweepExpired(bucket string, nowMs int64) (int, error) {
	var doomed [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var e expirable
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // unexpected shape, leave it alone
			}
			if e.ExpiresAt > 0 && e.ExpiresAt <= nowMs {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil || len(doomed) == 0 {
		return 0, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}
