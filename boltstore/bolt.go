// Package boltstore wraps go.etcd.io/bbolt with the bucket-creation helper
// the Content-Addressed JSON Cache needs. Callers that need to read or
// write within a bucket use the embedded *bolt.DB's own Update/View
// transactions directly, since jsoncache's content and metadata buckets
// must be written atomically within one bolt.Tx.
package boltstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DB wraps a bbolt database, exposing it directly for transaction use.
type DB struct {
	*bolt.DB
}

// Open opens or creates a bbolt database
func Open(path string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{boltDB}, nil
}

// CreateBucket creates a bucket if it doesn't exist
func (db *DB) CreateBucket(name string) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		return nil
	})
}
