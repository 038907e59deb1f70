package enginedb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("inboxengine")

type boltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bbolt backed store at the given file path.
// All records are kept in a single bucket.
func OpenBolt(path string) (Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		str := fmt.Sprintf("unable to open bolt db at %s: %v", path, err)
		return nil, contextError(ErrBackendOpen, str, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		str := fmt.Sprintf("unable to create bolt bucket: %v", err)
		return nil, contextError(ErrBackendOpen, str, err)
	}
	return &boltBackend{db: db}, nil
}

func (bb *boltBackend) Get(_ context.Context, key []byte) (v []byte, found bool, err error) {
	err = bb.db.View(func(tx *bolt.Tx) error {
		// Values are only valid for the life of the tx.
		if bv := tx.Bucket(boltBucket).Get(key); bv != nil {
			v, found = bytes.Clone(bv), true
		}
		return nil
	})
	return
}

func (bb *boltBackend) Scan(ctx context.Context, prefix []byte, f func(k, v []byte) error) error {
	return bb.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bb *boltBackend) Commit(_ context.Context, b *Batch) error {
	return bb.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		return b.ForEach(func(key, val []byte) error {
			if val == nil {
				return bucket.Delete(key)
			}
			return bucket.Put(key, val)
		})
	})
}

func (bb *boltBackend) Close() error {
	return bb.db.Close()
}
