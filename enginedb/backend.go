package enginedb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Backend is an ordered key-value store able to atomically apply a batch of
// writes. Keys are compared bytewise.
type Backend interface {
	// Get returns the value of key. found is false when the key does not
	// exist.
	Get(ctx context.Context, key []byte) (v []byte, found bool, err error)

	// Scan calls f for every key with the given prefix, in ascending key
	// order. Returning an error from f stops the scan. k and v are only
	// valid during the call to f.
	Scan(ctx context.Context, prefix []byte, f func(k, v []byte) error) error

	// Commit atomically applies all the operations of b.
	Commit(ctx context.Context, b *Batch) error

	Close() error
}

type batchOp struct {
	key []byte
	val []byte // nil for deletions
}

// Batch is a list of writes applied atomically by a Backend.
type Batch struct {
	ops []batchOp
}

// Put adds a write of key to the batch.
func (b *Batch) Put(key, val []byte) {
	if val == nil {
		val = []byte{}
	}
	b.ops = append(b.ops, batchOp{key: key, val: val})
}

// Delete adds a deletion of key to the batch.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// ForEach calls f for every operation. val is nil for deletions.
func (b *Batch) ForEach(f func(key, val []byte) error) error {
	for _, op := range b.ops {
		if err := f(op.key, op.val); err != nil {
			return err
		}
	}
	return nil
}

// prefixEnd returns the smallest key that is greater than every key with the
// given prefix, or nil if there is no such key.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type levelBackend struct {
	db   *leveldb.DB
	sync bool
}

// OpenLevelDB opens (or creates) a LevelDB backend at the given dir.
func OpenLevelDB(dir string) (Backend, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		str := fmt.Sprintf("unable to open leveldb at %s: %v", dir, err)
		return nil, contextError(ErrBackendOpen, str, err)
	}
	return &levelBackend{db: db, sync: true}, nil
}

// OpenMemory opens a LevelDB backend that keeps its data in memory.
func OpenMemory() Backend {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// Opening a fresh mem storage only fails on programming errors.
		panic(err)
	}
	return &levelBackend{db: db}
}

func (lb *levelBackend) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, err := lb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (lb *levelBackend) Scan(ctx context.Context, prefix []byte, f func(k, v []byte) error) error {
	iter := lb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (lb *levelBackend) Commit(_ context.Context, b *Batch) error {
	lbatch := new(leveldb.Batch)
	for _, op := range b.ops {
		if op.val == nil {
			lbatch.Delete(op.key)
		} else {
			lbatch.Put(op.key, op.val)
		}
	}
	return lb.db.Write(lbatch, &opt.WriteOptions{Sync: lb.sync})
}

func (lb *levelBackend) Close() error {
	return lb.db.Close()
}
