package enginedb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ReadTx is a read-only view of the DB.
type ReadTx interface {
	Context() context.Context
	kv() kvReader
}

// ReadWriteTx is a read-write transaction. Writes are only visible to the tx
// itself until it commits.
type ReadWriteTx interface {
	ReadTx
	Writable() bool

	// Scope runs f in a nested scope. Writes and hooks registered inside
	// the scope are merged into the parent only when f returns nil.
	Scope(f func(tx ReadWriteTx) error) error

	// BeforeCommit registers f to be called right before the tx commits to
	// the backend. It is not called if the tx (or the enclosing scope)
	// fails.
	BeforeCommit(f func())

	// OnCommitted registers f to be called after the tx has been
	// successfully committed.
	OnCommitted(f func())
}

type kvReader interface {
	get(key []byte) ([]byte, bool, error)
	scan(prefix []byte, f func(k, v []byte) error) error
}

type rtx struct {
	ctx context.Context
	be  Backend
}

func (tx *rtx) Context() context.Context { return tx.ctx }
func (tx *rtx) kv() kvReader             { return tx }

func (tx *rtx) get(key []byte) ([]byte, bool, error) {
	v, ok, err := tx.be.Get(tx.ctx, key)
	if err != nil {
		str := fmt.Sprintf("unable to fetch key %q: %v", key, err)
		return nil, false, contextError(ErrBackendGet, str, err)
	}
	return v, ok, nil
}

func (tx *rtx) scan(prefix []byte, f func(k, v []byte) error) error {
	return tx.be.Scan(tx.ctx, prefix, f)
}

// overlayVal is a pending write. A nil val marks a deletion.
type overlayVal struct {
	val []byte
}

type wtx struct {
	ctx    context.Context
	be     Backend
	parent *wtx

	writes map[string]overlayVal
	before []func()
	after  []func()
}

func newWtx(ctx context.Context, be Backend) *wtx {
	return &wtx{ctx: ctx, be: be, writes: make(map[string]overlayVal)}
}

func (tx *wtx) Context() context.Context { return tx.ctx }
func (tx *wtx) Writable() bool           { return tx != nil }
func (tx *wtx) kv() kvReader             { return tx }

func (tx *wtx) BeforeCommit(f func()) { tx.before = append(tx.before, f) }
func (tx *wtx) OnCommitted(f func())  { tx.after = append(tx.after, f) }

func (tx *wtx) Scope(f func(tx ReadWriteTx) error) error {
	child := newWtx(tx.ctx, tx.be)
	child.parent = tx
	if err := f(child); err != nil {
		return err
	}
	for k, v := range child.writes {
		tx.writes[k] = v
	}
	tx.before = append(tx.before, child.before...)
	tx.after = append(tx.after, child.after...)
	return nil
}

func (tx *wtx) put(key, val []byte) {
	if val == nil {
		val = []byte{}
	}
	tx.writes[string(key)] = overlayVal{val: val}
}

func (tx *wtx) del(key []byte) {
	tx.writes[string(key)] = overlayVal{}
}

func (tx *wtx) get(key []byte) ([]byte, bool, error) {
	for t := tx; t != nil; t = t.parent {
		if ov, ok := t.writes[string(key)]; ok {
			return ov.val, ov.val != nil, nil
		}
	}
	v, ok, err := tx.be.Get(tx.ctx, key)
	if err != nil {
		str := fmt.Sprintf("unable to fetch key %q: %v", key, err)
		return nil, false, contextError(ErrBackendGet, str, err)
	}
	return v, ok, nil
}

// scan merges the backend contents with the pending writes of this tx and its
// parents, innermost scope winning.
func (tx *wtx) scan(prefix []byte, f func(k, v []byte) error) error {
	merged := make(map[string][]byte)
	err := tx.be.Scan(tx.ctx, prefix, func(k, v []byte) error {
		merged[string(k)] = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return err
	}

	var chain []*wtx
	for t := tx; t != nil; t = t.parent {
		chain = append(chain, t)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, ov := range chain[i].writes {
			if !bytes.HasPrefix([]byte(k), prefix) {
				continue
			}
			if ov.val == nil {
				delete(merged, k)
			} else {
				merged[k] = ov.val
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := f([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// batch returns the writes of a root tx as a backend batch, in key order.
func (tx *wtx) batch() *Batch {
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := new(Batch)
	for _, k := range keys {
		if v := tx.writes[k].val; v == nil {
			b.Delete([]byte(k))
		} else {
			b.Put([]byte(k), v)
		}
	}
	return b
}

func asWtx(tx ReadWriteTx) *wtx {
	return tx.(*wtx)
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// getRecord decodes the record stored at key into v.
func getRecord(tx ReadTx, key []byte, v any) error {
	b, ok, err := tx.kv().get(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		str := fmt.Sprintf("unable to decode record %q: %v", key, err)
		return contextError(ErrDecode, str, err)
	}
	return nil
}

func hasKey(tx ReadTx, key []byte) (bool, error) {
	_, ok, err := tx.kv().get(key)
	return ok, err
}

func putRecord(tx ReadWriteTx, key []byte, v any) error {
	b, err := encMode.Marshal(v)
	if err != nil {
		str := fmt.Sprintf("unable to encode record %q: %v", key, err)
		return contextError(ErrEncode, str, err)
	}
	asWtx(tx).put(key, b)
	return nil
}

// scanRecords decodes every record under prefix into a new T and calls f.
func scanRecords[T any](tx ReadTx, prefix []byte, f func(k []byte, r *T) error) error {
	return tx.kv().scan(prefix, func(k, v []byte) error {
		r := new(T)
		if err := cbor.Unmarshal(v, r); err != nil {
			str := fmt.Sprintf("unable to decode record %q: %v", k, err)
			return contextError(ErrDecode, str, err)
		}
		return f(k, r)
	})
}

// scanKeys calls f with every key under prefix.
func scanKeys(tx ReadTx, prefix []byte, f func(k []byte) error) error {
	return tx.kv().scan(prefix, func(k, _ []byte) error {
		return f(bytes.Clone(k))
	})
}

// errStopScan is used to stop a scan early without failing it.
var errStopScan = errors.New("stop scan")
