package enginedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
)

// ProtocolInstance is the durable state of one running protocol.
type ProtocolInstance struct {
	Key engineintf.InstanceKey

	// StateKind identifies the concrete state type and State holds its
	// encoded fields.
	StateKind uint16
	State     []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProtocolLink registers that the Parent instance wants to be notified when
// the Child instance reaches ChildState. Both instances belong to the same
// owned identity.
type ProtocolLink struct {
	Child      engineintf.InstanceKey
	ChildState uint16
	Parent     engineintf.InstanceKey

	// ForwardKind is the message kind posted to the parent. The payload
	// of the posted message is the encoded state of the child.
	ForwardKind uint16
}

// GetProtocolInstance returns the instance with the given key.
func (db *DB) GetProtocolInstance(tx ReadTx, k engineintf.InstanceKey) (*ProtocolInstance, error) {
	pi := new(ProtocolInstance)
	if err := getRecord(tx, instanceKey(k), pi); err != nil {
		return nil, fmt.Errorf("protocol instance %s: %w", k, err)
	}
	return pi, nil
}

// PutProtocolInstance creates or replaces a protocol instance.
func (db *DB) PutProtocolInstance(tx ReadWriteTx, pi *ProtocolInstance) error {
	now := db.now()
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = now
	}
	pi.UpdatedAt = now
	return putRecord(tx, instanceKey(pi.Key), pi)
}

// DeleteProtocolInstance removes a protocol instance. Deleting an instance
// that does not exist is not an error.
func (db *DB) DeleteProtocolInstance(tx ReadWriteTx, k engineintf.InstanceKey) error {
	asWtx(tx).del(instanceKey(k))
	return nil
}

// ProtocolInstancesWithUID returns the instances (of any protocol) with the
// given instance uid.
func (db *DB) ProtocolInstancesWithUID(tx ReadTx, owned engineintf.IdentityID, inst engineintf.UID) ([]*ProtocolInstance, error) {
	var res []*ProtocolInstance
	err := scanRecords(tx, instancesOfUIDPrefix(owned, inst), func(_ []byte, pi *ProtocolInstance) error {
		res = append(res, pi)
		return nil
	})
	return res, err
}

// ListProtocolInstances returns every protocol instance.
func (db *DB) ListProtocolInstances(tx ReadTx) ([]*ProtocolInstance, error) {
	var res []*ProtocolInstance
	err := scanRecords(tx, prefixInstance, func(_ []byte, pi *ProtocolInstance) error {
		res = append(res, pi)
		return nil
	})
	return res, err
}

// PutProtocolLink registers a link between two instances.
func (db *DB) PutProtocolLink(tx ReadWriteTx, l *ProtocolLink) error {
	if l.Child.Owned != l.Parent.Owned {
		str := fmt.Sprintf("link between %s and %s crosses owned identities",
			l.Child, l.Parent)
		return contextError(ErrInvalidRecord, str, nil)
	}
	if err := putRecord(tx, linkChildKey(l), l); err != nil {
		return err
	}
	asWtx(tx).put(linkParentKey(l), nil)
	return nil
}

// LinksWaitingOn returns the links of parents waiting on the given child
// instance reaching state.
func (db *DB) LinksWaitingOn(tx ReadTx, child engineintf.UID, owned engineintf.IdentityID, state uint16) ([]*ProtocolLink, error) {
	var res []*ProtocolLink
	err := scanRecords(tx, linksWaitingOnPrefix(owned, child, state), func(_ []byte, l *ProtocolLink) error {
		res = append(res, l)
		return nil
	})
	return res, err
}

// LinksOfChild returns every link where inst is the child.
func (db *DB) LinksOfChild(tx ReadTx, inst engineintf.UID, owned engineintf.IdentityID) ([]*ProtocolLink, error) {
	var res []*ProtocolLink
	err := scanRecords(tx, linksOfChildPrefix(owned, inst), func(_ []byte, l *ProtocolLink) error {
		res = append(res, l)
		return nil
	})
	return res, err
}

// LinksOfParent returns every link where inst is the parent.
func (db *DB) LinksOfParent(tx ReadTx, inst engineintf.UID, owned engineintf.IdentityID) ([]*ProtocolLink, error) {
	// The parent index only holds keys. Decode the child side from the key
	// and fetch the full record from the child index.
	type ref struct {
		child      engineintf.UID
		childState uint16
		parentProt uint16
	}
	var refs []ref
	prefix := linksOfParentPrefix(owned, inst)
	err := scanKeys(tx, prefix, func(k []byte) error {
		rest := k[len(prefix):]
		if len(rest) != 32+2+2 {
			return contextError(ErrDecode, fmt.Sprintf("bad link key %x", k), nil)
		}
		var r ref
		copy(r.child[:], rest[:32])
		r.childState = binary.BigEndian.Uint16(rest[32:])
		r.parentProt = binary.BigEndian.Uint16(rest[34:])
		refs = append(refs, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := make([]*ProtocolLink, 0, len(refs))
	for _, r := range refs {
		probe := &ProtocolLink{
			Child:      engineintf.InstanceKey{Instance: r.child, Owned: owned},
			ChildState: r.childState,
			Parent: engineintf.InstanceKey{
				Protocol: engineintf.ProtocolID(r.parentProt),
				Instance: inst,
				Owned:    owned,
			},
		}
		l := new(ProtocolLink)
		if err := getRecord(tx, linkChildKey(probe), l); err != nil {
			return nil, fmt.Errorf("link of parent %s: %w", inst.ShortString(), err)
		}
		res = append(res, l)
	}
	return res, nil
}

// DeleteLinksOf removes every link where inst is either the child or the
// parent. Returns the removed links.
func (db *DB) DeleteLinksOf(tx ReadWriteTx, inst engineintf.UID, owned engineintf.IdentityID) ([]*ProtocolLink, error) {
	asChild, err := db.LinksOfChild(tx, inst, owned)
	if err != nil {
		return nil, err
	}
	asParent, err := db.LinksOfParent(tx, inst, owned)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	w := asWtx(tx)
	all := append(asChild, asParent...)
	for _, l := range all {
		w.del(linkChildKey(l))
		w.del(linkParentKey(l))
	}
	return all, nil
}
