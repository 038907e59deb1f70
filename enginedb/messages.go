package enginedb

import (
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/google/uuid"
)

// ReceivedMessage is a protocol message waiting to be processed.
type ReceivedMessage struct {
	Key      engineintf.MessageKey
	Protocol engineintf.ProtocolID
	Instance engineintf.UID

	// Kind is the protocol-specific message tag and Payload its encoded
	// fields.
	Kind    uint16
	Payload []byte

	Channel engineintf.ReceptionChannel

	// DialogUUID, when set, correlates the message to an interactive
	// dialog shown to the user.
	DialogUUID *uuid.UUID

	UploadTimestamp time.Time
	ReceivedAt      time.Time
}

// InstanceKey returns the key of the protocol instance the message targets.
func (m *ReceivedMessage) InstanceKey() engineintf.InstanceKey {
	return engineintf.InstanceKey{
		Protocol: m.Protocol,
		Instance: m.Instance,
		Owned:    m.Key.Owned,
	}
}

// InsertReceivedMessage stores a new received message. It fails with
// ErrAlreadyExists when the message is already stored and with
// ErrRecentlyDeleted when it was deleted within the retention window.
func (db *DB) InsertReceivedMessage(tx ReadWriteTx, m *ReceivedMessage) error {
	if db.isRecentlyDeleted(m.Key) {
		return fmt.Errorf("message %s: %w", m.Key, ErrRecentlyDeleted)
	}
	key := messageKey(m.Key)
	exists, err := hasKey(tx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("message %s: %w", m.Key, ErrAlreadyExists)
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = db.now()
	}
	if m.UploadTimestamp.IsZero() {
		m.UploadTimestamp = m.ReceivedAt
	}
	w := asWtx(tx)
	w.put(messageTSKey(m.Key, m.UploadTimestamp), nil)
	w.put(messageInstKey(m.Key, m.Instance), nil)
	return putRecord(tx, key, m)
}

// GetReceivedMessage returns the received message with the given key.
func (db *DB) GetReceivedMessage(tx ReadTx, k engineintf.MessageKey) (*ReceivedMessage, error) {
	m := new(ReceivedMessage)
	if err := getRecord(tx, messageKey(k), m); err != nil {
		return nil, fmt.Errorf("message %s: %w", k, err)
	}
	return m, nil
}

// DeleteReceivedMessage deletes a message and its indices. The id of the
// message is added to the recently deleted denylist right before the tx
// commits. Deleting a message that does not exist is not an error.
func (db *DB) DeleteReceivedMessage(tx ReadWriteTx, k engineintf.MessageKey) error {
	m, err := db.GetReceivedMessage(tx, k)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	db.deleteMessage(tx, m)
	return nil
}

func (db *DB) deleteMessage(tx ReadWriteTx, m *ReceivedMessage) {
	w := asWtx(tx)
	w.del(messageKey(m.Key))
	w.del(messageTSKey(m.Key, m.UploadTimestamp))
	w.del(messageInstKey(m.Key, m.Instance))
	k := m.Key
	tx.BeforeCommit(func() { db.recordDeleted(k) })
}

// ReceivedMessagesBatch returns up to limit messages of the owned identity in
// upload timestamp order, oldest first. A limit <= 0 means no limit.
func (db *DB) ReceivedMessagesBatch(tx ReadTx, owned engineintf.IdentityID, limit int) ([]*ReceivedMessage, error) {
	var keys []engineintf.MessageKey
	prefix := messageTSPrefix(owned)
	err := scanKeys(tx, prefix, func(k []byte) error {
		mk := engineintf.MessageKey{Owned: owned}
		copy(mk.UID[:], k[len(prefix)+8:])
		keys = append(keys, mk)
		if limit > 0 && len(keys) >= limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return db.getReceivedMessages(tx, keys)
}

// getReceivedMessages fetches the messages of keys. Lookups are done outside
// of any backend scan.
func (db *DB) getReceivedMessages(tx ReadTx, keys []engineintf.MessageKey) ([]*ReceivedMessage, error) {
	res := make([]*ReceivedMessage, 0, len(keys))
	for _, k := range keys {
		m, err := db.GetReceivedMessage(tx, k)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// ReceivedMessagesForInstance returns every message queued for the given
// protocol instance uid.
func (db *DB) ReceivedMessagesForInstance(tx ReadTx, owned engineintf.IdentityID, inst engineintf.UID) ([]*ReceivedMessage, error) {
	var keys []engineintf.MessageKey
	prefix := messageInstPrefix(owned, inst)
	err := scanKeys(tx, prefix, func(k []byte) error {
		mk := engineintf.MessageKey{Owned: owned}
		copy(mk.UID[:], k[len(prefix):])
		keys = append(keys, mk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.getReceivedMessages(tx, keys)
}

// DeleteAllForProtocolInstance deletes every message queued for the given
// protocol instance uid. Returns the number of deleted messages.
func (db *DB) DeleteAllForProtocolInstance(tx ReadWriteTx, owned engineintf.IdentityID, inst engineintf.UID) (int, error) {
	msgs, err := db.ReceivedMessagesForInstance(tx, owned, inst)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		db.deleteMessage(tx, m)
	}
	return len(msgs), nil
}

// ReceivedMessagesOlderThan returns the keys of all messages (of every owned
// identity) with an upload timestamp before t.
func (db *DB) ReceivedMessagesOlderThan(tx ReadTx, t time.Time) ([]engineintf.MessageKey, error) {
	var res []engineintf.MessageKey
	err := scanRecords(tx, prefixMessage, func(_ []byte, m *ReceivedMessage) error {
		if m.UploadTimestamp.Before(t) {
			res = append(res, m.Key)
		}
		return nil
	})
	return res, err
}

// ListReceivedMessages returns every stored message.
func (db *DB) ListReceivedMessages(tx ReadTx) ([]*ReceivedMessage, error) {
	var res []*ReceivedMessage
	err := scanRecords(tx, prefixMessage, func(_ []byte, m *ReceivedMessage) error {
		res = append(res, m)
		return nil
	})
	return res, err
}

// recordDeleted adds k to the recently deleted denylist.
func (db *DB) recordDeleted(k engineintf.MessageKey) {
	now := db.now()
	db.delMtx.Lock()
	db.recentlyDeleted[k] = now
	db.maybeSweepLocked(now)
	db.delMtx.Unlock()
}

func (db *DB) isRecentlyDeleted(k engineintf.MessageKey) bool {
	now := db.now()
	db.delMtx.Lock()
	defer db.delMtx.Unlock()
	db.maybeSweepLocked(now)
	t, ok := db.recentlyDeleted[k]
	return ok && now.Sub(t) < db.cfg.RecentlyDeletedRetention
}

// maybeSweepLocked sweeps the denylist if the last sweep happened more than
// one retention window ago.
//
// Must be called with delMtx held.
func (db *DB) maybeSweepLocked(now time.Time) {
	if now.Sub(db.lastSweep) < db.cfg.RecentlyDeletedRetention {
		return
	}
	db.sweepLocked(now)
}

func (db *DB) sweepLocked(now time.Time) int {
	var n int
	for k, t := range db.recentlyDeleted {
		if now.Sub(t) >= db.cfg.RecentlyDeletedRetention {
			delete(db.recentlyDeleted, k)
			n++
		}
	}
	db.lastSweep = now
	return n
}

// SweepRecentlyDeleted removes the entries of the recently deleted denylist
// older than the retention window. Returns the number of removed entries.
func (db *DB) SweepRecentlyDeleted(now time.Time) int {
	db.delMtx.Lock()
	n := db.sweepLocked(now)
	db.delMtx.Unlock()
	if n > 0 {
		db.log.Tracef("Swept %d recently deleted message ids", n)
	}
	return n
}

// RecentlyDeletedCount returns the number of entries in the denylist.
func (db *DB) RecentlyDeletedCount() int {
	db.delMtx.Lock()
	defer db.delMtx.Unlock()
	return len(db.recentlyDeleted)
}
