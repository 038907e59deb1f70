// Package prototest provides a channel delegate, an identity directory and a
// small protocol for tests of code hosting protocols.
package prototest

import (
	"context"
	"errors"
	"sync"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/protocol"
	"github.com/google/uuid"
)

// Channels is a channel delegate that records posted messages once their
// transaction commits.
type Channels struct {
	mtx    sync.Mutex
	posted []protocol.OutboundMessage
	failOn map[uint16]bool

	// C receives every committed message, when not nil.
	C chan protocol.OutboundMessage
}

// NewChannels returns a new recording delegate.
func NewChannels() *Channels {
	return &Channels{
		failOn: make(map[uint16]bool),
		C:      make(chan protocol.OutboundMessage, 100),
	}
}

// FailPostsOfKind makes posting messages of the given kind fail.
func (c *Channels) FailPostsOfKind(kind uint16) {
	c.mtx.Lock()
	c.failOn[kind] = true
	c.mtx.Unlock()
}

func (c *Channels) Post(_ context.Context, tx enginedb.ReadWriteTx, msg protocol.OutboundMessage) (protocol.DeliveryHandle, error) {
	c.mtx.Lock()
	fail := c.failOn[msg.Kind]
	c.mtx.Unlock()
	if fail {
		return protocol.DeliveryHandle{}, errors.New("post failed")
	}
	tx.OnCommitted(func() {
		c.mtx.Lock()
		c.posted = append(c.posted, msg)
		c.mtx.Unlock()
		if c.C != nil {
			select {
			case c.C <- msg:
			default:
			}
		}
	})
	return protocol.DeliveryHandle{ID: uuid.New(), Channel: msg.Channel}, nil
}

func (c *Channels) Accepts(expected protocol.ExpectedChannel, observed engineintf.ReceptionChannel, owned engineintf.IdentityID) bool {
	return protocol.DefaultAcceptance(expected, observed, owned)
}

// Posted returns the committed messages.
func (c *Channels) Posted() []protocol.OutboundMessage {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]protocol.OutboundMessage(nil), c.posted...)
}

// Identities is an identity directory where every identity is owned and has
// a single device.
type Identities struct{}

func (Identities) IsOwnedIdentity(context.Context, engineintf.IdentityID) (bool, error) {
	return true, nil
}

func (Identities) OwnedDeviceUIDs(_ context.Context, owned engineintf.IdentityID) ([]engineintf.UID, error) {
	return []engineintf.UID{engineintf.UID(owned)}, nil
}

func (Identities) OwnedIdentityForDevice(_ context.Context, device engineintf.UID) (engineintf.IdentityID, error) {
	return engineintf.IdentityID(device), nil
}
