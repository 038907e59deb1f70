package protocol

import (
	"context"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/google/uuid"
)

// ExpectedChannel is the channel a step requires its triggering message to
// have arrived on.
type ExpectedChannel struct {
	Kind engineintf.ChannelKind

	// Sender, when not empty, is the remote identity the message must
	// come from. Only meaningful for ChannelSecure.
	Sender engineintf.IdentityID
}

// OutboundMessage is a message a step (or the engine) hands to the channel
// delegate for later delivery.
type OutboundMessage struct {
	Protocol engineintf.ProtocolID
	Instance engineintf.UID
	Owned    engineintf.IdentityID

	Kind    uint16
	Payload []byte

	Channel engineintf.ChannelKind

	// To lists the remote identities of Asymmetric and Secure messages.
	To []engineintf.IdentityID

	// DialogUUID correlates UserInterface messages with a dialog.
	// DeleteDialog requests the removal of that dialog.
	DialogUUID   *uuid.UUID
	DeleteDialog bool
}

// DeliveryHandle identifies a posted message.
type DeliveryHandle struct {
	ID      uuid.UUID
	Channel engineintf.ChannelKind
}

// ChannelDelegate sends messages and judges reception channels.
//
// Post is called inside the transaction that produced the message: the
// delegate must only enqueue the message in tx so that it is discarded if
// the transaction is rolled back.
type ChannelDelegate interface {
	Post(ctx context.Context, tx enginedb.ReadWriteTx, msg OutboundMessage) (DeliveryHandle, error)
	Accepts(expected ExpectedChannel, observed engineintf.ReceptionChannel, owned engineintf.IdentityID) bool
}

// IdentityDirectory resolves owned identities and their devices.
type IdentityDirectory interface {
	IsOwnedIdentity(ctx context.Context, id engineintf.IdentityID) (bool, error)
	OwnedDeviceUIDs(ctx context.Context, owned engineintf.IdentityID) ([]engineintf.UID, error)
	OwnedIdentityForDevice(ctx context.Context, device engineintf.UID) (engineintf.IdentityID, error)
}

// DefaultAcceptance is the reception channel rule channel delegates may use
// for Accepts. The observed kind must match the expected one exactly: a
// message that arrived over a weaker channel than required is never
// accepted. Secure channels must additionally come from the expected sender
// when one is set.
func DefaultAcceptance(expected ExpectedChannel, observed engineintf.ReceptionChannel, owned engineintf.IdentityID) bool {
	if expected.Kind != observed.Kind {
		return false
	}
	if expected.Kind != engineintf.ChannelSecure {
		return true
	}
	if observed.Remote.IsEmpty() {
		return false
	}
	return expected.Sender.IsEmpty() || expected.Sender == observed.Remote
}
