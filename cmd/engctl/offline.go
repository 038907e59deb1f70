package main

import (
	"context"
	"errors"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/protocol"
)

var errOffline = errors.New("engctl does not deliver messages")

// offlineChannels is the channel delegate of the maintenance engine. engctl
// never runs protocol steps, so nothing is ever posted or accepted.
type offlineChannels struct{}

func (offlineChannels) Post(context.Context, enginedb.ReadWriteTx, protocol.OutboundMessage) (protocol.DeliveryHandle, error) {
	return protocol.DeliveryHandle{}, errOffline
}

func (offlineChannels) Accepts(protocol.ExpectedChannel, engineintf.ReceptionChannel, engineintf.IdentityID) bool {
	return false
}

type offlineIdentities struct{}

func (offlineIdentities) IsOwnedIdentity(context.Context, engineintf.IdentityID) (bool, error) {
	return false, nil
}

func (offlineIdentities) OwnedDeviceUIDs(context.Context, engineintf.IdentityID) ([]engineintf.UID, error) {
	return nil, nil
}

func (offlineIdentities) OwnedIdentityForDevice(context.Context, engineintf.UID) (engineintf.IdentityID, error) {
	return engineintf.IdentityID{}, errOffline
}
