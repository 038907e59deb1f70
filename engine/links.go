package engine

import (
	"context"
	"fmt"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/singlesetmap"
)

// LinkProtocols registers that link.Parent must be notified when link.Child
// reaches link.ChildState. It is called by steps through their step context.
func (e *Engine) LinkProtocols(tx enginedb.ReadWriteTx, link enginedb.ProtocolLink) error {
	for _, k := range []engineintf.InstanceKey{link.Child, link.Parent} {
		if !e.catalog.Known(k.Protocol) {
			return fmt.Errorf("unable to link %s: unknown protocol %d", k, k.Protocol)
		}
	}
	if err := e.db.PutProtocolLink(tx, &link); err != nil {
		return err
	}
	e.log.Debugf("Linked parent %s to child %s reaching state %d", link.Parent,
		link.Child, link.ChildState)
	return nil
}

// AbortProtocol deletes the instances with the given uid, their queued
// messages and their links. Instances linked to an aborted one (as parent or
// as child) are aborted as well. Returns the number of deleted instances.
func (e *Engine) AbortProtocol(ctx context.Context, inst engineintf.UID, owned engineintf.IdentityID) (int, error) {
	var visited singlesetmap.Map[engineintf.UID]
	var aborted []engineintf.InstanceKey

	var abort func(tx enginedb.ReadWriteTx, uid engineintf.UID) error
	abort = func(tx enginedb.ReadWriteTx, uid engineintf.UID) error {
		if visited.Set(uid) {
			return nil
		}
		insts, err := e.db.ProtocolInstancesWithUID(tx, owned, uid)
		if err != nil {
			return err
		}
		for _, pi := range insts {
			if err := e.db.DeleteProtocolInstance(tx, pi.Key); err != nil {
				return err
			}
			aborted = append(aborted, pi.Key)
		}
		if _, err := e.db.DeleteAllForProtocolInstance(tx, owned, uid); err != nil {
			return err
		}
		links, err := e.db.DeleteLinksOf(tx, uid, owned)
		if err != nil {
			return err
		}
		for _, l := range links {
			if err := abort(tx, l.Child.Instance); err != nil {
				return err
			}
			if err := abort(tx, l.Parent.Instance); err != nil {
				return err
			}
		}
		return nil
	}

	err := e.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		aborted = aborted[:0]
		return abort(tx, inst)
	})
	if err != nil {
		return 0, err
	}
	e.stats.aborted.Add(float64(len(aborted)))
	for _, k := range aborted {
		e.log.Infof("Aborted protocol %s instance %s", e.catalog.Name(k.Protocol), k)
	}
	return len(aborted), nil
}

// PruneStaleReceivedMessages deletes the received messages uploaded before
// the maximum message age. Returns the number of deleted messages.
func (e *Engine) PruneStaleReceivedMessages(ctx context.Context) (int, error) {
	cutoff := e.cfg.now().Add(-e.cfg.maxMessageAge)
	var n int
	err := e.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		keys, err := e.db.ReceivedMessagesOlderThan(tx, cutoff)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := e.db.DeleteReceivedMessage(tx, k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.stats.pruned.Add(float64(n))
		e.log.Infof("Pruned %d messages uploaded before %s", n,
			cutoff.Format("2006-01-02 15:04:05"))
	}
	return n, nil
}
