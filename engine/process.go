package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/protocol"
)

// instanceOf returns the key of the instance targeted by a stored message.
func (e *Engine) instanceOf(ctx context.Context, key engineintf.MessageKey) (engineintf.InstanceKey, error) {
	var ik engineintf.InstanceKey
	err := e.db.View(ctx, func(tx enginedb.ReadTx) error {
		msg, err := e.db.GetReceivedMessage(tx, key)
		if errors.Is(err, enginedb.ErrNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		ik = msg.InstanceKey()
		return nil
	})
	return ik, err
}

// ProcessReceivedMessage consumes the stored message with the given key. On
// failure, the returned error is a ProcessError and nothing is changed in the
// store, except for responses to dialogs with no applicable step (which are
// deleted) and, if configured, unprocessable messages.
func (e *Engine) ProcessReceivedMessage(ctx context.Context, key engineintf.MessageKey) error {
	ik, err := e.instanceOf(ctx, key)
	if err != nil {
		return e.processed(key, ik, err)
	}

	unlock := e.instLocks.Lock(ik)
	defer unlock()

	var out *protocol.Outcome
	var msg *enginedb.ReceivedMessage
	committed, err := e.db.UpdateTx(ctx, func(tx enginedb.ReadWriteTx) error {
		var err error
		msg, out, err = e.consume(ctx, tx, key)
		return err
	})
	if err != nil {
		err = e.processed(key, ik, err)
		e.handleFailure(ctx, key, ik, err)
		return err
	}

	committed.Run()
	e.log.Debugf("Processed message %s of %s: step %s to state %d (final %v)",
		key.UID.ShortString(), ik, out.Step, out.StateKind, out.Final)
	e.requeueInstance(ctx, msg)
	return e.processed(key, ik, nil)
}

// consume is the transactional part of processing a message.
func (e *Engine) consume(ctx context.Context, tx enginedb.ReadWriteTx,
	key engineintf.MessageKey) (*enginedb.ReceivedMessage, *protocol.Outcome, error) {

	msg, err := e.db.GetReceivedMessage(tx, key)
	if errors.Is(err, enginedb.ErrNotFound) {
		return nil, nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	ik := msg.InstanceKey()
	inst, err := e.db.GetProtocolInstance(tx, ik)
	if errors.Is(err, enginedb.ErrNotFound) {
		kind, state, err := e.catalog.InitialState(ik.Protocol)
		if err != nil {
			return nil, nil, err
		}
		inst = &enginedb.ProtocolInstance{Key: ik, StateKind: kind, State: state}
	} else if err != nil {
		return nil, nil, err
	}

	out, err := e.runner.Run(ctx, tx, inst, msg)
	if err != nil {
		return nil, nil, err
	}

	inst.StateKind, inst.State = out.StateKind, out.State
	if !out.Final {
		if err := e.db.PutProtocolInstance(tx, inst); err != nil {
			return nil, nil, err
		}
	}

	if err := e.forwardToParents(ctx, tx, inst); err != nil {
		return nil, nil, err
	}

	if out.Final {
		if err := e.finish(tx, inst, out.PurgeOnFinal); err != nil {
			return nil, nil, err
		}
	}

	if err := e.db.DeleteReceivedMessage(tx, key); err != nil {
		return nil, nil, err
	}
	return msg, out, nil
}

// forwardToParents posts a message to every parent waiting on inst reaching
// its current state. Failing to post is logged and does not fail the tx.
func (e *Engine) forwardToParents(ctx context.Context, tx enginedb.ReadWriteTx,
	inst *enginedb.ProtocolInstance) error {

	links, err := e.db.LinksWaitingOn(tx, inst.Key.Instance, inst.Key.Owned, inst.StateKind)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Child.Protocol != inst.Key.Protocol {
			continue
		}
		msg := protocol.OutboundMessage{
			Protocol: l.Parent.Protocol,
			Instance: l.Parent.Instance,
			Owned:    l.Parent.Owned,
			Kind:     l.ForwardKind,
			Payload:  inst.State,
			Channel:  engineintf.ChannelLocal,
		}
		err := tx.Scope(func(stx enginedb.ReadWriteTx) error {
			_, err := e.chans.Post(ctx, stx, msg)
			return err
		})
		if err != nil {
			e.stats.forwardFailures.Inc()
			e.log.Warnf("Unable to notify parent %s of %s reaching state %d: %v",
				l.Parent, inst.Key, inst.StateKind, err)
			continue
		}
		e.log.Tracef("Notified parent %s of %s reaching state %d", l.Parent,
			inst.Key, inst.StateKind)
	}
	return nil
}

// finish deletes an instance that reached a final state, along with its links
// and, when purge is set, its queued messages.
func (e *Engine) finish(tx enginedb.ReadWriteTx, inst *enginedb.ProtocolInstance, purge bool) error {
	if err := e.db.DeleteProtocolInstance(tx, inst.Key); err != nil {
		return err
	}
	if _, err := e.db.DeleteLinksOf(tx, inst.Key.Instance, inst.Key.Owned); err != nil {
		return err
	}
	var purged int
	if purge {
		var err error
		purged, err = e.db.DeleteAllForProtocolInstance(tx, inst.Key.Owned, inst.Key.Instance)
		if err != nil {
			return err
		}
	}

	key, kind := inst.Key, inst.StateKind
	tx.OnCommitted(func() {
		e.stats.finalStates.WithLabelValues(e.catalog.Name(key.Protocol)).Inc()
		e.log.Infof("Protocol %s instance %s reached final state %d",
			e.catalog.Name(key.Protocol), key, kind)
		if purged > 1 {
			e.log.Debugf("Purged %d queued messages of %s", purged-1, key)
		}
		e.ntfns.NotifyProtocolReachedFinalState(key, kind)
	})
	return nil
}

// requeueInstance queues the other messages of the instance of msg, which may
// now be processable.
func (e *Engine) requeueInstance(ctx context.Context, msg *enginedb.ReceivedMessage) {
	var keys []engineintf.MessageKey
	err := e.db.View(ctx, func(tx enginedb.ReadTx) error {
		msgs, err := e.db.ReceivedMessagesForInstance(tx, msg.Key.Owned, msg.Instance)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Key != msg.Key && m.Protocol == msg.Protocol {
				keys = append(keys, m.Key)
			}
		}
		return nil
	})
	if err != nil {
		e.log.Errorf("Unable to list messages of %s: %v", msg.InstanceKey(), err)
		return
	}
	if len(keys) == 0 {
		return
	}
	e.Queue(keys...)
	e.stats.requeued.Add(float64(len(keys)))
	e.log.Tracef("Requeued %d messages of %s", len(keys), msg.InstanceKey())
}

// processed records the outcome of processing a message. Returns err wrapped
// in a ProcessError, or nil.
func (e *Engine) processed(key engineintf.MessageKey, ik engineintf.InstanceKey, err error) error {
	reason := Reason(err)
	e.stats.processed.WithLabelValues(string(reason)).Inc()
	e.ntfns.NotifyProtocolMessageProcessed(key, ik, string(reason))
	if err == nil {
		return nil
	}
	switch reason {
	case ReasonMessageNotFound, ReasonCanceled:
		e.log.Debugf("Message %s not processed: %v", key.UID.ShortString(), err)
	case ReasonCommitFailed, ReasonStoreError:
		e.log.Errorf("Unable to process message %s of %s: %v",
			key.UID.ShortString(), ik, err)
	default:
		e.log.Warnf("Unable to process message %s of %s: %v",
			key.UID.ShortString(), ik, err)
	}
	return ProcessError{Reason: reason, Err: err}
}

// handleFailure deletes messages that cannot be processed in the future. The
// dialog of a response with no applicable step is removed from the user
// interface.
func (e *Engine) handleFailure(ctx context.Context, key engineintf.MessageKey,
	ik engineintf.InstanceKey, err error) {

	var dialogErr protocol.NoApplicableStepForDialogResponseError
	isDialog := errors.As(err, &dialogErr)
	if !isDialog && !(e.cfg.dropUnprocessable && Reason(err).unprocessable()) {
		return
	}

	uerr := e.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		if err := e.db.DeleteReceivedMessage(tx, key); err != nil {
			return err
		}
		if !isDialog {
			return nil
		}
		dialog := dialogErr.UUID
		_, err := e.chans.Post(ctx, tx, protocol.OutboundMessage{
			Protocol:     ik.Protocol,
			Instance:     ik.Instance,
			Owned:        ik.Owned,
			Channel:      engineintf.ChannelUserInterface,
			DialogUUID:   &dialog,
			DeleteDialog: true,
		})
		if err != nil {
			return fmt.Errorf("unable to post deletion of dialog %s: %w", dialog, err)
		}
		return nil
	})
	if uerr != nil {
		e.log.Errorf("Unable to drop message %s of %s: %v", key.UID.ShortString(),
			ik, uerr)
		return
	}
	e.log.Infof("Dropped unprocessable message %s of %s", key.UID.ShortString(), ik)
}
