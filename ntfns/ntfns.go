// Package ntfns delivers engine events to the application.
//
// Delivery is at-least-once: handlers may be called more than once for the
// same attachment or message and must be idempotent.
package ntfns

import (
	"fmt"
	"sync"

	"github.com/companyzero/inboxengine/engineintf"
)

// Following are the notification types. Add new types at the bottom of this
// list, then add a NotifyX() to Manager and initialize a new container in
// NewManager().

const onAttachmentDownloadedNtfnType = "onAttachmentDownloaded"

// OnAttachmentDownloadedNtfn is called when an attachment was fully
// downloaded and its integrity verified. path is the assembled plaintext
// file.
type OnAttachmentDownloadedNtfn func(id engineintf.AttachmentID, path string)

func (_ OnAttachmentDownloadedNtfn) typ() string { return onAttachmentDownloadedNtfnType }

const onAttachmentCancelledByServerNtfnType = "onAttachmentCancelledByServer"

// OnAttachmentCancelledByServerNtfn is called when an attachment will never
// be downloaded because the server no longer has it (or announced it with
// inconsistent data).
type OnAttachmentCancelledByServerNtfn func(id engineintf.AttachmentID)

func (_ OnAttachmentCancelledByServerNtfn) typ() string {
	return onAttachmentCancelledByServerNtfnType
}

const onAttachmentPausedNtfnType = "onAttachmentPaused"

// OnAttachmentPausedNtfn is called when an attachment download is paused.
type OnAttachmentPausedNtfn func(id engineintf.AttachmentID)

func (_ OnAttachmentPausedNtfn) typ() string { return onAttachmentPausedNtfnType }

const onAttachmentResumedNtfnType = "onAttachmentResumed"

// OnAttachmentResumedNtfn is called when an attachment download is resumed.
type OnAttachmentResumedNtfn func(id engineintf.AttachmentID)

func (_ OnAttachmentResumedNtfn) typ() string { return onAttachmentResumedNtfnType }

const onAttachmentIntegrityFailedNtfnType = "onAttachmentIntegrityFailed"

// OnAttachmentIntegrityFailedNtfn is called when the assembled file of an
// attachment does not match its expected digest. The download was reset and
// paused.
type OnAttachmentIntegrityFailedNtfn func(id engineintf.AttachmentID, err error)

func (_ OnAttachmentIntegrityFailedNtfn) typ() string {
	return onAttachmentIntegrityFailedNtfnType
}

const onNewMessagesReceivedNtfnType = "onNewMessagesReceived"

// OnNewMessagesReceivedNtfn is called after received protocol messages are
// stored.
type OnNewMessagesReceivedNtfn func(keys []engineintf.MessageKey)

func (_ OnNewMessagesReceivedNtfn) typ() string { return onNewMessagesReceivedNtfnType }

const onProtocolReachedFinalStateNtfnType = "onProtocolReachedFinalState"

// OnProtocolReachedFinalStateNtfn is called after a protocol instance reached
// a final state and was deleted.
type OnProtocolReachedFinalStateNtfn func(inst engineintf.InstanceKey, stateKind uint16)

func (_ OnProtocolReachedFinalStateNtfn) typ() string {
	return onProtocolReachedFinalStateNtfnType
}

const onProtocolMessageProcessedNtfnType = "onProtocolMessageProcessed"

// OnProtocolMessageProcessedNtfn is called after every attempt at processing
// a received message. reason is empty when the message was consumed by a
// step.
type OnProtocolMessageProcessedNtfn func(msg engineintf.MessageKey, inst engineintf.InstanceKey, reason string)

func (_ OnProtocolMessageProcessedNtfn) typ() string {
	return onProtocolMessageProcessedNtfnType
}

// Following is the generic notification code.

type Registration struct {
	unreg func() bool
}

// Unregister removes the handler. Returns false if it was already removed.
func (reg Registration) Unregister() bool {
	return reg.unreg()
}

type Handler interface {
	typ() string
}

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) Registration {
	var id uint

	hn.mtx.Lock()
	id, hn.next = hn.next, hn.next+1
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	registered := true
	hn.mtx.Unlock()

	return Registration{
		unreg: func() bool {
			hn.mtx.Lock()
			res := registered
			if registered {
				delete(hn.handlers, id)
				registered = false
			}
			hn.mtx.Unlock()
			return res
		},
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
	hn.mtx.Unlock()
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) Registration {
	h, ok := v.(T)
	if !ok {
		panic("wrong type")
	}
	return hn.register(h, async)
}

type handlersRegistry interface {
	Register(v interface{}, async bool) Registration
}

// Manager dispatches notifications to registered handlers. A nil *Manager
// drops every notification.
type Manager struct {
	handlers map[string]handlersRegistry
}

func (nmgr *Manager) register(handler Handler, async bool) Registration {
	handlers := nmgr.handlers[handler.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T "+
			"in NewManager", handler))
	}

	return handlers.Register(handler, async)
}

// Register adds a handler that is called on its own goroutine.
func (nmgr *Manager) Register(handler Handler) Registration {
	return nmgr.register(handler, true)
}

// RegisterSync adds a handler that is called synchronously by the notifying
// component. Sync handlers must not call back into the component.
func (nmgr *Manager) RegisterSync(handler Handler) Registration {
	return nmgr.register(handler, false)
}

// Following are the NotifyX() calls (one for each type of notification).

func (nmgr *Manager) NotifyAttachmentDownloaded(id engineintf.AttachmentID, path string) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onAttachmentDownloadedNtfnType].(*handlersFor[OnAttachmentDownloadedNtfn]).
		visit(func(h OnAttachmentDownloadedNtfn) { h(id, path) })
}

func (nmgr *Manager) NotifyAttachmentCancelledByServer(id engineintf.AttachmentID) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onAttachmentCancelledByServerNtfnType].(*handlersFor[OnAttachmentCancelledByServerNtfn]).
		visit(func(h OnAttachmentCancelledByServerNtfn) { h(id) })
}

func (nmgr *Manager) NotifyAttachmentPaused(id engineintf.AttachmentID) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onAttachmentPausedNtfnType].(*handlersFor[OnAttachmentPausedNtfn]).
		visit(func(h OnAttachmentPausedNtfn) { h(id) })
}

func (nmgr *Manager) NotifyAttachmentResumed(id engineintf.AttachmentID) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onAttachmentResumedNtfnType].(*handlersFor[OnAttachmentResumedNtfn]).
		visit(func(h OnAttachmentResumedNtfn) { h(id) })
}

func (nmgr *Manager) NotifyAttachmentIntegrityFailed(id engineintf.AttachmentID, err error) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onAttachmentIntegrityFailedNtfnType].(*handlersFor[OnAttachmentIntegrityFailedNtfn]).
		visit(func(h OnAttachmentIntegrityFailedNtfn) { h(id, err) })
}

func (nmgr *Manager) NotifyNewMessagesReceived(keys []engineintf.MessageKey) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onNewMessagesReceivedNtfnType].(*handlersFor[OnNewMessagesReceivedNtfn]).
		visit(func(h OnNewMessagesReceivedNtfn) { h(keys) })
}

func (nmgr *Manager) NotifyProtocolReachedFinalState(inst engineintf.InstanceKey, stateKind uint16) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onProtocolReachedFinalStateNtfnType].(*handlersFor[OnProtocolReachedFinalStateNtfn]).
		visit(func(h OnProtocolReachedFinalStateNtfn) { h(inst, stateKind) })
}

func (nmgr *Manager) NotifyProtocolMessageProcessed(msg engineintf.MessageKey, inst engineintf.InstanceKey, reason string) {
	if nmgr == nil {
		return
	}
	nmgr.handlers[onProtocolMessageProcessedNtfnType].(*handlersFor[OnProtocolMessageProcessedNtfn]).
		visit(func(h OnProtocolMessageProcessedNtfn) { h(msg, inst, reason) })
}

// NewManager returns a Manager with every notification type initialized.
func NewManager() *Manager {
	return &Manager{
		handlers: map[string]handlersRegistry{
			onAttachmentDownloadedNtfnType:        &handlersFor[OnAttachmentDownloadedNtfn]{},
			onAttachmentCancelledByServerNtfnType: &handlersFor[OnAttachmentCancelledByServerNtfn]{},
			onAttachmentPausedNtfnType:            &handlersFor[OnAttachmentPausedNtfn]{},
			onAttachmentResumedNtfnType:           &handlersFor[OnAttachmentResumedNtfn]{},
			onAttachmentIntegrityFailedNtfnType:   &handlersFor[OnAttachmentIntegrityFailedNtfn]{},

			onNewMessagesReceivedNtfnType:       &handlersFor[OnNewMessagesReceivedNtfn]{},
			onProtocolReachedFinalStateNtfnType: &handlersFor[OnProtocolReachedFinalStateNtfn]{},
			onProtocolMessageProcessedNtfnType:  &handlersFor[OnProtocolMessageProcessedNtfn]{},
		},
	}
}
