package prototest

import (
	"errors"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/protocol"
)

// PingProtocolID is the id of the ping protocol.
const PingProtocolID engineintf.ProtocolID = 0x7001

// States of the ping protocol.
const (
	StateInitial uint16 = iota
	StateWaitingPong
	StateDone
	StateCancelled
)

// Messages of the ping protocol.
const (
	// MsgStart is posted locally to start a ping to Peer.
	MsgStart uint16 = iota

	// MsgPong is the reply of the peer, over a secure channel.
	MsgPong

	// MsgFail makes the step fail after posting a message.
	MsgFail

	// MsgChildDone is forwarded by linked child instances.
	MsgChildDone

	// MsgWatch links the instance to the child in Watch.
	MsgWatch

	// MsgCancel finishes the instance and purges its queue.
	MsgCancel

	// MsgOutbound is the ping posted to the peer.
	MsgOutbound
)

type InitialState struct{}

func (*InitialState) StateKind() uint16 { return StateInitial }

type WaitingPongState struct {
	Peer  engineintf.IdentityID
	Nonce uint64

	// Children counts MsgChildDone notifications.
	Children int
}

func (*WaitingPongState) StateKind() uint16 { return StateWaitingPong }

type DoneState struct {
	Nonce uint64
}

func (*DoneState) StateKind() uint16 { return StateDone }

type CancelledState struct{}

func (*CancelledState) StateKind() uint16 { return StateCancelled }

type StartMsg struct {
	Peer  engineintf.IdentityID
	Nonce uint64
}

func (*StartMsg) MessageKind() uint16 { return MsgStart }

type PongMsg struct {
	Nonce uint64
}

func (*PongMsg) MessageKind() uint16 { return MsgPong }

type FailMsg struct{}

func (*FailMsg) MessageKind() uint16 { return MsgFail }

// ChildDoneMsg is decoded from the encoded DoneState of the child.
type ChildDoneMsg struct {
	Nonce uint64
}

func (*ChildDoneMsg) MessageKind() uint16 { return MsgChildDone }

type WatchMsg struct {
	Child engineintf.UID
}

func (*WatchMsg) MessageKind() uint16 { return MsgWatch }

type CancelMsg struct{}

func (*CancelMsg) MessageKind() uint16 { return MsgCancel }

type OutboundMsg struct {
	Nonce uint64
}

func (*OutboundMsg) MessageKind() uint16 { return MsgOutbound }

// ErrFailStep is the error returned by the step handling MsgFail, after it
// posted a ping.
var ErrFailStep = errors.New("failing step")

func local(protocol.StepInput) protocol.ExpectedChannel {
	return protocol.ExpectedChannel{Kind: engineintf.ChannelLocal}
}

// PingProtocol returns the definition of the ping protocol.
//
// Initial --Start(local)--> WaitingPong --Pong(secure, from peer)--> Done
//
// WaitingPong also accepts Watch (links a child), ChildDone (forwarded by the
// child reaching Done) and Cancel (goes to Cancelled, purging the queue).
func PingProtocol() protocol.Definition {
	return protocol.Definition{
		ID:           PingProtocolID,
		Name:         "ping",
		InitialState: func() protocol.State { return &InitialState{} },
		StateFactories: map[uint16]func() protocol.State{
			StateInitial:     func() protocol.State { return &InitialState{} },
			StateWaitingPong: func() protocol.State { return &WaitingPongState{} },
			StateDone:        func() protocol.State { return &DoneState{} },
			StateCancelled:   func() protocol.State { return &CancelledState{} },
		},
		MessageFactories: map[uint16]func() protocol.Message{
			MsgStart:     func() protocol.Message { return &StartMsg{} },
			MsgPong:      func() protocol.Message { return &PongMsg{} },
			MsgFail:      func() protocol.Message { return &FailMsg{} },
			MsgChildDone: func() protocol.Message { return &ChildDoneMsg{} },
			MsgWatch:     func() protocol.Message { return &WatchMsg{} },
			MsgCancel:    func() protocol.Message { return &CancelMsg{} },
		},
		FinalStates: []uint16{StateDone, StateCancelled},
		Steps: []protocol.StepSpec{{
			Name:    "start",
			From:    StateInitial,
			On:      MsgStart,
			Channel: local,
			Run: func(sc *protocol.StepContext, in protocol.StepInput) (protocol.StepResult, error) {
				msg := in.Message.(*StartMsg)
				payload, err := protocol.EncodeMessage(&OutboundMsg{Nonce: msg.Nonce})
				if err != nil {
					return protocol.StepResult{}, err
				}
				_, err = sc.Post(protocol.OutboundMessage{
					Kind:    MsgOutbound,
					Payload: payload,
					Channel: engineintf.ChannelSecure,
					To:      []engineintf.IdentityID{msg.Peer},
				})
				if err != nil {
					return protocol.StepResult{}, err
				}
				return protocol.StepResult{
					NewState: &WaitingPongState{Peer: msg.Peer, Nonce: msg.Nonce},
				}, nil
			},
		}, {
			Name: "pong",
			From: StateWaitingPong,
			On:   MsgPong,
			Channel: func(in protocol.StepInput) protocol.ExpectedChannel {
				return protocol.ExpectedChannel{
					Kind:   engineintf.ChannelSecure,
					Sender: in.State.(*WaitingPongState).Peer,
				}
			},
			Run: func(sc *protocol.StepContext, in protocol.StepInput) (protocol.StepResult, error) {
				st := in.State.(*WaitingPongState)
				if in.Message.(*PongMsg).Nonce != st.Nonce {
					return protocol.StepResult{}, errors.New("wrong nonce")
				}
				return protocol.StepResult{NewState: &DoneState{Nonce: st.Nonce}}, nil
			},
		}, {
			Name:    "fail",
			From:    StateWaitingPong,
			On:      MsgFail,
			Channel: local,
			Run: func(sc *protocol.StepContext, in protocol.StepInput) (protocol.StepResult, error) {
				st := in.State.(*WaitingPongState)
				_, err := sc.Post(protocol.OutboundMessage{
					Kind:    MsgOutbound,
					Channel: engineintf.ChannelSecure,
					To:      []engineintf.IdentityID{st.Peer},
				})
				if err != nil {
					return protocol.StepResult{}, err
				}
				return protocol.StepResult{}, ErrFailStep
			},
		}, {
			Name:    "watch",
			From:    StateWaitingPong,
			On:      MsgWatch,
			Channel: local,
			Run: func(sc *protocol.StepContext, in protocol.StepInput) (protocol.StepResult, error) {
				child := engineintf.InstanceKey{
					Protocol: PingProtocolID,
					Instance: in.Message.(*WatchMsg).Child,
					Owned:    in.Instance.Owned,
				}
				if err := sc.Link(child, StateDone, MsgChildDone); err != nil {
					return protocol.StepResult{}, err
				}
				return protocol.StepResult{NewState: in.State}, nil
			},
		}, {
			Name:    "childDone",
			From:    StateWaitingPong,
			On:      MsgChildDone,
			Channel: local,
			Run: func(sc *protocol.StepContext, in protocol.StepInput) (protocol.StepResult, error) {
				st := *in.State.(*WaitingPongState)
				st.Children++
				return protocol.StepResult{NewState: &st}, nil
			},
		}, {
			Name:    "cancel",
			From:    StateWaitingPong,
			On:      MsgCancel,
			Channel: local,
			Run: func(sc *protocol.StepContext, in protocol.StepInput) (protocol.StepResult, error) {
				return protocol.StepResult{
					NewState:     &CancelledState{},
					PurgeOnFinal: true,
				}, nil
			},
		}},
	}
}
