// Package protocol hosts the protocol catalog and the step runner.
//
// A protocol is a closed set of states and messages plus a step table keyed by
// (state kind, message kind). States and messages are plain structs encoded
// with CBOR and tagged with their kind.
package protocol

import (
	"fmt"
	"sort"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/fxamacker/cbor/v2"
)

// State is one state of a protocol.
type State interface {
	StateKind() uint16
}

// Message is one typed message of a protocol.
type Message interface {
	MessageKind() uint16
}

// StepInput is what a step operates on.
type StepInput struct {
	Instance engineintf.InstanceKey
	State    State
	Message  Message

	// Channel is how the message was received.
	Channel engineintf.ReceptionChannel
}

// StepResult is the outcome of a successful step.
type StepResult struct {
	NewState State

	// PurgeOnFinal requests that every other queued message of the
	// instance is deleted when NewState is final.
	PurgeOnFinal bool
}

// StepFunc executes a step. Returning an error cancels the step: nothing it
// wrote through the step context is kept.
type StepFunc func(sc *StepContext, in StepInput) (StepResult, error)

// StepSpec is one entry of a step table.
type StepSpec struct {
	Name string

	// From is the state kind and On the message kind the step handles.
	From uint16
	On   uint16

	// Channel returns the channel the message must have arrived on.
	Channel func(in StepInput) ExpectedChannel

	Run StepFunc
}

// Definition describes a protocol.
type Definition struct {
	ID   engineintf.ProtocolID
	Name string

	// InitialState returns the state of new instances.
	InitialState func() State

	// StateFactories and MessageFactories return a new zero value of each
	// state and message kind, to decode into.
	StateFactories   map[uint16]func() State
	MessageFactories map[uint16]func() Message

	FinalStates []uint16

	Steps []StepSpec
}

type stepKey struct {
	from, on uint16
}

type entry struct {
	def   Definition
	final map[uint16]bool
	steps map[stepKey]*StepSpec
}

// Catalog is the set of protocols known to the engine.
type Catalog struct {
	protocols map[engineintf.ProtocolID]*entry
}

// NewCatalog builds a catalog. Inconsistent definitions are programming
// errors and cause a panic.
func NewCatalog(defs ...Definition) *Catalog {
	c := &Catalog{protocols: make(map[engineintf.ProtocolID]*entry, len(defs))}
	for _, def := range defs {
		if _, ok := c.protocols[def.ID]; ok {
			panic(fmt.Sprintf("duplicate protocol %d (%s)", def.ID, def.Name))
		}
		if def.InitialState == nil {
			panic(fmt.Sprintf("protocol %s has no initial state", def.Name))
		}
		initial := def.InitialState()
		if _, ok := def.StateFactories[initial.StateKind()]; !ok {
			panic(fmt.Sprintf("protocol %s has no factory for its initial state", def.Name))
		}
		e := &entry{
			def:   def,
			final: make(map[uint16]bool, len(def.FinalStates)),
			steps: make(map[stepKey]*StepSpec, len(def.Steps)),
		}
		for _, k := range def.FinalStates {
			e.final[k] = true
		}
		for i := range def.Steps {
			s := &def.Steps[i]
			if s.Run == nil || s.Channel == nil {
				panic(fmt.Sprintf("step %s of %s is incomplete", s.Name, def.Name))
			}
			if _, ok := def.StateFactories[s.From]; !ok {
				panic(fmt.Sprintf("step %s of %s starts from unknown state %d",
					s.Name, def.Name, s.From))
			}
			if _, ok := def.MessageFactories[s.On]; !ok {
				panic(fmt.Sprintf("step %s of %s handles unknown message %d",
					s.Name, def.Name, s.On))
			}
			k := stepKey{from: s.From, on: s.On}
			if other, ok := e.steps[k]; ok {
				panic(fmt.Sprintf("steps %s and %s of %s handle the same "+
					"state and message", other.Name, s.Name, def.Name))
			}
			e.steps[k] = s
		}
		c.protocols[def.ID] = e
	}
	return c
}

// Protocols returns the ids of every protocol in the catalog.
func (c *Catalog) Protocols() []engineintf.ProtocolID {
	res := make([]engineintf.ProtocolID, 0, len(c.protocols))
	for id := range c.protocols {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Known returns true if protocol id is in the catalog.
func (c *Catalog) Known(id engineintf.ProtocolID) bool {
	_, ok := c.protocols[id]
	return ok
}

// Name returns the name of protocol id.
func (c *Catalog) Name(id engineintf.ProtocolID) string {
	if e, ok := c.protocols[id]; ok {
		return e.def.Name
	}
	return fmt.Sprintf("unknown(%d)", id)
}

func (c *Catalog) lookup(id engineintf.ProtocolID) (*entry, error) {
	e, ok := c.protocols[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownProtocol, id)
	}
	return e, nil
}

// IsFinal returns true if stateKind is a final state of protocol id.
func (c *Catalog) IsFinal(id engineintf.ProtocolID, stateKind uint16) bool {
	e, ok := c.protocols[id]
	return ok && e.final[stateKind]
}

// InitialState returns the encoded initial state of protocol id.
func (c *Catalog) InitialState(id engineintf.ProtocolID) (uint16, []byte, error) {
	e, err := c.lookup(id)
	if err != nil {
		return 0, nil, err
	}
	s := e.def.InitialState()
	b, err := EncodeState(s)
	return s.StateKind(), b, err
}

// DecodeState decodes a state of protocol id.
func (c *Catalog) DecodeState(id engineintf.ProtocolID, kind uint16, b []byte) (State, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	f, ok := e.def.StateFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown state kind %d of %s",
			ErrInvalidState, kind, e.def.Name)
	}
	s := f()
	if err := cbor.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return s, nil
}

// DecodeMessage decodes a message of protocol id.
func (c *Catalog) DecodeMessage(id engineintf.ProtocolID, kind uint16, b []byte) (Message, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	f, ok := e.def.MessageFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message kind %d of %s",
			ErrNoMatchingConcreteMessage, kind, e.def.Name)
	}
	m := f()
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMatchingConcreteMessage, err)
	}
	return m, nil
}

// step returns the step of protocol id that handles message kind on in
// state kind from.
func (c *Catalog) step(id engineintf.ProtocolID, from, on uint16) *StepSpec {
	e, ok := c.protocols[id]
	if !ok {
		return nil
	}
	return e.steps[stepKey{from: from, on: on}]
}

// EncodeState encodes a state.
func EncodeState(s State) ([]byte, error) {
	return cbor.Marshal(s)
}

// EncodeMessage encodes a message.
func EncodeMessage(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}
