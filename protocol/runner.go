package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/logutil"
	"github.com/decred/slog"
)

// Linker registers links between protocol instances.
type Linker interface {
	LinkProtocols(tx enginedb.ReadWriteTx, link enginedb.ProtocolLink) error
}

// StepContext is what a running step has access to. A step must not run
// other steps: follow up work is done by posting messages.
type StepContext struct {
	ctx        context.Context
	tx         enginedb.ReadWriteTx
	channels   ChannelDelegate
	identities IdentityDirectory
	linker     Linker
	inst       engineintf.InstanceKey
	log        slog.Logger
	posted     []DeliveryHandle
}

// Context returns the context of the step.
func (sc *StepContext) Context() context.Context { return sc.ctx }

// Tx returns the transaction scope of the step. Writes are discarded if the
// step fails.
func (sc *StepContext) Tx() enginedb.ReadWriteTx { return sc.tx }

// Identities returns the identity directory.
func (sc *StepContext) Identities() IdentityDirectory { return sc.identities }

// Log returns a logger prefixed with the instance.
func (sc *StepContext) Log() slog.Logger { return sc.log }

// Post hands msg to the channel delegate. Unset protocol fields are filled
// with those of the running instance.
func (sc *StepContext) Post(msg OutboundMessage) (DeliveryHandle, error) {
	if msg.Protocol == 0 && msg.Instance == (engineintf.UID{}) {
		msg.Protocol = sc.inst.Protocol
		msg.Instance = sc.inst.Instance
	}
	if msg.Owned.IsEmpty() {
		msg.Owned = sc.inst.Owned
	}
	h, err := sc.channels.Post(sc.ctx, sc.tx, msg)
	if err != nil {
		return h, err
	}
	sc.posted = append(sc.posted, h)
	return h, nil
}

// Link asks to be notified, through a message of forwardKind, when the
// child instance reaches childState. The running instance is the parent.
func (sc *StepContext) Link(child engineintf.InstanceKey, childState, forwardKind uint16) error {
	if sc.linker == nil {
		return errors.New("protocol links are not supported")
	}
	return sc.linker.LinkProtocols(sc.tx, enginedb.ProtocolLink{
		Child:       child,
		ChildState:  childState,
		Parent:      sc.inst,
		ForwardKind: forwardKind,
	})
}

// Outcome is the result of successfully running a step.
type Outcome struct {
	Step         string
	NewState     State
	StateKind    uint16
	State        []byte
	Final        bool
	PurgeOnFinal bool
	Posted       []DeliveryHandle
}

// RunnerConfig is the configuration of a Runner.
type RunnerConfig struct {
	Catalog    *Catalog
	Channels   ChannelDelegate
	Identities IdentityDirectory

	// Linker is optional. Steps that link instances fail without one.
	Linker Linker

	Logger slog.Logger
}

// Runner executes single protocol steps.
type Runner struct {
	catalog    *Catalog
	channels   ChannelDelegate
	identities IdentityDirectory
	linker     Linker
	log        slog.Logger
}

// NewRunner creates a step runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, errors.New("catalog is required")
	case cfg.Channels == nil:
		return nil, errors.New("channel delegate is required")
	case cfg.Identities == nil:
		return nil, errors.New("identity directory is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	return &Runner{
		catalog:    cfg.Catalog,
		channels:   cfg.Channels,
		identities: cfg.Identities,
		linker:     cfg.Linker,
		log:        log,
	}, nil
}

// Catalog returns the catalog of the runner.
func (r *Runner) Catalog() *Catalog { return r.catalog }

// Run executes the step of inst that handles msg. The step runs in a nested
// scope of tx: when it fails, nothing it wrote is kept.
func (r *Runner) Run(ctx context.Context, tx enginedb.ReadWriteTx, inst *enginedb.ProtocolInstance,
	msg *enginedb.ReceivedMessage) (*Outcome, error) {

	log := logutil.PrefixLogger(r.log, inst.Key.String())

	state, err := r.catalog.DecodeState(inst.Key.Protocol, inst.StateKind, inst.State)
	if err != nil {
		return nil, err
	}
	typed, err := r.catalog.DecodeMessage(inst.Key.Protocol, msg.Kind, msg.Payload)
	if err != nil {
		return nil, err
	}

	noStep := func() error {
		if msg.DialogUUID != nil {
			return NoApplicableStepForDialogResponseError{UUID: *msg.DialogUUID}
		}
		return fmt.Errorf("%w for message %d in state %d", ErrNoApplicableStep,
			msg.Kind, inst.StateKind)
	}

	step := r.catalog.step(inst.Key.Protocol, inst.StateKind, msg.Kind)
	if step == nil {
		return nil, noStep()
	}

	in := StepInput{
		Instance: inst.Key,
		State:    state,
		Message:  typed,
		Channel:  msg.Channel,
	}
	expected := step.Channel(in)
	if !r.channels.Accepts(expected, msg.Channel, inst.Key.Owned) {
		log.Warnf("Step %s expects channel %s but message %s arrived on %s",
			step.Name, expected.Kind, msg.Key.UID.ShortString(), msg.Channel)
		return nil, noStep()
	}

	log.Debugf("Running step %s for message %s", step.Name, msg.Key.UID.ShortString())
	var res StepResult
	var posted []DeliveryHandle
	err = tx.Scope(func(stx enginedb.ReadWriteTx) (err error) {
		sc := &StepContext{
			ctx:        ctx,
			tx:         stx,
			channels:   r.channels,
			identities: r.identities,
			linker:     r.linker,
			inst:       inst.Key,
			log:        log,
		}
		defer func() {
			if v := recover(); v != nil {
				err = StepCancelledError{Step: step.Name, Err: fmt.Errorf("panic: %v", v)}
			}
		}()
		res, err = step.Run(sc, in)
		if err != nil {
			return StepCancelledError{Step: step.Name, Err: err}
		}
		if res.NewState == nil {
			return fmt.Errorf("step %s: %w", step.Name, ErrNoNewState)
		}
		posted = sc.posted
		return nil
	})
	if err != nil {
		return nil, err
	}

	b, err := EncodeState(res.NewState)
	if err != nil {
		return nil, fmt.Errorf("unable to encode state of %s: %w", inst.Key, err)
	}
	kind := res.NewState.StateKind()
	return &Outcome{
		Step:         step.Name,
		NewState:     res.NewState,
		StateKind:    kind,
		State:        b,
		Final:        r.catalog.IsFinal(inst.Key.Protocol, kind),
		PurgeOnFinal: res.PurgeOnFinal,
		Posted:       posted,
	}, nil
}
