// Package engine processes received protocol messages.
//
// Every message is consumed in a single store transaction: the protocol
// instance is loaded (or created in its initial state), the step handling the
// message runs, the new state is saved, linked instances waiting on that
// state are notified and the message is deleted. Either all of it commits or
// none of it does, in which case the message stays queued for a later retry.
//
// Messages of distinct instances are processed concurrently. Messages of the
// same instance are processed one at a time.
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/keyedmtx"
	"github.com/companyzero/inboxengine/ntfns"
	"github.com/companyzero/inboxengine/protocol"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
)

// Engine is the protocol engine.
type Engine struct {
	cfg     config
	log     slog.Logger
	db      *enginedb.DB
	catalog *protocol.Catalog
	chans   protocol.ChannelDelegate
	ntfns   *ntfns.Manager
	runner  *protocol.Runner
	stats   *stats

	queue     *queue
	instLocks *keyedmtx.Mutex[engineintf.InstanceKey]
}

// New creates a new engine.
func New(c Config, opts ...Option) (*Engine, error) {
	switch {
	case c.DB == nil:
		return nil, errors.New("db is required")
	case c.Catalog == nil:
		return nil, errors.New("protocol catalog is required")
	}
	cfg := fillConfig(opts...)
	nmgr := c.Notifications
	if nmgr == nil {
		nmgr = ntfns.NewManager()
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.log,
		db:        c.DB,
		catalog:   c.Catalog,
		chans:     c.Channels,
		ntfns:     nmgr,
		stats:     newStats(),
		queue:     newQueue(),
		instLocks: keyedmtx.New[engineintf.InstanceKey](),
	}
	runner, err := protocol.NewRunner(protocol.RunnerConfig{
		Catalog:    c.Catalog,
		Channels:   c.Channels,
		Identities: c.Identities,
		Linker:     e,
		Logger:     cfg.runnerLog,
	})
	if err != nil {
		return nil, err
	}
	e.runner = runner
	return e, nil
}

// Notifications returns the notification manager of the engine.
func (e *Engine) Notifications() *ntfns.Manager {
	return e.ntfns
}

// InsertReceivedMessage stores a new received message and queues it for
// processing. It fails with enginedb.ErrRecentlyDeleted if the message was
// consumed within the retention window.
func (e *Engine) InsertReceivedMessage(ctx context.Context, msg *enginedb.ReceivedMessage) error {
	err := e.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		if err := e.db.InsertReceivedMessage(tx, msg); err != nil {
			return err
		}
		key := msg.Key
		tx.OnCommitted(func() {
			e.Queue(key)
			e.ntfns.NotifyNewMessagesReceived([]engineintf.MessageKey{key})
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Tracef("Inserted message %s for %s (kind %d)", msg.Key,
		msg.InstanceKey(), msg.Kind)
	return nil
}

// Queue queues already stored messages for processing. Messages already
// queued are not queued twice.
func (e *Engine) Queue(keys ...engineintf.MessageKey) {
	e.queue.push(keys...)
	e.stats.queueLen.Set(float64(e.queue.len()))
}

// queueStored queues every stored message, oldest first.
func (e *Engine) queueStored(ctx context.Context) error {
	var msgs []*enginedb.ReceivedMessage
	err := e.db.View(ctx, func(tx enginedb.ReadTx) error {
		var err error
		msgs, err = e.db.ListReceivedMessages(tx)
		return err
	})
	if err != nil {
		return err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].UploadTimestamp.Before(msgs[j].UploadTimestamp)
	})
	keys := make([]engineintf.MessageKey, len(msgs))
	for i, m := range msgs {
		keys[i] = m.Key
	}
	e.Queue(keys...)
	if len(keys) > 0 {
		e.log.Infof("Queued %d stored messages", len(keys))
	}
	return nil
}

func (e *Engine) runWorker(ctx context.Context) error {
	for {
		key, err := e.queue.pop(ctx)
		if err != nil {
			return err
		}
		e.stats.queueLen.Set(float64(e.queue.len()))

		// Failures are logged, counted and notified by the processing
		// itself.
		_ = e.ProcessReceivedMessage(ctx, key)
	}
}

func (e *Engine) runSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.db.SweepRecentlyDeleted(e.cfg.now()); n > 0 {
				e.log.Debugf("Swept %d entries of the recently deleted list", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) runPruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.PruneStaleReceivedMessages(ctx); err != nil &&
				ctx.Err() == nil {
				e.log.Errorf("Unable to prune stale messages: %v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run processes received messages until ctx is done. The store must be
// running.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-e.db.RunStarted():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.queueStored(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.workers; i++ {
		g.Go(func() error { return e.runWorker(gctx) })
	}
	if e.cfg.sweepInterval > 0 {
		g.Go(func() error { return e.runSweepLoop(gctx) })
	}
	if e.cfg.pruneInterval > 0 {
		g.Go(func() error { return e.runPruneLoop(gctx) })
	}
	if e.cfg.promAddr != "" {
		g.Go(func() error { return e.runPrometheusListener(gctx, e.cfg.promAddr) })
	}

	e.log.Infof("Running engine with %d workers and %d protocols",
		e.cfg.workers, len(e.catalog.Protocols()))
	return g.Wait()
}
