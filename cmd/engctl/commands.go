package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/companyzero/inboxengine/attachments"
	"github.com/companyzero/inboxengine/attachments/s3urls"
	"github.com/companyzero/inboxengine/engine"
	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/ntfns"
	"github.com/companyzero/inboxengine/protocol"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const tsFormat = "2006-01-02 15:04:05"

func newManager(e *env, reg prometheus.Registerer, nmgr *ntfns.Manager) (*attachments.Manager, error) {
	return attachments.NewManager(attachments.Config{
		DB:                  e.db,
		DownloadsDir:        e.cfg.DownloadsDir,
		Notifications:       nmgr,
		MaxConcurrentChunks: e.cfg.MaxConcurrentChunks,
		PollInterval:        e.cfg.PollInterval,
		Registerer:          reg,
		Logger:              e.log.logger("ATCH"),
		DownloadLogger:      e.log.logger("DLDR"),
	})
}

// newMaintenanceEngine returns an engine that can abort instances and prune
// messages but never runs protocol steps.
func newMaintenanceEngine(e *env) (*engine.Engine, error) {
	opts := append(e.cfg.EngineOptions(),
		engine.WithLogger(e.log.logger("ENGN")),
		engine.WithRunnerLogger(e.log.logger("PRUN")))
	return engine.New(engine.Config{
		DB:         e.db,
		Catalog:    protocol.NewCatalog(),
		Channels:   offlineChannels{},
		Identities: offlineIdentities{},
	}, opts...)
}

type listCmd struct {
	Args struct {
		What string `positional-arg-name:"attachments|messages|instances"`
	} `positional-args:"yes" required:"yes"`
}

func (c *listCmd) Execute([]string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		switch c.Args.What {
		case "attachments":
			fmt.Fprintln(w, "ID\tSTATUS\tCHUNKS\tSIZE\tUPDATED")
			err := e.db.View(ctx, func(tx enginedb.ReadTx) error {
				atts, err := e.db.ListAttachments(tx, nil)
				if err != nil {
					return err
				}
				for _, a := range atts {
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\n", a.ID, a.Status,
						a.Written.Len(), a.ChunkCount, a.PlaintextLength,
						a.UpdatedAt.Format(tsFormat))
				}
				return nil
			})
			if err != nil {
				return err
			}

		case "messages":
			fmt.Fprintln(w, "KEY\tPROTOCOL\tINSTANCE\tKIND\tCHANNEL\tUPLOADED")
			err := e.db.View(ctx, func(tx enginedb.ReadTx) error {
				msgs, err := e.db.ListReceivedMessages(tx)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n", m.Key,
						m.Protocol, m.Instance.ShortString(), m.Kind,
						m.Channel, m.UploadTimestamp.Format(tsFormat))
				}
				return nil
			})
			if err != nil {
				return err
			}

		case "instances":
			fmt.Fprintln(w, "INSTANCE\tSTATE\tUPDATED")
			err := e.db.View(ctx, func(tx enginedb.ReadTx) error {
				insts, err := e.db.ListProtocolInstances(tx)
				if err != nil {
					return err
				}
				for _, pi := range insts {
					fmt.Fprintf(w, "%s\t%d\t%s\n", pi.Key, pi.StateKind,
						pi.UpdatedAt.Format(tsFormat))
				}
				return nil
			})
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown list target %q", c.Args.What)
		}
		return w.Flush()
	})
}

type attachmentArg struct {
	Args struct {
		ID string `positional-arg-name:"msguid/number"`
	} `positional-args:"yes" required:"yes"`
}

func (a *attachmentArg) withManager(f func(ctx context.Context, m *attachments.Manager, id engineintf.AttachmentID) error) error {
	id, err := engineintf.ParseAttachmentID(a.Args.ID)
	if err != nil {
		return err
	}
	return withEnv(func(ctx context.Context, e *env) error {
		m, err := newManager(e, nil, nil)
		if err != nil {
			return err
		}
		return f(ctx, m, id)
	})
}

type dumpCmd struct{ attachmentArg }

func (c *dumpCmd) Execute([]string) error {
	return c.withManager(func(ctx context.Context, m *attachments.Manager, id engineintf.AttachmentID) error {
		a, err := m.Attachment(ctx, id)
		if err != nil {
			return err
		}
		chunks, err := m.Chunks(ctx, id)
		if err != nil {
			return err
		}
		cfg := spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true}
		cfg.Fdump(os.Stdout, a)
		cfg.Fdump(os.Stdout, chunks)
		return nil
	})
}

type pauseCmd struct{ attachmentArg }

func (c *pauseCmd) Execute([]string) error {
	return c.withManager(func(ctx context.Context, m *attachments.Manager, id engineintf.AttachmentID) error {
		return m.Pause(ctx, id)
	})
}

type resumeCmd struct{ attachmentArg }

func (c *resumeCmd) Execute([]string) error {
	return c.withManager(func(ctx context.Context, m *attachments.Manager, id engineintf.AttachmentID) error {
		return m.Resume(ctx, id)
	})
}

type resetCmd struct{ attachmentArg }

func (c *resetCmd) Execute([]string) error {
	return c.withManager(func(ctx context.Context, m *attachments.Manager, id engineintf.AttachmentID) error {
		return m.ResetDownload(ctx, id)
	})
}

type deleteCmd struct {
	Purge bool `long:"purge" description:"Remove the attachment record as well"`
	attachmentArg
}

func (c *deleteCmd) Execute([]string) error {
	return c.withManager(func(ctx context.Context, m *attachments.Manager, id engineintf.AttachmentID) error {
		if c.Purge {
			return m.DeleteAttachment(ctx, id)
		}
		return m.DeleteDownload(ctx, id)
	})
}

type abortCmd struct {
	Args struct {
		Owned    string `positional-arg-name:"owned-identity"`
		Instance string `positional-arg-name:"instance-uid"`
	} `positional-args:"yes" required:"yes"`
}

func (c *abortCmd) Execute([]string) error {
	owned, err := engineintf.ParseIdentityID(c.Args.Owned)
	if err != nil {
		return err
	}
	inst, err := engineintf.ParseUID(c.Args.Instance)
	if err != nil {
		return err
	}
	return withEnv(func(ctx context.Context, e *env) error {
		eng, err := newMaintenanceEngine(e)
		if err != nil {
			return err
		}
		n, err := eng.AbortProtocol(ctx, inst, owned)
		if err != nil {
			return err
		}
		fmt.Printf("Aborted %d protocol instances\n", n)
		return nil
	})
}

type pruneCmd struct{}

func (c *pruneCmd) Execute([]string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		eng, err := newMaintenanceEngine(e)
		if err != nil {
			return err
		}
		n, err := eng.PruneStaleReceivedMessages(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d messages\n", n)
		return nil
	})
}

type downloadCmd struct{}

func (c *downloadCmd) Execute([]string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if !e.cfg.S3Enabled {
			return errors.New("[s3] must be enabled to download attachments")
		}
		log := e.log.logger("DLDR")

		s3cfg := e.cfg.S3Config()
		s3cfg.Logger = e.log.logger("S3UR")
		presigner, err := s3urls.New(ctx, s3cfg)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())

		nmgr := ntfns.NewManager()
		nmgr.Register(ntfns.OnAttachmentDownloadedNtfn(func(id engineintf.AttachmentID, path string) {
			log.Infof("Attachment %s downloaded to %s", id, path)
		}))
		nmgr.Register(ntfns.OnAttachmentIntegrityFailedNtfn(func(id engineintf.AttachmentID, err error) {
			log.Warnf("Attachment %s failed its integrity check: %v", id, err)
		}))

		m, err := attachments.NewManager(attachments.Config{
			DB:                  e.db,
			DownloadsDir:        e.cfg.DownloadsDir,
			Notifications:       nmgr,
			URLProvider:         presigner,
			Fetcher:             attachments.NewHTTPFetcher(&http.Client{Timeout: e.cfg.FetchTimeout}),
			MaxConcurrentChunks: e.cfg.MaxConcurrentChunks,
			PollInterval:        e.cfg.PollInterval,
			Registerer:          reg,
			Logger:              e.log.logger("ATCH"),
			DownloadLogger:      log,
		})
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return m.Run(gctx) })
		if addr := e.cfg.PrometheusListen; addr != "" {
			g.Go(func() error { return servePrometheus(gctx, addr, reg) })
			log.Infof("Serving metrics on http://%s/metrics", addr)
		}
		return g.Wait()
	})
}

func servePrometheus(ctx context.Context, addr string, reg *prometheus.Registry) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err = srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func init() {
	cmds := []struct {
		name, short, long string
		data              any
	}{
		{"list", "List stored records", "List attachments, received messages or protocol instances.", &listCmd{}},
		{"dump", "Dump an attachment", "Dump the record and chunks of an attachment.", &dumpCmd{}},
		{"pause", "Pause a download", "Pause the download of an attachment.", &pauseCmd{}},
		{"resume", "Resume a download", "Resume the download of an attachment.", &resumeCmd{}},
		{"reset", "Reset a download", "Discard every written chunk of an attachment.", &resetCmd{}},
		{"delete", "Delete a download", "Delete the download of an attachment.", &deleteCmd{}},
		{"abort", "Abort a protocol instance", "Delete a protocol instance, its messages and every instance linked to it.", &abortCmd{}},
		{"prune", "Prune stale messages", "Delete received messages older than the maximum message age.", &pruneCmd{}},
		{"download", "Run the download loop", "Download every resumed attachment until interrupted.", &downloadCmd{}},
	}
	for _, c := range cmds {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}
}
