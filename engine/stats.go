package engine

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stats holds engine statistics.
type stats struct {
	reg *prometheus.Registry

	processed       *prometheus.CounterVec
	finalStates     *prometheus.CounterVec
	forwardFailures prometheus.Counter
	requeued        prometheus.Counter
	pruned          prometheus.Counter
	aborted         prometheus.Counter
	queueLen        prometheus.Gauge
}

func newStats() *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		reg: reg,

		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxengine_messages_processed",
			Help: "Number of received messages processed, by outcome",
		}, []string{"reason"}),
		finalStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxengine_protocol_final_states",
			Help: "Number of protocol instances that reached a final state",
		}, []string{"protocol"}),
		forwardFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_link_forward_failures",
			Help: "Number of notifications to linked instances that could not be posted",
		}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_messages_requeued",
			Help: "Number of messages requeued after their instance advanced",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_messages_pruned",
			Help: "Number of stale received messages deleted",
		}),
		aborted: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_protocol_instances_aborted",
			Help: "Number of protocol instances deleted by an abort",
		}),
		queueLen: f.NewGauge(prometheus.GaugeOpts{
			Name: "inboxengine_queue_length",
			Help: "Number of messages waiting for a worker",
		}),
	}
}

// Registry returns the registry where the engine metrics are registered.
// Other components may register their metrics on it so that they are exposed
// on the same endpoint.
func (e *Engine) Registry() *prometheus.Registry {
	return e.stats.reg
}

// runPrometheusListener runs the Prometheus metrics endpoint in the given
// address.
func (e *Engine) runPrometheusListener(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		e.stats.reg, promhttp.HandlerFor(e.stats.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	e.log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}
