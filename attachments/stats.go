package attachments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds attachment transfer statistics.
type stats struct {
	chunksWritten      prometheus.Counter
	bytesWritten       prometheus.Counter
	decryptFails       prometheus.Counter
	downloadsCompleted prometheus.Counter
	downloadsCancelled prometheus.Counter
	integrityFails     prometheus.Counter
	activeSessions     prometheus.Gauge
}

// newStats creates the attachment metrics on reg. A nil reg uses a private
// registry, so the metrics are tracked but not exported.
func newStats(reg prometheus.Registerer) *stats {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &stats{
		chunksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_attachment_chunks_written",
			Help: "Number of attachment chunks decrypted and written",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_attachment_bytes_written",
			Help: "Number of plaintext attachment bytes written",
		}),
		decryptFails: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_attachment_chunk_decrypt_fails",
			Help: "Number of chunks that failed authentication",
		}),
		downloadsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_attachment_downloads_completed",
			Help: "Number of attachments fully downloaded and verified",
		}),
		downloadsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_attachment_downloads_cancelled",
			Help: "Number of attachments cancelled by the server",
		}),
		integrityFails: f.NewCounter(prometheus.CounterOpts{
			Name: "inboxengine_attachment_integrity_fails",
			Help: "Number of assembled files that did not match their digest",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "inboxengine_attachment_active_sessions",
			Help: "Number of active transfer sessions",
		}),
	}
}
