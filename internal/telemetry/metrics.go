package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_enqueued_total", Help: "Jobs accepted by the queue facade"})
	DedupeCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_deduped_total", Help: "Enqueues short-circuited to an existing job"})
	DispatchCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_dispatched_total", Help: "Jobs handed to a handler"})
	JobSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_completed_total", Help: "Jobs completed successfully"})
	JobFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_failed_total", Help: "Job attempts that failed"})
	JobNoData       = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_no_data_total", Help: "Lookups that found no catalog data"})
	JobSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_skipped_total", Help: "Jobs skipped by ledger cooldown checks"})
	PauseEvents     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_lane_pauses_total", Help: "Background lane pause transitions"})
	ResumeEvents    = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrich_lane_resumes_total", Help: "Background lane resume transitions"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrich_queue_depth", Help: "Waiting jobs across all lanes"})
	ActiveUsers     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrich_active_users", Help: "Distinct users seen in the activity window"})
	LanePausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrich_background_paused", Help: "1 when the background lane is paused"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupeCounter,
			DispatchCounter,
			JobSuccess,
			JobFailures,
			JobNoData,
			JobSkipped,
			PauseEvents,
			ResumeEvents,
			QueueDepthGauge,
			ActiveUsers,
			LanePausedGauge,
		)
	})
	return promhttp.Handler()
}
