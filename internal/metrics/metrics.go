package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal counts EPG fetches per entry and result
	// ("success", "auth", "connection", "request", "unknown").
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvheadend_epg_fetches_total",
		Help: "Total number of EPG fetches by result",
	}, []string{"entry", "result"})

	// FetchDuration observes how long EPG fetches take.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tvheadend_epg_fetch_duration_seconds",
		Help:    "Duration of EPG fetches",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"entry"})

	// PublishedEntries tracks the size of the published snapshot.
	PublishedEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tvheadend_epg_published_entries",
		Help: "Number of EPG entries in the currently published snapshot",
	}, []string{"entry"})

	// LastSuccess is the unix time of the last successful fetch.
	LastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tvheadend_epg_last_success_timestamp_seconds",
		Help: "Unix time of the last successful EPG fetch",
	}, []string{"entry"})

	// Stale is 1 while an entry serves data from before its last failed fetch.
	Stale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tvheadend_epg_stale",
		Help: "Whether the published EPG snapshot is stale (1) or current (0)",
	}, []string{"entry"})

	// RecordingsTotal counts record requests per entry and result.
	RecordingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvheadend_epg_record_requests_total",
		Help: "Total number of record requests by result",
	}, []string{"entry", "result"})

	// EntriesLoaded tracks how many entries are set up.
	EntriesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tvheadend_epg_entries_loaded",
		Help: "Number of configured TVHeadend entries currently set up",
	})
)

// RecordFetchSuccess records a successful fetch of count entries.
func RecordFetchSuccess(entry string, count int, took time.Duration, at time.Time) {
	FetchesTotal.WithLabelValues(entry, "success").Inc()
	FetchDuration.WithLabelValues(entry).Observe(took.Seconds())
	PublishedEntries.WithLabelValues(entry).Set(float64(count))
	LastSuccess.WithLabelValues(entry).Set(float64(at.Unix()))
	Stale.WithLabelValues(entry).Set(0)
}

// RecordFetchFailure records a failed fetch classified as kind.
func RecordFetchFailure(entry, kind string, took time.Duration) {
	FetchesTotal.WithLabelValues(entry, kind).Inc()
	FetchDuration.WithLabelValues(entry).Observe(took.Seconds())
	Stale.WithLabelValues(entry).Set(1)
}

// RecordRecording records the result of a record request.
func RecordRecording(entry, result string) {
	RecordingsTotal.WithLabelValues(entry, result).Inc()
}

// ForgetEntry removes the per-entry series of an unloaded entry.
func ForgetEntry(entry string) {
	PublishedEntries.DeleteLabelValues(entry)
	LastSuccess.DeleteLabelValues(entry)
	Stale.DeleteLabelValues(entry)
}
