package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ParsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_parses_total",
			Help: "Listings parsed, by outcome",
		},
		[]string{"outcome"},
	)

	MissingFieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_missing_fields_total",
			Help: "Fields that failed extraction or validation",
		},
		[]string{"field"},
	)

	ReparseRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_reparse_rows_total",
			Help: "Raw responses visited by reparse, by outcome",
		},
		[]string{"outcome"},
	)

	ReparseFieldUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_reparse_field_updates_total",
			Help: "Field updates planned by reparse",
		},
		[]string{"field"},
	)

	OverrideChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_override_checks_total",
			Help: "Protected field comparisons, by field and result",
		},
		[]string{"field", "result"},
	)

	ScraperRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraperapi_request_duration_seconds",
			Help:    "Scraping API request latency",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "ASIN tasks waiting in the ingest queue",
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ParsesTotal,
			MissingFieldsTotal,
			ReparseRowsTotal,
			ReparseFieldUpdatesTotal,
			OverrideChecksTotal,
			ScraperRequestDuration,
			QueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveParse counts one parse and the fields it left missing.
func ObserveParse(missing []string, err error) {
	switch {
	case err != nil:
		ParsesTotal.WithLabelValues("failed").Inc()
		return
	case len(missing) > 0:
		ParsesTotal.WithLabelValues("partial").Inc()
	default:
		ParsesTotal.WithLabelValues("complete").Inc()
	}
	for _, field := range missing {
		MissingFieldsTotal.WithLabelValues(field).Inc()
	}
}
