// Package metrics exposes Prometheus metrics for the Secure Element.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seapi"
	"github.com/roach88/seapi/internal/seerr"
)

// Metrics counts commits, authentication attempts, exports and HTTP requests.
// It implements the observer interfaces of the sequencer, auth and export
// packages.
type Metrics struct {
	LogMessages     *prometheus.CounterVec
	CommitFailures  *prometheus.CounterVec
	AuthAttempts    *prometheus.CounterVec
	Exports         *prometheus.CounterVec
	ExportedRecords *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

// Source reports the live device counters. Implemented by *seapi.SE.
type Source interface {
	Status() seapi.Status
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LogMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seapi_log_messages_total",
			Help: "Log messages committed, by kind and certificate state",
		}, []string{"kind", "certificate_expired"}),
		CommitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seapi_commit_failures_total",
			Help: "Log message commits that stored nothing, by kind and return code",
		}, []string{"kind", "code"}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seapi_auth_attempts_total",
			Help: "Authentication, logout and unblock attempts by result",
		}, []string{"operation", "result"}),
		Exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seapi_exports_total",
			Help: "Export operations by scope and return code",
		}, []string{"scope", "code"}),
		ExportedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seapi_exported_records_total",
			Help: "Log files written to export archives",
		}, []string{"scope"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seapi_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "method", "status"}),
		reg: reg,
	}
}

// Track registers gauges that read src on every scrape.
func (m *Metrics) Track(src Source) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seapi_open_transactions",
		Help: "Currently open transactions",
	}, func() float64 { return float64(src.Status().OpenTransactions) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seapi_clients",
		Help: "Clients with at least one open transaction",
	}, func() float64 { return float64(src.Status().Clients) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seapi_signature_counter",
		Help: "Last committed signature counter",
	}, func() float64 { return float64(src.Status().SignatureCounter) })
}

// Committed records a stored log message.
func (m *Metrics) Committed(kind logmsg.Kind, certificateExpired bool) {
	m.LogMessages.WithLabelValues(kind.String(), strconv.FormatBool(certificateExpired)).Inc()
}

// CommitFailed records a commit that stored nothing.
func (m *Metrics) CommitFailed(kind logmsg.Kind, code seerr.Code) {
	m.CommitFailures.WithLabelValues(kind.String(), code.String()).Inc()
}

// AuthAttempt records one authentication service call.
func (m *Metrics) AuthAttempt(operation, result string) {
	m.AuthAttempts.WithLabelValues(operation, result).Inc()
}

// Exported records a finished export.
func (m *Metrics) Exported(scope string, records int, code seerr.Code) {
	m.Exports.WithLabelValues(scope, code.String()).Inc()
	if records > 0 {
		m.ExportedRecords.WithLabelValues(scope).Add(float64(records))
	}
}

// ObserveRequest records the duration of an HTTP request.
// Call with time.Now() at the start of the request.
func (m *Metrics) ObserveRequest(route, method string, status int, start time.Time) {
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}
