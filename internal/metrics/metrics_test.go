package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seapi"
	"github.com/roach88/seapi/internal/seerr"
)

var _ seapi.Observer = (*Metrics)(nil)

type sample struct {
	value float64
	count uint64
}

// gather returns the sample of the named metric whose labels include want.
func gather(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) (sample, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return sample{value: m.GetCounter().GetValue()}, true
			case m.GetGauge() != nil:
				return sample{value: m.GetGauge().GetValue()}, true
			case m.GetHistogram() != nil:
				return sample{count: m.GetHistogram().GetSampleCount()}, true
			}
		}
	}
	return sample{}, false
}

func TestCommitMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Committed(logmsg.TransactionLog, false)
	m.Committed(logmsg.TransactionLog, false)
	m.Committed(logmsg.SystemLog, true)
	m.CommitFailed(logmsg.AuditLog, seerr.StorageFailure)

	s, ok := gather(t, reg, "seapi_log_messages_total", map[string]string{
		"kind": logmsg.TransactionLog.String(), "certificate_expired": "false",
	})
	require.True(t, ok)
	assert.Equal(t, 2.0, s.value)

	s, ok = gather(t, reg, "seapi_log_messages_total", map[string]string{"certificate_expired": "true"})
	require.True(t, ok)
	assert.Equal(t, 1.0, s.value)

	s, ok = gather(t, reg, "seapi_commit_failures_total", map[string]string{"code": "ERROR_STORAGE_FAILURE"})
	require.True(t, ok)
	assert.Equal(t, 1.0, s.value)
}

func TestAuthAndExportMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AuthAttempt("authenticate", "failed")
	m.AuthAttempt("authenticate", "failed")
	m.AuthAttempt("authenticate", "ok")
	m.Exported("all", 12, seerr.ExecutionOK)
	m.Exported("all", 3, seerr.ExecutionOK)
	m.Exported("transaction", 0, seerr.NoDataAvailable)

	s, ok := gather(t, reg, "seapi_auth_attempts_total", map[string]string{"result": "failed"})
	require.True(t, ok)
	assert.Equal(t, 2.0, s.value)

	s, ok = gather(t, reg, "seapi_exports_total", map[string]string{"scope": "all", "code": "EXECUTION_OK"})
	require.True(t, ok)
	assert.Equal(t, 2.0, s.value)

	s, ok = gather(t, reg, "seapi_exported_records_total", map[string]string{"scope": "all"})
	require.True(t, ok)
	assert.Equal(t, 15.0, s.value)

	_, ok = gather(t, reg, "seapi_exported_records_total", map[string]string{"scope": "transaction"})
	assert.False(t, ok, "failed exports add no records")
}

type fakeSource struct {
	transactions, clients int
	counter              uint64
}

func (f *fakeSource) Status() seapi.Status {
	return seapi.Status{OpenTransactions: f.transactions, Clients: f.clients, SignatureCounter: f.counter}
}

func TestTrack_ReadsSourceOnScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	src := &fakeSource{transactions: 2, clients: 1, counter: 40}
	m.Track(src)

	s, ok := gather(t, reg, "seapi_open_transactions", nil)
	require.True(t, ok)
	assert.Equal(t, 2.0, s.value)

	src.transactions = 5
	src.counter = 41
	s, _ = gather(t, reg, "seapi_open_transactions", nil)
	assert.Equal(t, 5.0, s.value)
	s, _ = gather(t, reg, "seapi_signature_counter", nil)
	assert.Equal(t, 41.0, s.value)
	s, _ = gather(t, reg, "seapi_clients", nil)
	assert.Equal(t, 1.0, s.value)
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveRequest("/v1/transactions", "POST", 201, time.Now())

	s, ok := gather(t, reg, "seapi_http_request_duration_seconds", map[string]string{"status": "201"})
	require.True(t, ok)
	assert.Equal(t, uint64(1), s.count)
}
