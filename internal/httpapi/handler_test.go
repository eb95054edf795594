package httpapi

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/seapi/internal/auth"
	"github.com/roach88/seapi/internal/export"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/metrics"
	"github.com/roach88/seapi/internal/seapi"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
	"github.com/roach88/seapi/internal/testutil"
	"github.com/roach88/seapi/internal/transaction"
)

type server struct {
	se       *seapi.SE
	registry *prometheus.Registry
	handler  http.Handler
}

// newServer serves an SE; ready initializes it and sets the time.
func newServer(t *testing.T, ready bool) *server {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "se.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sgn, err := signer.NewSoftware(testutil.Epoch, 24*time.Hour)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	se, err := seapi.New(ctx, st, sgn, testutil.NewWallClock(), seapi.Settings{
		MaxClients:      2,
		MaxTransactions: 4,
		UpdateVariant:   transaction.SignedAndUnsignedUpdate,
		BcryptCost:      bcrypt.MinCost,
		Users:           []auth.UserSpec{{ID: "admin", Role: auth.RoleAdmin, PIN: "12345", PUK: "123456"}},
	}, seapi.WithLogger(logger), seapi.WithObserver(m), seapi.WithIDGenerator(testutil.NewFixedIDGenerator()))
	require.NoError(t, err)
	m.Track(se)

	if ready {
		_, err = se.AuthenticateUser(ctx, "admin", "12345")
		require.NoError(t, err)
		require.NoError(t, se.InitializeWithDescription(ctx, "admin", "till 1"))
		require.NoError(t, se.UpdateTime(ctx, "admin", testutil.Epoch))
	}
	return &server{se: se, registry: reg, handler: New(se, logger, m, reg).Routes()}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertCode(t *testing.T, w *httptest.ResponseRecorder, status int, code seerr.Code) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	e := decodeBody[errorBody](t, w)
	assert.Equal(t, code, e.Code)
	assert.Equal(t, code.String(), e.Error)
}

func TestTransactionLifecycle(t *testing.T) {
	s := newServer(t, true)

	w := s.do(t, http.MethodPost, "/v1/transactions", startBody{
		ClientID: "pos1", ProcessType: "Kassenbeleg-V1", ProcessData: []byte("Beleg^1.00"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decodeBody[resultBody](t, w)
	assert.Equal(t, uint64(1), started.TransactionNumber)
	assert.NotEmpty(t, started.SerialNumber)
	assert.NotEmpty(t, started.Signature)

	w = s.do(t, http.MethodGet, "/v1/transactions?client_id=pos1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"transactions":[1]}`, w.Body.String())

	w = s.do(t, http.MethodPut, "/v1/transactions/1", updateBody{ClientID: "pos1", ProcessType: "Kassenbeleg-V1", Unsigned: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeBody[resultBody](t, w)
	assert.Empty(t, updated.Signature)
	assert.Equal(t, started.SignatureCounter+1, updated.SignatureCounter)

	w = s.do(t, http.MethodPost, "/v1/transactions/1/finish", finishBody{ClientID: "pos1", ProcessType: "Kassenbeleg-V1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/transactions", nil)
	assert.JSONEq(t, `{"transactions":[]}`, w.Body.String())
}

func TestErrors(t *testing.T) {
	s := newServer(t, true)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   seerr.Code
	}{
		{"bad number", http.MethodPut, "/v1/transactions/abc", updateBody{ClientID: "pos1"}, http.StatusBadRequest, seerr.ParameterMismatch},
		{"zero number", http.MethodPost, "/v1/transactions/0/finish", finishBody{ClientID: "pos1"}, http.StatusBadRequest, seerr.ParameterMismatch},
		{"malformed body", http.MethodPost, "/v1/transactions", "{", http.StatusBadRequest, seerr.ParameterMismatch},
		{"unknown field", http.MethodPost, "/v1/transactions", `{"client":"pos1"}`, http.StatusBadRequest, seerr.ParameterMismatch},
		{"missing client", http.MethodPost, "/v1/transactions", startBody{ProcessType: "x"}, http.StatusUnprocessableEntity, seerr.StartTransactionFailed},
		{"unknown transaction", http.MethodPost, "/v1/transactions/99/finish", finishBody{ClientID: "pos1"}, http.StatusNotFound, seerr.NoTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertCode(t, s.do(t, tt.method, tt.path, tt.body), tt.status, tt.code)
		})
	}
}

func TestPreconditionsMapToConflict(t *testing.T) {
	s := newServer(t, false)
	w := s.do(t, http.MethodPost, "/v1/transactions", startBody{ClientID: "pos1", ProcessType: "x"})
	assertCode(t, w, http.StatusConflict, seerr.SEAPINotInitialized)

	w = s.do(t, http.MethodGet, "/v1/log/last", nil)
	assertCode(t, w, http.StatusConflict, seerr.SEAPINotInitialized)
	w = s.do(t, http.MethodGet, "/v1/export?scope=all", nil)
	assertCode(t, w, http.StatusConflict, seerr.SEAPINotInitialized)
}

func TestExport(t *testing.T) {
	s := newServer(t, true)
	w := s.do(t, http.MethodPost, "/v1/transactions", startBody{ClientID: "pos1", ProcessType: "x"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/v1/export?scope=transaction&transaction=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/x-tar", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Archive-Id"))

	var names []string
	tr := tar.NewReader(bytes.NewReader(w.Body.Bytes()))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, export.ManifestName)

	assertCode(t, s.do(t, http.MethodGet, "/v1/export?scope=bogus", nil), http.StatusBadRequest, seerr.ParameterMismatch)
	assertCode(t, s.do(t, http.MethodGet, "/v1/export?scope=transaction", nil), http.StatusBadRequest, seerr.ParameterMismatch)
	assertCode(t, s.do(t, http.MethodGet, "/v1/export?scope=transaction&transaction=42", nil), http.StatusNotFound, seerr.TransactionNumberNotFound)
	assertCode(t, s.do(t, http.MethodGet, "/v1/export?max_records=1", nil), http.StatusUnprocessableEntity, seerr.TooManyRecords)
	assertCode(t, s.do(t, http.MethodGet, "/v1/export?scope=periodOfTime&start_date=yesterday", nil), http.StatusBadRequest, seerr.ParameterMismatch)

	w = s.do(t, http.MethodGet, "/v1/export?scope=periodOfTime&start_date=2023-11-14T00:00:00Z&end_date=2023-11-15T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCertificatesAndSerialNumbers(t *testing.T) {
	s := newServer(t, true)

	w := s.do(t, http.MethodGet, "/v1/certificates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "certificates.tar")

	w = s.do(t, http.MethodGet, "/v1/serial-numbers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records, err := export.DecodeSerialNumbers(w.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, records, len(signer.Purposes))
}

func TestLastLog(t *testing.T) {
	s := newServer(t, true)

	w := s.do(t, http.MethodGet, "/v1/log/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[logBody](t, w)
	assert.Equal(t, "system", body.Kind)
	assert.Equal(t, s.se.SignatureCounter(), body.SignatureCounter)
	msg, err := logmsg.Unmarshal(body.DER)
	require.NoError(t, err)
	assert.Equal(t, body.SignatureCounter, msg.SignatureCounter)

	req := httptest.NewRequest(http.MethodGet, "/v1/log/last", nil)
	req.Header.Set("Accept", "application/octet-stream")
	raw := httptest.NewRecorder()
	s.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusOK, raw.Code)
	assert.Equal(t, body.DER, raw.Body.Bytes())
}

func TestStatus(t *testing.T) {
	s := newServer(t, true)
	w := s.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[statusBody](t, w)
	assert.Equal(t, "initialized", st.Lifecycle)
	assert.True(t, st.TimeSet)
	assert.Equal(t, "unixTime", st.TimeSyncVariant)
	assert.Equal(t, "signedAndUnsignedUpdate", st.UpdateVariant)
	assert.Equal(t, 4, st.MaxTransactions)
	assert.Equal(t, 2, st.MaxClients)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, true)
	s.do(t, http.MethodPost, "/v1/transactions", startBody{ClientID: "pos1", ProcessType: "x"})

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	text := w.Body.String()
	assert.Contains(t, text, "seapi_log_messages_total")
	assert.Contains(t, text, "seapi_auth_attempts_total")
	assert.Contains(t, text, "seapi_open_transactions 1")
	assert.Contains(t, text, `seapi_http_request_duration_seconds_count{method="POST",route="/v1/transactions",status="201"} 1`)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusOf(seerr.UserNotAuthorized))
	assert.Equal(t, http.StatusConflict, statusOf(seerr.SecureElementDisabled))
	assert.Equal(t, http.StatusInternalServerError, statusOf(seerr.StorageFailure))
}
