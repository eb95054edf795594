// Package httpapi serves the Secure Element over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/seapi/internal/export"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/metrics"
	"github.com/roach88/seapi/internal/seapi"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/transaction"
)

// Service is the part of the SE served over HTTP. Implemented by *seapi.SE.
type Service interface {
	StartTransaction(ctx context.Context, req transaction.StartRequest) (transaction.Result, error)
	UpdateTransaction(ctx context.Context, req transaction.UpdateRequest) (transaction.Result, error)
	FinishTransaction(ctx context.Context, req transaction.FinishRequest) (transaction.Result, error)
	OpenTransactions(clientID string) []uint64
	ExportData(ctx context.Context, q export.Query) (export.Archive, error)
	ExportCertificates(ctx context.Context) ([]byte, error)
	ExportSerialNumbers(ctx context.Context) ([]byte, error)
	LastLogMessage(ctx context.Context) (logmsg.LogMessage, error)
	ReadLogMessage(ctx context.Context) ([]byte, error)
	Status() seapi.Status
}

// Handler serves the HTTP API.
type Handler struct {
	se       Service
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// New creates a Handler. m and g may be nil to serve without metrics.
func New(se Service, logger *slog.Logger, m *metrics.Metrics, g prometheus.Gatherer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{se: se, logger: logger, metrics: m, gatherer: g}
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transactions", h.handleStart)
		r.Get("/transactions", h.handleOpen)
		r.Put("/transactions/{number}", h.handleUpdate)
		r.Post("/transactions/{number}/finish", h.handleFinish)
		r.Get("/export", h.handleExport)
		r.Get("/certificates", h.handleCertificates)
		r.Get("/serial-numbers", h.handleSerialNumbers)
		r.Get("/log/last", h.handleLastLog)
		r.Get("/status", h.handleStatus)
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// observe logs each request and records its latency by route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if h.metrics != nil {
			h.metrics.ObserveRequest(route, r.Method, status, start)
		}
		h.logger.Debug("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
		)
	})
}

type startBody struct {
	ClientID               string `json:"client_id"`
	ProcessType            string `json:"process_type"`
	ProcessData            []byte `json:"process_data"`
	AdditionalExternalData []byte `json:"additional_external_data,omitempty"`
}

type updateBody struct {
	ClientID    string `json:"client_id"`
	ProcessType string `json:"process_type"`
	ProcessData []byte `json:"process_data"`
	Unsigned    bool   `json:"unsigned,omitempty"`
}

type finishBody struct {
	ClientID               string `json:"client_id"`
	ProcessType            string `json:"process_type"`
	ProcessData            []byte `json:"process_data"`
	AdditionalExternalData []byte `json:"additional_external_data,omitempty"`
}

type resultBody struct {
	TransactionNumber  uint64    `json:"transaction_number"`
	SignatureCounter   uint64    `json:"signature_counter"`
	LogTime            time.Time `json:"log_time"`
	SerialNumber       string    `json:"serial_number,omitempty"`
	Signature          []byte    `json:"signature,omitempty"`
	CertificateExpired bool      `json:"certificate_expired,omitempty"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.se.StartTransaction(r.Context(), transaction.StartRequest{
		ClientID:               body.ClientID,
		ProcessType:            body.ProcessType,
		ProcessData:            body.ProcessData,
		AdditionalExternalData: body.AdditionalExternalData,
	})
	h.writeResult(w, http.StatusCreated, res, err)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	number, ok := transactionNumber(w, r)
	if !ok {
		return
	}
	var body updateBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.se.UpdateTransaction(r.Context(), transaction.UpdateRequest{
		ClientID:          body.ClientID,
		TransactionNumber: number,
		ProcessType:       body.ProcessType,
		ProcessData:       body.ProcessData,
		Unsigned:          body.Unsigned,
	})
	h.writeResult(w, http.StatusOK, res, err)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	number, ok := transactionNumber(w, r)
	if !ok {
		return
	}
	var body finishBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.se.FinishTransaction(r.Context(), transaction.FinishRequest{
		ClientID:               body.ClientID,
		TransactionNumber:      number,
		ProcessType:            body.ProcessType,
		ProcessData:            body.ProcessData,
		AdditionalExternalData: body.AdditionalExternalData,
	})
	h.writeResult(w, http.StatusOK, res, err)
}

// writeResult writes a committed transition. An expired certificate still
// commits, so it is reported inside a success response.
func (h *Handler) writeResult(w http.ResponseWriter, status int, res transaction.Result, err error) {
	expired := seerr.Is(err, seerr.CertificateExpired)
	if err != nil && !expired {
		h.logger.Warn("transaction call failed", "error", err)
		writeError(w, err)
		return
	}
	body := resultBody{
		TransactionNumber:  res.TransactionNumber,
		SignatureCounter:   res.SignatureCounter,
		LogTime:            res.LogTime,
		Signature:          res.SignatureValue,
		CertificateExpired: expired,
	}
	if len(res.SerialNumber) > 0 {
		body.SerialNumber = logmsg.SerialHex(res.SerialNumber)
	}
	writeJSON(w, status, body)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	numbers := h.se.OpenTransactions(r.URL.Query().Get("client_id"))
	if numbers == nil {
		numbers = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": numbers})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, seerr.Wrap("exportData", seerr.ParameterMismatch, err))
		return
	}
	archive, err := h.se.ExportData(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Archive-Id", archive.ID)
	w.Header().Set("X-Records", strconv.Itoa(archive.Records))
	writeBlob(w, "application/x-tar", "export-"+archive.ID+".tar", archive.Data)
}

func (h *Handler) handleCertificates(w http.ResponseWriter, r *http.Request) {
	data, err := h.se.ExportCertificates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeBlob(w, "application/x-tar", "certificates.tar", data)
}

func (h *Handler) handleSerialNumbers(w http.ResponseWriter, r *http.Request) {
	der, err := h.se.ExportSerialNumbers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeBlob(w, "application/octet-stream", "serial-numbers.der", der)
}

type logBody struct {
	SignatureCounter   uint64    `json:"signature_counter"`
	Kind               string    `json:"kind"`
	Filename           string    `json:"filename"`
	LogTime            time.Time `json:"log_time"`
	SerialNumber       string    `json:"serial_number,omitempty"`
	CertificateExpired bool      `json:"certificate_expired,omitempty"`
	DER                []byte    `json:"der"`
}

// handleLastLog serves the last log message as JSON, or as raw DER when the
// client asks for application/octet-stream.
func (h *Handler) handleLastLog(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/octet-stream" {
		der, err := h.se.ReadLogMessage(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeBlob(w, "application/octet-stream", "", der)
		return
	}
	msg, err := h.se.LastLogMessage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	der, err := msg.Marshal()
	if err != nil {
		writeError(w, seerr.Wrap("readLogMessage", seerr.ReadingLogMessage, err))
		return
	}
	body := logBody{
		SignatureCounter:   msg.SignatureCounter,
		Kind:               msg.Kind().String(),
		Filename:           msg.Filename(),
		LogTime:            msg.LogTime,
		CertificateExpired: msg.CertificateExpired,
		DER:                der,
	}
	if len(msg.SerialNumber) > 0 {
		body.SerialNumber = logmsg.SerialHex(msg.SerialNumber)
	}
	writeJSON(w, http.StatusOK, body)
}

type statusBody struct {
	Lifecycle        string `json:"lifecycle"`
	TimeSet          bool   `json:"time_set"`
	TimeSyncVariant  string `json:"time_sync_variant"`
	UpdateVariant    string `json:"update_variant"`
	SignatureCounter uint64 `json:"signature_counter"`
	OpenTransactions int    `json:"open_transactions"`
	MaxTransactions  int    `json:"max_transactions"`
	Clients          int    `json:"clients"`
	MaxClients       int    `json:"max_clients"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.se.Status()
	writeJSON(w, http.StatusOK, statusBody{
		Lifecycle:        string(st.Lifecycle),
		TimeSet:          st.TimeSet,
		TimeSyncVariant:  st.SyncVariant.String(),
		UpdateVariant:    st.UpdateVariant.String(),
		SignatureCounter: st.SignatureCounter,
		OpenTransactions: st.OpenTransactions,
		MaxTransactions:  st.MaxTransactions,
		Clients:          st.Clients,
		MaxClients:       st.MaxClients,
	})
}

// parseQuery reads the export filter from the URL query.
// A missing scope means a global export.
func parseQuery(r *http.Request) (export.Query, error) {
	v := r.URL.Query()
	var q export.Query
	var err error

	if s := v.Get("scope"); s != "" {
		if q.Scope, err = export.ParseScope(s); err != nil {
			return q, err
		}
	}
	q.ClientID = v.Get("client_id")
	for name, dst := range map[string]*uint64{
		"transaction": &q.TransactionNumber,
		"start":       &q.StartTransactionNumber,
		"end":         &q.EndTransactionNumber,
	} {
		if s := v.Get(name); s != "" {
			if *dst, err = strconv.ParseUint(s, 10, 64); err != nil {
				return q, fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	for name, dst := range map[string]**time.Time{
		"start_date": &q.StartDate,
		"end_date":   &q.EndDate,
	} {
		if s := v.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, fmt.Errorf("%s: %w", name, err)
			}
			*dst = &t
		}
	}
	if s := v.Get("max_records"); s != "" {
		if q.MaxRecords, err = strconv.ParseInt(s, 10, 64); err != nil {
			return q, fmt.Errorf("max_records: %w", err)
		}
	}
	return q, nil
}

func transactionNumber(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 64)
	if err != nil || n == 0 {
		writeError(w, seerr.Wrap("transaction", seerr.ParameterMismatch, errors.New("invalid transaction number")))
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, seerr.Wrap("decode", seerr.ParameterMismatch, fmt.Errorf("invalid request body: %w", err)))
		return false
	}
	return true
}

func writeBlob(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("http api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
