package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/roach88/seapi/internal/seerr"
)

// errorBody is the JSON form of a failed call.
type errorBody struct {
	Code    seerr.Code `json:"code"`
	Error   string     `json:"error"`
	Message string     `json:"message,omitempty"`
}

// statusOf maps a return code to an HTTP status.
func statusOf(code seerr.Code) int {
	switch code {
	case seerr.ParameterMismatch, seerr.InvalidTime:
		return http.StatusBadRequest
	case seerr.UserNotAuthenticated, seerr.AuthenticationFailed:
		return http.StatusUnauthorized
	case seerr.UserNotAuthorized:
		return http.StatusForbidden
	case seerr.NoTransaction, seerr.TransactionNumberNotFound, seerr.IDNotFound,
		seerr.NoDataAvailable, seerr.NoLogMessage:
		return http.StatusNotFound
	case seerr.SEAPINotInitialized, seerr.TimeNotSet, seerr.SecureElementDisabled,
		seerr.UnexportedStoredData:
		return http.StatusConflict
	case seerr.TooManyRecords, seerr.StartTransactionFailed, seerr.UpdateTransactionFailed,
		seerr.FinishTransactionFailed, seerr.RestoreFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := seerr.CodeOf(err)
	body := errorBody{Code: code, Error: code.String()}
	status := statusOf(code)
	if status < http.StatusInternalServerError {
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
