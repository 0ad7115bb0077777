package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kioskworks/locker-core/internal/assign"
	"github.com/kioskworks/locker-core/internal/command"
	"github.com/kioskworks/locker-core/internal/locker"
	"github.com/kioskworks/locker-core/internal/modbus"
	"github.com/kioskworks/locker-core/internal/relay"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeUnprocessable  = "unprocessable"
	ErrCodeBusUnavailable = "bus_unavailable"
	ErrCodeDeviceFault    = "device_fault"
	ErrCodeInternal       = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps domain errors onto HTTP responses.
//
// The mapping keeps the distinction the domain draws: missing resources
// are 404, lost races and held lockers are 409, rule violations are 422,
// a dead bus is 503 and a board-reported fault is 502.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, locker.ErrNotFound), errors.Is(err, command.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())

	case errors.Is(err, locker.ErrVersionConflict),
		errors.Is(err, locker.ErrNotFree),
		errors.Is(err, locker.ErrAlreadyOwnedElsewhere),
		errors.Is(err, locker.ErrNotOwner),
		errors.Is(err, assign.ErrOwnedByOther),
		errors.Is(err, command.ErrNotCancellable):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())

	case errors.Is(err, locker.ErrVIPOnly),
		errors.Is(err, locker.ErrBlocked),
		errors.Is(err, locker.ErrInvalidTransition),
		errors.Is(err, locker.ErrNoFreeLockers),
		errors.Is(err, relay.ErrUnmappedLocker),
		errors.Is(err, relay.ErrUnknownZone):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeUnprocessable, err.Error())

	case errors.Is(err, modbus.ErrDeviceFault):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceFault, err.Error())

	case errors.Is(err, relay.ErrBusUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeBusUnavailable, err.Error())

	default:
		writeInternalError(w, err.Error())
	}
}
