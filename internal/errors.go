package internal

import (
	"errors"
	"net/http"
)

// Error taxonomy shared by the drop service and the chat hub. Callers wrap
// these with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrPersistence   = errors.New("persistence error")
)

const (
	KindValidation   = "validation"
	KindQuota        = "quota_exceeded"
	KindNotFound     = "not_found"
	KindUnauthorized = "unauthorized"
	KindPersistence  = "persistence"
	KindInternal     = "internal"
)

// ErrorKind returns the taxonomy kind for err.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	}
	return KindInternal
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeKindError renders err as {"error":{"kind":..,"message":..}}. Internal
// and persistence failures get a fixed message so driver text never leaks.
func writeKindError(w http.ResponseWriter, err error) {
	kind := ErrorKind(err)
	status := http.StatusInternalServerError
	message := err.Error()
	switch kind {
	case KindValidation:
		status = http.StatusBadRequest
		if errors.Is(err, errTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
	case KindQuota:
		status = http.StatusConflict
	case KindNotFound:
		status = http.StatusNotFound
	case KindUnauthorized:
		status = http.StatusUnauthorized
	case KindPersistence:
		message = "storage unavailable"
	default:
		message = http.StatusText(http.StatusInternalServerError)
	}
	writeJSON(w, status, map[string]errorBody{"error": {Kind: kind, Message: message}})
}
