package utils

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jstittsworth/wagering-core/internal/apperr"
)

// AppError is the wire shape of an error response, adapted from the
// teacher's pkg/utils/errors.go AppError.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewAppError(code, message string, details ...string) *AppError {
	err := &AppError{Code: code, Message: message}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes, one per apperr.Kind plus the generic transport-layer ones.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeUnavailable          = "UNAVAILABLE"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeQueueFull            = "QUEUE_FULL"
	ErrCodeInsufficientData     = "INSUFFICIENT_DATA"
	ErrCodeNumericalInstability = "NUMERICAL_INSTABILITY"
	ErrCodeInvalidOdds          = "INVALID_ODDS"
	ErrCodeInvalidProbability   = "INVALID_PROBABILITY"
)

// kindTable maps apperr.Kind to the HTTP status and wire code the API
// layer surfaces, per spec.md 6/7.
var kindTable = map[apperr.Kind]struct {
	code   string
	status int
}{
	apperr.KindInvalidOdds:        {ErrCodeInvalidOdds, http.StatusBadRequest},
	apperr.KindInvalidProbability: {ErrCodeInvalidProbability, http.StatusBadRequest},
	apperr.KindInvalidInput:       {ErrCodeValidation, http.StatusBadRequest},
	apperr.KindNotFound:           {ErrCodeNotFound, http.StatusNotFound},
	apperr.KindConflict:           {ErrCodeConflict, http.StatusConflict},
	apperr.KindUnavailable:        {ErrCodeUnavailable, http.StatusServiceUnavailable},
	apperr.KindTimeout:            {ErrCodeTimeout, http.StatusGatewayTimeout},
	apperr.KindCancelled:          {ErrCodeCancelled, http.StatusGatewayTimeout},
	apperr.KindQueueFull:          {ErrCodeQueueFull, http.StatusTooManyRequests},
	apperr.KindInsufficientData:   {ErrCodeInsufficientData, http.StatusUnprocessableEntity},
	apperr.KindNumericalInstab:    {ErrCodeNumericalInstability, http.StatusUnprocessableEntity},
	apperr.KindInternal:           {ErrCodeInternal, http.StatusInternalServerError},
}

// FromAppErr translates a core error into the wire AppError and the HTTP
// status the handler should respond with. Unrecognized errors degrade to a
// 500 with a generic internal code, never leaking internals to the caller.
func FromAppErr(err error) (*AppError, int) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if entry, ok := kindTable[ae.Kind]; ok {
			return NewAppError(entry.code, ae.Message), entry.status
		}
	}
	return NewAppError(ErrCodeInternal, "internal error"), http.StatusInternalServerError
}
