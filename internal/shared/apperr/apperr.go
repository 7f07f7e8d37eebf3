package apperr

import (
	"errors"
	"net/http"
)

// Error taxonomy shared by both services. Callers wrap these with
// fmt.Errorf("...: %w", ...) and the HTTP edge maps them with HTTPStatus.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrDeadlineExpired    = errors.New("event deadline expired")
	ErrGatewayUnavailable = errors.New("upstream unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDecode             = errors.New("malformed message")
	ErrInternal           = errors.New("internal error")

	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPStatus returns the response code for err. Unclassified errors are 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrDeadlineExpired):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure came from a transport rather than
// from a business rule.
func Retryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrStorageUnavailable)
}
