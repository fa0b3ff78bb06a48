package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks err as safe to retry. StatusCode is 0 when the
// failure never reached HTTP.
type TransientError struct {
	Err        error
	StatusCode int
}

// NewTransientError marks err as retryable.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// StatusCoder is implemented by API errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Lower-cased fragments of network failures that reach us only as text,
// after an HTTP client or driver has flattened the original error.
var transientMessages = []string{
	"broken pipe",
	"connection reset by peer",
	"i/o timeout",
	"no such host",
	"server closed idle connection",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"transport connection broken",
}

// IsTransient reports whether retrying err might succeed. An open circuit is
// never transient; it will not close within a retry window.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	switch {
	case errors.As(err, &te), errors.Is(err, ErrCallTimeout):
		return true
	case errors.Is(err, ErrCircuitOpen):
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsTransientHTTPStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientMessages {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether status signals a passing condition
// on the server side. 529 is the model API's overloaded status.
func IsTransientHTTPStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529:
		return true
	}
	return false
}
