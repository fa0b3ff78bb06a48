package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("anthropic: status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("source index busy"), 503), true},
		{"explicit wrapped", eris.Wrap(NewTransientError(errors.New("rate limited"), 429), "extract: call model"), true},
		{"call timeout", ErrCallTimeout, true},
		{"call timeout wrapped", fmt.Errorf("reasoning: synthesize: %w", ErrCallTimeout), true},
		{"circuit open", ErrCircuitOpen, false},
		{"rate limited", statusErr(429), true},
		{"overloaded", statusErr(529), true},
		{"bad gateway", statusErr(502), true},
		{"bad request", statusErr(400), false},
		{"unauthorized", statusErr(401), false},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"flattened i/o timeout", errors.New("read tcp 10.0.0.4:5432: i/o timeout"), true},
		{"flattened tls", errors.New("net/http: TLS handshake timeout"), true},
		{"invalid output", errors.New("extract: model returned no facts array"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientError(t *testing.T) {
	root := errors.New("upstream closed stream")
	te := NewTransientError(root, 500)

	assert.ErrorIs(t, te, root)
	assert.Equal(t, "upstream closed stream", te.Error())
	assert.Equal(t, 500, te.StatusCode)
}
