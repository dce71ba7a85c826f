package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindConflict, "IDEMPOTENCY_CONFLICT", "key reused with different body")
	wrapped := fmt.Errorf("execute: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", CodeOf(wrapped))
	assert.True(t, IsKind(wrapped, KindConflict))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "INTERNAL", CodeOf(errors.New("boom")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "UPSTREAM_5XX", "tool endpoint 503")))
	assert.False(t, Retryable(New(KindUnauthorized, "TOKEN_EXPIRED", "exp in past")))
	assert.False(t, Retryable(errors.New("unknown")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:   http.StatusBadRequest,
		KindUnauthorized: http.StatusUnauthorized,
		KindConflict:     http.StatusConflict,
		KindDenied:       http.StatusForbidden,
		KindNotFound:     http.StatusNotFound,
		KindTransient:    http.StatusServiceUnavailable,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransient, "DIAL_FAILED", "tool endpoint unreachable", cause)
	assert.ErrorIs(t, err, cause)
}
