package ioerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeUppercasesCode(t *testing.T) {
	err := New("eintr", "interrupted")
	ce := Canonicalize(err)
	require.NotNil(t, ce)
	assert.Equal(t, "EINTR", ce.Code)
	assert.True(t, IsTransient(err))
}

func TestCanonicalizeKeepsTimeoutLowercase(t *testing.T) {
	ce := Canonicalize(New("TIMEOUT", "deadline exceeded"))
	assert.Equal(t, "timeout", ce.Code)
	assert.True(t, IsTransient(ce))
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	err := New("econnreset", "reset")
	once := Canonicalize(err)
	twice := Canonicalize(once)
	assert.Equal(t, once.Code, twice.Code)
}

func TestCanonicalizeRecursesOneLevelIntoCause(t *testing.T) {
	cause := New("EHOSTUNREACH", "no route")
	outer := fmt.Errorf("dial failed: %w", cause)
	ce := Canonicalize(outer)
	assert.Equal(t, "EHOSTUNREACH", ce.Code)
}

func TestIsTransientMatchesKnownCodes(t *testing.T) {
	for _, code := range []string{"ENOTCONN", "EHOSTUNREACH", "EHOSTDOWN", "ENETUNREACH",
		"ECONNREFUSED", "ECONNRESET", "ERR_SOCKET_CLOSED", "ERR_SOCKET_DGRAM_NOT_RUNNING"} {
		assert.True(t, IsTransient(New(code, "boom")), "expected %s to be transient", code)
	}
	assert.False(t, IsTransient(New("EPERM_CUSTOM_UNKNOWN", "boom")))
}

func TestIsTransientMessageMatchNestedInCause(t *testing.T) {
	cause := errors.New("NETWORK COMMUNICATION IS UNAVAILABLE while reconnecting")
	outer := fmt.Errorf("outer: %w", cause)
	assert.True(t, IsTransient(outer))
}

func TestIsConnectTransientAddsConnectionFailure(t *testing.T) {
	err := New("connection-failure", "could not complete handshake")
	assert.False(t, IsTransient(err))
	assert.True(t, IsConnectTransient(err))
}

func TestCodedErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	ce := Wrap("EIO", cause)
	assert.Same(t, cause, errors.Unwrap(ce))
}
