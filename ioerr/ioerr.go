// Package ioerr canonicalizes the I/O errors surfaced by the UDP transport,
// the handshake, and device replies into a single symbolic vocabulary so the
// call engine and network manager can decide, in one place, whether a
// failure is worth retrying.
package ioerr

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// transientMessage is matched case-insensitively against an error's own
// text and the text of every error it wraps.
const transientMessage = "network communication is unavailable"

// transientCodes is the fixed set from which isTransient draws its verdict.
// "timeout" is the only code kept lowercase; every other symbol is
// canonical uppercase.
var transientCodes = map[string]struct{}{
	"timeout":                      {},
	"ENOTCONN":                     {},
	"EHOSTUNREACH":                 {},
	"EHOSTDOWN":                    {},
	"ENETUNREACH":                  {},
	"ENETDOWN":                     {},
	"ENETRESET":                    {},
	"EAGAIN":                       {},
	"EINTR":                        {},
	"EALREADY":                     {},
	"EINPROGRESS":                  {},
	"EWOULDBLOCK":                  {},
	"ENOBUFS":                      {},
	"EADDRNOTAVAIL":                {},
	"ECONNREFUSED":                 {},
	"ECONNRESET":                   {},
	"ECONNABORTED":                 {},
	"EPIPE":                        {},
	"EBADF":                        {},
	"EIO":                          {},
	"ECANCELED":                    {},
	"ETIMEDOUT":                    {},
	"EAI_AGAIN":                    {},
	"EAI_FAIL":                     {},
	"EAI_SYSTEM":                   {},
	"EAI_NONAME":                   {},
	"EAI_NODATA":                   {},
	"ENOTFOUND":                    {},
	"ERR_SOCKET_DGRAM_NOT_RUNNING": {},
	"ERR_SOCKET_CLOSED":            {},
}

// connectFailureCode is the one code the connect-level classifier treats as
// transient on top of transientCodes: a failed initial handshake attempt is
// worth retrying.
const connectFailureCode = "connection-failure"

// CodedError is the canonical error shape: a symbolic Code plus a
// human-readable Message and, optionally, the error it was derived from.
// It plays the role of the duck-typed {code, errno, cause} object the
// protocol's original JavaScript implementation relies on.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Code
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New builds a CodedError with the given symbolic code.
func New(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap builds a CodedError around cause, carrying cause's message forward
// as its Message.
func Wrap(code string, cause error) *CodedError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Canonicalize normalizes err into a *CodedError with a stable, uppercase
// symbolic Code (except the lowercase "timeout" sentinel). It is
// idempotent: Canonicalize(Canonicalize(err)) yields an equal Code.
//
// Resolution order mirrors the handshake/socket/device-reply surfaces this
// library sees errors from:
//  1. an existing *CodedError's Code is re-cased and returned as-is,
//  2. a *net.OpError that timed out becomes "timeout",
//  3. a wrapped syscall.Errno is translated through the OS errno table,
//  4. failing those, one level of Unwrap is inspected for a Code to copy
//     back onto a fresh CodedError wrapping the original err.
func Canonicalize(err error) *CodedError {
	if err == nil {
		return nil
	}

	if ce, ok := err.(*CodedError); ok {
		return &CodedError{Code: canonicalCase(ce.Code), Message: ce.Message, Cause: ce.Cause}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CodedError{Code: "timeout", Message: err.Error(), Cause: err}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if code := errnoCode(errno); code != "" {
			return &CodedError{Code: canonicalCase(code), Message: err.Error(), Cause: err}
		}
	}

	var pathErr *os.SyscallError
	if errors.As(err, &pathErr) {
		if n, ok := pathErr.Err.(syscall.Errno); ok {
			if code := errnoCode(n); code != "" {
				return &CodedError{Code: canonicalCase(code), Message: err.Error(), Cause: err}
			}
		}
	}

	// Recurse exactly one level into the cause, copying its code back onto
	// an error wrapping the original, outer err.
	if cause := errors.Unwrap(err); cause != nil {
		if ce, ok := cause.(*CodedError); ok && ce.Code != "" {
			return &CodedError{Code: canonicalCase(ce.Code), Message: err.Error(), Cause: err}
		}
	}

	return &CodedError{Message: err.Error(), Cause: err}
}

// canonicalCase uppercases code unless it is the "timeout" sentinel, which
// is always kept lowercase.
func canonicalCase(code string) string {
	if code == "" {
		return code
	}
	if strings.EqualFold(code, "timeout") {
		return "timeout"
	}
	return strings.ToUpper(code)
}

// IsTransient canonicalizes err and reports whether it is worth retrying:
// either its code is one of the fixed transient symbols, or its message
// (or any wrapped cause's message) contains the "Network communication is
// unavailable" phrase, case-insensitively.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	ce := Canonicalize(err)
	if _, ok := transientCodes[ce.Code]; ok {
		return true
	}
	return messageChainContains(err, transientMessage)
}

// IsConnectTransient is the connect-level classifier: IsTransient plus the
// connection-failure sentinel raised when the very first handshake attempt
// cannot be completed.
func IsConnectTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsTransient(err) {
		return true
	}
	ce := Canonicalize(err)
	return strings.EqualFold(ce.Code, connectFailureCode)
}

func messageChainContains(err error, needle string) bool {
	needle = strings.ToLower(needle)
	for err != nil {
		if strings.Contains(strings.ToLower(err.Error()), needle) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// errnoCode translates a raw OS error number into the symbolic name used
// throughout this package, mirroring libuv's uv_err_name table for the
// codes this protocol cares about.
func errnoCode(errno syscall.Errno) string {
	switch errno {
	case syscall.ENOTCONN:
		return "ENOTCONN"
	case syscall.EHOSTUNREACH:
		return "EHOSTUNREACH"
	case syscall.EHOSTDOWN:
		return "EHOSTDOWN"
	case syscall.ENETUNREACH:
		return "ENETUNREACH"
	case syscall.ENETDOWN:
		return "ENETDOWN"
	case syscall.ENETRESET:
		return "ENETRESET"
	case syscall.EAGAIN:
		return "EAGAIN"
	case syscall.EINTR:
		return "EINTR"
	case syscall.EALREADY:
		return "EALREADY"
	case syscall.EINPROGRESS:
		return "EINPROGRESS"
	case syscall.ENOBUFS:
		return "ENOBUFS"
	case syscall.EADDRNOTAVAIL:
		return "EADDRNOTAVAIL"
	case syscall.ECONNREFUSED:
		return "ECONNREFUSED"
	case syscall.ECONNRESET:
		return "ECONNRESET"
	case syscall.ECONNABORTED:
		return "ECONNABORTED"
	case syscall.EPIPE:
		return "EPIPE"
	case syscall.EBADF:
		return "EBADF"
	case syscall.EIO:
		return "EIO"
	case syscall.ECANCELED:
		return "ECANCELED"
	case syscall.ETIMEDOUT:
		return "ETIMEDOUT"
	default:
		return strconv.Itoa(int(errno))
	}
}
