// Package errs defines the error classification used across couchgo.
//
// Every error the core surfaces to a caller carries a Class bitmask so
// retry policy can be decided without switching on error codes.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class is a tag set over an error code, mirroring the classification
// bits described for the client core: INPUT, NETWORK, FATAL, TRANSIENT,
// DATAOP, INTERNAL, PLUGIN, SRVGEN.
type Class uint16

const (
	ClassInput Class = 1 << iota
	ClassNetwork
	ClassFatal
	ClassTransient
	ClassDataOp
	ClassInternal
	ClassPlugin
	ClassSrvGen
)

func (c Class) Has(bit Class) bool { return c&bit != 0 }

func (c Class) String() string {
	names := []struct {
		bit  Class
		name string
	}{
		{ClassInput, "INPUT"},
		{ClassNetwork, "NETWORK"},
		{ClassFatal, "FATAL"},
		{ClassTransient, "TRANSIENT"},
		{ClassDataOp, "DATAOP"},
		{ClassInternal, "INTERNAL"},
		{ClassPlugin, "PLUGIN"},
		{ClassSrvGen, "SRVGEN"},
	}
	s := ""
	for _, n := range names {
		if c.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// OpError is the error type returned to callers for both scheduling
// failures (returned synchronously from submit) and operation results
// delivered through a callback/future.
type OpError struct {
	Code  string
	Class Class
	msg   string
	cause error
}

func (e *OpError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Class, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Class, e.msg)
}

func (e *OpError) Unwrap() error { return e.cause }

// Is allows errors.Is(err, ErrTimeout) style matching by Code equality.
func (e *OpError) Is(target error) bool {
	other, ok := target.(*OpError)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

func newErr(code string, class Class, msg string) *OpError {
	return &OpError{Code: code, Class: class, msg: msg}
}

// Wrap attaches a causing error to an OpError sentinel, preserving the
// sentinel's code/class while keeping the underlying stack trace via
// github.com/pkg/errors.
func Wrap(sentinel *OpError, cause error) *OpError {
	return &OpError{
		Code:  sentinel.Code,
		Class: sentinel.Class,
		msg:   sentinel.msg,
		cause: errors.WithStack(cause),
	}
}

// Sentinel error values. Names follow the wire/library terms from the
// surveyed protocol (ETIMEDOUT, NOT_MY_VBUCKET, ...) rather than
// invented ones.
var (
	ErrTimeout = newErr("ETIMEDOUT", ClassTransient|ClassNetwork,
		"operation timed out before a response arrived")

	ErrNetwork = newErr("NETWORK_ERROR", ClassNetwork|ClassTransient,
		"connection failed or was closed")

	ErrNotMyVBucket = newErr("NOT_MY_VBUCKET", ClassSrvGen|ClassTransient,
		"server does not own this vbucket")

	ErrProtocol = newErr("PROTOCOL_ERROR", ClassFatal|ClassInternal,
		"malformed frame on the wire")

	ErrAuth = newErr("AUTH_ERROR", ClassFatal|ClassInput,
		"authentication failed")

	ErrBucketNotFound = newErr("BUCKET_ENOENT", ClassFatal|ClassInput,
		"bucket does not exist")

	ErrBootstrap = newErr("BOOTSTRAP_ERROR", ClassFatal|ClassNetwork,
		"unable to acquire an initial cluster topology")

	ErrShutdown = newErr("SHUTDOWN", ClassInternal,
		"client handle is shutting down")

	ErrKeyNotFound = newErr("KEY_ENOENT", ClassDataOp,
		"key does not exist")

	ErrKeyExists = newErr("KEY_EEXISTS", ClassDataOp,
		"key already exists or CAS mismatch")

	ErrTmpFail = newErr("TMPFAIL", ClassTransient|ClassDataOp,
		"server is temporarily unable to service the request")

	ErrNoReplica = newErr("NO_REPLICA", ClassInput,
		"requested replica index is not populated for this vbucket")

	ErrInvalidArgs = newErr("EINVAL", ClassInput,
		"invalid arguments supplied to operation")

	ErrDurabilityFailed = newErr("DURABILITY_FAILED", ClassDataOp,
		"durability requirement could not be met")

	ErrOpaqueMismatch = newErr("PROTOCOL_ERROR", ClassFatal|ClassInternal,
		"response opaque does not match the head of the pending queue")
)

// New constructs an OpError carrying a formatted message, for cases with
// no fixed sentinel (e.g. config validation).
func New(code string, class Class, format string, args ...interface{}) *OpError {
	return newErr(code, class, fmt.Sprintf(format, args...))
}
