package couchbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pior/couchbase/memd"
)

var (
	ErrClientClosed     = errors.New("couchbase: client closed")
	ErrConnectionClosed = errors.New("couchbase: connection closed")
	ErrPoolClosed       = errors.New("couchbase: pool closed")
	ErrTooManyAbandoned = errors.New("couchbase: too many abandoned requests")

	// ErrCancelled is returned when the caller's context ends before the
	// operation completes.
	ErrCancelled = errors.New("couchbase: operation cancelled")
	// ErrRetryExhausted is returned when the attempt limit or the client's
	// operation timeout is reached.
	ErrRetryExhausted = errors.New("couchbase: retries exhausted")
)

// Sentinels matched by errors.Is against a *ServerStatusError.
var (
	ErrKeyNotFound         = errors.New("couchbase: key not found")
	ErrKeyExists           = errors.New("couchbase: key exists or cas mismatch")
	ErrValueTooBig         = errors.New("couchbase: value too big")
	ErrInvalidArguments    = errors.New("couchbase: invalid arguments")
	ErrNotStored           = errors.New("couchbase: not stored")
	ErrBadDelta            = errors.New("couchbase: counter value is not numeric")
	ErrNotMyVBucket        = errors.New("couchbase: not my vbucket")
	ErrNoBucket            = errors.New("couchbase: no bucket selected")
	ErrLocked              = errors.New("couchbase: document locked")
	ErrAccess              = errors.New("couchbase: access denied")
	ErrUnknownCommand      = errors.New("couchbase: unknown command")
	ErrNotSupported        = errors.New("couchbase: not supported")
	ErrInternal            = errors.New("couchbase: internal server error")
	ErrTemporaryFailure    = errors.New("couchbase: temporary failure")
	ErrBusy                = errors.New("couchbase: server busy")
	ErrOutOfMemory         = errors.New("couchbase: server out of memory")
	ErrNotInitialized      = errors.New("couchbase: server not initialized")
	ErrSyncWriteInProgress = errors.New("couchbase: sync write in progress")

	ErrPathNotFound    = errors.New("couchbase: sub-document path not found")
	ErrPathMismatch    = errors.New("couchbase: sub-document path mismatch")
	ErrPathInvalid     = errors.New("couchbase: sub-document path invalid")
	ErrPathExists      = errors.New("couchbase: sub-document path exists")
	ErrDocumentNotJSON = errors.New("couchbase: document is not json")
	ErrValueInvalid    = errors.New("couchbase: sub-document value cannot be inserted")
)

var statusSentinels = map[memd.Status]error{
	memd.StatusKeyNotFound:         ErrKeyNotFound,
	memd.StatusKeyExists:           ErrKeyExists,
	memd.StatusTooBig:              ErrValueTooBig,
	memd.StatusInvalidArgs:         ErrInvalidArguments,
	memd.StatusNotStored:           ErrNotStored,
	memd.StatusBadDelta:            ErrBadDelta,
	memd.StatusNotMyVBucket:        ErrNotMyVBucket,
	memd.StatusNoBucket:            ErrNoBucket,
	memd.StatusLocked:              ErrLocked,
	memd.StatusAccessError:         ErrAccess,
	memd.StatusUnknownCommand:      ErrUnknownCommand,
	memd.StatusNotSupported:        ErrNotSupported,
	memd.StatusInternalError:       ErrInternal,
	memd.StatusTmpFail:             ErrTemporaryFailure,
	memd.StatusBusy:                ErrBusy,
	memd.StatusOutOfMemory:         ErrOutOfMemory,
	memd.StatusNotInitialized:      ErrNotInitialized,
	memd.StatusSyncWriteInProgress: ErrSyncWriteInProgress,

	memd.StatusSubdocPathNotFound: ErrPathNotFound,
	memd.StatusSubdocPathMismatch: ErrPathMismatch,
	memd.StatusSubdocPathInvalid:  ErrPathInvalid,
	memd.StatusSubdocPathExists:   ErrPathExists,
	memd.StatusSubdocNotJSON:      ErrDocumentNotJSON,
	memd.StatusSubdocCantInsert:   ErrValueInvalid,
	memd.StatusSubdocBadRange:     ErrBadDelta,
	memd.StatusSubdocBadDelta:     ErrBadDelta,
}

// StatusClass groups response statuses by what the caller can do next.
type StatusClass int

const (
	// ClassTerminal statuses will not change on a retry.
	ClassTerminal StatusClass = iota
	// ClassTransient statuses may clear after a delay.
	ClassTransient
	// ClassTopology statuses mean the request reached the wrong node.
	ClassTopology
)

func (c StatusClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTopology:
		return "topology"
	default:
		return "terminal"
	}
}

// ClassOf returns the class of a non-success status.
func ClassOf(s memd.Status) StatusClass {
	switch {
	case s.IsTopology():
		return ClassTopology
	case s.IsTransient():
		return ClassTransient
	default:
		return ClassTerminal
	}
}

// ServerStatusError is a non-success response status.
// The connection that carried it is still usable.
type ServerStatusError struct {
	Opcode memd.Opcode
	Status memd.Status
	// Message is the response body when the server sent text.
	Message string

	// Set when a multi-mutation failed on one of its paths.
	PathIndex  int
	PathStatus memd.Status
	HasPath    bool
}

func (e *ServerStatusError) Error() string {
	switch {
	case e.HasPath:
		return fmt.Sprintf("couchbase: %s: %s (spec %d: %s)", e.Opcode, e.Status, e.PathIndex, e.PathStatus)
	case e.Message != "":
		return fmt.Sprintf("couchbase: %s: %s (%s)", e.Opcode, e.Status, e.Message)
	}
	return fmt.Sprintf("couchbase: %s: %s", e.Opcode, e.Status)
}

// Unwrap exposes the sentinels for the status and the failed path, if any.
func (e *ServerStatusError) Unwrap() []error {
	var errs []error
	if err, ok := statusSentinels[e.Status]; ok {
		errs = append(errs, err)
	}
	if err, ok := statusSentinels[e.PathStatus]; ok && e.HasPath {
		errs = append(errs, err)
	}
	return errs
}

func (e *ServerStatusError) Class() StatusClass {
	return ClassOf(e.Status)
}

// ShouldCloseConnection returns false - a status is a complete response.
func (e *ServerStatusError) ShouldCloseConnection() bool {
	return false
}

func newServerStatusError(r *memd.Response) *ServerStatusError {
	e := &ServerStatusError{Opcode: r.Opcode, Status: r.Status}
	if idx, status, ok := r.FailedPath(); ok {
		e.PathIndex, e.PathStatus, e.HasPath = idx, status, true
		return e
	}
	// NotMyVBucket bodies carry a config document, not a message.
	if r.Status != memd.StatusNotMyVBucket && len(r.Value) > 0 && len(r.Value) < 256 && r.Datatype&memd.DatatypeJSON == 0 {
		e.Message = strings.TrimSpace(string(r.Value))
	}
	return e
}

// TransportError wraps an I/O failure on a data connection. The connection
// is closed and the outcome of any request in flight is unknown.
type TransportError struct {
	Addr string
	Op   string // dial, read, write
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("couchbase: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - the stream position is lost.
func (e *TransportError) ShouldCloseConnection() bool {
	return true
}

// AuthenticationError is returned when the handshake of a new connection
// is rejected.
type AuthenticationError struct {
	Addr      string
	Mechanism string
	Status    memd.Status
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("couchbase: authentication with %s on %s failed: %v", e.Mechanism, e.Addr, e.Err)
	}
	return fmt.Sprintf("couchbase: authentication with %s on %s failed: %s", e.Mechanism, e.Addr, e.Status)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) ShouldCloseConnection() bool {
	return true
}

// OperationError is what the client returns for a failed operation. It
// unwraps to the cause, so errors.Is(err, ErrKeyNotFound) and
// errors.Is(err, ErrCancelled) work on it.
type OperationError struct {
	Op         string
	Key        string
	VBucketID  uint16
	Node       string
	LastStatus memd.Status
	HasStatus  bool
	Attempts   int
	Elapsed    time.Duration
	Err        error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "couchbase: %s", e.Op)
	if e.Key != "" {
		fmt.Fprintf(&b, " %q", e.Key)
	}
	fmt.Fprintf(&b, " failed after %d attempt(s) in %s", e.Attempts, e.Elapsed.Round(time.Microsecond))
	if e.Node != "" {
		fmt.Fprintf(&b, " (vb %d on %s", e.VBucketID, e.Node)
		if e.HasStatus {
			fmt.Fprintf(&b, ", last status %s", e.LastStatus)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// retryFailure joins the retry outcome with the last cause so both can be
// matched with errors.Is.
type retryFailure struct {
	kind  error
	cause error
}

func (e *retryFailure) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *retryFailure) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection that produced them can be reused.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Context errors return false: the request is abandoned, not the stream.
// Unknown errors return true.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}
	return true
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
