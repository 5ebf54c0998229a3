package memd

import (
	"errors"
	"fmt"
)

// FramingError reports wire data that violates the frame layout.
// The connection that produced it cannot be trusted anymore and must be closed.
type FramingError struct {
	Message string
	Offset  int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("memd: framing error at byte %d: %s", e.Offset, e.Message)
}

// ShouldCloseConnection returns true - framing errors desynchronize the stream.
func (e *FramingError) ShouldCloseConnection() bool {
	return true
}

// IsFramingError reports whether err is or wraps a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

var (
	ErrUnknownOpcode  = errors.New("memd: unknown opcode")
	ErrOpaqueMismatch = errors.New("memd: response opaque does not match request")
	ErrShortExtras    = errors.New("memd: response extras shorter than expected")
)

// InvalidKeyError is returned before a request is written when its key
// cannot be sent. The connection is not affected.
type InvalidKeyError struct {
	Len     int
	Message string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("memd: invalid key of %d bytes: %s", e.Len, e.Message)
}

func (e *InvalidKeyError) ShouldCloseConnection() bool {
	return false
}

// FrameSizeError reports a packet field longer than its header field can
// describe. Nothing was written.
type FrameSizeError struct {
	Field string
	Len   int
	Max   int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("memd: %s of %d bytes exceeds %d", e.Field, e.Len, e.Max)
}

func (e *FrameSizeError) ShouldCloseConnection() bool {
	return false
}
