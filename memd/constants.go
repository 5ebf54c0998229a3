package memd

import "fmt"

// HeaderLen is the fixed size of every request and response header.
const HeaderLen = 24

// MaxKeyLength is the longest document key the server accepts.
const MaxKeyLength = 250

// MaxBodyLen bounds the body a peer may announce in a header.
// Documents are limited to 20MB server side; the slack covers key, extras and xattrs.
var MaxBodyLen = 21 * 1024 * 1024

// Magic is the first byte of a packet and tells requests from responses.
type Magic uint8

const (
	MagicReq = Magic(0x80)
	MagicRes = Magic(0x81)
)

// Opcode identifies the command carried by a packet.
type Opcode uint8

const (
	OpGet              = Opcode(0x00)
	OpSet              = Opcode(0x01)
	OpAdd              = Opcode(0x02)
	OpReplace          = Opcode(0x03)
	OpDelete           = Opcode(0x04)
	OpIncrement        = Opcode(0x05)
	OpDecrement        = Opcode(0x06)
	OpNoop             = Opcode(0x0a)
	OpAppend           = Opcode(0x0e)
	OpPrepend          = Opcode(0x0f)
	OpTouch            = Opcode(0x1c)
	OpGAT              = Opcode(0x1d)
	OpHello            = Opcode(0x1f)
	OpSASLListMechs    = Opcode(0x20)
	OpSASLAuth         = Opcode(0x21)
	OpSASLStep         = Opcode(0x22)
	OpGetReplica       = Opcode(0x83)
	OpSelectBucket     = Opcode(0x89)
	OpGetClusterConfig = Opcode(0xb5)

	OpSubdocMultiLookup   = Opcode(0xd0)
	OpSubdocMultiMutation = Opcode(0xd1)
)

// String returns the command name used in logs and errors.
func (o Opcode) String() string {
	if spec, ok := opTable[o]; ok {
		return spec.name
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// Status is the result code carried by a response header.
type Status uint16

const (
	StatusSuccess             = Status(0x00)
	StatusKeyNotFound         = Status(0x01)
	StatusKeyExists           = Status(0x02)
	StatusTooBig              = Status(0x03)
	StatusInvalidArgs         = Status(0x04)
	StatusNotStored           = Status(0x05)
	StatusBadDelta            = Status(0x06)
	StatusNotMyVBucket        = Status(0x07)
	StatusNoBucket            = Status(0x08)
	StatusLocked              = Status(0x09)
	StatusAuthStale           = Status(0x1f)
	StatusAuthError           = Status(0x20)
	StatusAuthContinue        = Status(0x21)
	StatusRangeError          = Status(0x22)
	StatusAccessError         = Status(0x24)
	StatusNotInitialized      = Status(0x25)
	StatusUnknownCommand      = Status(0x81)
	StatusOutOfMemory         = Status(0x82)
	StatusNotSupported        = Status(0x83)
	StatusInternalError       = Status(0x84)
	StatusBusy                = Status(0x85)
	StatusTmpFail             = Status(0x86)
	StatusSyncWriteInProgress = Status(0xa2)

	StatusSubdocPathNotFound            = Status(0xc0)
	StatusSubdocPathMismatch            = Status(0xc1)
	StatusSubdocPathInvalid             = Status(0xc2)
	StatusSubdocPathTooBig              = Status(0xc3)
	StatusSubdocDocTooDeep              = Status(0xc4)
	StatusSubdocCantInsert              = Status(0xc5)
	StatusSubdocNotJSON                 = Status(0xc6)
	StatusSubdocBadRange                = Status(0xc7)
	StatusSubdocBadDelta                = Status(0xc8)
	StatusSubdocPathExists              = Status(0xc9)
	StatusSubdocValueTooDeep            = Status(0xca)
	StatusSubdocBadCombo                = Status(0xcb)
	StatusSubdocMultiPathFailure        = Status(0xcc)
	StatusSubdocSuccessDeleted          = Status(0xcd)
	StatusSubdocXattrInvalidFlagCombo   = Status(0xce)
	StatusSubdocXattrInvalidKeyCombo    = Status(0xcf)
	StatusSubdocXattrUnknownMacro       = Status(0xd0)
	StatusSubdocXattrUnknownVAttr       = Status(0xd1)
	StatusSubdocXattrCannotModifyVAttr  = Status(0xd2)
	StatusSubdocMultiPathFailureDeleted = Status(0xd3)
)

var statusNames = map[Status]string{
	StatusSuccess:             "success",
	StatusKeyNotFound:         "key not found",
	StatusKeyExists:           "key exists",
	StatusTooBig:              "value too big",
	StatusInvalidArgs:         "invalid arguments",
	StatusNotStored:           "not stored",
	StatusBadDelta:            "bad delta",
	StatusNotMyVBucket:        "not my vbucket",
	StatusNoBucket:            "no bucket selected",
	StatusLocked:              "locked",
	StatusAuthStale:           "authentication stale",
	StatusAuthError:           "authentication error",
	StatusAuthContinue:        "authentication continue",
	StatusRangeError:          "range error",
	StatusAccessError:         "access error",
	StatusNotInitialized:      "not initialized",
	StatusUnknownCommand:      "unknown command",
	StatusOutOfMemory:         "out of memory",
	StatusNotSupported:        "not supported",
	StatusInternalError:       "internal error",
	StatusBusy:                "busy",
	StatusTmpFail:             "temporary failure",
	StatusSyncWriteInProgress: "sync write in progress",

	StatusSubdocPathNotFound:            "path not found",
	StatusSubdocPathMismatch:            "path mismatch",
	StatusSubdocPathInvalid:             "path invalid",
	StatusSubdocPathTooBig:              "path too big",
	StatusSubdocDocTooDeep:              "document too deep",
	StatusSubdocCantInsert:              "value cannot be inserted",
	StatusSubdocNotJSON:                 "document not json",
	StatusSubdocBadRange:                "number out of range",
	StatusSubdocBadDelta:                "bad delta",
	StatusSubdocPathExists:              "path exists",
	StatusSubdocValueTooDeep:            "value too deep",
	StatusSubdocBadCombo:                "invalid command combination",
	StatusSubdocMultiPathFailure:        "multi path failure",
	StatusSubdocSuccessDeleted:          "success on deleted document",
	StatusSubdocXattrInvalidFlagCombo:   "invalid xattr flag combination",
	StatusSubdocXattrInvalidKeyCombo:    "invalid xattr key combination",
	StatusSubdocXattrUnknownMacro:       "unknown xattr macro",
	StatusSubdocXattrUnknownVAttr:       "unknown virtual xattr",
	StatusSubdocXattrCannotModifyVAttr:  "virtual xattr cannot be modified",
	StatusSubdocMultiPathFailureDeleted: "multi path failure on deleted document",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(0x%04x)", uint16(s))
}

// IsTransient reports whether the server may accept the same request later.
func (s Status) IsTransient() bool {
	switch s {
	case StatusTmpFail, StatusBusy, StatusOutOfMemory, StatusNotInitialized,
		StatusSyncWriteInProgress, StatusLocked:
		return true
	}
	return false
}

// IsTopology reports whether the status means the request reached the wrong node.
func (s Status) IsTopology() bool {
	return s == StatusNotMyVBucket
}

// Datatype flags describe the value payload.
type Datatype uint8

const (
	DatatypeRaw        = Datatype(0x00)
	DatatypeJSON       = Datatype(0x01)
	DatatypeCompressed = Datatype(0x02)
	DatatypeXattrs     = Datatype(0x04)
)

// HelloFeature is a feature code negotiated with OpHello.
type HelloFeature uint16

const (
	FeatureDatatype     = HelloFeature(0x01)
	FeatureTLS          = HelloFeature(0x02)
	FeatureTCPNoDelay   = HelloFeature(0x03)
	FeatureSeqNo        = HelloFeature(0x04)
	FeatureXattr        = HelloFeature(0x06)
	FeatureXerror       = HelloFeature(0x07)
	FeatureSelectBucket = HelloFeature(0x08)
	FeatureJSON         = HelloFeature(0x0b)
)

// NoCreateExpiry in a counter request makes the server fail with
// StatusKeyNotFound instead of seeding the initial value.
const NoCreateExpiry = uint32(0xffffffff)
