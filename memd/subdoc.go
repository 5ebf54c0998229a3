package memd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Path commands carried inside a multi-lookup or a multi-mutation.
const (
	SubdocGet            = Opcode(0xc5)
	SubdocExists         = Opcode(0xc6)
	SubdocDictAdd        = Opcode(0xc7)
	SubdocDictUpsert     = Opcode(0xc8)
	SubdocDelete         = Opcode(0xc9)
	SubdocReplace        = Opcode(0xca)
	SubdocArrayPushLast  = Opcode(0xcb)
	SubdocArrayPushFirst = Opcode(0xcc)
	SubdocArrayInsert    = Opcode(0xcd)
	SubdocArrayAddUnique = Opcode(0xce)
	SubdocCounter        = Opcode(0xcf)
	SubdocGetCount       = Opcode(0xd2)

	// The whole-document commands take an empty path.
	SubdocGetDoc    = OpGet
	SubdocSetDoc    = OpSet
	SubdocDeleteDoc = OpDelete
)

// MaxSubdocPaths is the most specs one request may carry.
const MaxSubdocPaths = 16

// SubdocPathFlag modifies a single path command.
type SubdocPathFlag uint8

const (
	SubdocPathMkDirP       = SubdocPathFlag(0x01)
	SubdocPathXattr        = SubdocPathFlag(0x04)
	SubdocPathExpandMacros = SubdocPathFlag(0x10)
)

// SubdocDocFlag modifies a whole request.
type SubdocDocFlag uint8

const (
	// SubdocDocMkDoc creates the document if missing.
	SubdocDocMkDoc = SubdocDocFlag(0x01)
	// SubdocDocAdd fails if the document exists.
	SubdocDocAdd           = SubdocDocFlag(0x02)
	SubdocDocAccessDeleted = SubdocDocFlag(0x04)
)

// Virtual attributes of the document metadata. The expiry is in unix
// seconds, 0 meaning none.
const (
	ExpiryXattr = "$document.exptime"
	FlagsXattr  = "$document.flags"
)

var subdocNames = map[Opcode]string{
	SubdocGet:            "get",
	SubdocExists:         "exists",
	SubdocDictAdd:        "insert",
	SubdocDictUpsert:     "upsert",
	SubdocDelete:         "remove",
	SubdocReplace:        "replace",
	SubdocArrayPushLast:  "array_append",
	SubdocArrayPushFirst: "array_prepend",
	SubdocArrayInsert:    "array_insert",
	SubdocArrayAddUnique: "array_add_unique",
	SubdocCounter:        "counter",
	SubdocGetCount:       "count",
	SubdocGetDoc:         "get_doc",
	SubdocSetDoc:         "set_doc",
	SubdocDeleteDoc:      "delete_doc",
}

var subdocLookups = map[Opcode]bool{
	SubdocGet:      true,
	SubdocExists:   true,
	SubdocGetCount: true,
	SubdocGetDoc:   true,
}

// SubdocName returns the name of a path command.
func SubdocName(o Opcode) string {
	if name, ok := subdocNames[o]; ok {
		return name
	}
	return fmt.Sprintf("subdoc(0x%02x)", uint8(o))
}

// SubdocSpec is one path command of a multi-path request.
type SubdocSpec struct {
	Op    Opcode
	Flags SubdocPathFlag
	Path  string
	// Value is the JSON fragment of a mutation.
	Value []byte
}

// SubdocResult is the outcome of one spec. Multi-mutation responses only
// list the specs that return a value; Index tells which.
type SubdocResult struct {
	Index  int
	Status Status
	Value  []byte
}

// SubdocSpecError rejects a multi-path request before it is written.
type SubdocSpecError struct {
	Index   int
	Message string
}

func (e *SubdocSpecError) Error() string {
	if e.Index < 0 {
		return "memd: sub-document request: " + e.Message
	}
	return fmt.Sprintf("memd: sub-document spec %d: %s", e.Index, e.Message)
}

func (e *SubdocSpecError) ShouldCloseConnection() bool {
	return false
}

var ErrMalformedSubdoc = errors.New("memd: malformed sub-document response")

// NewLookupIn builds a multi-path lookup.
func NewLookupIn(key []byte, specs []SubdocSpec, docFlags SubdocDocFlag) *Operation {
	return &Operation{Opcode: OpSubdocMultiLookup, Key: key, Specs: specs, DocFlags: docFlags}
}

// NewMutateIn builds a multi-path mutation. The server applies every spec
// or none.
func NewMutateIn(key []byte, specs []SubdocSpec, docFlags SubdocDocFlag, expiry uint32, cas uint64) *Operation {
	return &Operation{Opcode: OpSubdocMultiMutation, Key: key, Specs: specs, DocFlags: docFlags, Expiry: expiry, Cas: cas}
}

func checkSubdocSpecs(op *Operation) error {
	if len(op.Specs) == 0 || len(op.Specs) > MaxSubdocPaths {
		return &SubdocSpecError{Index: -1, Message: fmt.Sprintf("%d paths, want 1 to %d", len(op.Specs), MaxSubdocPaths)}
	}
	lookup := op.Opcode == OpSubdocMultiLookup
	for i, s := range op.Specs {
		if _, ok := subdocNames[s.Op]; !ok {
			return &SubdocSpecError{Index: i, Message: "unknown command " + SubdocName(s.Op)}
		}
		if subdocLookups[s.Op] != lookup {
			return &SubdocSpecError{Index: i, Message: SubdocName(s.Op) + " is not allowed in " + op.Name()}
		}
		if len(s.Path) > 1024 {
			return &SubdocSpecError{Index: i, Message: "path exceeds 1024 bytes"}
		}
	}
	return nil
}

// lookupExtras carries the document flags only when set.
func lookupExtras(op *Operation) []byte {
	if op.DocFlags == 0 {
		return nil
	}
	return []byte{byte(op.DocFlags)}
}

// mutationExtras is [expiry] [doc flags], each present only when set.
func mutationExtras(op *Operation) []byte {
	var extras []byte
	if op.Expiry != 0 {
		extras = binary.BigEndian.AppendUint32(extras, op.Expiry)
	}
	if op.DocFlags != 0 {
		extras = append(extras, byte(op.DocFlags))
	}
	return extras
}

// lookupBody encodes each spec as opcode, flags, path length (2), path.
func lookupBody(op *Operation) []byte {
	n := 0
	for _, s := range op.Specs {
		n += 4 + len(s.Path)
	}
	body := make([]byte, 0, n)
	for _, s := range op.Specs {
		body = append(body, byte(s.Op), byte(s.Flags))
		body = binary.BigEndian.AppendUint16(body, uint16(len(s.Path)))
		body = append(body, s.Path...)
	}
	return body
}

// mutationBody encodes each spec as opcode, flags, path length (2),
// value length (4), path, value.
func mutationBody(op *Operation) []byte {
	n := 0
	for _, s := range op.Specs {
		n += 8 + len(s.Path) + len(s.Value)
	}
	body := make([]byte, 0, n)
	for _, s := range op.Specs {
		body = append(body, byte(s.Op), byte(s.Flags))
		body = binary.BigEndian.AppendUint16(body, uint16(len(s.Path)))
		body = binary.BigEndian.AppendUint32(body, uint32(len(s.Value)))
		body = append(body, s.Path...)
		body = append(body, s.Value...)
	}
	return body
}

// decodeMultiLookup reads one status (2), length (4), value per spec.
func decodeMultiLookup(p *Packet, r *Response) error {
	body := p.Value
	for i := 0; len(body) > 0; i++ {
		if len(body) < 6 {
			return ErrMalformedSubdoc
		}
		n := int(binary.BigEndian.Uint32(body[2:6]))
		if n > len(body)-6 {
			return ErrMalformedSubdoc
		}
		r.Subdoc = append(r.Subdoc, SubdocResult{
			Index:  i,
			Status: Status(binary.BigEndian.Uint16(body[0:2])),
			Value:  body[6 : 6+n],
		})
		body = body[6+n:]
	}
	return nil
}

// decodeMultiMutation reads index (1), status (2), length (4), value for
// every spec that returned a value.
func decodeMultiMutation(p *Packet, r *Response) error {
	if err := decodeMutation(p, r); err != nil {
		return err
	}
	body := p.Value
	for len(body) > 0 {
		if len(body) < 7 {
			return ErrMalformedSubdoc
		}
		n := int(binary.BigEndian.Uint32(body[3:7]))
		if n > len(body)-7 {
			return ErrMalformedSubdoc
		}
		r.Subdoc = append(r.Subdoc, SubdocResult{
			Index:  int(body[0]),
			Status: Status(binary.BigEndian.Uint16(body[1:3])),
			Value:  body[7 : 7+n],
		})
		body = body[7+n:]
	}
	return nil
}

// FailedPath returns the spec that made a multi-mutation fail.
func (r *Response) FailedPath() (index int, status Status, ok bool) {
	if r.Opcode != OpSubdocMultiMutation || len(r.Value) < 3 {
		return 0, 0, false
	}
	if r.Status != StatusSubdocMultiPathFailure && r.Status != StatusSubdocMultiPathFailureDeleted {
		return 0, 0, false
	}
	return int(r.Value[0]), Status(binary.BigEndian.Uint16(r.Value[1:3])), true
}
