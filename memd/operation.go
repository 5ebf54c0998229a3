package memd

import (
	"bytes"
	"time"
)

// MutationToken identifies the vbucket state a mutation was applied to.
type MutationToken struct {
	VBucketID   uint16
	VBucketUUID uint64
	SeqNo       uint64
	BucketName  string
}

// Operation is a typed request plus the bookkeeping its executor keeps
// across attempts. The opcode selects the extras layout, the response
// decoding and the retry contract.
type Operation struct {
	Opcode    Opcode
	Key       []byte
	VBucketID uint16
	Cas       uint64
	Opaque    uint32
	Datatype  Datatype

	// Opcode specific extras.
	Flags   uint32
	Expiry  uint32
	Delta   uint64
	Initial uint64

	Value      []byte
	BucketName string

	// Multi-path requests.
	Specs    []SubdocSpec
	DocFlags SubdocDocFlag

	Attempts          int
	CreationTime      time.Time
	LastRevisionTried int64
	MutationToken     *MutationToken
}

// Name returns the opcode name.
func (op *Operation) Name() string {
	return op.Opcode.String()
}

// CanRetry reports whether the operation may be sent again after an
// outcome that does not prove the server left the document untouched.
func (op *Operation) CanRetry() bool {
	return opTable[op.Opcode].canRetry
}

// IsMutation reports whether a successful response changes the document.
func (op *Operation) IsMutation() bool {
	return opTable[op.Opcode].mutation
}

// Packet builds the request packet for the current attempt.
func (op *Operation) Packet() *Packet {
	p := &Packet{
		Magic:    MagicReq,
		Opcode:   op.Opcode,
		Datatype: op.Datatype,
		VBucket:  op.VBucketID,
		Opaque:   op.Opaque,
		Cas:      op.Cas,
		Key:      op.Key,
		Value:    op.Value,
	}
	if spec, ok := opTable[op.Opcode]; ok {
		if spec.extras != nil {
			p.Extras = spec.extras(op)
		}
		if spec.body != nil {
			p.Value = spec.body(op)
		}
	}
	return p
}

// ValidateKey checks a document key: 1 to MaxKeyLength bytes.
func ValidateKey(key []byte) error {
	switch {
	case len(key) == 0:
		return &InvalidKeyError{Message: "key is empty"}
	case len(key) > MaxKeyLength:
		return &InvalidKeyError{Len: len(key), Message: "key exceeds maximum length of 250 bytes"}
	}
	return nil
}

// Validate reports a request that cannot be sent: a document key rejected
// by ValidateKey or a packet rejected by Packet.Validate.
func (op *Operation) Validate() error {
	return op.validate(op.Packet())
}

func (op *Operation) validate(p *Packet) error {
	spec := opTable[op.Opcode]
	if spec.keyed {
		if err := ValidateKey(op.Key); err != nil {
			return err
		}
	}
	if spec.check != nil {
		if err := spec.check(op); err != nil {
			return err
		}
	}
	return p.Validate()
}

// Encode validates op and returns its request frame. The frame never
// aliases op's buffers.
func Encode(op *Operation) ([]byte, error) {
	p := op.Packet()
	if err := op.validate(p); err != nil {
		return nil, err
	}
	return EncodePacket(p), nil
}

// AppendFrame validates op and appends its request frame to dst.
func AppendFrame(dst []byte, op *Operation) ([]byte, error) {
	p := op.Packet()
	if err := op.validate(p); err != nil {
		return dst, err
	}
	return AppendPacket(dst, p), nil
}

// Clone returns a deep copy, bookkeeping included.
func (op *Operation) Clone() *Operation {
	c := *op
	c.Key = bytes.Clone(op.Key)
	c.Value = bytes.Clone(op.Value)
	if op.Specs != nil {
		c.Specs = make([]SubdocSpec, len(op.Specs))
		for i, s := range op.Specs {
			s.Value = bytes.Clone(s.Value)
			c.Specs[i] = s
		}
	}
	if op.MutationToken != nil {
		token := *op.MutationToken
		c.MutationToken = &token
	}
	return &c
}

// Response is a decoded response frame.
type Response struct {
	Opcode   Opcode
	Status   Status
	Datatype Datatype
	Opaque   uint32
	Cas      uint64
	Extras   []byte
	Key      []byte
	Value    []byte

	// Decoded from extras or value depending on the opcode.
	Flags         uint32
	Counter       uint64
	MutationToken *MutationToken
	Subdoc        []SubdocResult
}

// Success reports whether the server accepted the request. A multi-lookup
// with failed paths is accepted: the per-path statuses are in Subdoc.
func (r *Response) Success() bool {
	switch r.Status {
	case StatusSuccess, StatusSubdocSuccessDeleted:
		return true
	case StatusSubdocMultiPathFailure, StatusSubdocMultiPathFailureDeleted:
		return r.Opcode == OpSubdocMultiLookup
	}
	return false
}

// Decode parses a response frame. Typed fields are filled for successful
// responses of known opcodes.
func Decode(frame []byte) (*Response, error) {
	p, err := DecodePacket(frame)
	if err != nil {
		return nil, err
	}
	return ResponseFromPacket(p)
}

// ResponseFromPacket converts a response packet.
func ResponseFromPacket(p *Packet) (*Response, error) {
	if !p.IsResponse() {
		return nil, &FramingError{Message: "expected response magic", Offset: 0}
	}
	r := &Response{
		Opcode:   p.Opcode,
		Status:   p.Status,
		Datatype: p.Datatype,
		Opaque:   p.Opaque,
		Cas:      p.Cas,
		Extras:   p.Extras,
		Key:      p.Key,
		Value:    p.Value,
	}
	if !r.Success() {
		return r, nil
	}
	if spec, ok := opTable[p.Opcode]; ok && spec.decode != nil {
		if err := spec.decode(p, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DecodeResponse converts the response to this operation, checking the
// opaque and completing the mutation token.
func (op *Operation) DecodeResponse(p *Packet) (*Response, error) {
	if p.Opaque != op.Opaque {
		return nil, ErrOpaqueMismatch
	}
	r, err := ResponseFromPacket(p)
	if err != nil {
		return nil, err
	}
	if r.MutationToken != nil {
		r.MutationToken.VBucketID = op.VBucketID
		r.MutationToken.BucketName = op.BucketName
	}
	return r, nil
}

// NewGet builds a get.
func NewGet(key []byte) *Operation {
	return &Operation{Opcode: OpGet, Key: key}
}

// NewGetReplica builds a get served by a replica vbucket.
func NewGetReplica(key []byte) *Operation {
	return &Operation{Opcode: OpGetReplica, Key: key}
}

// NewGetAndTouch builds a get that also resets the expiry.
func NewGetAndTouch(key []byte, expiry uint32) *Operation {
	return &Operation{Opcode: OpGAT, Key: key, Expiry: expiry}
}

func NewTouch(key []byte, expiry uint32) *Operation {
	return &Operation{Opcode: OpTouch, Key: key, Expiry: expiry}
}

// NewStore builds a set, add or replace.
func NewStore(opcode Opcode, key, value []byte, flags, expiry uint32, cas uint64) *Operation {
	return &Operation{Opcode: opcode, Key: key, Value: value, Flags: flags, Expiry: expiry, Cas: cas}
}

func NewDelete(key []byte, cas uint64) *Operation {
	return &Operation{Opcode: OpDelete, Key: key, Cas: cas}
}

// NewCounter builds an increment or decrement. Pass NoCreateExpiry as
// expiry to fail on missing keys instead of seeding initial.
func NewCounter(opcode Opcode, key []byte, delta, initial uint64, expiry uint32) *Operation {
	return &Operation{Opcode: opcode, Key: key, Delta: delta, Initial: initial, Expiry: expiry}
}

// NewConcat builds an append or prepend.
func NewConcat(opcode Opcode, key, value []byte, cas uint64) *Operation {
	return &Operation{Opcode: opcode, Key: key, Value: value, Cas: cas}
}

func NewNoop() *Operation {
	return &Operation{Opcode: OpNoop}
}

// NewHello builds a feature negotiation request; name identifies the client.
func NewHello(name string, features ...HelloFeature) *Operation {
	return &Operation{Opcode: OpHello, Key: []byte(name), Value: EncodeHelloFeatures(features)}
}

func NewSASLListMechs() *Operation {
	return &Operation{Opcode: OpSASLListMechs}
}

func NewSASLAuth(mechanism string, payload []byte) *Operation {
	return &Operation{Opcode: OpSASLAuth, Key: []byte(mechanism), Value: payload}
}

func NewSASLStep(mechanism string, payload []byte) *Operation {
	return &Operation{Opcode: OpSASLStep, Key: []byte(mechanism), Value: payload}
}

func NewSelectBucket(bucket string) *Operation {
	return &Operation{Opcode: OpSelectBucket, Key: []byte(bucket)}
}

func NewGetClusterConfig() *Operation {
	return &Operation{Opcode: OpGetClusterConfig}
}
