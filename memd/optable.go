package memd

import "encoding/binary"

// opSpec holds everything that differs between opcodes. Operations carry an
// opcode tag and are dispatched through opTable instead of per-type methods.
type opSpec struct {
	name string
	// extras builds the request extras; nil means none.
	extras func(op *Operation) []byte
	// body builds the request value from typed fields; nil sends op.Value.
	body func(op *Operation) []byte
	// check rejects typed fields the server would refuse.
	check func(op *Operation) error
	// decode fills typed response fields from a successful response.
	decode func(p *Packet, r *Response) error
	// canRetry is false when a resend after an ambiguous outcome could apply
	// the mutation twice.
	canRetry bool
	mutation bool
	// keyed requests address a document and need a valid key.
	keyed bool
}

// opTable is assigned in init because its check functions reach back into
// it through Opcode.String, which is an initialization cycle otherwise.
var opTable map[Opcode]opSpec

func init() {
	opTable = map[Opcode]opSpec{
		OpGet:                 {name: "get", decode: decodeGet, canRetry: true, keyed: true},
		OpGetReplica:          {name: "get_replica", decode: decodeGet, canRetry: true, keyed: true},
		OpGAT:                 {name: "get_and_touch", extras: expiryExtras, decode: decodeGet, canRetry: true, keyed: true},
		OpTouch:               {name: "touch", extras: expiryExtras, canRetry: true, keyed: true},
		OpSet:                 {name: "set", extras: storeExtras, decode: decodeMutation, canRetry: true, mutation: true, keyed: true},
		OpAdd:                 {name: "add", extras: storeExtras, decode: decodeMutation, mutation: true, keyed: true},
		OpReplace:             {name: "replace", extras: storeExtras, decode: decodeMutation, canRetry: true, mutation: true, keyed: true},
		OpDelete:              {name: "delete", decode: decodeMutation, mutation: true, keyed: true},
		OpIncrement:           {name: "increment", extras: counterExtras, decode: decodeCounter, mutation: true, keyed: true},
		OpDecrement:           {name: "decrement", extras: counterExtras, decode: decodeCounter, mutation: true, keyed: true},
		OpAppend:              {name: "append", decode: decodeMutation, mutation: true, keyed: true},
		OpPrepend:             {name: "prepend", decode: decodeMutation, mutation: true, keyed: true},
		OpNoop:                {name: "noop", canRetry: true},
		OpHello:               {name: "hello", canRetry: true},
		OpSASLListMechs:       {name: "sasl_list_mechs", canRetry: true},
		OpSASLAuth:            {name: "sasl_auth"},
		OpSASLStep:            {name: "sasl_step"},
		OpSelectBucket:        {name: "select_bucket", canRetry: true},
		OpGetClusterConfig:    {name: "get_cluster_config", canRetry: true},
		OpSubdocMultiLookup:   {name: "lookup_in", extras: lookupExtras, body: lookupBody, check: checkSubdocSpecs, decode: decodeMultiLookup, canRetry: true, keyed: true},
		OpSubdocMultiMutation: {name: "mutate_in", extras: mutationExtras, body: mutationBody, check: checkSubdocSpecs, decode: decodeMultiMutation, mutation: true, keyed: true},
	}
}

// Known reports whether the codec has a layout for o.
func Known(o Opcode) bool {
	_, ok := opTable[o]
	return ok
}

func storeExtras(op *Operation) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], op.Flags)
	binary.BigEndian.PutUint32(extras[4:8], op.Expiry)
	return extras
}

func expiryExtras(op *Operation) []byte {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, op.Expiry)
	return extras
}

func counterExtras(op *Operation) []byte {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], op.Delta)
	binary.BigEndian.PutUint64(extras[8:16], op.Initial)
	binary.BigEndian.PutUint32(extras[16:20], op.Expiry)
	return extras
}

func decodeGet(p *Packet, r *Response) error {
	if len(p.Extras) < 4 {
		return ErrShortExtras
	}
	r.Flags = binary.BigEndian.Uint32(p.Extras[0:4])
	return nil
}

// decodeMutation reads the vbucket uuid and sequence number the server
// attaches once FeatureSeqNo was negotiated.
func decodeMutation(p *Packet, r *Response) error {
	if len(p.Extras) >= 16 {
		r.MutationToken = &MutationToken{
			VBucketUUID: binary.BigEndian.Uint64(p.Extras[0:8]),
			SeqNo:       binary.BigEndian.Uint64(p.Extras[8:16]),
		}
	}
	return nil
}

func decodeCounter(p *Packet, r *Response) error {
	if len(p.Value) != 8 {
		return &FramingError{Message: "counter value must be 8 bytes", Offset: HeaderLen + len(p.Extras) + len(p.Key)}
	}
	r.Counter = binary.BigEndian.Uint64(p.Value)
	return decodeMutation(p, r)
}

// EncodeHelloFeatures builds the body of a hello request.
func EncodeHelloFeatures(features []HelloFeature) []byte {
	body := make([]byte, 2*len(features))
	for i, f := range features {
		binary.BigEndian.PutUint16(body[2*i:], uint16(f))
	}
	return body
}

// DecodeHelloFeatures parses the feature list of a hello request or response.
func DecodeHelloFeatures(body []byte) ([]HelloFeature, error) {
	if len(body)%2 != 0 {
		return nil, &FramingError{Message: "odd hello feature list", Offset: HeaderLen}
	}
	features := make([]HelloFeature, len(body)/2)
	for i := range features {
		features[i] = HelloFeature(binary.BigEndian.Uint16(body[2*i:]))
	}
	return features, nil
}
