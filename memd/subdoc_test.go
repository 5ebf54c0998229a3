package memd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMultiLookup(t *testing.T) {
	op := NewLookupIn([]byte("doc"), []SubdocSpec{
		{Op: SubdocGet, Path: "foo"},
		{Op: SubdocGet, Flags: SubdocPathXattr, Path: ExpiryXattr},
	}, SubdocDocAccessDeleted)
	op.Opaque = 3

	var req gomemcached.MCRequest
	_, err := req.Receive(bytes.NewReader(mustEncode(t, op)), nil)
	require.NoError(t, err)

	assert.Equal(t, gomemcached.SUBDOC_MULTI_LOOKUP, req.Opcode)
	assert.Equal(t, []byte{byte(SubdocDocAccessDeleted)}, req.Extras)

	body := req.Body
	assert.Equal(t, byte(SubdocGet), body[0])
	assert.Equal(t, byte(0), body[1])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(body[2:4]))
	assert.Equal(t, "foo", string(body[4:7]))
	body = body[7:]
	assert.Equal(t, byte(SubdocPathXattr), body[1])
	assert.Equal(t, ExpiryXattr, string(body[4:]))
}

func TestEncodeMultiMutation(t *testing.T) {
	op := NewMutateIn([]byte("doc"), []SubdocSpec{
		{Op: SubdocDictUpsert, Flags: SubdocPathMkDirP, Path: "a.b", Value: []byte(`"x"`)},
	}, SubdocDocMkDoc, 60, 9)

	p, err := DecodePacket(mustEncode(t, op))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 60, byte(SubdocDocMkDoc)}, p.Extras)
	assert.Equal(t, uint64(9), p.Cas)

	want := []byte{byte(SubdocDictUpsert), byte(SubdocPathMkDirP), 0, 3, 0, 0, 0, 3}
	want = append(want, `a.b"x"`...)
	assert.Equal(t, want, p.Value)

	// No expiry and no flags means no extras.
	op = NewMutateIn([]byte("doc"), []SubdocSpec{{Op: SubdocDelete, Path: "a"}}, 0, 0, 0)
	p, err = DecodePacket(mustEncode(t, op))
	require.NoError(t, err)
	assert.Empty(t, p.Extras)
}

func TestSubdocSpecChecks(t *testing.T) {
	var specErr *SubdocSpecError

	_, err := Encode(NewLookupIn([]byte("k"), nil, 0))
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, -1, specErr.Index)

	specs := make([]SubdocSpec, MaxSubdocPaths+1)
	for i := range specs {
		specs[i] = SubdocSpec{Op: SubdocGet, Path: "a"}
	}
	_, err = Encode(NewLookupIn([]byte("k"), specs, 0))
	require.ErrorAs(t, err, &specErr)

	_, err = Encode(NewLookupIn([]byte("k"), []SubdocSpec{{Op: SubdocGet, Path: "a"}, {Op: SubdocDictUpsert, Path: "b"}}, 0))
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, 1, specErr.Index)

	_, err = Encode(NewMutateIn([]byte("k"), []SubdocSpec{{Op: SubdocGet, Path: "a"}}, 0, 0, 0))
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, 0, specErr.Index)

	_, err = Encode(NewMutateIn(nil, []SubdocSpec{{Op: SubdocDelete, Path: "a"}}, 0, 0, 0))
	var keyErr *InvalidKeyError
	assert.ErrorAs(t, err, &keyErr)
}

func TestDecodeMultiLookup(t *testing.T) {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSuccess))
	body = binary.BigEndian.AppendUint32(body, 5)
	body = append(body, `"bar"`...)
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSubdocPathNotFound))
	body = binary.BigEndian.AppendUint32(body, 0)

	frame := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpSubdocMultiLookup, Status: StatusSubdocMultiPathFailure, Cas: 4, Value: body})
	r, err := Decode(frame)
	require.NoError(t, err)

	assert.True(t, r.Success())
	require.Len(t, r.Subdoc, 2)
	assert.Equal(t, SubdocResult{Index: 0, Status: StatusSuccess, Value: []byte(`"bar"`)}, r.Subdoc[0])
	assert.Equal(t, StatusSubdocPathNotFound, r.Subdoc[1].Status)

	_, err = Decode(EncodePacket(&Packet{Magic: MagicRes, Opcode: OpSubdocMultiLookup, Value: []byte{0, 0, 0, 0, 0, 9}}))
	assert.ErrorIs(t, err, ErrMalformedSubdoc)
}

func TestDecodeMultiMutation(t *testing.T) {
	t.Run("values and token", func(t *testing.T) {
		extras := make([]byte, 16)
		binary.BigEndian.PutUint64(extras[0:8], 0xabc)
		binary.BigEndian.PutUint64(extras[8:16], 12)
		body := []byte{2, 0, 0, 0, 0, 0, 2, '1', '1'}

		r, err := Decode(EncodePacket(&Packet{Magic: MagicRes, Opcode: OpSubdocMultiMutation, Extras: extras, Value: body}))
		require.NoError(t, err)
		require.NotNil(t, r.MutationToken)
		assert.Equal(t, uint64(12), r.MutationToken.SeqNo)
		assert.Equal(t, []SubdocResult{{Index: 2, Status: StatusSuccess, Value: []byte("11")}}, r.Subdoc)
	})

	t.Run("failed path", func(t *testing.T) {
		body := binary.BigEndian.AppendUint16([]byte{1}, uint16(StatusSubdocPathExists))
		r, err := Decode(EncodePacket(&Packet{Magic: MagicRes, Opcode: OpSubdocMultiMutation, Status: StatusSubdocMultiPathFailure, Value: body}))
		require.NoError(t, err)

		assert.False(t, r.Success())
		idx, status, ok := r.FailedPath()
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		assert.Equal(t, StatusSubdocPathExists, status)
	})
}

func TestSubdocContracts(t *testing.T) {
	lookup := NewLookupIn([]byte("k"), nil, 0)
	mutation := NewMutateIn([]byte("k"), nil, 0, 0, 0)

	assert.True(t, lookup.CanRetry())
	assert.False(t, lookup.IsMutation())
	assert.False(t, mutation.CanRetry())
	assert.True(t, mutation.IsMutation())
	assert.Equal(t, "lookup_in", OpSubdocMultiLookup.String())
	assert.Equal(t, "array_append", SubdocName(SubdocArrayPushLast))
}

func TestCloneCopiesSpecs(t *testing.T) {
	op := NewMutateIn([]byte("k"), []SubdocSpec{{Op: SubdocDictUpsert, Path: "a", Value: []byte("1")}}, 0, 0, 0)
	c := op.Clone()
	c.Specs[0].Value[0] = '2'
	c.Specs[0].Path = "b"

	assert.Equal(t, "1", string(op.Specs[0].Value))
	assert.Equal(t, "a", op.Specs[0].Path)
}
