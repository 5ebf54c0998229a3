package memd

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(tb testing.TB, op *Operation) []byte {
	tb.Helper()
	frame, err := Encode(op)
	require.NoError(tb, err)
	return frame
}

func TestEncodeDecrementLayout(t *testing.T) {
	op := NewCounter(OpDecrement, []byte("hits"), 1, 100, 0)
	op.Opaque = 7
	op.VBucketID = 513

	frame := mustEncode(t, op)
	require.Len(t, frame, HeaderLen+20+4)

	assert.Equal(t, byte(MagicReq), frame[0])
	assert.Equal(t, byte(OpDecrement), frame[1])
	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(frame[2:4]))
	assert.Equal(t, byte(20), frame[4])
	assert.Equal(t, uint16(513), binary.BigEndian.Uint16(frame[6:8]))
	assert.Equal(t, uint32(24), binary.BigEndian.Uint32(frame[8:12]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(frame[12:16]))

	extras := frame[HeaderLen : HeaderLen+20]
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(extras[0:8]))
	assert.Equal(t, uint64(100), binary.BigEndian.Uint64(extras[8:16]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(extras[16:20]))
	assert.Equal(t, "hits", string(frame[HeaderLen+20:]))
}

func TestEncodeDecodeRequest(t *testing.T) {
	tests := []struct {
		name      string
		op        *Operation
		extrasLen int
	}{
		{"get", NewGet([]byte("k")), 0},
		{"set", NewStore(OpSet, []byte("k"), []byte("v"), 0xdeadbeef, 60, 0), 8},
		{"replace with cas", NewStore(OpReplace, []byte("k"), []byte("v"), 0, 0, 99), 8},
		{"touch", NewTouch([]byte("k"), 10), 4},
		{"append", NewConcat(OpAppend, []byte("k"), []byte("tail"), 0), 0},
		{"noop", NewNoop(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.op.Opaque = 42
			tt.op.VBucketID = 3

			p, err := DecodePacket(mustEncode(t, tt.op))
			require.NoError(t, err)

			assert.False(t, p.IsResponse())
			assert.Equal(t, tt.op.Opcode, p.Opcode)
			assert.Equal(t, tt.op.Opaque, p.Opaque)
			assert.Equal(t, tt.op.VBucketID, p.VBucket)
			assert.Equal(t, tt.op.Cas, p.Cas)
			assert.Len(t, p.Extras, tt.extrasLen)
			assert.Equal(t, string(tt.op.Key), string(p.Key))
			assert.Equal(t, string(tt.op.Value), string(p.Value))
		})
	}
}

func TestEncodeDoesNotAliasCallerBuffers(t *testing.T) {
	key := []byte("key")
	value := []byte("value")
	op := NewStore(OpSet, key, value, 0, 0, 0)

	frame := mustEncode(t, op)
	frame[len(frame)-1] = 'X'
	frame[HeaderLen+8] = 'X'

	assert.Equal(t, "key", string(key))
	assert.Equal(t, "value", string(value))
}

func TestDecodeResponses(t *testing.T) {
	t.Run("get flags", func(t *testing.T) {
		extras := []byte{0, 0, 0x30, 0x39}
		frame := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpGet, Opaque: 1, Cas: 5, Extras: extras, Value: []byte("hello")})

		r, err := Decode(frame)
		require.NoError(t, err)
		assert.True(t, r.Success())
		assert.Equal(t, uint32(12345), r.Flags)
		assert.Equal(t, uint64(5), r.Cas)
		assert.Equal(t, "hello", string(r.Value))
	})

	t.Run("counter value", func(t *testing.T) {
		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, 99)
		frame := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpDecrement, Value: value})

		r, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, uint64(99), r.Counter)
		assert.Nil(t, r.MutationToken)
	})

	t.Run("counter value with wrong size", func(t *testing.T) {
		frame := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpIncrement, Value: []byte("99")})

		_, err := Decode(frame)
		assert.True(t, IsFramingError(err))
	})

	t.Run("mutation token", func(t *testing.T) {
		extras := make([]byte, 16)
		binary.BigEndian.PutUint64(extras[0:8], 0xabcdef)
		binary.BigEndian.PutUint64(extras[8:16], 17)

		op := NewStore(OpSet, []byte("k"), []byte("v"), 0, 0, 0)
		op.Opaque = 9
		op.VBucketID = 12
		op.BucketName = "default"

		p, err := DecodePacket(EncodePacket(&Packet{Magic: MagicRes, Opcode: OpSet, Opaque: 9, Extras: extras}))
		require.NoError(t, err)

		r, err := op.DecodeResponse(p)
		require.NoError(t, err)
		require.NotNil(t, r.MutationToken)
		assert.Equal(t, MutationToken{VBucketID: 12, VBucketUUID: 0xabcdef, SeqNo: 17, BucketName: "default"}, *r.MutationToken)
	})

	t.Run("error status skips typed decoding", func(t *testing.T) {
		frame := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpGet, Status: StatusKeyNotFound, Value: []byte("Not found")})

		r, err := Decode(frame)
		require.NoError(t, err)
		assert.False(t, r.Success())
		assert.Equal(t, StatusKeyNotFound, r.Status)
		assert.Equal(t, "Not found", string(r.Value))
	})

	t.Run("opaque mismatch", func(t *testing.T) {
		op := NewGet([]byte("k"))
		op.Opaque = 1

		_, err := op.DecodeResponse(&Packet{Magic: MagicRes, Opcode: OpGet, Opaque: 2})
		assert.ErrorIs(t, err, ErrOpaqueMismatch)
	})

	t.Run("request magic", func(t *testing.T) {
		_, err := Decode(mustEncode(t, NewNoop()))
		assert.True(t, IsFramingError(err))
	})
}

func TestDecodeFramingErrors(t *testing.T) {
	valid := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpGet, Extras: []byte{0, 0, 0, 0}, Key: []byte("k"), Value: []byte("v")})

	badMagic := bytes.Clone(valid)
	badMagic[0] = 0x42

	keyTooLong := bytes.Clone(valid)
	binary.BigEndian.PutUint16(keyTooLong[2:4], 100)

	bodyTooLong := bytes.Clone(valid)
	binary.BigEndian.PutUint32(bodyTooLong[8:12], 1000)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", valid[:10]},
		{"bad magic", badMagic},
		{"extras and key beyond body", keyTooLong},
		{"declared body longer than frame", bodyTooLong},
		{"trailing bytes", append(bytes.Clone(valid), 0)},
		{"truncated body", valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket(tt.frame)
			require.Error(t, err)

			var fe *FramingError
			require.ErrorAs(t, err, &fe)
			assert.True(t, fe.ShouldCloseConnection())
		})
	}
}

func TestReadPacket(t *testing.T) {
	t.Run("stream of frames", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, &Packet{Magic: MagicRes, Opcode: OpNoop, Opaque: 1}))
		require.NoError(t, WritePacket(&buf, &Packet{Magic: MagicRes, Opcode: OpGet, Opaque: 2, Extras: []byte{0, 0, 0, 1}, Value: []byte("x")}))

		p, err := ReadPacket(&buf)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), p.Opaque)

		p, err = ReadPacket(&buf)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), p.Opaque)
		assert.Equal(t, "x", string(p.Value))

		_, err = ReadPacket(&buf)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("truncated body", func(t *testing.T) {
		frame := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpGet, Value: []byte("hello")})

		_, err := ReadPacket(bytes.NewReader(frame[:len(frame)-2]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("body above limit", func(t *testing.T) {
		hdr := EncodePacket(&Packet{Magic: MagicRes, Opcode: OpGet})
		binary.BigEndian.PutUint32(hdr[8:12], uint32(MaxBodyLen+1))

		_, err := ReadPacket(bytes.NewReader(hdr))
		assert.True(t, IsFramingError(err))
	})
}

func TestCrossCheckWithGomemcached(t *testing.T) {
	t.Run("request parsed by gomemcached", func(t *testing.T) {
		op := NewStore(OpSet, []byte("doc"), []byte(`{"a":1}`), 7, 30, 11)
		op.Opaque = 1234
		op.VBucketID = 99

		var req gomemcached.MCRequest
		_, err := req.Receive(bytes.NewReader(mustEncode(t, op)), nil)
		require.NoError(t, err)

		assert.Equal(t, gomemcached.SET, req.Opcode)
		assert.Equal(t, uint32(1234), req.Opaque)
		assert.Equal(t, uint16(99), req.VBucket)
		assert.Equal(t, uint64(11), req.Cas)
		assert.Equal(t, "doc", string(req.Key))
		assert.Equal(t, `{"a":1}`, string(req.Body))
		require.Len(t, req.Extras, 8)
		assert.Equal(t, uint32(7), binary.BigEndian.Uint32(req.Extras[0:4]))
		assert.Equal(t, uint32(30), binary.BigEndian.Uint32(req.Extras[4:8]))
	})

	t.Run("gomemcached response decoded", func(t *testing.T) {
		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, 100)
		res := &gomemcached.MCResponse{
			Opcode: gomemcached.DECREMENT,
			Status: gomemcached.SUCCESS,
			Opaque: 77,
			Cas:    3,
			Body:   value,
		}

		r, err := Decode(res.Bytes())
		require.NoError(t, err)
		assert.Equal(t, OpDecrement, r.Opcode)
		assert.Equal(t, uint32(77), r.Opaque)
		assert.Equal(t, uint64(100), r.Counter)
	})

	t.Run("gomemcached error status", func(t *testing.T) {
		res := &gomemcached.MCResponse{
			Opcode: gomemcached.ADD,
			Status: gomemcached.KEY_EEXISTS,
			Opaque: 5,
		}

		r, err := Decode(res.Bytes())
		require.NoError(t, err)
		assert.Equal(t, StatusKeyExists, r.Status)
	})
}

func TestCloneCopiesBookkeeping(t *testing.T) {
	op := NewStore(OpSet, []byte("k"), []byte("v"), 1, 2, 3)
	op.Attempts = 2
	op.LastRevisionTried = 8
	op.MutationToken = &MutationToken{SeqNo: 4}

	c := op.Clone()
	c.Key[0] = 'x'
	c.Value[0] = 'x'
	c.MutationToken.SeqNo = 5

	assert.Equal(t, "k", string(op.Key))
	assert.Equal(t, "v", string(op.Value))
	assert.Equal(t, uint64(4), op.MutationToken.SeqNo)
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, int64(8), c.LastRevisionTried)
}

func TestOperationContracts(t *testing.T) {
	assert.True(t, NewGet(nil).CanRetry())
	assert.False(t, NewGet(nil).IsMutation())
	assert.False(t, NewCounter(OpIncrement, nil, 1, 0, 0).CanRetry())
	assert.False(t, NewStore(OpAdd, nil, nil, 0, 0, 0).CanRetry())
	assert.True(t, NewStore(OpSet, nil, nil, 0, 0, 0).IsMutation())
	assert.Equal(t, "decrement", OpDecrement.String())
	assert.Equal(t, "opcode(0x7f)", Opcode(0x7f).String())
	assert.False(t, Known(Opcode(0x7f)))
}

func TestHelloFeatures(t *testing.T) {
	body := EncodeHelloFeatures([]HelloFeature{FeatureSeqNo, FeatureXerror})
	assert.Equal(t, []byte{0, 4, 0, 7}, body)

	features, err := DecodeHelloFeatures(body)
	require.NoError(t, err)
	assert.Equal(t, []HelloFeature{FeatureSeqNo, FeatureXerror}, features)

	_, err = DecodeHelloFeatures([]byte{0})
	assert.True(t, IsFramingError(err))
}

// Run with: go test -fuzz='^FuzzDecodePacket$' -fuzztime=60s ./memd
func FuzzDecodePacket(f *testing.F) {
	f.Add(EncodePacket(&Packet{Magic: MagicRes, Opcode: OpGet, Extras: []byte{0, 0, 0, 0}, Value: []byte("v")}))
	f.Add(mustEncode(f, NewCounter(OpIncrement, []byte("k"), 1, 0, 0)))
	f.Add([]byte{})
	f.Add(make([]byte, HeaderLen))

	f.Fuzz(func(t *testing.T, frame []byte) {
		p, err := DecodePacket(frame)
		if err != nil {
			if !IsFramingError(err) {
				t.Fatalf("unexpected error type %T", err)
			}
			return
		}
		if !bytes.Equal(EncodePacket(p), frame) {
			t.Fatalf("re-encoding differs")
		}
	})
}

func TestEncodeRejectsInvalidLengths(t *testing.T) {
	t.Run("key at the limit", func(t *testing.T) {
		key := bytes.Repeat([]byte("k"), MaxKeyLength)
		p, err := DecodePacket(mustEncode(t, NewStore(OpSet, key, []byte("v"), 0, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, key, p.Key)
	})

	t.Run("key over the limit", func(t *testing.T) {
		key := bytes.Repeat([]byte("k"), MaxKeyLength+1)
		_, err := Encode(NewGet(key))
		var keyErr *InvalidKeyError
		require.ErrorAs(t, err, &keyErr)
		assert.Equal(t, MaxKeyLength+1, keyErr.Len)
	})

	t.Run("key wider than the header field", func(t *testing.T) {
		key := append(bytes.Repeat([]byte("x"), 65536), "user1"...)
		frame, err := Encode(NewStore(OpSet, key, []byte("v"), 0, 0, 0))
		assert.Nil(t, frame)
		var keyErr *InvalidKeyError
		require.ErrorAs(t, err, &keyErr)

		// Unkeyed requests still hit the header limit.
		err = (&Packet{Magic: MagicReq, Opcode: OpSASLAuth, Key: key}).Validate()
		var sizeErr *FrameSizeError
		require.ErrorAs(t, err, &sizeErr)
		assert.Equal(t, "key", sizeErr.Field)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := Encode(NewDelete(nil, 0))
		var keyErr *InvalidKeyError
		require.ErrorAs(t, err, &keyErr)
		assert.False(t, keyErr.ShouldCloseConnection())
	})

	t.Run("unkeyed request", func(t *testing.T) {
		_, err := Encode(NewNoop())
		assert.NoError(t, err)
	})

	t.Run("extras and body", func(t *testing.T) {
		p := &Packet{Magic: MagicReq, Opcode: OpSet, Key: []byte("k"), Extras: make([]byte, 256)}
		var sizeErr *FrameSizeError
		require.ErrorAs(t, p.Validate(), &sizeErr)
		assert.Equal(t, "extras", sizeErr.Field)

		p = &Packet{Magic: MagicReq, Opcode: OpSet, Key: []byte("k"), Value: make([]byte, MaxBodyLen)}
		require.ErrorAs(t, WritePacket(io.Discard, p), &sizeErr)
		assert.Equal(t, "body", sizeErr.Field)
	})

	t.Run("append leaves dst untouched", func(t *testing.T) {
		dst := []byte("prefix")
		out, err := AppendFrame(dst, NewGet(nil))
		require.Error(t, err)
		assert.Equal(t, "prefix", string(out))
	})
}
