package memd

import (
	"encoding/binary"
	"io"
	"math"
)

// Packet is one frame on the wire. VBucket is meaningful for requests,
// Status for responses.
type Packet struct {
	Magic    Magic
	Opcode   Opcode
	Datatype Datatype
	VBucket  uint16
	Status   Status
	Opaque   uint32
	Cas      uint64
	Extras   []byte
	Key      []byte
	Value    []byte
}

// IsResponse reports whether the packet carries a response magic.
func (p *Packet) IsResponse() bool {
	return p.Magic == MagicRes
}

// Len returns the encoded size of the packet.
func (p *Packet) Len() int {
	return HeaderLen + len(p.Extras) + len(p.Key) + len(p.Value)
}

// Validate checks that every length of p fits its header field and that
// the body stays under MaxBodyLen.
func (p *Packet) Validate() error {
	if len(p.Key) > math.MaxUint16 {
		return &FrameSizeError{Field: "key", Len: len(p.Key), Max: math.MaxUint16}
	}
	if len(p.Extras) > math.MaxUint8 {
		return &FrameSizeError{Field: "extras", Len: len(p.Extras), Max: math.MaxUint8}
	}
	if body := len(p.Extras) + len(p.Key) + len(p.Value); body > MaxBodyLen {
		return &FrameSizeError{Field: "body", Len: body, Max: MaxBodyLen}
	}
	return nil
}

// AppendPacket appends the wire encoding of p to dst. p must pass Validate:
// oversized fields would be truncated in the header.
func AppendPacket(dst []byte, p *Packet) []byte {
	var hdr [HeaderLen]byte
	hdr[0] = byte(p.Magic)
	hdr[1] = byte(p.Opcode)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(p.Key)))
	hdr[4] = byte(len(p.Extras))
	hdr[5] = byte(p.Datatype)
	if p.Magic == MagicRes {
		binary.BigEndian.PutUint16(hdr[6:8], uint16(p.Status))
	} else {
		binary.BigEndian.PutUint16(hdr[6:8], p.VBucket)
	}
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(p.Extras)+len(p.Key)+len(p.Value)))
	binary.BigEndian.PutUint32(hdr[12:16], p.Opaque)
	binary.BigEndian.PutUint64(hdr[16:24], p.Cas)

	dst = append(dst, hdr[:]...)
	dst = append(dst, p.Extras...)
	dst = append(dst, p.Key...)
	dst = append(dst, p.Value...)
	return dst
}

// EncodePacket returns a newly allocated frame for p.
func EncodePacket(p *Packet) []byte {
	return AppendPacket(make([]byte, 0, p.Len()), p)
}

// WritePacket validates p and writes its frame to w.
func WritePacket(w io.Writer, p *Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := w.Write(EncodePacket(p))
	return err
}

type header struct {
	magic     Magic
	opcode    Opcode
	keyLen    int
	extrasLen int
	datatype  Datatype
	vbOrStat  uint16
	bodyLen   int
	opaque    uint32
	cas       uint64
}

func parseHeader(b []byte) (header, error) {
	h := header{
		magic:     Magic(b[0]),
		opcode:    Opcode(b[1]),
		keyLen:    int(binary.BigEndian.Uint16(b[2:4])),
		extrasLen: int(b[4]),
		datatype:  Datatype(b[5]),
		vbOrStat:  binary.BigEndian.Uint16(b[6:8]),
		bodyLen:   int(binary.BigEndian.Uint32(b[8:12])),
		opaque:    binary.BigEndian.Uint32(b[12:16]),
		cas:       binary.BigEndian.Uint64(b[16:24]),
	}
	if h.magic != MagicReq && h.magic != MagicRes {
		return h, &FramingError{Message: "invalid magic", Offset: 0}
	}
	if h.extrasLen+h.keyLen > h.bodyLen {
		return h, &FramingError{Message: "extras and key exceed declared body length", Offset: 8}
	}
	return h, nil
}

func (h header) packet(body []byte) *Packet {
	p := &Packet{
		Magic:    h.magic,
		Opcode:   h.opcode,
		Datatype: h.datatype,
		Opaque:   h.opaque,
		Cas:      h.cas,
	}
	if h.magic == MagicRes {
		p.Status = Status(h.vbOrStat)
	} else {
		p.VBucket = h.vbOrStat
	}
	if h.extrasLen > 0 {
		p.Extras = body[:h.extrasLen]
	}
	if h.keyLen > 0 {
		p.Key = body[h.extrasLen : h.extrasLen+h.keyLen]
	}
	if h.bodyLen > h.extrasLen+h.keyLen {
		p.Value = body[h.extrasLen+h.keyLen:]
	}
	return p
}

// DecodePacket parses exactly one frame. The declared lengths must match
// len(frame); the returned packet aliases a private copy of frame.
func DecodePacket(frame []byte) (*Packet, error) {
	if len(frame) < HeaderLen {
		return nil, &FramingError{Message: "short header", Offset: len(frame)}
	}
	h, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	if HeaderLen+h.bodyLen != len(frame) {
		return nil, &FramingError{Message: "declared body length does not match frame size", Offset: 8}
	}
	body := make([]byte, h.bodyLen)
	copy(body, frame[HeaderLen:])
	return h.packet(body), nil
}

// ReadPacket reads one frame from r.
// A header that cannot be trusted yields a *FramingError; short reads
// are returned as the underlying I/O error.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if h.bodyLen > MaxBodyLen {
		return nil, &FramingError{Message: "declared body length exceeds limit", Offset: 8}
	}
	body := make([]byte, h.bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return h.packet(body), nil
}
