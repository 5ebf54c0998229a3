// Package memd implements the binary memcached protocol frames used by
// Couchbase data nodes.
//
// Every packet is a 24 byte header followed by extras, key and value:
//
//	magic(1) opcode(1) keylen(2) extlen(1) datatype(1) vbucket|status(2)
//	bodylen(4) opaque(4) cas(8)
//
// All integers are big-endian.
//
// Operation describes a request together with the bookkeeping an executor
// keeps between attempts. Encode produces its frame; the opcode decides the
// extras layout through a single lookup table, so adding a command means
// adding a table entry:
//
//	op := memd.NewCounter(memd.OpDecrement, []byte("hits"), 1, 100, 0)
//	op.Opaque = 7
//	frame, err := memd.Encode(op)
//
// Encode refuses requests whose lengths do not fit the header: document
// keys must hold 1 to MaxKeyLength bytes and extras at most 255.
//
// Decode and ReadPacket validate the declared lengths against the data
// that is actually there and return a *FramingError when they disagree.
// A framing error leaves the stream in an unknown position, so the
// connection must be closed:
//
//	p, err := memd.ReadPacket(r)
//	if memd.IsFramingError(err) {
//	    conn.Close()
//	}
package memd
