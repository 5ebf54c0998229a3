package testutils

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"strconv"
	"sync"

	"github.com/couchbase/gomemcached"

	"github.com/pior/couchbase/memd"
)

// FakeServer is a data node speaking the binary protocol on a loopback
// port. Requests are parsed and responses built with gomemcached, so the
// client codec is checked against an independent implementation.
type FakeServer struct {
	listener net.Listener

	mu            sync.Mutex
	docs          map[string]*fakeDoc
	cas           uint64
	seqno         uint64
	username      string
	password      string
	bucket        string
	clusterConfig []byte
	injections    []injection
	counts        map[memd.Opcode]int
	connections   int
	conns         map[net.Conn]struct{}

	wg sync.WaitGroup
}

type fakeDoc struct {
	value  []byte
	flags  uint32
	expiry uint32
	cas    uint64
	// xattrs is a JSON object, nil when the document has none.
	xattrs []byte
}

type injection struct {
	opcode     memd.Opcode
	status     memd.Status
	disconnect bool
	remaining  int
}

// fakeConn is the per-connection handshake state.
type fakeConn struct {
	authed bool
	seqNo  bool
}

const fakeVBucketUUID = 0xfeedface

// NewFakeServer starts a server on 127.0.0.1 with a random port.
func NewFakeServer() (*FakeServer, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &FakeServer{
		listener: l,
		docs:     make(map[string]*fakeDoc),
		counts:   make(map[memd.Opcode]int),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns host:port.
func (s *FakeServer) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the listening port.
func (s *FakeServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *FakeServer) Close() {
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every open connection.
func (s *FakeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// SetCredentials requires SASL PLAIN with these credentials.
func (s *FakeServer) SetCredentials(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password = username, password
}

// SetBucket makes SelectBucket accept only name.
func (s *FakeServer) SetBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket = name
}

// SetClusterConfig sets the document returned by GET_CLUSTER_CONFIG and
// attached to NotMyVBucket responses.
func (s *FakeServer) SetClusterConfig(doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterConfig = append([]byte(nil), doc...)
}

// Inject answers the next times requests of opcode with status.
func (s *FakeServer) Inject(opcode memd.Opcode, status memd.Status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injections = append(s.injections, injection{opcode: opcode, status: status, remaining: times})
}

// InjectDisconnect closes the connection on the next times requests of
// opcode, without answering.
func (s *FakeServer) InjectDisconnect(opcode memd.Opcode, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injections = append(s.injections, injection{opcode: opcode, disconnect: true, remaining: times})
}

// Count returns how many requests of opcode were received.
func (s *FakeServer) Count(opcode memd.Opcode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[opcode]
}

// Connections returns how many connections were accepted.
func (s *FakeServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Value returns the stored value of key.
func (s *FakeServer) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d.value...), true
}

// Xattrs returns the extended attributes of key as a JSON object.
func (s *FakeServer) Xattrs(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok || d.xattrs == nil {
		return nil, false
	}
	return append([]byte(nil), d.xattrs...), true
}

// Store sets key directly.
func (s *FakeServer) Store(key string, value []byte, flags uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cas++
	s.docs[key] = &fakeDoc{value: append([]byte(nil), value...), flags: flags, cas: s.cas}
}

func (s *FakeServer) accept() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.connections++
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *FakeServer) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	r := bufio.NewReader(c)
	hdr := make([]byte, gomemcached.HDR_LEN)
	state := &fakeConn{}
	for {
		var req gomemcached.MCRequest
		if _, err := req.Receive(r, hdr); err != nil {
			return
		}
		res, hangup := s.handle(state, &req)
		if hangup {
			return
		}
		if _, err := c.Write(res.Bytes()); err != nil {
			return
		}
	}
}

func (s *FakeServer) handle(state *fakeConn, req *gomemcached.MCRequest) (*gomemcached.MCResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opcode := memd.Opcode(req.Opcode)
	s.counts[opcode]++

	res := &gomemcached.MCResponse{Opcode: req.Opcode, Opaque: req.Opaque}

	for i := range s.injections {
		inj := &s.injections[i]
		if inj.opcode != opcode || inj.remaining == 0 {
			continue
		}
		inj.remaining--
		if inj.disconnect {
			return nil, true
		}
		res.Status = gomemcached.Status(inj.status)
		if inj.status == memd.StatusNotMyVBucket {
			res.Body = s.clusterConfig
			res.DataType = uint8(memd.DatatypeJSON)
		}
		return res, false
	}

	switch opcode {
	case memd.OpHello:
		// Accept every requested feature.
		res.Body = req.Body
		features, _ := memd.DecodeHelloFeatures(req.Body)
		for _, f := range features {
			if f == memd.FeatureSeqNo {
				state.seqNo = true
			}
		}
		return res, false
	case memd.OpSASLListMechs:
		res.Body = []byte("PLAIN")
		return res, false
	case memd.OpSASLAuth:
		want := "\x00" + s.username + "\x00" + s.password
		if string(req.Key) != "PLAIN" || string(req.Body) != want {
			res.Status = gomemcached.Status(memd.StatusAuthError)
			return res, false
		}
		state.authed = true
		return res, false
	case memd.OpNoop:
		return res, false
	}

	if s.username != "" && !state.authed {
		res.Status = gomemcached.Status(memd.StatusAuthError)
		return res, false
	}

	switch opcode {
	case memd.OpSelectBucket:
		if s.bucket != "" && string(req.Key) != s.bucket {
			res.Status = gomemcached.Status(memd.StatusAccessError)
		}
	case memd.OpGetClusterConfig:
		if s.clusterConfig == nil {
			res.Status = gomemcached.Status(memd.StatusKeyNotFound)
			break
		}
		res.Body = s.clusterConfig
		res.DataType = uint8(memd.DatatypeJSON)
	case memd.OpGet, memd.OpGetReplica, memd.OpGAT:
		s.get(req, res)
	case memd.OpSet, memd.OpAdd, memd.OpReplace:
		s.store(state, opcode, req, res)
	case memd.OpDelete:
		s.remove(state, req, res)
	case memd.OpIncrement, memd.OpDecrement:
		s.counter(state, opcode, req, res)
	case memd.OpAppend, memd.OpPrepend:
		s.concat(state, opcode, req, res)
	case memd.OpSubdocMultiLookup:
		s.multiLookup(req, res)
	case memd.OpSubdocMultiMutation:
		s.multiMutation(state, req, res)
	case memd.OpTouch:
		d, ok := s.docs[string(req.Key)]
		if !ok {
			res.Status = gomemcached.Status(memd.StatusKeyNotFound)
			break
		}
		d.expiry = binary.BigEndian.Uint32(req.Extras)
		s.cas++
		d.cas = s.cas
		res.Cas = d.cas
	default:
		res.Status = gomemcached.Status(memd.StatusUnknownCommand)
	}
	return res, false
}

func (s *FakeServer) get(req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	d, ok := s.docs[string(req.Key)]
	if !ok {
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	}
	if memd.Opcode(req.Opcode) == memd.OpGAT && len(req.Extras) >= 4 {
		d.expiry = binary.BigEndian.Uint32(req.Extras)
	}
	res.Extras = make([]byte, 4)
	binary.BigEndian.PutUint32(res.Extras, d.flags)
	res.Body = append([]byte(nil), d.value...)
	res.Cas = d.cas
}

// casMismatch reports whether a request cas does not match doc.
func casMismatch(req *gomemcached.MCRequest, d *fakeDoc) bool {
	return req.Cas != 0 && d.cas != req.Cas
}

func (s *FakeServer) mutated(state *fakeConn, d *fakeDoc, res *gomemcached.MCResponse) {
	s.cas++
	s.seqno++
	d.cas = s.cas
	res.Cas = d.cas
	if state.seqNo {
		res.Extras = make([]byte, 16)
		binary.BigEndian.PutUint64(res.Extras[0:8], fakeVBucketUUID)
		binary.BigEndian.PutUint64(res.Extras[8:16], s.seqno)
	}
}

func (s *FakeServer) store(state *fakeConn, opcode memd.Opcode, req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	key := string(req.Key)
	d, exists := s.docs[key]

	switch {
	case opcode == memd.OpAdd && exists:
		res.Status = gomemcached.Status(memd.StatusKeyExists)
		return
	case opcode == memd.OpReplace && !exists:
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	case exists && casMismatch(req, d):
		res.Status = gomemcached.Status(memd.StatusKeyExists)
		return
	case !exists && req.Cas != 0:
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	}

	nd := &fakeDoc{value: append([]byte(nil), req.Body...)}
	if len(req.Extras) >= 8 {
		nd.flags = binary.BigEndian.Uint32(req.Extras[0:4])
		nd.expiry = binary.BigEndian.Uint32(req.Extras[4:8])
	}
	s.docs[key] = nd
	s.mutated(state, nd, res)
}

func (s *FakeServer) remove(state *fakeConn, req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	key := string(req.Key)
	d, ok := s.docs[key]
	if !ok {
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	}
	if casMismatch(req, d) {
		res.Status = gomemcached.Status(memd.StatusKeyExists)
		return
	}
	delete(s.docs, key)
	s.mutated(state, &fakeDoc{}, res)
}

func (s *FakeServer) counter(state *fakeConn, opcode memd.Opcode, req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	if len(req.Extras) != 20 {
		res.Status = gomemcached.Status(memd.StatusInvalidArgs)
		return
	}
	delta := binary.BigEndian.Uint64(req.Extras[0:8])
	initial := binary.BigEndian.Uint64(req.Extras[8:16])
	expiry := binary.BigEndian.Uint32(req.Extras[16:20])

	key := string(req.Key)
	d, ok := s.docs[key]
	var value uint64
	switch {
	case !ok && expiry == memd.NoCreateExpiry:
		res.Status = gomemcached.Status(memd.StatusKeyNotFound)
		return
	case !ok:
		value = initial
		d = &fakeDoc{expiry: expiry}
		s.docs[key] = d
	default:
		current, err := strconv.ParseUint(string(d.value), 10, 64)
		if err != nil {
			res.Status = gomemcached.Status(memd.StatusBadDelta)
			return
		}
		if opcode == memd.OpIncrement {
			value = current + delta
		} else if delta > current {
			value = 0
		} else {
			value = current - delta
		}
	}

	d.value = []byte(strconv.FormatUint(value, 10))
	s.mutated(state, d, res)
	res.Body = make([]byte, 8)
	binary.BigEndian.PutUint64(res.Body, value)
}

func (s *FakeServer) concat(state *fakeConn, opcode memd.Opcode, req *gomemcached.MCRequest, res *gomemcached.MCResponse) {
	d, ok := s.docs[string(req.Key)]
	if !ok {
		res.Status = gomemcached.Status(memd.StatusNotStored)
		return
	}
	if casMismatch(req, d) {
		res.Status = gomemcached.Status(memd.StatusKeyExists)
		return
	}
	if opcode == memd.OpAppend {
		d.value = append(d.value, req.Body...)
	} else {
		d.value = append(bytes.Clone(req.Body), d.value...)
	}
	s.mutated(state, d, res)
}
