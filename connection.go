package couchbase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/couchbase/clog"
	"github.com/google/uuid"

	"github.com/pior/couchbase/internal"
	"github.com/pior/couchbase/internal/coarsetime"
	"github.com/pior/couchbase/memd"
)

// ConnectionState is the lifecycle stage of a Connection.
type ConnectionState int32

const (
	StateUnauthenticated ConnectionState = iota
	StateAuthenticating
	StateReady
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DefaultHelloFeatures are negotiated on every new connection.
var DefaultHelloFeatures = []memd.HelloFeature{
	memd.FeatureSeqNo,
	memd.FeatureXerror,
	memd.FeatureSelectBucket,
}

// ConnectionConfig holds what Open needs to bring a connection to Ready.
type ConnectionConfig struct {
	// Bucket is selected after authentication when not empty.
	Bucket string

	UserAgent string

	// Features requested in HELLO. Nil means DefaultHelloFeatures; an empty
	// non-nil slice skips HELLO.
	Features []memd.HelloFeature

	// Authenticator is skipped when nil.
	Authenticator Authenticator

	DialFunc DialFunc

	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration
}

var framePool = internal.NewBufferPool(4096)

// maxAbandoned bounds the requests a connection keeps waiting for after
// their callers gave up.
const maxAbandoned = 1024

// Connection is one framed duplex stream to a data node. Requests are
// multiplexed by opaque; a single reader goroutine matches responses back
// to their senders.
type Connection struct {
	id      string
	addr    string
	netConn net.Conn

	state    atomic.Int32
	lastUsed atomic.Int64
	features []memd.HelloFeature

	writeMu sync.Mutex

	mu         sync.Mutex
	nextOpaque uint32
	pending    map[uint32]*PendingOp
	// abandoned holds opaques whose callers gave up; their late responses
	// are dropped instead of treated as protocol errors. Past abandonLimit
	// the node is considered stuck and the connection is closed.
	abandoned    map[uint32]struct{}
	abandonLimit int
	closeErr  error
	closed    chan struct{}
}

// PendingOp is a request written to a connection and not yet answered.
type PendingOp struct {
	conn   *Connection
	op     *memd.Operation
	opaque uint32
	done   chan struct{}
	resp   *memd.Response
	err    error
}

// Open dials addr and runs the handshake: HELLO, authentication, bucket
// selection. It returns only a Ready connection.
func Open(ctx context.Context, addr string, cfg ConnectionConfig) (*Connection, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	dial := cfg.DialFunc
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	netConn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Addr: addr, Op: "dial", Err: err}
	}

	c := NewConnection(netConn, addr)
	if err := c.handshake(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection wraps an established stream and starts its reader. The
// connection stays Unauthenticated until the caller drives the handshake.
func NewConnection(netConn net.Conn, addr string) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		addr:      addr,
		netConn:   netConn,
		pending:   make(map[uint32]*PendingOp),
		abandoned:    make(map[uint32]struct{}),
		abandonLimit: maxAbandoned,
		closed:       make(chan struct{}),
	}
	c.touch()
	go c.readLoop()
	return c
}

func (c *Connection) handshake(ctx context.Context, cfg ConnectionConfig) error {
	c.setState(StateAuthenticating)

	features := cfg.Features
	if features == nil {
		features = DefaultHelloFeatures
	}
	if len(features) > 0 {
		if err := c.hello(ctx, cfg.UserAgent, features); err != nil {
			return err
		}
	}

	if cfg.Authenticator != nil {
		if err := cfg.Authenticator.Authenticate(ctx, c); err != nil {
			return c.authError(cfg.Authenticator.Mechanism(), err)
		}
	}

	if cfg.Bucket != "" {
		if err := c.selectBucket(ctx, cfg.Bucket); err != nil {
			return err
		}
	}

	c.setState(StateReady)
	return nil
}

func (c *Connection) authError(mechanism string, err error) error {
	var ae *AuthenticationError
	if errors.As(err, &ae) || IsTransportError(err) || memd.IsFramingError(err) {
		return err
	}
	return &AuthenticationError{Addr: c.addr, Mechanism: mechanism, Err: err}
}

func (c *Connection) hello(ctx context.Context, userAgent string, features []memd.HelloFeature) error {
	resp, err := c.Execute(ctx, memd.NewHello(userAgent, features...))
	if err != nil {
		return err
	}
	if !resp.Success() {
		// Servers without HELLO answer UnknownCommand; carry on without features.
		log.Warnf("couchbase: connection %s: hello rejected: %s", c.addr, resp.Status)
		return nil
	}
	negotiated, err := memd.DecodeHelloFeatures(resp.Value)
	if err != nil {
		return err
	}
	c.features = negotiated
	return nil
}

func (c *Connection) selectBucket(ctx context.Context, bucket string) error {
	resp, err := c.Execute(ctx, memd.NewSelectBucket(bucket))
	if err != nil {
		return err
	}
	if !resp.Success() {
		return &AuthenticationError{Addr: c.addr, Mechanism: "select_bucket", Status: resp.Status}
	}
	return nil
}

// Send writes op with a fresh opaque and returns a handle on its response.
// op.Opaque is overwritten.
func (c *Connection) Send(ctx context.Context, op *memd.Operation) (*PendingOp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := op.Validate(); err != nil {
		return nil, err
	}

	p := &PendingOp{conn: c, op: op, done: make(chan struct{})}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return nil, &TransportError{Addr: c.addr, Op: "write", Err: ErrConnectionClosed}
	}
	c.nextOpaque++
	if c.nextOpaque == 0 {
		c.nextOpaque++
	}
	p.opaque = c.nextOpaque
	op.Opaque = p.opaque
	c.pending[p.opaque] = p
	c.mu.Unlock()

	buf := framePool.Get()
	frame, err := memd.AppendFrame(buf.AvailableBuffer(), op)
	if err != nil {
		framePool.Put(buf)
		c.mu.Lock()
		delete(c.pending, p.opaque)
		c.mu.Unlock()
		return nil, err
	}
	buf.Write(frame)

	c.writeMu.Lock()
	err = c.write(ctx, buf.Bytes())
	c.writeMu.Unlock()
	framePool.Put(buf)

	if err != nil {
		terr := &TransportError{Addr: c.addr, Op: "write", Err: err}
		c.closeWith(terr)
		return nil, terr
	}
	c.touch()
	return p, nil
}

// write sends frame under writeMu. A context without deadline still
// interrupts a blocked write: cancellation moves the deadline to now.
func (c *Connection) write(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.netConn.SetWriteDeadline(deadline)
	} else {
		_ = c.netConn.SetWriteDeadline(time.Time{})
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetWriteDeadline(time.Now())
		close(fired)
	})
	_, err := c.netConn.Write(frame)
	if !stop() {
		// The next writer must not see this deadline land after its own.
		<-fired
	}
	return err
}

// Wait blocks until the response arrives, the connection fails or ctx
// ends. A cancelled wait abandons the request; the connection stays usable.
func (p *PendingOp) Wait(ctx context.Context) (*memd.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		p.conn.abandon(p.opaque)
		select {
		case <-p.done:
			return p.resp, p.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Opaque returns the correlation id assigned by Send.
func (p *PendingOp) Opaque() uint32 {
	return p.opaque
}

// Execute sends op and waits for its response.
func (c *Connection) Execute(ctx context.Context, op *memd.Operation) (*memd.Response, error) {
	p, err := c.Send(ctx, op)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Ping sends a noop.
func (c *Connection) Ping(ctx context.Context) error {
	resp, err := c.Execute(ctx, memd.NewNoop())
	if err != nil {
		return err
	}
	if !resp.Success() {
		return newServerStatusError(resp)
	}
	return nil
}

func (c *Connection) readLoop() {
	r := bufio.NewReaderSize(c.netConn, 16*1024)
	for {
		p, err := memd.ReadPacket(r)
		if err != nil {
			if !memd.IsFramingError(err) {
				err = &TransportError{Addr: c.addr, Op: "read", Err: err}
			}
			c.closeWith(err)
			return
		}
		if !p.IsResponse() {
			c.closeWith(&memd.FramingError{Message: "unexpected request from server", Offset: 0})
			return
		}
		if err := c.dispatch(p); err != nil {
			c.closeWith(err)
			return
		}
	}
}

func (c *Connection) dispatch(p *memd.Packet) error {
	c.mu.Lock()
	pending, ok := c.pending[p.Opaque]
	if ok {
		delete(c.pending, p.Opaque)
	} else if _, dropped := c.abandoned[p.Opaque]; dropped {
		delete(c.abandoned, p.Opaque)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !ok {
		return &memd.FramingError{Message: fmt.Sprintf("response for unknown opaque %d", p.Opaque), Offset: 12}
	}

	c.touch()
	pending.resp, pending.err = pending.op.DecodeResponse(p)
	close(pending.done)
	return nil
}

func (c *Connection) abandon(opaque uint32) {
	c.mu.Lock()
	if _, ok := c.pending[opaque]; ok {
		delete(c.pending, opaque)
		c.abandoned[opaque] = struct{}{}
	}
	stuck := len(c.abandoned) > c.abandonLimit
	c.mu.Unlock()

	if stuck {
		log.Warnf("couchbase: connection %s: more than %d abandoned requests, closing", c.addr, c.abandonLimit)
		c.closeWith(&TransportError{Addr: c.addr, Op: "read", Err: ErrTooManyAbandoned})
	}
}

// closeWith closes the stream once and fails every pending request with err.
func (c *Connection) closeWith(err error) {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint32]*PendingOp)
	c.abandoned = nil
	c.mu.Unlock()

	c.setState(StateClosed)
	_ = c.netConn.Close()

	for _, p := range pending {
		p.err = err
		close(p.done)
	}
	close(c.closed)
}

// Close closes the connection. Pending requests fail with a *TransportError.
func (c *Connection) Close() error {
	c.closeWith(&TransportError{Addr: c.addr, Op: "read", Err: ErrConnectionClosed})
	return nil
}

func (c *Connection) ID() string   { return c.id }
func (c *Connection) Addr() string { return c.addr }

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// IsClosed returns whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection closed, nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// InFlight returns the number of requests awaiting a response.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastUsed returns when a frame was last written or read.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

func (c *Connection) touch() {
	c.lastUsed.Store(coarsetime.Now().UnixNano())
}

// Features returns the HELLO features the server accepted.
func (c *Connection) Features() []memd.HelloFeature {
	return c.features
}

func (c *Connection) HasFeature(f memd.HelloFeature) bool {
	for _, have := range c.features {
		if have == f {
			return true
		}
	}
	return false
}
