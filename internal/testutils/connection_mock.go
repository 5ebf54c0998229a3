package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionMock is an in-memory net.Conn. Reads block until data is fed
// or the mock is closed; writes are recorded.
type ConnectionMock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	closed   bool
	eof      bool
	writeErr error
	writes   int
}

// NewConnectionMock creates a mock connection with frames ready to be read.
func NewConnectionMock(frames ...[]byte) *ConnectionMock {
	m := &ConnectionMock{}
	m.cond = sync.NewCond(&m.mu)
	for _, f := range frames {
		m.readBuf.Write(f)
	}
	return m
}

// Feed makes frames available to the reader.
func (m *ConnectionMock) Feed(frames ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		m.readBuf.Write(f)
	}
	m.cond.Broadcast()
}

// Hangup makes reads return io.EOF once the fed data is consumed.
func (m *ConnectionMock) Hangup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eof = true
	m.cond.Broadcast()
}

// FailWrites makes every following write return err.
func (m *ConnectionMock) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.readBuf.Len() == 0 {
		if m.closed {
			return 0, net.ErrClosed
		}
		if m.eof {
			return 0, io.EOF
		}
		m.cond.Wait()
	}
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes++
	m.cond.Broadcast()
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// WaitWrites blocks until n writes happened or the timeout passed, and
// reports whether they did.
func (m *ConnectionMock) WaitWrites(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		got := m.writes
		m.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11210}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns the bytes written to the mock connection.
func (m *ConnectionMock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}
