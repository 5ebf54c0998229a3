package couchbase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchbase/internal/testutils"
	"github.com/pior/couchbase/memd"
)

// sentRequests waits for n writes on mock and decodes every request frame
// written so far.
func sentRequests(t *testing.T, mock *testutils.ConnectionMock, n int) []*memd.Packet {
	t.Helper()
	require.True(t, mock.WaitWrites(n, time.Second), "expected %d writes", n)

	r := bytes.NewReader(mock.Written())
	var reqs []*memd.Packet
	for {
		p, err := memd.ReadPacket(r)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		reqs = append(reqs, p)
	}
	require.Len(t, reqs, n)
	return reqs
}

func getResponse(req *memd.Packet, value string) []byte {
	return memd.EncodePacket(&memd.Packet{
		Magic:  memd.MagicRes,
		Opcode: req.Opcode,
		Opaque: req.Opaque,
		Cas:    7,
		Extras: []byte{0, 0, 0, 1},
		Value:  []byte(value),
	})
}

func TestConnection_OutOfOrderResponses(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	defer conn.Close()

	ctx := context.Background()
	p1, err := conn.Send(ctx, memd.NewGet([]byte("a")))
	require.NoError(t, err)
	p2, err := conn.Send(ctx, memd.NewGet([]byte("b")))
	require.NoError(t, err)
	assert.NotEqual(t, p1.Opaque(), p2.Opaque())
	assert.Equal(t, 2, conn.InFlight())

	reqs := sentRequests(t, mock, 2)
	assert.Equal(t, []byte("a"), reqs[0].Key)
	assert.Equal(t, []byte("b"), reqs[1].Key)

	mock.Feed(getResponse(reqs[1], "value-b"), getResponse(reqs[0], "value-a"))

	r1, err := p1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "value-a", string(r1.Value))
	assert.Equal(t, uint32(1), r1.Flags)

	r2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "value-b", string(r2.Value))

	assert.Equal(t, 0, conn.InFlight())
	assert.False(t, conn.IsClosed())
}

func TestConnection_OpaqueNeverZero(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	defer conn.Close()

	conn.nextOpaque = ^uint32(0)
	p, err := conn.Send(context.Background(), memd.NewNoop())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Opaque())
}

func TestConnection_UnknownOpaqueClosesConnection(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")

	ctx := context.Background()
	p, err := conn.Send(ctx, memd.NewGet([]byte("a")))
	require.NoError(t, err)
	sentRequests(t, mock, 1)

	mock.Feed(memd.EncodePacket(&memd.Packet{Magic: memd.MagicRes, Opcode: memd.OpGet, Opaque: 4242}))

	_, err = p.Wait(ctx)
	require.Error(t, err)
	assert.True(t, memd.IsFramingError(err))

	<-conn.Done()
	assert.True(t, conn.IsClosed())
	assert.True(t, mock.IsClosed())
	assert.True(t, ShouldCloseConnection(conn.Err()))
}

func TestConnection_RequestMagicFromServer(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")

	mock.Feed(memd.EncodePacket(&memd.Packet{Magic: memd.MagicReq, Opcode: memd.OpNoop}))

	<-conn.Done()
	assert.True(t, memd.IsFramingError(conn.Err()))
}

func TestConnection_AbandonedResponseIsDropped(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := conn.Send(ctx, memd.NewGet([]byte("slow")))
	require.NoError(t, err)
	reqs := sentRequests(t, mock, 1)

	cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ShouldCloseConnection(err))

	// The late response must not break the stream for the next request.
	p2, err := conn.Send(context.Background(), memd.NewGet([]byte("next")))
	require.NoError(t, err)
	reqs = sentRequests(t, mock, 2)

	mock.Feed(getResponse(reqs[0], "late"), getResponse(reqs[1], "fresh"))

	resp, err := p2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(resp.Value))
	assert.False(t, conn.IsClosed())
}

func TestConnection_AbandonLimitClosesConnection(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	conn.abandonLimit = 2

	for i := range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		p, err := conn.Send(ctx, memd.NewGet([]byte("stuck")))
		require.NoError(t, err, "request %d", i)
		cancel()
		_, err = p.Wait(ctx)
		require.ErrorIs(t, err, context.Canceled)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection still open past the abandon limit")
	}
	assert.ErrorIs(t, conn.Err(), ErrTooManyAbandoned)
	assert.True(t, mock.IsClosed())
}

func TestConnection_CancelInterruptsBlockedWrite(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConnection(client, "node1:11210")
	defer conn.Close()

	// Nobody reads server, so the write blocks until cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := conn.Send(ctx, memd.NewGet([]byte("k")))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.True(t, conn.IsClosed())
}

func TestConnection_InvalidKeyIsNotWritten(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	defer conn.Close()

	for _, key := range []string{"", strings.Repeat("k", memd.MaxKeyLength+1), strings.Repeat("x", 65536) + "user1"} {
		_, err := conn.Send(context.Background(), memd.NewStore(memd.OpSet, []byte(key), []byte("v"), 0, 0, 0))
		var keyErr *memd.InvalidKeyError
		require.ErrorAs(t, err, &keyErr)
		assert.False(t, ShouldCloseConnection(err))
	}

	assert.Empty(t, mock.Written())
	assert.Equal(t, 0, conn.InFlight())
	assert.False(t, conn.IsClosed())

	_, err := conn.Send(context.Background(), memd.NewGet([]byte(strings.Repeat("k", memd.MaxKeyLength))))
	require.NoError(t, err)
	sentRequests(t, mock, 1)
}

func TestConnection_ServerHangupFailsPending(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")

	p, err := conn.Send(context.Background(), memd.NewGet([]byte("a")))
	require.NoError(t, err)
	sentRequests(t, mock, 1)

	mock.Hangup()

	_, err = p.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.True(t, conn.IsClosed())
}

func TestConnection_SendAfterClose(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	require.NoError(t, conn.Close())

	_, err := conn.Send(context.Background(), memd.NewNoop())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnection_WriteFailureCloses(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")

	writeErr := errors.New("broken pipe")
	mock.FailWrites(writeErr)

	_, err := conn.Send(context.Background(), memd.NewNoop())
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.True(t, conn.IsClosed())
}

func TestConnection_CloseFailsPending(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")

	p, err := conn.Send(context.Background(), memd.NewGet([]byte("a")))
	require.NoError(t, err)

	conn.Close()
	conn.Close()

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnection_StatusResponse(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, "node1:11210")
	defer conn.Close()

	p, err := conn.Send(context.Background(), memd.NewGet([]byte("missing")))
	require.NoError(t, err)
	reqs := sentRequests(t, mock, 1)

	mock.Feed(memd.EncodePacket(&memd.Packet{
		Magic:  memd.MagicRes,
		Opcode: memd.OpGet,
		Status: memd.StatusKeyNotFound,
		Opaque: reqs[0].Opaque,
	}))

	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
	assert.False(t, conn.IsClosed())
}

func newTestServer(t *testing.T) *testutils.FakeServer {
	t.Helper()
	srv, err := testutils.NewFakeServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpen_Handshake(t *testing.T) {
	srv := newTestServer(t)
	srv.SetCredentials("app", "secret")
	srv.SetBucket("default")

	conn, err := Open(context.Background(), srv.Addr(), ConnectionConfig{
		Bucket:         "default",
		UserAgent:      "test",
		Authenticator:  &PlainAuthenticator{Username: "app", Password: "secret"},
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, StateReady, conn.State())
	assert.True(t, conn.HasFeature(memd.FeatureSeqNo))
	assert.Equal(t, 1, srv.Count(memd.OpHello))
	assert.Equal(t, 1, srv.Count(memd.OpSASLAuth))
	assert.Equal(t, 1, srv.Count(memd.OpSelectBucket))

	require.NoError(t, conn.Ping(context.Background()))

	mechs, err := ListMechanisms(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"PLAIN"}, mechs)
}

func TestOpen_SkipHello(t *testing.T) {
	srv := newTestServer(t)

	conn, err := Open(context.Background(), srv.Addr(), ConnectionConfig{Features: []memd.HelloFeature{}})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 0, srv.Count(memd.OpHello))
	assert.Empty(t, conn.Features())
}

func TestOpen_BadPassword(t *testing.T) {
	srv := newTestServer(t)
	srv.SetCredentials("app", "secret")

	_, err := Open(context.Background(), srv.Addr(), ConnectionConfig{
		Authenticator: &PlainAuthenticator{Username: "app", Password: "wrong"},
	})
	require.Error(t, err)

	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "PLAIN", ae.Mechanism)
	assert.True(t, ShouldCloseConnection(err))
}

func TestOpen_UnknownBucket(t *testing.T) {
	srv := newTestServer(t)
	srv.SetBucket("default")

	_, err := Open(context.Background(), srv.Addr(), ConnectionConfig{Bucket: "other"})
	require.Error(t, err)

	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "select_bucket", ae.Mechanism)
	assert.Equal(t, memd.StatusAccessError, ae.Status)
}

func TestOpen_DialFailure(t *testing.T) {
	_, err := Open(context.Background(), "127.0.0.1:1", ConnectionConfig{ConnectTimeout: 100 * time.Millisecond})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}
