package toolproto

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/errs"
)

// pipeDialer hands out the client half of a net.Pipe.
type pipeDialer struct{ conn net.Conn }

func (d *pipeDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return d.conn, nil }

// fakeRuntime is a scripted protocol server on the other pipe end.
type fakeRuntime struct {
	conn    net.Conn
	version string
	onCall  func(req request) *response
	frames  chan request
}

func newFakeRuntime(conn net.Conn, version string) *fakeRuntime {
	rt := &fakeRuntime{conn: conn, version: version, frames: make(chan request, 16)}
	go rt.serve()
	return rt
}

func (rt *fakeRuntime) serve() {
	scanner := bufio.NewScanner(rt.conn)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		rt.frames <- req

		var resp *response
		switch req.Method {
		case MethodInitialize:
			result, _ := json.Marshal(InitializeResult{ProtocolVersion: rt.version, Server: "fake"})
			resp = &response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
		case MethodToolsCall:
			if rt.onCall != nil {
				resp = rt.onCall(req)
			}
		case MethodCancelled:
			// notification, no reply
		}
		if resp != nil {
			body, _ := json.Marshal(resp)
			_, _ = rt.conn.Write(append(body, '\n'))
		}
	}
}

func dialFake(t *testing.T, version string) (*Session, *fakeRuntime) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	rt := newFakeRuntime(serverConn, version)

	sessionCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := Connect(context.Background(), &pipeDialer{conn: clientConn},
			ClientInfo{Name: "anumate", Version: "test"}, nil)
		if err != nil {
			errCh <- err
			return
		}
		sessionCh <- s
	}()

	select {
	case s := <-sessionCh:
		t.Cleanup(func() { _ = s.Close() })
		return s, rt
	case err := <-errCh:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timed out")
	}
	return nil, nil
}

func TestConnect_NegotiatesVersion(t *testing.T) {
	session, rt := dialFake(t, "1.1")
	assert.Equal(t, "1.1", session.Version())

	init := <-rt.frames
	assert.Equal(t, MethodInitialize, init.Method)
}

func TestConnect_RejectsUnknownVersion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	newFakeRuntime(serverConn, "9.9")

	_, err := Connect(context.Background(), &pipeDialer{conn: clientConn},
		ClientInfo{Name: "anumate", Version: "test"}, nil)
	require.Error(t, err)
	assert.Equal(t, "VERSION_MISMATCH", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestCall_Roundtrip(t *testing.T) {
	session, rt := dialFake(t, "1.1")
	<-rt.frames // initialize

	rt.onCall = func(req request) *response {
		result, _ := json.Marshal(CallResult{Output: json.RawMessage(`{"refund_id":"rf-1"}`)})
		return &response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
	}

	out, err := session.Call(context.Background(), CallParams{
		Tool:            "payments-refund",
		CapabilityToken: "token",
		RunID:           "run-1",
		Step:            "refund",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"refund_id":"rf-1"}`, string(out.Output))

	call := <-rt.frames
	assert.Equal(t, MethodToolsCall, call.Method)
}

func TestCall_MapsRPCErrors(t *testing.T) {
	session, rt := dialFake(t, "1.1")
	<-rt.frames

	rt.onCall = func(req request) *response {
		return &response{JSONRPC: jsonrpcVersion, ID: req.ID,
			Error: &RPCError{Code: CodeUnauthorized, Message: "token replayed"}}
	}

	_, err := session.Call(context.Background(), CallParams{Tool: "x", RunID: "r"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnauthorized))

	rt.onCall = func(req request) *response {
		return &response{JSONRPC: jsonrpcVersion, ID: req.ID,
			Error: &RPCError{Code: CodeServerError, Message: "boom"}}
	}
	_, err = session.Call(context.Background(), CallParams{Tool: "x", RunID: "r"})
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}

func TestCall_CancellationNotifiesRuntime(t *testing.T) {
	session, rt := dialFake(t, "1.1")
	<-rt.frames

	// Runtime never answers tools/call; the client must cancel.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := session.Call(ctx, CallParams{Tool: "slow", RunID: "r"})
		errCh <- err
	}()

	call := <-rt.frames
	require.Equal(t, MethodToolsCall, call.Method)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "CALL_CANCELLED", errs.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not unwind on cancel")
	}

	select {
	case frame := <-rt.frames:
		assert.Equal(t, MethodCancelled, frame.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("no cancellation notification observed")
	}
}

func TestCall_SessionClosedMidCall(t *testing.T) {
	session, rt := dialFake(t, "1.1")
	<-rt.frames

	errCh := make(chan error, 1)
	go func() {
		_, err := session.Call(context.Background(), CallParams{Tool: "x", RunID: "r"})
		errCh <- err
	}()
	<-rt.frames
	_ = rt.conn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errs.Retryable(err))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail on closed stream")
	}
}
