package toolproto

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anumate/control-plane/pkg/errs"
)

// Dialer opens the byte stream to the agent runtime.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// TCPDialer dials a plain TCP endpoint.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var nd net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := nd.DialContext(dialCtx, "tcp", d.Addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "RUNTIME_UNREACHABLE", "dial "+d.Addr, err)
	}
	return conn, nil
}

// Session is one negotiated protocol exchange. Calls multiplex over the
// stream; responses are routed back by request id.
type Session struct {
	conn    io.ReadWriteCloser
	logger  *slog.Logger
	version string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *response
	closed  bool
	readErr error
	done    chan struct{}
}

// Connect dials the runtime and performs the initialize handshake. A
// version the server picks outside the client's offer fails the session.
func Connect(ctx context.Context, dialer Dialer, client ClientInfo, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	result, err := s.roundTrip(ctx, MethodInitialize, InitializeParams{
		ProtocolVersions: SupportedVersions,
		Client:           client,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = s.Close()
		return nil, errs.Wrap(errs.KindTransient, "HANDSHAKE_FAILED", "decode initialize result", err)
	}
	if !offered(init.ProtocolVersion) {
		_ = s.Close()
		return nil, errs.Newf(errs.KindTransient, "VERSION_MISMATCH",
			"server picked unsupported protocol version %q", init.ProtocolVersion)
	}
	s.version = init.ProtocolVersion
	return s, nil
}

func offered(version string) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// Version is the negotiated protocol version.
func (s *Session) Version() string { return s.version }

// Call invokes a tool and waits for its result. If the context is
// cancelled while waiting, a notifications/cancelled frame is sent before
// returning so the runtime can stop the work.
func (s *Session) Call(ctx context.Context, params CallParams) (*CallResult, error) {
	if params.Tool == "" {
		return nil, errs.New(errs.KindValidation, "TOOL_REQUIRED", "tool name required")
	}
	result, err := s.roundTrip(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	var out CallResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RESULT_DECODE_FAILED", "decode tool result", err)
	}
	return &out, nil
}

func (s *Session) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *response, 1)

	s.mu.Lock()
	if s.closed {
		err := s.readErr
		s.mu.Unlock()
		if err == nil {
			err = errs.New(errs.KindTransient, "SESSION_CLOSED", "session is closed")
		}
		return nil, err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.notifyCancelled(id, ctx.Err().Error())
		return nil, errs.Wrap(errs.KindTransient, "CALL_CANCELLED", method, ctx.Err())
	case <-s.done:
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, errs.Wrap(errs.KindTransient, "SESSION_CLOSED", "stream closed mid-call", err)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, rpcToErr(resp.Error)
		}
		return resp.Result, nil
	}
}

// notifyCancelled is best effort; the session may already be gone.
func (s *Session) notifyCancelled(id int64, reason string) {
	err := s.writeFrame(request{
		JSONRPC: jsonrpcVersion,
		Method:  MethodCancelled,
		Params:  cancelParams{RequestID: id, Reason: reason},
	})
	if err != nil {
		s.logger.Debug("cancel notification not delivered", "request_id", id, "error", err)
	}
}

func (s *Session) writeFrame(frame request) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "FRAME_ENCODE_FAILED", "encode frame", err)
	}
	body = append(body, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(body); err != nil {
		return errs.Wrap(errs.KindTransient, "FRAME_WRITE_FAILED", "write frame", err)
	}
	return nil
}

func (s *Session) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("undecodable protocol frame", "error", err)
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing routes to a caller.
			s.logger.Debug("runtime notification", "method", resp.Method)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		s.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	s.mu.Lock()
	s.closed = true
	if s.readErr == nil {
		s.readErr = scanner.Err()
	}
	s.mu.Unlock()
	close(s.done)
}

// Close tears the stream down. Outstanding calls fail with SESSION_CLOSED.
func (s *Session) Close() error {
	return s.conn.Close()
}

// rpcToErr maps protocol error codes onto the failure taxonomy.
func rpcToErr(rpcErr *RPCError) error {
	switch rpcErr.Code {
	case CodeUnauthorized:
		return errs.New(errs.KindUnauthorized, "CAPABILITY_REJECTED", rpcErr.Message)
	case CodeDenied:
		return errs.New(errs.KindDenied, "TOOL_DENIED", rpcErr.Message)
	case CodeInvalidParams, CodeInvalidRequest, CodeParseError:
		return errs.New(errs.KindValidation, "CALL_INVALID", rpcErr.Message)
	case CodeMethodNotFound:
		return errs.New(errs.KindInternal, "METHOD_UNSUPPORTED", rpcErr.Message)
	case CodeInternalError:
		return errs.New(errs.KindInternal, "RUNTIME_ERROR", rpcErr.Message)
	case CodeServerError:
		return errs.New(errs.KindTransient, "RUNTIME_ERROR", rpcErr.Message)
	default:
		if rpcErr.Code < CodeServerError {
			// Implementation-defined range: treat as transient server side.
			return errs.New(errs.KindTransient, "RUNTIME_ERROR", rpcErr.Message)
		}
		return errs.New(errs.KindInternal, "RUNTIME_ERROR", rpcErr.Message)
	}
}
