package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tes/internal/task"
	"github.com/arloliu/go-tes/logger"
)

const lingerTimeout = 500 * time.Millisecond

// Server serves a Dispatcher over TCP.
//
// It accepts one connection at a time; further clients wait in the listen backlog until the
// current connection ends. Within a connection, messages are processed one at a time in arrival
// order.
type Server struct {
	pctx       context.Context
	cfg        *ServerConfig
	dispatcher *Dispatcher
	logger     logger.Logger
	reqLog     logger.Logger
	taskMgr    *task.Manager

	listener      net.Listener
	listenerMutex sync.Mutex

	conn      net.Conn
	connMutex sync.Mutex

	started  atomic.Bool
	shutdown atomic.Bool

	metrics ServerMetrics
}

// NewServer creates a server for dispatcher d. The server is stopped when ctx is canceled or
// Close is called.
func NewServer(ctx context.Context, cfg *ServerConfig, d *Dispatcher) (*Server, error) {
	if cfg == nil {
		return nil, ErrServerConfigNil
	}

	if d == nil {
		return nil, ErrDispatcherNil
	}

	s := &Server{
		pctx:       ctx,
		cfg:        cfg,
		dispatcher: d,
		logger:     cfg.logger,
		taskMgr:    task.NewManager(ctx, cfg.logger),
	}

	if cfg.requestLog != nil {
		s.reqLog = logger.NewSlogWithWriter(cfg.requestLog, logger.InfoLevel, false)
	}

	return s, nil
}

// Metrics returns the counters of the server.
func (s *Server) Metrics() *ServerMetrics { return &s.metrics }

// Start listens on the configured address and starts accepting connections.
func (s *Server) Start() error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}

	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}

	address := s.cfg.Addr()
	var lc net.ListenConfig
	listener, err := lc.Listen(s.pctx, "tcp", address)
	if err != nil {
		s.started.Store(false)
		s.logger.Error("failed to listen", "address", address, "error", err)

		return err
	}

	s.listenerMutex.Lock()
	s.listener = listener
	s.listenerMutex.Unlock()

	s.logger.Info("rpc server listening", "address", listener.Addr().String(), "methods", s.dispatcher.Methods())

	if err := s.taskMgr.Start("acceptConn", s.acceptConn); err != nil {
		_ = s.closeListener()
		return err
	}

	return nil
}

// Addr returns the address the server listens on, or an empty string before Start.
func (s *Server) Addr() string {
	s.listenerMutex.Lock()
	defer s.listenerMutex.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Close stops accepting connections, closes the current connection and waits up to the
// configured close timeout for the server task to stop.
func (s *Server) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.taskMgr.Stop()
	err := s.closeListener()
	s.closeConn()

	done := make(chan struct{})
	go func() {
		s.taskMgr.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.closeTimeout):
		s.logger.Warn("timeout waiting for server task", "method", "Close", "timeout", s.cfg.closeTimeout)
	}

	s.logger.Info("rpc server closed")

	return err
}

func (s *Server) acceptConn(ctx context.Context) bool {
	tcpListener := s.getTCPListener()
	// listener already closed, skip
	if tcpListener == nil {
		return false
	}

	conn, err := tcpListener.Accept()
	if err != nil {
		if isTimeoutError(err) {
			select {
			case <-ctx.Done():
				s.logger.Debug("accept canceled by context", "method", "acceptConn", "error", err)
				return false
			default:
				return true // re-accept if context is not done
			}
		}

		if s.shutdown.Load() {
			return false
		}

		s.logger.Error("failed to accept connection", "method", "acceptConn", "error", err)

		return true
	}

	s.metrics.incConnCount()
	s.setConn(conn)
	s.logger.Debug("connection accepted", "method", "acceptConn", "remote_address", conn.RemoteAddr())

	s.serveConn(ctx, conn)

	s.closeConn()
	s.logger.Debug("connection closed", "method", "acceptConn", "remote_address", conn.RemoteAddr())

	return !s.shutdown.Load()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	mr := newMessageReader(&deadlineReader{conn: conn, timeout: s.cfg.readTimeout}, s.cfg.maxMessageSize)
	remote := conn.RemoteAddr().String()

	for {
		_ = conn.SetReadDeadline(s.readDeadline(mr.hasPartial()))

		raw, err := mr.ReadMessage()
		switch {
		case err == nil:
			resp := s.dispatcher.Handle(ctx, raw)
			if !s.reply(conn, raw, resp) {
				return
			}

		case isSyntaxError(err):
			s.logger.Debug("malformed message", "method", "serveConn", "remote_address", remote, "error", err)
			if !s.reply(conn, nil, NewErrorResponse("JSON Parse Exception: "+err.Error())) {
				return
			}
			mr.resync(err)

		case errors.Is(err, ErrMessageTooLarge):
			s.logger.Warn("message too large", "method", "serveConn", "remote_address", remote, "limit", s.cfg.maxMessageSize)
			if s.reply(conn, nil, NewErrorResponse(err.Error())) {
				s.lingerClose(conn)
			}

			return

		case isTimeoutError(err) && mr.hasPartial():
			s.logger.Debug("incomplete message", "method", "serveConn", "remote_address", remote, "timeout", s.cfg.readTimeout)
			_ = s.reply(conn, nil, NewErrorResponse("JSON Parse Exception: incomplete message: "+err.Error()))

			return

		case isTimeoutError(err):
			s.logger.Debug("connection idle timeout", "method", "serveConn", "remote_address", remote, "timeout", s.cfg.idleTimeout)
			return

		case isClosedError(err):
			return

		default:
			s.logger.Warn("failed to read message", "method", "serveConn", "remote_address", remote, "error", err)
			return
		}
	}
}

// readDeadline returns the read deadline of the next message. A partially received message
// gets the read timeout, a silent connection the idle timeout.
func (s *Server) readDeadline(partial bool) time.Time {
	switch {
	case partial && s.cfg.readTimeout > 0:
		return time.Now().Add(s.cfg.readTimeout)
	case s.cfg.idleTimeout > 0:
		return time.Now().Add(s.cfg.idleTimeout)
	default:
		return time.Time{}
	}
}

// deadlineReader moves the read deadline to timeout from now whenever data arrives, so the rest
// of a started message is bounded by the read timeout.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 && r.timeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}

	return n, err
}

// reply writes resp to conn and reports whether the connection is still usable.
func (s *Server) reply(conn net.Conn, raw []byte, resp *Response) bool {
	s.metrics.incRequestCount()
	if !resp.Success {
		s.metrics.incRequestErrCount()
	}

	data, err := resp.Encode()
	if err != nil {
		data, _ = NewErrorResponse(err.Error()).Encode()
	}

	if s.reqLog != nil {
		s.reqLog.Info("request", "remote_address", conn.RemoteAddr().String(),
			"request", string(raw), "response", string(data), "success", resp.Success)
	}

	if s.cfg.idleTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.idleTimeout))
	}

	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("failed to write response", "method", "reply", "error", err)
		return false
	}

	return true
}

// lingerClose half-closes conn and discards what the peer is still sending, so that the last
// response is not lost to a connection reset.
func (s *Server) lingerClose(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}

	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, conn)
}

func (s *Server) setConn(conn net.Conn) {
	s.connMutex.Lock()
	s.conn = conn
	s.connMutex.Unlock()

	// Close may have run between Accept and setConn
	if s.shutdown.Load() {
		s.closeConn()
	}
}

func (s *Server) closeConn() {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Server) getTCPListener() *net.TCPListener {
	s.listenerMutex.Lock()
	defer s.listenerMutex.Unlock()

	if s.listener == nil {
		return nil
	}

	tcpListener, ok := s.listener.(*net.TCPListener)
	if !ok {
		s.logger.Error("failed to convert listener to TCPListener", "type", reflect.TypeOf(s.listener))
		return nil
	}

	if err := tcpListener.SetDeadline(time.Now().Add(s.cfg.acceptTimeout)); err != nil {
		s.logger.Error("failed to set deadline for tcp listener", "error", err)
		return nil
	}

	return tcpListener
}

func (s *Server) closeListener() error {
	s.listenerMutex.Lock()
	defer s.listenerMutex.Unlock()

	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil

		return err
	}

	return nil
}
