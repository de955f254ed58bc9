package rtspserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mjpegrtsp/rtsp"
	"mjpegrtsp/statshub"
)

// Server accepts control connections and runs one Session per
// connection, each with its own control-read goroutine, matching
// ServerWorker's per-client threading model.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	listener net.Listener

	mu       sync.Mutex
	sessions map[net.Conn]*Session

	StatsHub *statshub.Hub
}

// Listen binds addr (host:port) and returns a Server ready to Serve.
func Listen(addr string, cfg Config, logger *zap.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtspserver: listen %s: %w", addr, err)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		listener: l,
		sessions: make(map[net.Conn]*Session),
		StatsHub: statshub.NewHub(logger),
	}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener
// errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rtspserver: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn runs the control-read loop for a single client
// connection, dispatching each parsed request to a per-connection
// Session.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess := New(s.cfg, s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String())))

	s.mu.Lock()
	s.sessions[conn] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
	}()

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 4096)
	scanner.Split(splitRequests)

	for scanner.Scan() {
		raw := scanner.Text()
		req, err := rtsp.ParseRequest(raw)
		if err != nil {
			s.logger.Warn("malformed control request", zap.Error(err))
			continue
		}

		reply := sess.HandleRequest(req, host)
		if _, err := conn.Write([]byte(reply.Encode())); err != nil {
			s.logger.Warn("control write failed", zap.Error(err))
			return
		}

		if req.Method == rtsp.MethodTeardown {
			return
		}
	}
}

// splitRequests is a bufio.SplitFunc that treats each request message
// (terminated by a blank-line-free run ending at the next message
// boundary) as one token. Requests on this control connection are
// sent as discrete writes, so splitting on the natural message
// boundary — a double newline, or EOF — recovers one request per
// Scan.
func splitRequests(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := strings.Index(string(data), "\n\n"); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Close tears down every open session, which stops its pump and closes
// its media socket, then closes the stats subscribers and the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.HandleRequest(&rtsp.Request{Method: rtsp.MethodTeardown}, "")
	}
	s.mu.Unlock()
	s.StatsHub.Close()
	return s.listener.Close()
}
