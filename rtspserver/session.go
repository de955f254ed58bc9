// Package rtspserver drives the server side of the RTSP session state
// machine and the per-session media pump that packetizes, fragments,
// and sends MJPEG frames to a client.
package rtspserver

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mjpegrtsp/analytics"
	"mjpegrtsp/fragment"
	"mjpegrtsp/mjpegstream"
	"mjpegrtsp/rtppacket"
	"mjpegrtsp/rtsp"
)

// State is one of the three states in the per-session state machine.
type State int

const (
	StateInit State = iota
	StateReady
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// ErrMediaOpen names a failure to open the requested media file.
// HandleRequest answers such a failure with a 404 reply and does not
// return this error.
var ErrMediaOpen = errors.New("rtspserver: media open error")

// Config bears the server-side tunables of the configuration record
// (MTU, reassembly capacity, pump stop poll, analytics bounds), plus
// the network settings a session's pump needs.
type Config struct {
	MTU                int
	RTPHeaderSize      int
	ReassemblyCapacity int
	PumpStopPollMs     int
	FragmentSleepMs    int
	SSRC               uint32
	Analytics          analytics.Config
}

// DefaultConfig returns the configuration this spec's defaults imply.
func DefaultConfig() Config {
	return Config{
		MTU:                1500,
		RTPHeaderSize:       rtppacket.HeaderSize,
		ReassemblyCapacity: 64,
		PumpStopPollMs:     50,
		FragmentSleepMs:    1,
		Analytics:          analytics.DefaultConfig(),
	}
}

func (c Config) maxPayload() int {
	return fragment.MaxPayload(c.MTU, c.RTPHeaderSize)
}

// Session is the server-owned state machine and pump handle for a
// single client's control connection. One Session exists per
// accepted TCP control connection.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	id         int
	hdMode     bool
	filename   string
	clientAddr *net.UDPAddr

	mediaSocket net.PacketConn
	stop        chan struct{}
	pumpDone    chan struct{}

	analytics *analytics.Window
	lastCSeq  int
}

// New returns a Session in state INIT.
func New(cfg Config, logger *zap.Logger) *Session {
	return &Session{
		cfg:       cfg,
		logger:    logger,
		state:     StateInit,
		analytics: analytics.New(cfg.Analytics),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Analytics returns the session's send-side analytics window.
func (s *Session) Analytics() *analytics.Window {
	return s.analytics
}

// HandleRequest applies req to the state machine and returns the
// reply to send back, following spec.md §4.5's transition table.
// controlHost is the control connection's peer address, used to
// resolve the media destination once client_port is known.
func (s *Session) HandleRequest(req *rtsp.Request, controlHost string) *rtsp.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case rtsp.MethodSetup:
		return s.handleSetupLocked(req)
	case rtsp.MethodPlay:
		return s.handlePlayLocked(req, controlHost)
	case rtsp.MethodPause:
		return s.handlePauseLocked(req)
	case rtsp.MethodTeardown:
		return s.handleTeardownLocked(req)
	default:
		// Unspecified (state, method) pairs: reply 200, no side effect.
		return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
	}
}

func (s *Session) handleSetupLocked(req *rtsp.Request) *rtsp.Reply {
	if s.state != StateInit {
		return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
	}

	hd := req.Resolution == "1080p" || req.Resolution == "720p"

	ext, err := mjpegstream.Open(req.Filename)
	if err != nil {
		s.logger.Warn("media open failed", zap.String("filename", req.Filename), zap.Error(err))
		return &rtsp.Reply{Code: rtsp.StatusNotFound, CSeq: req.CSeq}
	}
	ext.Close() // only validating the file opens; the pump reopens it on PLAY

	s.id = 100000 + rand.Intn(900000)
	s.hdMode = hd
	s.filename = req.Filename
	s.clientAddr = &net.UDPAddr{Port: req.ClientPort}
	s.state = StateReady

	reply := &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
	if hd {
		reply.HDMode = req.Resolution
	}
	return reply
}

func (s *Session) handlePlayLocked(req *rtsp.Request, controlHost string) *rtsp.Reply {
	if s.state != StateReady {
		return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		s.logger.Error("failed to open media socket", zap.Error(err))
		return &rtsp.Reply{Code: rtsp.StatusConnectionError, CSeq: req.CSeq, Session: s.id}
	}
	s.mediaSocket = conn
	s.clientAddr.IP = net.ParseIP(controlHost)

	s.stop = make(chan struct{})
	s.pumpDone = make(chan struct{})
	s.state = StatePlaying

	pump := newMediaPump(s.cfg, s.logger, s.filename, s.mediaSocket, s.clientAddr, s.analytics)
	go func() {
		defer close(s.pumpDone)
		pump.run(s.stop)
	}()

	return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
}

func (s *Session) handlePauseLocked(req *rtsp.Request) *rtsp.Reply {
	if s.state != StatePlaying {
		return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
	}

	close(s.stop)
	<-s.pumpDone
	s.state = StateReady

	return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
}

func (s *Session) handleTeardownLocked(req *rtsp.Request) *rtsp.Reply {
	if s.state == StatePlaying {
		close(s.stop)
		<-s.pumpDone
	}
	if s.mediaSocket != nil {
		s.mediaSocket.Close()
		s.mediaSocket = nil
	}
	s.state = StateInit

	return &rtsp.Reply{Code: rtsp.StatusOK, CSeq: req.CSeq, Session: s.id}
}

// stopPollInterval returns the configured pump stop-signal poll
// interval, defaulting to 50ms.
func (c Config) stopPollInterval() time.Duration {
	if c.PumpStopPollMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.PumpStopPollMs) * time.Millisecond
}

func (c Config) fragmentSleep() time.Duration {
	if c.FragmentSleepMs <= 0 {
		return time.Millisecond
	}
	return time.Duration(c.FragmentSleepMs) * time.Millisecond
}

// fmtAddr formats a UDP address as ip:port for log fields.
func fmtAddr(addr *net.UDPAddr) string {
	return fmt.Sprintf("%s:%d", addr.IP, addr.Port)
}
