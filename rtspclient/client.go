// Package rtspclient drives the client side of the RTSP control state
// machine, the RTP receive loop with fragmentation-aware reassembly,
// the pre-buffer frame queue, and the fixed-cadence display ticker.
package rtspclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"mjpegrtsp/analytics"
	"mjpegrtsp/fragment"
	"mjpegrtsp/rtppacket"
	"mjpegrtsp/rtsp"
	"mjpegrtsp/statshub"
)

// State mirrors the control-state machine this spec defines for the
// client side.
type State int

const (
	StateInit State = iota
	StateReady
	StatePlaying
)

// ErrControlProtocol covers a reply with an unexpected CSeq or a
// Session id that differs from the one established at SETUP.
var ErrControlProtocol = errors.New("rtspclient: control protocol error")

// ErrBindMediaPort is returned by Setup when the client cannot bind its
// advertised media port.
var ErrBindMediaPort = errors.New("rtspclient: unable to bind media port")

// Renderer is the external collaborator that turns displayed frame
// bytes into pixels; out of scope for this module beyond the
// interface boundary.
type Renderer interface {
	Render(cacheFile string)
}

// Config bears the client-side tunables named in spec.md's
// configuration record.
type Config struct {
	QueueDepth         int
	DisplayIntervalMs  int
	MediaRecvTimeoutMs int
	ReassemblyCapacity int
	MTU                int
	RTPHeaderSize      int
	StatsIntervalSec   int
	Analytics          analytics.Config
}

// DefaultConfig returns this spec's default client tunables.
func DefaultConfig() Config {
	return Config{
		QueueDepth:         3,
		DisplayIntervalMs:  33,
		MediaRecvTimeoutMs: 500,
		ReassemblyCapacity: 64,
		MTU:                1500,
		RTPHeaderSize:      rtppacket.HeaderSize,
		StatsIntervalSec:   1,
		Analytics:          analytics.DefaultConfig(),
	}
}

// Client is one connection to a streaming server: control socket,
// media socket, reassembly table, frame queue, and display ticker.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	renderer Renderer
	StatsHub *statshub.Hub

	serverAddr string
	filename   string
	mediaPort  int
	hdMode     bool

	mu        sync.Mutex
	state     State
	rtspSeq   int
	sessionID int

	control net.Conn
	media   net.PacketConn

	reassembler *fragment.Reassembler
	queue       *frameQueue
	analytics   *analytics.Window
	lastFrameNbr int32

	stopReceive chan struct{}
	recvDone    chan struct{}
}

// New dials serverAddr's control port and returns a Client in state
// INIT.
func New(serverAddr string, filename string, mediaPort int, hdMode bool, cfg Config, logger *zap.Logger, renderer Renderer) (*Client, error) {
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("rtspclient: connect to %s: %w", serverAddr, err)
	}

	return &Client{
		cfg:         cfg,
		logger:      logger,
		renderer:    renderer,
		StatsHub:    statshub.NewHub(logger),
		serverAddr:  serverAddr,
		filename:    filename,
		mediaPort:   mediaPort,
		hdMode:      hdMode,
		control:     conn,
		reassembler: fragment.NewReassembler(cfg.ReassemblyCapacity),
		queue:       newFrameQueue(cfg.QueueDepth),
		analytics:   analytics.New(cfg.Analytics),
		lastFrameNbr: -1,
	}, nil
}

// State returns the client's current control state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Analytics returns the client's receive-side analytics window.
func (c *Client) Analytics() *analytics.Window {
	return c.analytics
}

// Setup sends SETUP and blocks for the reply, opening the local media
// port on success.
func (c *Client) Setup() error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return nil
	}
	c.rtspSeq++
	req := &rtsp.Request{
		Method:     rtsp.MethodSetup,
		Filename:   c.filename,
		CSeq:       c.rtspSeq,
		ClientPort: c.mediaPort,
	}
	if c.hdMode {
		req.Resolution = "1080p"
	}
	c.mu.Unlock()

	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if reply.Code != rtsp.StatusOK {
		return fmt.Errorf("rtspclient: SETUP failed with status %d", reply.Code)
	}

	if err := c.openMediaSocket(); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = reply.Session
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

// openMediaSocket binds the receive socket to the advertised media
// port. The configured read timeout is applied per read by
// receiveLoop, so the loop can observe the stop signal even with no
// traffic.
func (c *Client) openMediaSocket() error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", c.mediaPort))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindMediaPort, err)
	}
	c.media = conn
	return nil
}

// Play sends PLAY, starts the receive loop, and arms the display
// ticker once pre-buffering completes.
func (c *Client) Play() error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil
	}
	c.rtspSeq++
	req := &rtsp.Request{Method: rtsp.MethodPlay, Filename: c.filename, CSeq: c.rtspSeq, Session: c.sessionID}
	c.mu.Unlock()

	c.stopReceive = make(chan struct{})
	c.recvDone = make(chan struct{})
	go c.receiveLoop(c.stopReceive, c.recvDone)

	reply, err := c.roundTrip(req)
	if err != nil {
		close(c.stopReceive)
		<-c.recvDone
		return err
	}
	if reply.Code != rtsp.StatusOK {
		close(c.stopReceive)
		<-c.recvDone
		return fmt.Errorf("rtspclient: PLAY failed with status %d", reply.Code)
	}

	c.mu.Lock()
	c.state = StatePlaying
	c.mu.Unlock()
	return nil
}

// Pause sends PAUSE, stops the receive loop, and clears the frame
// queue and pre-buffer latch so the next PLAY repeats pre-buffering.
func (c *Client) Pause() error {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return nil
	}
	c.rtspSeq++
	req := &rtsp.Request{Method: rtsp.MethodPause, Filename: c.filename, CSeq: c.rtspSeq, Session: c.sessionID}
	c.mu.Unlock()

	close(c.stopReceive)
	<-c.recvDone

	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if reply.Code != rtsp.StatusOK {
		return fmt.Errorf("rtspclient: PAUSE failed with status %d", reply.Code)
	}

	c.queue.reset()

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

// Teardown sends TEARDOWN, stops any running receive loop, closes the
// media socket, and returns the client to INIT.
func (c *Client) Teardown() error {
	c.mu.Lock()
	state := c.state
	c.rtspSeq++
	req := &rtsp.Request{Method: rtsp.MethodTeardown, Filename: c.filename, CSeq: c.rtspSeq, Session: c.sessionID}
	c.mu.Unlock()

	if state == StatePlaying {
		close(c.stopReceive)
		<-c.recvDone
	}

	reply, err := c.roundTrip(req)

	if c.media != nil {
		c.media.Close()
	}

	c.mu.Lock()
	c.state = StateInit
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if reply.Code != rtsp.StatusOK {
		return fmt.Errorf("rtspclient: TEARDOWN failed with status %d", reply.Code)
	}
	return nil
}

// roundTrip writes req on the control connection and parses the next
// reply, rejecting any reply whose CSeq or Session does not match.
func (c *Client) roundTrip(req *rtsp.Request) (*rtsp.Reply, error) {
	if _, err := c.control.Write([]byte(req.Encode() + "\n\n")); err != nil {
		return nil, fmt.Errorf("rtspclient: control write: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := c.control.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("rtspclient: control read: %w", err)
	}

	reply, err := rtsp.ParseReply(string(buf[:n]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrControlProtocol, err)
	}

	c.mu.Lock()
	expectedCSeq := c.rtspSeq
	expectedSession := c.sessionID
	c.mu.Unlock()

	if reply.CSeq != expectedCSeq {
		return nil, fmt.Errorf("%w: got CSeq %d, want %d", ErrControlProtocol, reply.CSeq, expectedCSeq)
	}
	if expectedSession != 0 && reply.Session != expectedSession {
		return nil, fmt.Errorf("%w: got Session %d, want %d", ErrControlProtocol, reply.Session, expectedSession)
	}

	return reply, nil
}

// receiveLoop is the per-PLAY media receive goroutine: decode RTP,
// classify the payload as fragmented or not, reassemble or accept
// directly, and push completed frames through the queue protocol.
func (c *Client) receiveLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timeout := time.Duration(c.cfg.MediaRecvTimeoutMs) * time.Millisecond
	buf := make([]byte, 20*1024)

	for {
		select {
		case <-stop:
			return
		default:
		}

		c.media.SetReadDeadline(time.Now().Add(timeout))
		n, _, err := c.media.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-stop:
				return
			default:
				c.logger.Warn("media recv error", zap.Error(err))
				continue
			}
		}

		pkt, err := rtppacket.Decode(buf[:n])
		if err != nil {
			continue
		}

		c.handlePayload(pkt.SeqNum, pkt.Payload)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handlePayload implements spec.md §4.7's acceptance rule: a payload
// of at least fragment.HeaderSize bytes whose header is self-
// consistent is treated as a fragment; otherwise the whole payload is
// a complete single-packet frame, gated by sequence-number
// monotonicity.
func (c *Client) handlePayload(seqNum uint16, payload []byte) {
	if len(payload) >= fragment.HeaderSize {
		h, ok := fragment.DecodeHeader(payload[:fragment.HeaderSize])
		if ok && h.SelfConsistent(len(payload)-fragment.HeaderSize) {
			body := payload[fragment.HeaderSize:]
			complete, err := c.reassembler.AddFragment(h, body)
			if err != nil {
				c.logger.Debug("fragment dropped", zap.Error(err))
				return
			}
			if complete != nil {
				c.analytics.FrameReceived(uint32(h.FragmentID), len(complete))
				c.enqueueFrame(complete)
			}
			return
		}
	}

	// Not fragmented: gate on sequence-number monotonicity.
	if int32(seqNum) <= c.lastFrameNbr {
		return
	}
	c.lastFrameNbr = int32(seqNum)
	c.analytics.FrameReceived(uint32(seqNum), len(payload))
	c.enqueueFrame(payload)
}

// enqueueFrame pushes a completed frame through the frame-queue
// protocol, arming the display ticker the first time the queue fills
// to capacity.
func (c *Client) enqueueFrame(frame []byte) {
	if justFilled := c.queue.push(frame); justFilled {
		go c.runDisplayTicker()
	}
}

// runDisplayTicker pops one frame every display interval and hands it
// to the renderer via a cache file, for as long as the client remains
// in PLAYING.
func (c *Client) runDisplayTicker() {
	interval := time.Duration(c.cfg.DisplayIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	time.Sleep(time.Millisecond) // initial delay per spec.md §4.7

	for {
		if c.State() != StatePlaying {
			return
		}

		if frame := c.queue.pop(); frame != nil {
			if path, err := c.writeFrame(frame); err == nil && c.renderer != nil {
				c.renderer.Render(path)
			}
		}

		time.Sleep(interval)
	}
}

// writeFrame writes a displayed frame to its short-lived cache file.
func (c *Client) writeFrame(data []byte) (string, error) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()

	path := cacheFileName(session)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("rtspclient: write cache file: %w", err)
	}
	return path, nil
}

func cacheFileName(sessionID int) string {
	return fmt.Sprintf("cache-%d.jpg", sessionID)
}

// Close tears down the client's sockets and best-effort removes its
// cache file.
func (c *Client) Close() {
	if c.media != nil {
		c.media.Close()
	}
	c.control.Close()
	os.Remove(cacheFileName(c.sessionID))
}

// PublishStats starts pushing analytics snapshots to c.StatsHub's
// subscribers every stats_update_interval until ctx is cancelled.
func (c *Client) PublishStats(ctx context.Context) {
	interval := time.Duration(c.cfg.StatsIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	c.StatsHub.Run(interval, c.analytics.Snapshot, stop)
}
