package rtspclient

import (
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"mjpegrtsp/analytics"
	"mjpegrtsp/fragment"
	"mjpegrtsp/rtsp"
)

// fakeServer is a minimal RTSP control endpoint that echoes back a
// 200 OK carrying the request's own CSeq and a fixed session id,
// enough to exercise the client's control state machine without a
// real Session.
type fakeServer struct {
	listener net.Listener
	session  int
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{listener: l, session: 4242}
	go fs.run()
	return fs
}

func (fs *fakeServer) run() {
	for {
		conn, err := fs.listener.Accept()
		if err != nil {
			return
		}
		go fs.serve(conn)
	}
}

func (fs *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		raw := string(buf[:n])
		req, err := rtsp.ParseRequest(strings.TrimRight(raw, "\n"))
		if err != nil {
			return
		}
		reply := &rtsp.Reply{Code: rtsp.StatusOK, Text: "OK", CSeq: req.CSeq, Session: fs.session}
		conn.Write([]byte(reply.Encode()))
	}
}

func (fs *fakeServer) addr() string {
	return fs.listener.Addr().String()
}

func (fs *fakeServer) close() {
	fs.listener.Close()
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer conn.Close()
	_, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func TestSetupTransitionsToReady(t *testing.T) {
	fs := startFakeServer(t)
	defer fs.close()

	c, err := New(fs.addr(), "movie.mjpeg", freePort(t), false, DefaultConfig(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want READY", c.State())
	}
}

func TestFullLifecyclePlayPauseTeardown(t *testing.T) {
	fs := startFakeServer(t)
	defer fs.close()

	c, err := New(fs.addr(), "movie.mjpeg", freePort(t), false, DefaultConfig(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := c.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if c.State() != StatePlaying {
		t.Fatalf("state after Play = %v, want PLAYING", c.State())
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state after Pause = %v, want READY", c.State())
	}

	if err := c.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if c.State() != StateInit {
		t.Fatalf("state after Teardown = %v, want INIT", c.State())
	}
}

func TestHandlePayloadFragmentedReassemblesAndEnqueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 10
	c := &Client{
		cfg:          cfg,
		logger:       zap.NewNop(),
		reassembler:  fragment.NewReassembler(cfg.ReassemblyCapacity),
		queue:        newFrameQueue(cfg.QueueDepth),
		analytics:    newTestWindow(),
		lastFrameNbr: -1,
	}

	data := []byte("hello fragmented frame body")
	frags := fragment.Split(data, 7, 12)
	if len(frags) < 2 {
		t.Fatalf("expected Split to produce multiple fragments, got %d", len(frags))
	}

	for _, f := range frags {
		payload := append(f.Header.Encode(), f.Payload...)
		c.handlePayload(0, payload)
	}

	got := c.queue.pop()
	if string(got) != string(data) {
		t.Errorf("reassembled frame = %q, want %q", got, data)
	}
}

func TestHandlePayloadNonFragmentedGatesOnSequence(t *testing.T) {
	cfg := DefaultConfig()
	c := &Client{
		cfg:          cfg,
		logger:       zap.NewNop(),
		reassembler:  fragment.NewReassembler(cfg.ReassemblyCapacity),
		queue:        newFrameQueue(cfg.QueueDepth),
		analytics:    newTestWindow(),
		lastFrameNbr: -1,
	}

	c.handlePayload(5, []byte("frameA"))
	c.handlePayload(5, []byte("duplicate-should-be-dropped"))
	c.handlePayload(4, []byte("stale"))
	c.handlePayload(6, []byte("frameB"))

	first := c.queue.pop()
	second := c.queue.pop()
	third := c.queue.pop()

	if string(first) != "frameA" || string(second) != "frameB" {
		t.Errorf("got frames %q, %q, want frameA, frameB", first, second)
	}
	if third != nil {
		t.Errorf("unexpected third frame %q", third)
	}
}

func TestWriteFrameCreatesCacheFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(wd)

	c := &Client{sessionID: 99}
	path, err := c.writeFrame([]byte("jpegbytes"))
	if err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if path != "cache-99.jpg" {
		t.Errorf("path = %q, want cache-99.jpg", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("cache file not written: %v", err)
	}
}

func TestCloseRemovesCacheFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(wd)

	fs := startFakeServer(t)
	defer fs.close()

	c, err := New(fs.addr(), "movie.mjpeg", freePort(t), false, DefaultConfig(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sessionID = 7
	os.WriteFile("cache-7.jpg", []byte("x"), 0o644)

	c.Close()

	if _, err := os.Stat("cache-7.jpg"); !os.IsNotExist(err) {
		t.Error("expected cache file to be removed on Close")
	}
}

func newTestWindow() *analytics.Window {
	return analytics.New(analytics.DefaultConfig())
}

func TestDisplayTickerStopsWhenNotPlaying(t *testing.T) {
	// Guard against a ticker goroutine spinning forever in tests: a
	// Client left in StateInit must have its ticker exit immediately.
	c := &Client{cfg: DefaultConfig(), queue: newFrameQueue(1), analytics: newTestWindow()}
	done := make(chan struct{})
	go func() {
		c.runDisplayTicker()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runDisplayTicker did not exit for a non-PLAYING client")
	}
}
