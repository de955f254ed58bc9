package rtspserver

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"mjpegrtsp/rtsp"
)

func writeTestMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mjpeg")
	frame := append([]byte{0xFF, 0xD8}, append([]byte("body"), 0xFF, 0xD9)...)
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSetupTransitionsInitToReady(t *testing.T) {
	path := writeTestMedia(t)
	s := New(DefaultConfig(), zap.NewNop())

	req, err := rtsp.ParseRequest("SETUP " + path + " RTSP/1.0\nCSeq: 1\nTransport: RTP/UDP; client_port=6000")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	reply := s.HandleRequest(req, "127.0.0.1")
	if reply.Code != rtsp.StatusOK {
		t.Fatalf("SETUP reply code = %d, want 200", reply.Code)
	}
	if s.State() != StateReady {
		t.Errorf("state = %v, want READY", s.State())
	}
	if reply.Session == 0 {
		t.Error("reply.Session was not assigned")
	}
}

func TestSetupMissingFileReturns404AndStaysInit(t *testing.T) {
	s := New(DefaultConfig(), zap.NewNop())

	req, err := rtsp.ParseRequest("SETUP /no/such/file.mjpeg RTSP/1.0\nCSeq: 1\nTransport: RTP/UDP; client_port=6000")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	reply := s.HandleRequest(req, "127.0.0.1")
	if reply.Code != rtsp.StatusNotFound {
		t.Errorf("reply code = %d, want 404", reply.Code)
	}
	if s.State() != StateInit {
		t.Errorf("state = %v, want INIT", s.State())
	}

	// Subsequent PLAY is a no-op in INIT.
	playReq, _ := rtsp.ParseRequest("PLAY /no/such/file.mjpeg RTSP/1.0\nCSeq: 2\nSession: 0")
	playReply := s.HandleRequest(playReq, "127.0.0.1")
	if playReply.Code != rtsp.StatusOK {
		t.Errorf("PLAY-in-INIT reply code = %d, want 200 no-op", playReply.Code)
	}
	if s.State() != StateInit {
		t.Errorf("state after no-op PLAY = %v, want INIT", s.State())
	}
}

func TestSetupHDResolutionSetsHDModeHeader(t *testing.T) {
	path := writeTestMedia(t)
	s := New(DefaultConfig(), zap.NewNop())

	req, err := rtsp.ParseRequest("SETUP " + path + " RTSP/1.0\nCSeq: 1\nTransport: RTP/UDP; client_port=6000\nResolution: 1080p")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	reply := s.HandleRequest(req, "127.0.0.1")
	if reply.HDMode != "1080p" {
		t.Errorf("HDMode = %q, want 1080p", reply.HDMode)
	}
}

func TestFullLifecyclePlayPauseTeardown(t *testing.T) {
	path := writeTestMedia(t)
	s := New(DefaultConfig(), zap.NewNop())

	setup, _ := rtsp.ParseRequest("SETUP " + path + " RTSP/1.0\nCSeq: 1\nTransport: RTP/UDP; client_port=6001")
	s.HandleRequest(setup, "127.0.0.1")

	play, _ := rtsp.ParseRequest("PLAY " + path + " RTSP/1.0\nCSeq: 2\nSession: 1")
	playReply := s.HandleRequest(play, "127.0.0.1")
	if playReply.Code != rtsp.StatusOK {
		t.Fatalf("PLAY reply code = %d, want 200", playReply.Code)
	}
	if s.State() != StatePlaying {
		t.Fatalf("state after PLAY = %v, want PLAYING", s.State())
	}

	pause, _ := rtsp.ParseRequest("PAUSE " + path + " RTSP/1.0\nCSeq: 3\nSession: 1")
	pauseReply := s.HandleRequest(pause, "127.0.0.1")
	if pauseReply.Code != rtsp.StatusOK {
		t.Fatalf("PAUSE reply code = %d, want 200", pauseReply.Code)
	}
	if s.State() != StateReady {
		t.Fatalf("state after PAUSE = %v, want READY", s.State())
	}

	teardown, _ := rtsp.ParseRequest("TEARDOWN " + path + " RTSP/1.0\nCSeq: 4\nSession: 1")
	teardownReply := s.HandleRequest(teardown, "127.0.0.1")
	if teardownReply.Code != rtsp.StatusOK {
		t.Fatalf("TEARDOWN reply code = %d, want 200", teardownReply.Code)
	}
	if s.State() != StateInit {
		t.Fatalf("state after TEARDOWN = %v, want INIT", s.State())
	}
}

func TestUnknownStateMethodPairRepliesOKNoOp(t *testing.T) {
	s := New(DefaultConfig(), zap.NewNop())

	req, _ := rtsp.ParseRequest("PAUSE movie.mjpeg RTSP/1.0\nCSeq: 1\nSession: 0")
	reply := s.HandleRequest(req, "127.0.0.1")
	if reply.Code != rtsp.StatusOK {
		t.Errorf("PAUSE-in-INIT reply code = %d, want 200 no-op", reply.Code)
	}
	if s.State() != StateInit {
		t.Errorf("state changed on unspecified (state, method) pair")
	}
}
