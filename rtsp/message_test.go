package rtsp

import "testing"

func TestParseRequestSetup(t *testing.T) {
	raw := "SETUP movie.mjpeg RTSP/1.0\nCSeq: 1\nTransport: RTP/UDP; client_port=5000\nResolution: 1080p"

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if req.Method != MethodSetup {
		t.Errorf("Method = %q, want SETUP", req.Method)
	}
	if req.Filename != "movie.mjpeg" {
		t.Errorf("Filename = %q, want movie.mjpeg", req.Filename)
	}
	if req.CSeq != 1 {
		t.Errorf("CSeq = %d, want 1", req.CSeq)
	}
	if req.ClientPort != 5000 {
		t.Errorf("ClientPort = %d, want 5000", req.ClientPort)
	}
	if req.Resolution != "1080p" {
		t.Errorf("Resolution = %q, want 1080p", req.Resolution)
	}
}

func TestParseRequestHeaderOrderIndependent(t *testing.T) {
	raw := "SETUP movie.mjpeg RTSP/1.0\nResolution: 720p\nTransport: RTP/UDP; client_port=6000\nCSeq: 9"

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.CSeq != 9 || req.ClientPort != 6000 || req.Resolution != "720p" {
		t.Errorf("got CSeq=%d ClientPort=%d Resolution=%q, want 9/6000/720p",
			req.CSeq, req.ClientPort, req.Resolution)
	}
}

func TestParseRequestPlay(t *testing.T) {
	raw := "PLAY movie.mjpeg RTSP/1.0\nCSeq: 2\nSession: 123456"

	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Method != MethodPlay || req.Session != 123456 {
		t.Errorf("Method=%q Session=%d, want PLAY/123456", req.Method, req.Session)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	cases := []string{"", "GARBAGE", "SETUP\nCSeq: 1"}
	for _, raw := range cases {
		if _, err := ParseRequest(raw); err == nil {
			t.Errorf("ParseRequest(%q) succeeded, want error", raw)
		}
	}
}

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	req := &Request{Method: MethodSetup, Filename: "x.mjpeg", CSeq: 5, ClientPort: 7000, Resolution: "1080p"}
	parsed, err := ParseRequest(req.Encode())
	if err != nil {
		t.Fatalf("ParseRequest(Encode()): %v", err)
	}
	if parsed.Method != req.Method || parsed.Filename != req.Filename || parsed.CSeq != req.CSeq ||
		parsed.ClientPort != req.ClientPort || parsed.Resolution != req.Resolution {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, req)
	}
}

func TestParseReplyOK(t *testing.T) {
	raw := "RTSP/1.0 200 OK\nCSeq: 1\nSession: 654321\nHD-Mode: 1080p"

	reply, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if reply.Code != StatusOK || reply.CSeq != 1 || reply.Session != 654321 || reply.HDMode != "1080p" {
		t.Errorf("got %+v", reply)
	}
}

func TestParseReplyHeaderOrderIndependent(t *testing.T) {
	raw := "RTSP/1.0 200 OK\nSession: 111222\nCSeq: 4"

	reply, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if reply.CSeq != 4 || reply.Session != 111222 {
		t.Errorf("got CSeq=%d Session=%d, want 4/111222", reply.CSeq, reply.Session)
	}
}

func TestParseReplyNotFound(t *testing.T) {
	raw := "RTSP/1.0 404 Not Found\nCSeq: 1\nSession: 0"
	reply, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if reply.Code != StatusNotFound {
		t.Errorf("Code = %d, want 404", reply.Code)
	}
}

func TestParseReplyMalformed(t *testing.T) {
	cases := []string{"", "NOT RTSP", "RTSP/1.0 abc OK"}
	for _, raw := range cases {
		if _, err := ParseReply(raw); err == nil {
			t.Errorf("ParseReply(%q) succeeded, want error", raw)
		}
	}
}

func TestReplyEncodeDecodeRoundTrip(t *testing.T) {
	reply := &Reply{Code: StatusOK, CSeq: 3, Session: 424242, HDMode: "1080p"}
	parsed, err := ParseReply(reply.Encode())
	if err != nil {
		t.Fatalf("ParseReply(Encode()): %v", err)
	}
	if parsed.Code != reply.Code || parsed.CSeq != reply.CSeq || parsed.Session != reply.Session || parsed.HDMode != reply.HDMode {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, reply)
	}
}
