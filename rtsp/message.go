// Package rtsp parses and formats the text control messages exchanged
// between server and client: LF-terminated request/reply lines in the
// minimal subset of RTSP this streamer uses (SETUP, PLAY, PAUSE,
// TEARDOWN).
package rtsp

import (
	"fmt"
	"strconv"
	"strings"
)

// Method names recognized on the control connection.
const (
	MethodSetup    = "SETUP"
	MethodPlay     = "PLAY"
	MethodPause    = "PAUSE"
	MethodTeardown = "TEARDOWN"
)

// Status codes used in replies.
const (
	StatusOK              = 200
	StatusNotFound        = 404
	StatusConnectionError = 500
)

var statusText = map[int]string{
	StatusOK:              "OK",
	StatusNotFound:        "Not Found",
	StatusConnectionError: "Connection Error",
}

// Request is a parsed RTSP request line plus its headers. Unknown
// headers are preserved in Headers but otherwise ignored.
type Request struct {
	Method     string
	Filename   string
	CSeq       int
	ClientPort int    // from "Transport: RTP/UDP; client_port=<p>", 0 if absent
	Session    int    // from "Session: <id>", 0 if absent
	Resolution string // from "Resolution: <720p|1080p>", "" if absent
	Headers    map[string]string
}

// ErrMalformedRequest is returned by ParseRequest when the message
// does not have a well-formed request line.
var ErrMalformedRequest = fmt.Errorf("rtsp: malformed request")

// ParseRequest parses a raw LF-terminated request message. Unlike the
// line-position-dependent parser this protocol was originally
// specified with, headers after the request line are parsed
// order-independently, so any header permutation is accepted.
func ParseRequest(raw string) (*Request, error) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, ErrMalformedRequest
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Method:   fields[0],
		Filename: fields[1],
		Headers:  make(map[string]string),
	}

	for _, line := range lines[1:] {
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		req.Headers[name] = value

		switch name {
		case "CSeq":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad CSeq %q", ErrMalformedRequest, value)
			}
			req.CSeq = n
		case "Session":
			n, err := strconv.Atoi(value)
			if err == nil {
				req.Session = n
			}
		case "Resolution":
			req.Resolution = value
		case "Transport":
			if p, ok := parseClientPort(value); ok {
				req.ClientPort = p
			}
		}
	}

	return req, nil
}

// parseClientPort extracts the client_port value from a Transport
// header such as "RTP/UDP; client_port=5000".
func parseClientPort(transport string) (int, bool) {
	idx := strings.Index(transport, "client_port=")
	if idx == -1 {
		fields := strings.Fields(transport)
		if len(fields) == 0 {
			return 0, false
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return 0, false
		}
		return n, true
	}

	rest := transport[idx+len("client_port="):]
	end := strings.IndexAny(rest, "; \t")
	if end != -1 {
		rest = rest[:end]
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Encode formats the request as the wire text this protocol sends,
// method-dependent headers included.
func (r *Request) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\nCSeq: %d", r.Method, r.Filename, r.CSeq)
	if r.Method == MethodSetup {
		fmt.Fprintf(&b, "\nTransport: RTP/UDP; client_port=%d", r.ClientPort)
		if r.Resolution != "" {
			fmt.Fprintf(&b, "\nResolution: %s", r.Resolution)
		}
	} else {
		fmt.Fprintf(&b, "\nSession: %d", r.Session)
	}
	return b.String()
}

// Reply is a parsed RTSP reply.
type Reply struct {
	Code    int
	Text    string
	CSeq    int
	Session int
	HDMode  string // e.g. "1080p", "" if absent
}

// ErrMalformedReply is returned by ParseReply when the status line is
// not well-formed.
var ErrMalformedReply = fmt.Errorf("rtsp: malformed reply")

// ParseReply parses a raw LF-terminated reply message, reading headers
// order-independently rather than assuming fixed line positions.
func ParseReply(raw string) (*Reply, error) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, ErrMalformedReply
	}

	statusFields := strings.Fields(lines[0])
	if len(statusFields) < 3 || statusFields[0] != "RTSP/1.0" {
		return nil, ErrMalformedReply
	}
	code, err := strconv.Atoi(statusFields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad status code %q", ErrMalformedReply, statusFields[1])
	}

	reply := &Reply{
		Code: code,
		Text: strings.Join(statusFields[2:], " "),
	}

	for _, line := range lines[1:] {
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		switch name {
		case "CSeq":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad CSeq %q", ErrMalformedReply, value)
			}
			reply.CSeq = n
		case "Session":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad Session %q", ErrMalformedReply, value)
			}
			reply.Session = n
		case "HD-Mode":
			reply.HDMode = value
		}
	}

	return reply, nil
}

// Encode formats the reply as the wire text this protocol sends.
func (r *Reply) Encode() string {
	text := r.Text
	if text == "" {
		text = statusText[r.Code]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d %s\nCSeq: %d\nSession: %d", r.Code, text, r.CSeq, r.Session)
	if r.HDMode != "" {
		fmt.Fprintf(&b, "\nHD-Mode: %s", r.HDMode)
	}
	return b.String()
}

func splitLines(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// splitHeader splits "Name: value" into its parts. Lines that don't
// look like a header (no colon) are reported as not-ok and skipped by
// the caller, matching the spec's "unknown headers are ignored" rule.
func splitHeader(line string) (name, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx == -1 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	return name, value, true
}
