// Package rtppacket codes the minimal 12-byte RTP header this streamer
// uses to carry MJPEG payloads, built on top of github.com/pion/rtp's
// wire-compatible header marshaling.
package rtppacket

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// PayloadTypeMJPEG is the RTP payload type used for every packet this
// streamer emits.
const PayloadTypeMJPEG = 26

// HeaderSize is the fixed size of the minimal header this spec uses:
// version/padding/extension/cc, marker/pt, seqnum, timestamp, ssrc.
const HeaderSize = 12

// ErrMalformedHeader is returned by Decode when the input is shorter
// than HeaderSize bytes.
var ErrMalformedHeader = errors.New("rtppacket: malformed header")

// Packet is a decoded RTP packet: the fixed header fields this spec
// cares about, plus an opaque payload.
type Packet struct {
	Marker         bool
	CC             uint8
	PayloadType    uint8
	SeqNum         uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
}

// New builds a packet with version 2, padding 0, extension 0 and the
// given fields, ready for Encode.
func New(seqNum uint16, marker bool, payloadType uint8, ssrc uint32, payload []byte) *Packet {
	return &Packet{
		Marker:      marker,
		PayloadType: payloadType,
		SeqNum:      seqNum,
		Timestamp:   NowTimestamp(),
		SSRC:        ssrc,
		Payload:     payload,
	}
}

// NowTimestamp returns the current wallclock time as whole seconds,
// the timestamp granularity this spec uses (not an RFC 3550 media
// clock).
func NowTimestamp() uint32 {
	return uint32(time.Now().Unix())
}

// Encode marshals the packet into its 12-byte header followed by the
// payload, using pion/rtp's header marshaler to produce the exact
// RFC 3550 byte layout with CSRC count 0 and no extension.
func (p *Packet) Encode() ([]byte, error) {
	hdr := rtp.Header{
		Version:        2,
		Padding:        false,
		Extension:      false,
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SeqNum,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
	}

	pkt := rtp.Packet{Header: hdr, Payload: p.Payload}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtppacket: encode: %w", err)
	}
	return buf, nil
}

// Decode parses buf as an RTP packet. Input shorter than HeaderSize
// is a hard error.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrMalformedHeader
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	return &Packet{
		Marker:      pkt.Header.Marker,
		CC:          uint8(len(pkt.Header.CSRC)),
		PayloadType: pkt.Header.PayloadType,
		SeqNum:      pkt.Header.SequenceNumber,
		Timestamp:   pkt.Header.Timestamp,
		SSRC:        pkt.Header.SSRC,
		Payload:     pkt.Payload,
	}, nil
}

// PacketSize returns 12 + len(payload), the on-wire size of this
// packet once encoded.
func (p *Packet) PacketSize() int {
	return HeaderSize + len(p.Payload)
}
