package rtspserver

import (
	"net"
	"time"

	"go.uber.org/zap"

	"mjpegrtsp/analytics"
	"mjpegrtsp/fragment"
	"mjpegrtsp/mjpegstream"
	"mjpegrtsp/rtppacket"
)

// mediaPump reads frames from one media file and sends them, packetized
// and optionally fragmented, to one client. One pump exists per
// PLAYING session, grounded on ServerWorker.sendRtp and the teacher's
// Streamer.frameSenderLoop.
type mediaPump struct {
	cfg        Config
	logger     *zap.Logger
	filename   string
	socket     net.PacketConn
	dest       *net.UDPAddr
	analytics  *analytics.Window
	seqNum     uint16
	bytesSince int64
	lastSample time.Time
}

func newMediaPump(cfg Config, logger *zap.Logger, filename string, socket net.PacketConn, dest *net.UDPAddr, win *analytics.Window) *mediaPump {
	return &mediaPump{
		cfg:        cfg,
		logger:     logger.With(zap.String("dest", fmtAddr(dest))),
		filename:   filename,
		socket:     socket,
		dest:       dest,
		analytics:  win,
		lastSample: time.Now(),
	}
}

// run is the pump's main loop: wait on the stop signal with a short
// timeout, otherwise pull and send the next frame. It returns once
// stop is closed.
func (p *mediaPump) run(stop <-chan struct{}) {
	ext, err := mjpegstream.Open(p.filename)
	if err != nil {
		p.logger.Error("pump failed to reopen media file", zap.Error(err))
		return
	}
	defer ext.Close()

	p.logger.Info("media pump started", zap.String("filename", p.filename))
	defer p.logger.Info("media pump stopped")

	poll := p.cfg.stopPollInterval()
	maxPayload := p.cfg.maxPayload()

	for {
		select {
		case <-stop:
			return
		case <-time.After(poll):
		}

		p.maybeSampleBandwidth()

		frame, err := ext.NextFrame()
		if err != nil {
			p.logger.Warn("frame read error", zap.Error(err))
			continue
		}
		if frame == nil {
			continue
		}

		frameNbr := uint32(ext.FrameNbr())
		p.analytics.FrameSent(frameNbr, len(frame), p.fragmentCount(len(frame), maxPayload))

		if err := p.sendFrame(frame, frameNbr, maxPayload); err != nil {
			p.logger.Warn("send failed", zap.Error(err))
			p.analytics.PacketLoss(frameNbr, 1)
		}
	}
}

func (p *mediaPump) fragmentCount(size, maxPayload int) int {
	if size <= maxPayload {
		return 1
	}
	return (size + maxPayload - 1) / maxPayload
}

// sendFrame emits one RTP packet per fragment (or a single unfragmented
// packet for small frames, per the wire contract in spec.md §4.6: the
// fragmentation header is present only when the frame was actually
// split).
func (p *mediaPump) sendFrame(frame []byte, frameNbr uint32, maxPayload int) error {
	if len(frame) <= maxPayload {
		pkt := rtppacket.New(p.seqNum, false, rtppacket.PayloadTypeMJPEG, p.cfg.SSRC, frame)
		p.seqNum++
		return p.sendPacket(pkt)
	}

	frags := fragment.Split(frame, frameNbr, maxPayload)
	sleep := p.cfg.fragmentSleep()

	for i, f := range frags {
		payload := make([]byte, 0, fragment.HeaderSize+len(f.Payload))
		payload = append(payload, f.Header.Encode()...)
		payload = append(payload, f.Payload...)

		pkt := rtppacket.New(p.seqNum, false, rtppacket.PayloadTypeMJPEG, p.cfg.SSRC, payload)
		p.seqNum++

		if err := p.sendPacket(pkt); err != nil {
			return err
		}
		if i != len(frags)-1 {
			time.Sleep(sleep)
		}
	}
	return nil
}

func (p *mediaPump) sendPacket(pkt *rtppacket.Packet) error {
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	n, err := p.socket.WriteTo(buf, p.dest)
	if err != nil {
		return err
	}
	p.bytesSince += int64(n)
	return nil
}

// maybeSampleBandwidth feeds a bandwidth sample to analytics once a
// second, matching ServerWorker's bitrate-adjustment cadence.
func (p *mediaPump) maybeSampleBandwidth() {
	now := time.Now()
	delta := now.Sub(p.lastSample)
	if delta < time.Second {
		return
	}
	p.analytics.UpdateBandwidthSample(p.bytesSince, delta)
	p.bytesSince = 0
	p.lastSample = now
}
