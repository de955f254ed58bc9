// Package analytics maintains a rolling window of per-frame delivery
// statistics and derives loss, latency, jitter, bitrate, and an
// adaptive-bitrate recommendation from it. The same type serves both
// the server's send-side view and the client's receive-side view.
package analytics

import (
	"math"
	"sync"
	"time"
)

// defaultHighLossPct, defaultModerateLossPct, defaultLowLossPct are
// the packet-loss thresholds that drive the adaptive bitrate's
// multiplicative increase/decrease.
const (
	defaultHighLossPct     = 10
	defaultModerateLossPct = 5
	defaultLowLossPct      = 1
)

// FrameStat is the per-frame record kept in the rolling window.
type FrameStat struct {
	FrameID           uint32
	Size              int
	SentTime          time.Time
	ReceivedTime      time.Time
	FragmentsExpected int
	FragmentsLost     int
	Complete          bool
}

func (s *FrameStat) hasSentTime() bool     { return !s.SentTime.IsZero() }
func (s *FrameStat) hasReceivedTime() bool { return !s.ReceivedTime.IsZero() }

func (s *FrameStat) latencyMs() (float64, bool) {
	if !s.hasSentTime() || !s.hasReceivedTime() {
		return 0, false
	}
	return s.ReceivedTime.Sub(s.SentTime).Seconds() * 1000, true
}

// Config bounds the window and sets the adaptive-bitrate parameters.
type Config struct {
	WindowSize       int
	BandwidthSamples int
	TargetBitrateBps float64
	MinBitrateBps    float64
	MaxBitrateBps    float64
	HighLossPct      float64
	ModerateLossPct  float64
	LowLossPct       float64
}

// DefaultConfig returns the configuration this spec's defaults imply:
// a 300-frame window, a 100-entry bandwidth sample deque, and
// 500 Kbps/5 Mbps/25 Mbps adaptive-bitrate bounds.
func DefaultConfig() Config {
	return Config{
		WindowSize:       300,
		BandwidthSamples: 100,
		TargetBitrateBps: 5_000_000,
		MinBitrateBps:    500_000,
		MaxBitrateBps:    25_000_000,
		HighLossPct:      defaultHighLossPct,
		ModerateLossPct:  defaultModerateLossPct,
		LowLossPct:       defaultLowLossPct,
	}
}

// Window is a bounded rolling window of frame statistics plus
// cumulative totals and adaptive-bitrate state. It is safe for
// concurrent use; every method holds a single mutex while it runs.
type Window struct {
	cfg Config
	mu  sync.Mutex

	stats    []*FrameStat // ring of at most cfg.WindowSize entries, oldest first
	byFrame  map[uint32]*FrameStat
	startAt  time.Time

	totalBytesSent     uint64
	totalBytesReceived uint64
	packetsSent        uint64
	packetsReceived    uint64
	packetsLost        uint64

	bandwidthSamples []float64
	currentBitrate   float64
}

// New returns an empty Window configured per cfg.
func New(cfg Config) *Window {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 300
	}
	if cfg.BandwidthSamples <= 0 {
		cfg.BandwidthSamples = 100
	}
	return &Window{
		cfg:     cfg,
		byFrame: make(map[uint32]*FrameStat),
		startAt: time.Now(),
	}
}

// FrameSent records that the server has sent a frame. fragments is the
// number of RTP packets the frame was split across (1 for an
// unfragmented frame).
func (w *Window) FrameSent(frameID uint32, size int, fragments int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := &FrameStat{
		FrameID:           frameID,
		Size:              size,
		SentTime:          time.Now(),
		FragmentsExpected: fragments,
	}
	w.append(s)

	w.totalBytesSent += uint64(size)
	w.packetsSent += uint64(fragments)
}

// PacketLoss records n lost packets attributed to frameID (or to the
// stream in general if no matching entry exists).
func (w *Window) PacketLoss(frameID uint32, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.packetsLost += uint64(n)
	if s, ok := w.byFrame[frameID]; ok {
		s.FragmentsLost += n
	}
}

// FrameReceived records that the client has received a complete
// frame. If no matching send-side entry exists (the normal client
// case), a new receive-only entry is appended.
func (w *Window) FrameReceived(frameID uint32, size int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.totalBytesReceived += uint64(size)
	w.packetsReceived++

	now := time.Now()
	if s, ok := w.byFrame[frameID]; ok {
		s.ReceivedTime = now
		s.Complete = true
		return
	}

	s := &FrameStat{
		FrameID:      frameID,
		Size:         size,
		ReceivedTime: now,
		Complete:     true,
	}
	w.append(s)
}

// append pushes s onto the window, evicting the oldest entry on
// overflow. Cumulative totals are not affected by eviction.
func (w *Window) append(s *FrameStat) {
	w.stats = append(w.stats, s)
	w.byFrame[s.FrameID] = s

	if len(w.stats) > w.cfg.WindowSize {
		oldest := w.stats[0]
		w.stats = w.stats[1:]
		if w.byFrame[oldest.FrameID] == oldest {
			delete(w.byFrame, oldest.FrameID)
		}
	}
}

// FrameLossRate returns the percentage of windowed entries that never
// completed.
func (w *Window) FrameLossRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.stats) == 0 {
		return 0
	}
	lost := 0
	for _, s := range w.stats {
		if !s.Complete {
			lost++
		}
	}
	return float64(lost) / float64(len(w.stats)) * 100
}

// PacketLossRate returns packets_lost / packets_sent * 100.
func (w *Window) PacketLossRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packetLossRateLocked()
}

func (w *Window) packetLossRateLocked() float64 {
	if w.packetsSent == 0 {
		return 0
	}
	return float64(w.packetsLost) / float64(w.packetsSent) * 100
}

// latenciesLocked returns the latency series, in milliseconds, over
// frames where both sent and received times are known. Caller must
// hold w.mu.
func (w *Window) latenciesLocked() []float64 {
	var out []float64
	for _, s := range w.stats {
		if ms, ok := s.latencyMs(); ok {
			out = append(out, ms)
		}
	}
	return out
}

// AverageLatencyMs returns the mean latency over frames with known
// send and receive times.
func (w *Window) AverageLatencyMs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	lat := w.latenciesLocked()
	if len(lat) == 0 {
		return 0
	}
	var sum float64
	for _, v := range lat {
		sum += v
	}
	return sum / float64(len(lat))
}

// MaxLatencyMs returns the maximum latency over frames with known send
// and receive times.
func (w *Window) MaxLatencyMs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	lat := w.latenciesLocked()
	if len(lat) == 0 {
		return 0
	}
	max := lat[0]
	for _, v := range lat[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// JitterMs returns the population standard deviation of the latency
// series.
func (w *Window) JitterMs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	lat := w.latenciesLocked()
	if len(lat) < 2 {
		return 0
	}

	var sum float64
	for _, v := range lat {
		sum += v
	}
	mean := sum / float64(len(lat))

	var variance float64
	for _, v := range lat {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(lat))

	return math.Sqrt(variance)
}

// CurrentBitrateMbps returns the windowed bitrate: total windowed
// bytes times 8, divided by the span between the first and last entry
// in the window, in Mbps.
func (w *Window) CurrentBitrateMbps() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.stats) < 2 {
		return 0
	}

	first := w.entryTime(w.stats[0])
	last := w.entryTime(w.stats[len(w.stats)-1])
	delta := last.Sub(first).Seconds()
	if delta <= 0 {
		return 0
	}

	var bytes int64
	for _, s := range w.stats {
		bytes += int64(s.Size)
	}

	return float64(bytes) * 8 / delta / 1_000_000
}

// entryTime prefers the send time (server mode) and falls back to the
// receive time (client mode).
func (w *Window) entryTime(s *FrameStat) time.Time {
	if s.hasSentTime() {
		return s.SentTime
	}
	return s.ReceivedTime
}

// AverageBitrateMbps returns the average bitrate since the window was
// created, using cumulative bytes sent, or cumulative bytes received
// when nothing has been sent.
func (w *Window) AverageBitrateMbps() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.startAt).Seconds()
	if elapsed == 0 {
		return 0
	}

	bytes := w.totalBytesSent
	if bytes == 0 {
		bytes = w.totalBytesReceived
	}

	return float64(bytes) * 8 / elapsed / 1_000_000
}

// UpdateBandwidthSample appends a bandwidth reading of
// bytesTransferred over delta seconds to the bandwidth sample deque.
func (w *Window) UpdateBandwidthSample(bytesTransferred int64, delta time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	secs := delta.Seconds()
	if secs <= 0 {
		return
	}

	mbps := float64(bytesTransferred) * 8 / (secs * 1_000_000)
	w.bandwidthSamples = append(w.bandwidthSamples, mbps)
	if len(w.bandwidthSamples) > w.cfg.BandwidthSamples {
		w.bandwidthSamples = w.bandwidthSamples[1:]
	}
}

// AdaptiveBitrateBps recomputes and returns the recommended send rate
// in bits per second: the current value is scaled down 30% above a
// high-loss threshold, down 15% above a moderate-loss threshold, up
// 10% below a low-loss threshold, then clamped to [min, max]. A
// still-zero value is initialized to the target bitrate.
func (w *Window) AdaptiveBitrateBps() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	loss := w.packetLossRateLocked()

	switch {
	case loss > w.highLossThreshold():
		w.currentBitrate = math.Max(w.cfg.MinBitrateBps, w.currentBitrate*0.7)
	case loss > w.moderateLossThreshold():
		w.currentBitrate = math.Max(w.cfg.MinBitrateBps, w.currentBitrate*0.85)
	case loss < w.lowLossThreshold():
		w.currentBitrate = math.Min(w.cfg.MaxBitrateBps, w.currentBitrate*1.1)
	}

	if w.currentBitrate == 0 {
		w.currentBitrate = w.cfg.TargetBitrateBps
	}

	return int64(w.currentBitrate)
}

func (w *Window) highLossThreshold() float64 {
	if w.cfg.HighLossPct != 0 {
		return w.cfg.HighLossPct
	}
	return defaultHighLossPct
}

func (w *Window) moderateLossThreshold() float64 {
	if w.cfg.ModerateLossPct != 0 {
		return w.cfg.ModerateLossPct
	}
	return defaultModerateLossPct
}

func (w *Window) lowLossThreshold() float64 {
	if w.cfg.LowLossPct != 0 {
		return w.cfg.LowLossPct
	}
	return defaultLowLossPct
}

// Totals is a point-in-time snapshot of the window's cumulative
// counters, useful for logging and the stats-push endpoint.
type Totals struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
}

// Totals returns a snapshot of the cumulative counters.
func (w *Window) Totals() Totals {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Totals{
		BytesSent:       w.totalBytesSent,
		BytesReceived:   w.totalBytesReceived,
		PacketsSent:     w.packetsSent,
		PacketsReceived: w.packetsReceived,
		PacketsLost:     w.packetsLost,
	}
}

// Summary is the structured analytics snapshot published on the
// stats endpoint. A typed struct, not the Python original's
// string-formatted dict, leaving display formatting to the UI
// collaborator.
type Summary struct {
	ElapsedSeconds      float64 `json:"elapsed_seconds"`
	Totals              Totals  `json:"totals"`
	FrameLossRate       float64 `json:"frame_loss_rate"`
	PacketLossRate      float64 `json:"packet_loss_rate"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
	MaxLatencyMs        float64 `json:"max_latency_ms"`
	JitterMs            float64 `json:"jitter_ms"`
	CurrentBitrateMbps  float64 `json:"current_bitrate_mbps"`
	AverageBitrateMbps  float64 `json:"average_bitrate_mbps"`
	AdaptiveBitrateBps  int64   `json:"adaptive_bitrate_bps"`
}

// Snapshot computes and returns the full analytics summary.
func (w *Window) Snapshot() Summary {
	w.mu.Lock()
	elapsed := time.Since(w.startAt).Seconds()
	w.mu.Unlock()

	return Summary{
		ElapsedSeconds:     elapsed,
		Totals:             w.Totals(),
		FrameLossRate:      w.FrameLossRate(),
		PacketLossRate:     w.PacketLossRate(),
		AverageLatencyMs:   w.AverageLatencyMs(),
		MaxLatencyMs:       w.MaxLatencyMs(),
		JitterMs:           w.JitterMs(),
		CurrentBitrateMbps: w.CurrentBitrateMbps(),
		AverageBitrateMbps: w.AverageBitrateMbps(),
		AdaptiveBitrateBps: w.AdaptiveBitrateBps(),
	}
}
