// Package config loads the tunables for the RTSP/RTP MJPEG streamer from
// an optional TOML file, layered over sane defaults.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config is the full configuration record shared by the server and the
// client binaries. Recognized options mirror spec.md §9's configuration
// record: mtu, reassembly_capacity, queue_depth, analytics_window,
// target/min/max bitrate, display_interval_ms, media_recv_timeout_ms,
// pump_stop_poll_ms.
type Config struct {
	Network    NetworkConfig    `toml:"network" json:"network"`
	Media      MediaConfig      `toml:"media" json:"media"`
	Analytics  AnalyticsConfig  `toml:"analytics" json:"analytics"`
	Reassembly ReassemblyConfig `toml:"reassembly" json:"reassembly"`
	Playback   PlaybackConfig   `toml:"playback" json:"playback"`
	Timeouts   TimeoutConfig    `toml:"timeouts" json:"timeouts"`
	Logging    LoggingConfig    `toml:"logging" json:"logging"`
}

// NetworkConfig holds socket and MTU settings.
type NetworkConfig struct {
	MTU         int    `toml:"mtu" json:"mtu"`
	BindIP      string `toml:"bind_ip" json:"bind_ip"`
	ControlPort int    `toml:"control_port" json:"control_port"`
	StatsWSPort int    `toml:"stats_ws_port" json:"stats_ws_port"`
	SSRC        uint32 `toml:"ssrc" json:"ssrc"`
}

// MediaConfig holds media-pump pacing settings.
type MediaConfig struct {
	FragmentSleepMs int `toml:"fragment_sleep_ms" json:"fragment_sleep_ms"`
}

// AnalyticsConfig holds rolling-window and adaptive-bitrate settings.
type AnalyticsConfig struct {
	WindowSize       int     `toml:"window_size" json:"window_size"`
	BandwidthSamples int     `toml:"bandwidth_samples" json:"bandwidth_samples"`
	TargetBitrateBps int     `toml:"target_bitrate_bps" json:"target_bitrate_bps"`
	MinBitrateBps    int     `toml:"min_bitrate_bps" json:"min_bitrate_bps"`
	MaxBitrateBps    int     `toml:"max_bitrate_bps" json:"max_bitrate_bps"`
	StatsIntervalMs  int     `toml:"stats_interval_ms" json:"stats_interval_ms"`
	HighLossPct      float64 `toml:"high_loss_pct" json:"high_loss_pct"`
	ModerateLossPct  float64 `toml:"moderate_loss_pct" json:"moderate_loss_pct"`
	LowLossPct       float64 `toml:"low_loss_pct" json:"low_loss_pct"`
}

// ReassemblyConfig bounds the fragment reassembly table.
type ReassemblyConfig struct {
	Capacity int `toml:"capacity" json:"capacity"`
}

// PlaybackConfig holds the client's frame queue and display cadence.
type PlaybackConfig struct {
	QueueDepth        int `toml:"queue_depth" json:"queue_depth"`
	DisplayIntervalMs int `toml:"display_interval_ms" json:"display_interval_ms"`
}

// TimeoutConfig holds blocking-call timeouts and poll intervals.
type TimeoutConfig struct {
	MediaRecvTimeoutMs int `toml:"media_recv_timeout_ms" json:"media_recv_timeout_ms"`
	PumpStopPollMs     int `toml:"pump_stop_poll_ms" json:"pump_stop_poll_ms"`
	ShutdownSeconds    int `toml:"shutdown_seconds" json:"shutdown_seconds"`
}

// LoggingConfig holds logging behavior.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level"`
	MaxFiles int    `toml:"max_log_files" json:"max_log_files"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			MTU:         1500,
			BindIP:      "0.0.0.0",
			ControlPort: 5540,
			StatsWSPort: 0, // 0 disables the stats websocket endpoint
			SSRC:        0,
		},
		Media: MediaConfig{
			FragmentSleepMs: 1,
		},
		Analytics: AnalyticsConfig{
			WindowSize:       300,
			BandwidthSamples: 100,
			TargetBitrateBps: 5_000_000,
			MinBitrateBps:    500_000,
			MaxBitrateBps:    25_000_000,
			StatsIntervalMs:  1000,
			HighLossPct:      10,
			ModerateLossPct:  5,
			LowLossPct:       1,
		},
		Reassembly: ReassemblyConfig{
			Capacity: 64,
		},
		Playback: PlaybackConfig{
			QueueDepth:        3,
			DisplayIntervalMs: 33,
		},
		Timeouts: TimeoutConfig{
			MediaRecvTimeoutMs: 500,
			PumpStopPollMs:     50,
			ShutdownSeconds:    5,
		},
		Logging: LoggingConfig{
			Level:    "info",
			MaxFiles: 20,
		},
	}
}

// Load loads configuration from a TOML file, falling back to defaults for
// any field the file doesn't set. A missing file is not an error.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		if logger != nil {
			logger.Info("config file not found, using defaults", zap.String("path", path))
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}

	if logger != nil {
		logger.Info("config loaded from file", zap.String("path", path))
	}
	return cfg, nil
}
