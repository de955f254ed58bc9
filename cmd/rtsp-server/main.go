// Command rtsp-server serves MJPEG media over RTSP/RTP to one client
// per accepted control connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mjpegrtsp/analytics"
	"mjpegrtsp/applog"
	"mjpegrtsp/config"
	"mjpegrtsp/rtppacket"
	"mjpegrtsp/rtspserver"
)

const (
	defaultConfigPath = "config.toml"
	appName           = "RTSP MJPEG Streamer"
	appVersion        = "1.0.0"
)

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath, "Path to configuration file")
		bindAddr   = flag.String("addr", "", "Control listen address host:port, overrides config")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	logger, err := applog.New("rtsp-server", "info", 20)
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.Logging.Level != "" {
		if l, err := applog.New("rtsp-server", cfg.Logging.Level, cfg.Logging.MaxFiles); err == nil {
			logger.Sync()
			logger = l
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Network.BindIP, cfg.Network.ControlPort)
	if *bindAddr != "" {
		addr = *bindAddr
	}

	serverCfg := rtspserver.Config{
		MTU:                cfg.Network.MTU,
		RTPHeaderSize:      rtppacket.HeaderSize,
		ReassemblyCapacity: cfg.Reassembly.Capacity,
		PumpStopPollMs:     cfg.Timeouts.PumpStopPollMs,
		FragmentSleepMs:    cfg.Media.FragmentSleepMs,
		SSRC:               cfg.Network.SSRC,
		Analytics: analytics.Config{
			WindowSize:       cfg.Analytics.WindowSize,
			BandwidthSamples: cfg.Analytics.BandwidthSamples,
			TargetBitrateBps: float64(cfg.Analytics.TargetBitrateBps),
			MinBitrateBps:    float64(cfg.Analytics.MinBitrateBps),
			MaxBitrateBps:    float64(cfg.Analytics.MaxBitrateBps),
			HighLossPct:      cfg.Analytics.HighLossPct,
			ModerateLossPct:  cfg.Analytics.ModerateLossPct,
			LowLossPct:       cfg.Analytics.LowLossPct,
		},
	}

	srv, err := rtspserver.Listen(addr, serverCfg, logger)
	if err != nil {
		logger.Fatal("failed to bind control listener", zap.Error(err))
	}

	logger.Info("rtsp-server listening",
		zap.String("addr", srv.Addr().String()),
		zap.String("version", appVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var statsServer *http.Server
	if cfg.Network.StatsWSPort != 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws/stats", srv.StatsHub.HandleWebSocket)
		statsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Network.StatsWSPort), Handler: mux}
		go func() {
			if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("stats websocket server error", zap.Error(err))
			}
		}()
		logger.Info("stats websocket listening", zap.Int("port", cfg.Network.StatsWSPort))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve error", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownSeconds)*time.Second)
	defer shutdownCancel()

	if statsServer != nil {
		statsServer.Shutdown(shutdownCtx)
	}
	if err := srv.Close(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
