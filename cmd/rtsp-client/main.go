// Command rtsp-client connects to an rtsp-server, plays a named media
// file, and displays received frames via its cache-file hand-off.
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
	"mjpegrtsp/rtspclient"
)

const (
	defaultConfigPath = "config.toml"
	appName           = "RTSP MJPEG Client"
	appVersion        = "1.0.0"
)

// fileRenderer is the stand-in Renderer that simply logs each
// displayed frame's cache path; a real UI collaborator would poll or
// watch this path instead.
type fileRenderer struct {
	logger *zap.Logger
}

func (r *fileRenderer) Render(cacheFile string) {
	r.logger.Debug("frame ready for display", zap.String("cache_file", cacheFile))
}

func main() {
	var (
		configPath    = flag.String("config", defaultConfigPath, "Path to configuration file")
		serverAddr    = flag.String("server", "127.0.0.1:5540", "Server control address host:port")
		filename      = flag.String("file", "", "Media filename to request (required)")
		mediaPort     = flag.Int("media-port", 6000, "Local UDP port to receive media on")
		hdMode        = flag.Bool("hd", false, "Request HD (1080p) mode at SETUP")
		version       = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *filename == "" {
		fmt.Println("rtsp-client: -file is required")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger, err := applog.New("rtsp-client", "info", 20)
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
		if l, err := applog.New("rtsp-client", cfg.Logging.Level, cfg.Logging.MaxFiles); err == nil {
			logger.Sync()
			logger = l
		}
	}

	clientCfg := rtspclient.Config{
		QueueDepth:         cfg.Playback.QueueDepth,
		DisplayIntervalMs:  cfg.Playback.DisplayIntervalMs,
		MediaRecvTimeoutMs: cfg.Timeouts.MediaRecvTimeoutMs,
		ReassemblyCapacity: cfg.Reassembly.Capacity,
		MTU:                cfg.Network.MTU,
		StatsIntervalSec:   1,
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
	if cfg.Analytics.StatsIntervalMs > 0 {
		clientCfg.StatsIntervalSec = cfg.Analytics.StatsIntervalMs / 1000
		if clientCfg.StatsIntervalSec <= 0 {
			clientCfg.StatsIntervalSec = 1
		}
	}

	client, err := rtspclient.New(*serverAddr, *filename, *mediaPort, *hdMode, clientCfg, logger, &fileRenderer{logger: logger})
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var statsServer *http.Server
	if cfg.Network.StatsWSPort != 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws/stats", client.StatsHub.HandleWebSocket)
		statsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Network.StatsWSPort), Handler: mux}
		go func() {
			if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("stats websocket server error", zap.Error(err))
			}
		}()
		logger.Info("stats websocket listening", zap.Int("port", cfg.Network.StatsWSPort))
	}
	go client.PublishStats(ctx)

	if err := client.Setup(); err != nil {
		logger.Fatal("SETUP failed", zap.Error(err))
	}
	if err := client.Play(); err != nil {
		logger.Fatal("PLAY failed", zap.Error(err))
	}
	logger.Info("streaming started", zap.String("file", *filename), zap.Bool("hd", *hdMode))

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownSeconds)*time.Second)
	defer shutdownCancel()

	if err := client.Teardown(); err != nil {
		logger.Error("error during teardown", zap.Error(err))
	}
	if statsServer != nil {
		statsServer.Shutdown(shutdownCtx)
	}
	client.Close()

	logger.Info("shutdown complete")
}
