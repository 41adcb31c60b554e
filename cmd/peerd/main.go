package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerd/config"
	"peerd/observability/logging"
	"peerd/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	idealPeers := flag.Int("peers", 0, "Override the ideal peer count")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PEERD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := logging.Setup("peerd", env, logging.Options{File: cfg.LogFile})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}

	host, err := p2p.NewHost(cfg.ClientVersion, cfg.Network(), cfg.DataDir)
	if err != nil {
		logger.Error("Failed to initialise host", slog.Any("error", err))
		os.Exit(1)
	}
	if *idealPeers > 0 {
		host.SetIdealPeerCount(*idealPeers)
	} else {
		host.SetIdealPeerCount(cfg.IdealPeerCount)
	}

	if blob, err := os.ReadFile(cfg.NodesFile); err == nil {
		if err := host.RestoreNodes(blob); err != nil {
			logger.Warn("Stored nodes not restored", slog.Any("error", err))
		}
	}

	host.Start()
	if host.ListenPort() < 0 {
		logger.Error("Host failed to bind a listen port")
	}

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("Metrics listener stopped", slog.Any("error", err))
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("Shutting down")
	if blob := host.SaveNodes(); len(blob) > 0 {
		if err := os.WriteFile(cfg.NodesFile, blob, 0o600); err != nil {
			logger.Warn("Failed to persist nodes", slog.Any("error", err))
		}
	}
	host.Stop()
}
