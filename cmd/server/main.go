package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wsgate/gateway/internal/config"
	"github.com/wsgate/gateway/internal/engine"
	"github.com/wsgate/gateway/internal/engine/netengine"
	"github.com/wsgate/gateway/internal/logging"
	"github.com/wsgate/gateway/internal/mock"
	"github.com/wsgate/gateway/internal/session"
	"github.com/wsgate/gateway/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use the scripted mock engine instead of dialing RDP hosts")
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New("wsgate", cfg.Log)

	var eng engine.Engine
	if *mockMode {
		logger.Info().Msg("starting with mock engine")
		eng = mock.New(mock.Config{ConnectResult: true, ConnectDelay: 500 * time.Millisecond, DisconnectResult: true})
	} else {
		eng = netengine.New(netengine.Config{
			DialTimeout: cfg.RDP.DialTimeout.Std(),
			PollTimeout: cfg.RDP.PollTimeout.Std(),
		}, logger)
	}

	store := session.NewStore()
	server := ws.NewServer(cfg, store, eng, logger)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := ws.ListenAndServe(ctx, cfg.Addr(), mux, logger)
	logger.Info().Msg("shutting down")
	server.CloseAll()
	if err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
