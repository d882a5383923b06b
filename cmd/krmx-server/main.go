package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/krmx/krmx-go/pkg/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(nil)
	if err != nil {
		// Config failed before the structured logger exists.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")
	cfg.LogConfig(logger)

	srv := server.New(server.Options{
		Logger:         &logger,
		Metadata:       cfg.Metadata,
		AcceptNewUsers: server.Bool(cfg.AcceptNewUsers),
		Path:           cfg.Path,
		QueryParams:    acceptGate(cfg),
		FrameRate:      cfg.frameRate(),
		FrameBurst:     cfg.FrameBurst,
	})

	if err := attachRelay(srv, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to attach relay")
	}
	if cfg.JWTSecret != "" {
		if err := newJWTAuthenticator(cfg.JWTSecret, logger).attach(srv); err != nil {
			logger.Fatal().Err(err).Msg("failed to attach authenticator")
		}
	}

	var bridge *natsBridge
	if cfg.NATSURL != "" {
		bridge, err = newNATSBridge(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect NATS bridge")
		}
		if err := bridge.attach(srv); err != nil {
			logger.Fatal().Err(err).Msg("failed to attach NATS bridge")
		}
	}

	var admin *adminServer
	if cfg.AdminAddr != "" {
		admin = newAdminServer(srv, cfg.AdminAddr, logger)
	}

	if err := srv.Listen(cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
	if admin != nil {
		admin.start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	if admin != nil {
		admin.stop()
	}
	if bridge != nil {
		bridge.close()
	}
}

// acceptGate builds the query-parameter gate from configuration.
func acceptGate(cfg *Config) map[string]server.QueryRule {
	if cfg.AcceptToken == "" {
		return nil
	}
	return map[string]server.QueryRule{
		"token": server.QueryEquals(cfg.AcceptToken),
	}
}
