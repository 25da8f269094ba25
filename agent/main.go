package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "warden-agent").Logger()
	if os.Getenv("WARDEN_LOG_PRETTY") == "true" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid agent configuration")
	}
	log.Info().
		Str("agent_id", cfg.AgentID).
		Str("server", cfg.ServerURL).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Msg("agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := NewClient(cfg.ServerURL, cfg.AuthToken)
	rt := NewAgentRuntime(cfg, client, nil, log)
	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("agent runtime failed")
	}
}
