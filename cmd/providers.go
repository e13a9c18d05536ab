package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/auth"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/store"
)

// ProvideLogger builds the process logger. The returned LevelVar is shared
// with the config watcher so log.level edits apply without a restart.
func ProvideLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	lvl, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	level.Set(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log, level, nil
}

// ProvideWatermillLogger routes broker internals through the process logger.
func ProvideWatermillLogger(log *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(log.With("component", "watermill"))
}

// ProvideVerifier builds the bearer-token verifier for the identity issuer.
func ProvideVerifier(cfg *config.Config) *auth.Verifier {
	return auth.NewVerifier(cfg.Auth.JWTSecret)
}

// ProvideEnvelopeReader exposes the durable log to the hub's replay path.
func ProvideEnvelopeReader(st store.EnvelopeStore) registry.EnvelopeReader {
	return st
}
