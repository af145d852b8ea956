package main

import (
	"os"

	"github.com/nraphael/ipywidgets/internal/daemon"
	"github.com/nraphael/ipywidgets/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	observability.InitLogger("widgetd")

	configPath := "cmd/widgetd/config.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := loadServiceConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load widgetd config")
	}
	log.Info().Str("path", configPath).Msg("loaded widgetd config")

	svc := daemon.NewServiceWithConfig(cfg)
	log.Info().Str("name", cfg.Name).Str("addr", cfg.ListenAddr).Msg("widgetd started")
	if err := svc.Run(); err != nil {
		log.Fatal().Err(err).Msg("widgetd stopped")
	}
}
