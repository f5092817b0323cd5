package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fgeck/palwarden/internal/config"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/launcher"
	"github.com/fgeck/palwarden/internal/services/palapi"
	"github.com/fgeck/palwarden/internal/services/runner"
	"github.com/rs/zerolog/log"
)

var errConfigRequired = errors.New("config file is required (--config)")

// loadSettings reads and validates the config file. When --log-file is not
// given, log.file from the config takes over.
func loadSettings() (*models.Settings, error) {
	cfg, _, err := loadConfig()
	return cfg, err
}

// loadConfig is loadSettings plus the raw values of keys that referenced
// environment variables.
func loadConfig() (*models.Settings, map[string]string, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return nil, nil, errConfigRequired
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return nil, nil, fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, nil, err
	}

	if logFile == "" && cfg.Log.File != "" {
		setupLogging(cfg.Log)
	}

	return cfg, parser.References(), nil
}

// buildComponents wires the gateway and scheduler on the real REST client,
// backup engine and launcher.
func buildComponents(settings *models.Settings) (*runner.Components, error) {
	logger := log.Logger
	return runner.Build(logger, *settings, runner.Services{
		API:      palapi.New(logger.With().Str("component", "palapi").Logger()),
		Backups:  backup.New(logger.With().Str("component", "backup").Logger()),
		Launcher: launcher.New(logger.With().Str("component", "launcher").Logger(), settings.Launcher),
	})
}
