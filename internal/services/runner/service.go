// Package runner runs the palwarden daemon.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/fgeck/palwarden/internal/services/launcher"
	"github.com/fgeck/palwarden/internal/services/palapi"
	"github.com/fgeck/palwarden/internal/services/telegram"
	"github.com/fgeck/palwarden/internal/services/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for the daemon runner.
type Service interface {
	Run(ctx context.Context, settings models.Settings) error
}

// Notifier forwards bus events to a chat.
type Notifier interface {
	Watch(ctx context.Context, cfg models.TelegramConfig, server string, sub *events.Subscription)
}

// Impl implements the runner Service interface.
type Impl struct {
	services  Services
	wolSvc    wol.Service
	notifier  Notifier
	logger    zerolog.Logger
	labelWait time.Duration
	onReady   func(*Components)
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		services: Services{
			API:     palapi.New(logger.With().Str("component", "palapi").Logger()),
			Backups: backup.New(logger.With().Str("component", "backup").Logger()),
		},
		wolSvc:    wol.New(logger.With().Str("component", "wol").Logger()),
		notifier:  telegram.New(logger.With().Str("component", "telegram").Logger()),
		logger:    logger,
		labelWait: 5 * time.Second,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, services Services, wolSvc wol.Service, notifier Notifier) *Impl {
	return &Impl{
		services:  services,
		wolSvc:    wolSvc,
		notifier:  notifier,
		logger:    logger,
		labelWait: time.Second,
	}
}

// Run wakes the host if configured, starts the observers and the automation
// loops, then blocks until ctx is done. A clean shutdown returns nil.
func (s *Impl) Run(ctx context.Context, settings models.Settings) error {
	s.logger.Info().
		Str("base_url", settings.Connection.BaseURL).
		Bool("allow_actions", settings.AllowActions).
		Msg("starting palwarden")

	if settings.WOL != nil {
		if err := s.runWOL(ctx, settings.WOL); err != nil {
			return err
		}
	}

	services := s.services
	if services.Launcher == nil {
		services.Launcher = launcher.New(s.logger.With().Str("component", "launcher").Logger(), settings.Launcher)
	}

	comps, err := Build(s.logger, settings, services)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if settings.Telegram != nil && s.notifier != nil {
		label := s.serverLabel(runCtx, comps)
		sub := comps.Bus.Subscribe(64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			s.notifier.Watch(runCtx, *settings.Telegram, label, sub)
		}()
		s.logger.Info().Str("server", label).Msg("telegram notifications enabled")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		comps.Poller.Run(runCtx)
	}()

	if comps.Store.AllowActions() {
		if err := comps.Gateway.StartAutoRestart(runCtx, nil); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to start automation: %w", err)
		}
	} else {
		s.logger.Warn().Msg("actions are disabled, automation not started")
	}

	if s.onReady != nil {
		s.onReady(comps)
	}

	<-ctx.Done()
	s.logger.Info().Msg("shutting down")

	_ = comps.Gateway.StopAutoRestart()
	cancel()
	wg.Wait()

	if dropped := comps.Bus.Dropped(); dropped > 0 {
		s.logger.Warn().Uint64("dropped", dropped).Msg("events were dropped during the run")
	}
	s.logger.Info().Msg("palwarden stopped")
	return nil
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	result, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}
	if !result.TargetReady && cfg.PollURL != "" {
		return fmt.Errorf("game host did not become ready after WOL")
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")
	return nil
}

// serverLabel names the server in notifications: the advertised server name
// when the API answers, otherwise the API host.
func (s *Impl) serverLabel(ctx context.Context, comps *Components) string {
	ctx, cancel := context.WithTimeout(ctx, s.labelWait)
	defer cancel()

	if info, err := comps.Gateway.ServerInfo(ctx); err == nil && info.ServerName != "" {
		return info.ServerName
	}
	baseURL := comps.Store.Get().Connection.BaseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return baseURL
}
