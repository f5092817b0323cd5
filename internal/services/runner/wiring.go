package runner

import (
	"github.com/fgeck/palwarden/internal/config"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/fgeck/palwarden/internal/services/gateway"
	"github.com/fgeck/palwarden/internal/services/palapi"
	"github.com/fgeck/palwarden/internal/services/players"
	"github.com/fgeck/palwarden/internal/services/scheduler"
	"github.com/rs/zerolog"
)

// Services are the I/O-facing collaborators the component graph is built on.
type Services struct {
	API      palapi.Service
	Backups  backup.Service
	Launcher scheduler.Launcher // optional
}

// Components is the wired core: store, bus, gateway, scheduler and poller.
type Components struct {
	Store     *config.Store
	Bus       *events.Bus
	Gateway   *gateway.Gateway
	Scheduler *scheduler.Scheduler
	Poller    *players.Poller
}

// Build validates settings into a store and wires the gateway and scheduler
// around it. Nothing is started.
func Build(logger zerolog.Logger, settings models.Settings, svc Services) (*Components, error) {
	store, err := config.NewStoreFromSettings(settings)
	if err != nil {
		return nil, err
	}

	bus := events.New(logger.With().Str("component", "events").Logger())

	var backups gateway.BackupRunner
	var schedBackups scheduler.BackupRunner
	if svc.Backups != nil {
		backups = svc.Backups
		schedBackups = svc.Backups
	}

	gw := gateway.New(logger.With().Str("component", "gateway").Logger(), store, svc.API, backups, bus)
	sched := scheduler.New(logger.With().Str("component", "scheduler").Logger(), scheduler.Deps{
		Ops:      gw,
		Backups:  schedBackups,
		Launcher: svc.Launcher,
		Events:   bus,
		Config:   func() models.ScheduleConfig { return store.Get().Schedule },
	})
	gw.AttachScheduler(sched)

	poller := players.NewPoller(logger.With().Str("component", "players").Logger(), gw, nil, bus, settings.Players)

	return &Components{
		Store:     store,
		Bus:       bus,
		Gateway:   gw,
		Scheduler: sched,
		Poller:    poller,
	}, nil
}
