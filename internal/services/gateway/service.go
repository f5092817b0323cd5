// Package gateway exposes the server actions behind one uniform surface with
// a shared error taxonomy and the read-only guard.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/palwarden/internal/config"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/fgeck/palwarden/internal/services/palapi"
	"github.com/fgeck/palwarden/internal/services/scheduler"
	"github.com/rs/zerolog"
)

// ConfigStore is the live configuration consumed by the gateway.
type ConfigStore interface {
	Get() config.Snapshot
	Set(conn models.Connection, sched models.ScheduleConfig) error
	AllowActions() bool
}

// Scheduler is the automation engine driven by the gateway.
type Scheduler interface {
	Start(ctx context.Context, cfg models.ScheduleConfig) error
	Stop()
	Running() bool
	Trigger(kind models.ActionKind, lead time.Duration, reason string) (models.ScheduledAction, error)
	Cancel(ctx context.Context) error
	Pending() (models.ScheduledAction, bool)
}

// BackupRunner runs one backup.
type BackupRunner interface {
	Run(ctx context.Context, req backup.Request) (*models.BackupArtifact, error)
}

// Status summarizes the automation state.
type Status struct {
	BaseURL      string
	AllowActions bool
	Running      bool
	Pending      *models.ScheduledAction
	Schedule     models.ScheduleConfig
}

// Gateway implements the action surface. It also satisfies
// scheduler.Operations so timer-driven calls share the same path.
type Gateway struct {
	store   ConfigStore
	api     palapi.Service
	backups BackupRunner
	sched   Scheduler
	events  events.Publisher
	logger  zerolog.Logger
}

var _ scheduler.Operations = (*Gateway)(nil)

// New creates a gateway. The scheduler is attached separately because it
// depends on the gateway itself.
func New(logger zerolog.Logger, store ConfigStore, api palapi.Service, backups BackupRunner, bus events.Publisher) *Gateway {
	return &Gateway{
		store:   store,
		api:     api,
		backups: backups,
		events:  bus,
		logger:  logger,
	}
}

// AttachScheduler wires the automation engine.
func (g *Gateway) AttachScheduler(s Scheduler) {
	g.sched = s
}

// ServerInfo returns the server identity block.
func (g *Gateway) ServerInfo(ctx context.Context) (info *models.ServerInfo, err error) {
	err = g.read("info", func(snap config.Snapshot) error {
		info, err = g.api.Info(ctx, snap.Connection)
		return err
	})
	return info, err
}

// Players returns the online players.
func (g *Gateway) Players(ctx context.Context) (players []models.Player, err error) {
	err = g.read("players", func(snap config.Snapshot) error {
		players, err = g.api.Players(ctx, snap.Connection)
		return err
	})
	return players, err
}

// Metrics returns a performance sample.
func (g *Gateway) Metrics(ctx context.Context) (metrics *models.ServerMetrics, err error) {
	err = g.read("metrics", func(snap config.Snapshot) error {
		metrics, err = g.api.Metrics(ctx, snap.Connection)
		return err
	})
	return metrics, err
}

// ServerSettings returns the world settings.
func (g *Gateway) ServerSettings(ctx context.Context) (settings map[string]any, err error) {
	err = g.read("settings", func(snap config.Snapshot) error {
		settings, err = g.api.Settings(ctx, snap.Connection)
		return err
	})
	return settings, err
}

// Broadcast announces message to every player.
func (g *Gateway) Broadcast(ctx context.Context, message string) error {
	return g.mutate("broadcast", models.ConnectionError, func(snap config.Snapshot) error {
		message = strings.TrimSpace(message)
		if message == "" {
			return models.NewError(models.ValidationError, "broadcast", "message is empty", nil)
		}
		return g.api.Announce(ctx, snap.Connection, message)
	})
}

// ForceSave saves the world.
func (g *Gateway) ForceSave(ctx context.Context) error {
	return g.mutate("save", models.ConnectionError, func(snap config.Snapshot) error {
		return g.api.Save(ctx, snap.Connection)
	})
}

// Kick disconnects a player.
func (g *Gateway) Kick(ctx context.Context, playerID, reason string) error {
	return g.mutate("kick", models.ConnectionError, func(snap config.Snapshot) error {
		id, err := requirePlayer("kick", playerID)
		if err != nil {
			return err
		}
		return g.api.Kick(ctx, snap.Connection, id, reason)
	})
}

// Ban bans a player.
func (g *Gateway) Ban(ctx context.Context, playerID, reason string) error {
	return g.mutate("ban", models.ConnectionError, func(snap config.Snapshot) error {
		id, err := requirePlayer("ban", playerID)
		if err != nil {
			return err
		}
		return g.api.Ban(ctx, snap.Connection, id, reason)
	})
}

// Unban lifts a ban.
func (g *Gateway) Unban(ctx context.Context, playerID string) error {
	return g.mutate("unban", models.ConnectionError, func(snap config.Snapshot) error {
		id, err := requirePlayer("unban", playerID)
		if err != nil {
			return err
		}
		return g.api.Unban(ctx, snap.Connection, id)
	})
}

// Shutdown asks the server to stop after delaySeconds. Negative delays are
// treated as zero.
func (g *Gateway) Shutdown(ctx context.Context, delaySeconds int, message string) error {
	return g.mutate("shutdown", models.ConnectionError, func(snap config.Snapshot) error {
		if delaySeconds < 0 {
			delaySeconds = 0
		}
		if strings.TrimSpace(message) == "" {
			message = "Server is shutting down"
		}
		return g.api.Shutdown(ctx, snap.Connection, delaySeconds, message)
	})
}

// RestartNow starts a restart countdown of leadSeconds.
func (g *Gateway) RestartNow(_ context.Context, leadSeconds int) (action models.ScheduledAction, err error) {
	err = g.mutate("restart", models.ValidationError, func(config.Snapshot) error {
		if g.sched == nil {
			return models.NewError(models.ValidationError, "restart", "scheduler not attached", nil)
		}
		if leadSeconds < 0 {
			leadSeconds = 0
		}
		action, err = g.sched.Trigger(models.ActionRestart, time.Duration(leadSeconds)*time.Second, "manual")
		return err
	})
	return action, err
}

// CancelRestart aborts a pending countdown.
func (g *Gateway) CancelRestart(ctx context.Context) error {
	return g.mutate("cancel restart", models.ValidationError, func(config.Snapshot) error {
		if g.sched == nil {
			return models.NewError(models.ValidationError, "cancel restart", "scheduler not attached", nil)
		}
		return g.sched.Cancel(ctx)
	})
}

// BackupNow archives the save directory. Empty overrides fall back to the
// configured source and destination.
func (g *Gateway) BackupNow(ctx context.Context, sourceOverride, destOverride string) (artifact *models.BackupArtifact, err error) {
	err = g.mutate("backup", models.IoError, func(snap config.Snapshot) error {
		if g.backups == nil {
			return models.NewError(models.ValidationError, "backup", "backups are not configured", nil)
		}

		req := backup.Request{
			Source:      snap.Schedule.BackupSource,
			Destination: snap.Schedule.BackupDestination,
			Format:      snap.Schedule.BackupFormat,
			Retention:   snap.Schedule.BackupRetention,
		}
		if src := strings.TrimSpace(sourceOverride); src != "" {
			req.Source = src
			req.Destination = ""
		}
		if dst := strings.TrimSpace(destOverride); dst != "" {
			req.Destination = dst
		}
		if req.Retention <= 0 {
			req.Retention = config.DefaultBackupRetention
		}

		artifact, err = g.backups.Run(ctx, req)
		if err != nil {
			g.publish(events.TopicBackup, "backup failed", err, nil)
			return err
		}
		g.publish(events.TopicBackup, "backup completed", nil, map[string]any{
			"archive": artifact.ArchivePath,
			"bytes":   artifact.SizeBytes,
			"removed": len(artifact.Removed),
		})
		return nil
	})
	return artifact, err
}

// StartAutoRestart starts the automation loops. A non-nil cfg replaces the
// stored schedule first.
func (g *Gateway) StartAutoRestart(ctx context.Context, cfg *models.ScheduleConfig) error {
	return g.mutate("start auto-restart", models.ValidationError, func(snap config.Snapshot) error {
		if g.sched == nil {
			return models.NewError(models.ValidationError, "start auto-restart", "scheduler not attached", nil)
		}
		if cfg != nil {
			if err := g.store.Set(snap.Connection, *cfg); err != nil {
				return err
			}
		}
		err := g.sched.Start(ctx, g.store.Get().Schedule)
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return models.NewError(models.ValidationError, "start auto-restart", "automation is already running", err)
		}
		return err
	})
}

// StopAutoRestart stops the automation loops. It is permitted in read-only
// mode and is a no-op when nothing runs.
func (g *Gateway) StopAutoRestart() error {
	if g.sched == nil {
		return nil
	}
	g.sched.Stop()
	g.logger.Info().Msg("automation stopped")
	g.publish(events.TopicAction, "automation stopped", nil, nil)
	return nil
}

// UpdateSettings replaces the stored connection and schedule. Invalid input
// is reported synchronously and leaves the previous settings in place.
func (g *Gateway) UpdateSettings(conn models.Connection, sched models.ScheduleConfig) error {
	if err := g.store.Set(conn, sched); err != nil {
		g.logger.Warn().Err(err).Msg("settings update rejected")
		return err
	}
	g.logger.Info().Msg("settings updated")
	return nil
}

// Status reports the current automation state.
func (g *Gateway) Status() Status {
	snap := g.store.Get()
	st := Status{
		BaseURL:      snap.Connection.BaseURL,
		AllowActions: g.store.AllowActions(),
		Schedule:     snap.Schedule,
	}
	if g.sched != nil {
		st.Running = g.sched.Running()
		if a, ok := g.sched.Pending(); ok {
			st.Pending = &a
		}
	}
	return st
}

func requirePlayer(op, playerID string) (string, error) {
	id := strings.TrimSpace(playerID)
	if id == "" {
		return "", models.NewError(models.ValidationError, op, "player ID is empty", nil)
	}
	return id, nil
}

// mutate runs fn unless actions are disabled. The read-only check happens
// before fn so a refused call performs no I/O.
func (g *Gateway) mutate(op string, panicKind models.ErrorKind, fn func(config.Snapshot) error) (err error) {
	if !g.store.AllowActions() {
		err = models.NewError(models.ReadOnlyError, op, "actions are disabled", nil)
		g.logger.Warn().Str("op", op).Msg("action refused in read-only mode")
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = models.NewError(panicKind, op, fmt.Sprintf("unexpected failure: %v", r), nil)
		}
		err = classify(op, err)
		g.report(op, err)
	}()

	return fn(g.store.Get())
}

func (g *Gateway) read(op string, fn func(config.Snapshot) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewError(models.ConnectionError, op, fmt.Sprintf("unexpected failure: %v", r), nil)
		}
		err = classify(op, err)
		if err != nil {
			g.logger.Debug().Str("op", op).Err(err).Msg("read failed")
		}
	}()
	return fn(g.store.Get())
}

// classify makes sure every error leaving the gateway is an ActionError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if models.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.ConnectionError, op, "canceled", err)
	}
	return models.NewError(models.ConnectionError, op, "", err)
}

func (g *Gateway) report(op string, err error) {
	if err != nil {
		g.logger.Warn().Str("op", op).Err(err).Msg("action failed")
		g.publish(events.TopicAction, op+" failed", err, map[string]any{"op": op})
		return
	}
	g.logger.Debug().Str("op", op).Msg("action completed")
	g.publish(events.TopicAction, op+" completed", nil, map[string]any{"op": op})
}

func (g *Gateway) publish(topic events.Topic, message string, err error, fields map[string]any) {
	if g.events == nil {
		return
	}
	g.events.Publish(events.Event{Topic: topic, Message: message, Err: err, Fields: fields})
}
