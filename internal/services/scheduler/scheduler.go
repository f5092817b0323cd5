// Package scheduler drives the periodic save, restart and backup loops and
// the restart countdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Start when the loops are already active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Operations is the subset of the action gateway the scheduler drives.
type Operations interface {
	ForceSave(ctx context.Context) error
	Broadcast(ctx context.Context, message string) error
	Shutdown(ctx context.Context, delaySeconds int, message string) error
}

// BackupRunner runs one backup.
type BackupRunner interface {
	Run(ctx context.Context, req backup.Request) (*models.BackupArtifact, error)
}

// Launcher starts the game server after a restart.
type Launcher interface {
	Launch(ctx context.Context, command string) (*models.LaunchResult, error)
}

// Deps bundles the collaborators of the scheduler. Backups, Launcher and
// Events are optional.
type Deps struct {
	Ops      Operations
	Backups  BackupRunner
	Launcher Launcher
	Events   events.Publisher
	// Config supplies the schedule used by manual triggers while the loops
	// are stopped.
	Config func() models.ScheduleConfig
}

type pendingAction struct {
	action models.ScheduledAction
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the timer loops. The zero value is not usable; call New.
type Scheduler struct {
	deps   Deps
	logger zerolog.Logger

	// step bounds how long the countdown sleeps between updates.
	step time.Duration

	mu       sync.Mutex
	running  bool
	stopping bool
	cfg      models.ScheduleConfig
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	actions  sync.WaitGroup
	pending  *pendingAction
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger, deps Deps) *Scheduler {
	if deps.Config == nil {
		deps.Config = func() models.ScheduleConfig { return models.ScheduleConfig{} }
	}
	return &Scheduler{
		deps:   deps,
		logger: logger,
		step:   time.Second,
	}
}

// Start launches the loops enabled by cfg. The loops keep ctx's values but
// not its cancellation; only Stop ends them. Calling Start on a running
// scheduler returns ErrAlreadyRunning and changes nothing.
func (s *Scheduler) Start(ctx context.Context, cfg models.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopping {
		return ErrAlreadyRunning
	}

	schedules, err := restartSchedules(cfg)
	if err != nil {
		return models.NewError(models.ValidationError, "start scheduler", "invalid restart schedule", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.cfg = cfg
	s.cfg.RestartTimes = append([]string(nil), cfg.RestartTimes...)
	s.running = true

	if cfg.SaveInterval > 0 {
		s.spawn(loopCtx, "save", cfg.SaveInterval, s.saveTick)
	}
	if len(schedules) > 0 {
		s.spawnRestartLoop(loopCtx, cfg, schedules)
	}
	if cfg.BackupInterval > 0 && cfg.BackupSource != "" && s.deps.Backups != nil {
		s.spawn(loopCtx, "backup", cfg.BackupInterval, s.backupTick)
	}

	s.logger.Info().
		Dur("save_interval", cfg.SaveInterval).
		Strs("restart_times", cfg.RestartTimes).
		Dur("restart_interval", cfg.RestartInterval).
		Dur("backup_interval", cfg.BackupInterval).
		Msg("scheduler started")
	return nil
}

// Stop cancels every loop and any pending countdown, then waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	cancel := s.cancel
	s.running = false
	s.stopping = true
	s.cancel = nil
	if p := s.pending; p != nil {
		if p.action.State == models.StateCountdown {
			p.action.State = models.StateCanceled
		}
		p.cancel()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	s.actions.Wait()

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	if wasRunning {
		s.logger.Info().Msg("scheduler stopped")
	}
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Config returns the schedule the loops were started with.
func (s *Scheduler) Config() models.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.RestartTimes = append([]string(nil), s.cfg.RestartTimes...)
	return cfg
}

// Pending returns the action currently counting down or dispatching.
func (s *Scheduler) Pending() (models.ScheduledAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return models.ScheduledAction{}, false
	}
	a := s.pending.action
	if a.State == models.StateCountdown {
		a.Remaining = max(time.Until(a.Deadline), 0)
	}
	return a, true
}

func (s *Scheduler) spawn(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Debug().Str("loop", name).Dur("interval", interval).Msg("loop started")
		for {
			select {
			case <-ctx.Done():
				s.logger.Debug().Str("loop", name).Msg("loop stopped")
				return
			case <-ticker.C:
				s.runTick(ctx, name, tick)
			}
		}
	}()
}

// runTick runs one loop body. Errors and panics are reported and swallowed so
// the loop keeps ticking.
func (s *Scheduler) runTick(ctx context.Context, name string, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.logger.Error().Str("loop", name).Err(err).Str("stack", string(debug.Stack())).Msg("tick panicked")
			s.publish(topicFor(name), name+" tick panicked", err, nil)
		}
	}()

	if err := tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Str("loop", name).Err(err).Msg("tick failed")
	}
}

func topicFor(loop string) events.Topic {
	switch loop {
	case "save":
		return events.TopicSave
	case "backup":
		return events.TopicBackup
	default:
		return events.TopicRestart
	}
}

func (s *Scheduler) saveTick(ctx context.Context) error {
	err := s.deps.Ops.ForceSave(ctx)
	if err != nil {
		s.publish(events.TopicSave, "auto-save failed", err, nil)
		return err
	}
	s.logger.Debug().Msg("auto-save completed")
	s.publish(events.TopicSave, "auto-save completed", nil, nil)
	return nil
}

func (s *Scheduler) backupTick(ctx context.Context) error {
	cfg := s.Config()
	artifact, err := s.deps.Backups.Run(ctx, backup.Request{
		Source:      cfg.BackupSource,
		Destination: cfg.BackupDestination,
		Format:      cfg.BackupFormat,
		Retention:   cfg.BackupRetention,
	})
	if err != nil {
		s.publish(events.TopicBackup, "scheduled backup failed", err, nil)
		return err
	}
	s.publish(events.TopicBackup, "scheduled backup completed", nil, map[string]any{
		"archive": artifact.ArchivePath,
		"bytes":   artifact.SizeBytes,
		"removed": len(artifact.Removed),
	})
	return nil
}

// Trigger starts a countdown for kind. Only one action may be pending; a
// second trigger fails with a ValidationError.
func (s *Scheduler) Trigger(kind models.ActionKind, lead time.Duration, reason string) (models.ScheduledAction, error) {
	if lead < 0 {
		lead = 0
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return models.ScheduledAction{}, models.NewError(models.ValidationError, "trigger "+string(kind), "scheduler is stopping", nil)
	}
	if s.pending != nil {
		current := s.pending.action
		s.mu.Unlock()
		return models.ScheduledAction{}, models.NewError(models.ValidationError, "trigger "+string(kind),
			fmt.Sprintf("%s already %s", current.Kind, current.State), nil)
	}

	cfg := s.cfg
	if !s.running {
		cfg = s.deps.Config()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingAction{
		action: models.ScheduledAction{
			ID:        uuid.NewString(),
			Kind:      kind,
			Lead:      lead,
			Deadline:  time.Now().Add(lead),
			Remaining: lead,
			State:     models.StateCountdown,
			Reason:    reason,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.pending = p
	s.actions.Add(1)
	s.mu.Unlock()

	s.logger.Info().
		Str("id", p.action.ID).
		Str("kind", string(kind)).
		Dur("lead", lead).
		Str("reason", reason).
		Msg("countdown started")
	s.publish(events.TopicRestart, fmt.Sprintf("%s countdown started", kind), nil, map[string]any{
		"id":     p.action.ID,
		"lead":   lead.String(),
		"reason": reason,
	})

	go func() {
		defer s.actions.Done()
		defer close(p.done)
		defer cancel()
		s.runAction(ctx, p, cfg)
	}()

	return p.action, nil
}

// Cancel aborts the pending countdown. Once the terminal call has been
// dispatched the action can no longer be canceled.
func (s *Scheduler) Cancel(ctx context.Context) error {
	const op = "cancel restart"

	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return models.NewError(models.ValidationError, op, "no action is pending", nil)
	}
	if p.action.State != models.StateCountdown {
		state := p.action.State
		s.mu.Unlock()
		return models.NewError(models.ValidationError, op, fmt.Sprintf("%s already %s", p.action.Kind, state), nil)
	}
	p.action.State = models.StateCanceled
	p.cancel()
	action := p.action
	s.mu.Unlock()

	<-p.done

	s.logger.Info().Str("id", action.ID).Str("kind", string(action.Kind)).Msg("countdown canceled")
	s.publish(events.TopicRestart, fmt.Sprintf("%s canceled", action.Kind), nil, map[string]any{"id": action.ID})

	if err := s.deps.Ops.Broadcast(ctx, fmt.Sprintf("Scheduled %s canceled", action.Kind)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to announce cancellation")
	}
	return nil
}

func (s *Scheduler) runAction(ctx context.Context, p *pendingAction, cfg models.ScheduleConfig) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg("countdown panicked")
			s.publish(events.TopicRestart, "countdown panicked", err, nil)
		}
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	if !s.countdown(ctx, p, cfg) {
		return
	}

	s.mu.Lock()
	if p.action.State != models.StateCountdown {
		s.mu.Unlock()
		return
	}
	p.action.State = models.StateDispatched
	p.action.Remaining = 0
	s.mu.Unlock()

	err := s.dispatch(ctx, p.action, cfg)

	s.mu.Lock()
	p.action.State = models.StateDone
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("id", p.action.ID).Str("kind", string(p.action.Kind)).Msg("action failed")
		s.publish(events.TopicRestart, fmt.Sprintf("%s failed", p.action.Kind), err, map[string]any{"id": p.action.ID})
		return
	}
	s.publish(events.TopicRestart, fmt.Sprintf("%s completed", p.action.Kind), nil, map[string]any{"id": p.action.ID})
}

// countdown announces the action and waits out the lead time. It returns
// false when the countdown was canceled.
func (s *Scheduler) countdown(ctx context.Context, p *pendingAction, cfg models.ScheduleConfig) bool {
	a := p.action
	leadSeconds := int(a.Lead / time.Second)
	if ctx.Err() != nil {
		return false
	}
	if leadSeconds > 0 {
		s.broadcast(ctx, warningMessage(a.Kind, cfg.RestartMessage, leadSeconds))
	}

	marks := milestones(leadSeconds)
	next := 0

	for {
		remaining := time.Until(a.Deadline)
		if remaining <= 0 {
			return ctx.Err() == nil
		}

		s.mu.Lock()
		p.action.Remaining = remaining
		s.mu.Unlock()

		crossed := -1
		for next < len(marks) && remaining <= time.Duration(marks[next])*time.Second {
			crossed = marks[next]
			next++
		}
		if crossed > 0 {
			s.broadcast(ctx, warningMessage(a.Kind, cfg.RestartMessage, crossed))
		}

		if err := sleepCtx(ctx, min(s.step, remaining)); err != nil {
			return false
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, a models.ScheduledAction, cfg models.ScheduleConfig) error {
	s.logger.Info().Str("id", a.ID).Str("kind", string(a.Kind)).Msg("dispatching action")

	if cfg.SaveBeforeShutdown {
		if err := s.deps.Ops.ForceSave(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("save before shutdown failed")
		}
	}

	message := "Server is shutting down"
	if a.Kind == models.ActionRestart {
		message = "Server is restarting"
	}
	wait := int(cfg.ShutdownWait / time.Second)
	if err := s.deps.Ops.Shutdown(ctx, wait, message); err != nil {
		return err
	}

	if a.Kind != models.ActionRestart || cfg.StartCommand == "" || s.deps.Launcher == nil {
		return nil
	}

	s.logger.Info().Dur("delay", cfg.StartDelay).Str("command", cfg.StartCommand).Msg("waiting before server start")
	if err := sleepCtx(ctx, cfg.StartDelay); err != nil {
		return err
	}

	result, err := s.deps.Launcher.Launch(ctx, cfg.StartCommand)
	if err != nil {
		return err
	}
	if result != nil && result.Error != nil {
		return result.Error
	}
	s.logger.Info().Str("command", cfg.StartCommand).Msg("server start command launched")
	return nil
}

func (s *Scheduler) broadcast(ctx context.Context, message string) {
	if err := s.deps.Ops.Broadcast(ctx, message); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("message", message).Msg("countdown broadcast failed")
	}
}

func (s *Scheduler) publish(topic events.Topic, message string, err error, fields map[string]any) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(events.Event{
		Topic:   topic,
		Message: message,
		Err:     err,
		Fields:  fields,
	})
}

var milestoneSeconds = []int{60, 30, 10, 5, 3, 2, 1}

// milestones returns the countdown marks strictly below the lead.
func milestones(leadSeconds int) []int {
	var out []int
	for _, m := range milestoneSeconds {
		if m < leadSeconds {
			out = append(out, m)
		}
	}
	return out
}

func warningMessage(kind models.ActionKind, template string, seconds int) string {
	if kind == models.ActionShutdown || template == "" {
		return fmt.Sprintf("Server %s in %d seconds", kind, seconds)
	}
	return strings.ReplaceAll(template, "{seconds}", strconv.Itoa(seconds))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
