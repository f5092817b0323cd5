package players

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrCoolingDown is returned by Poll while refreshes are paused after a
// connection failure.
var ErrCoolingDown = errors.New("player polling paused after connection failure")

// Source lists the online players.
type Source interface {
	Players(ctx context.Context) ([]models.Player, error)
}

// Poller refreshes the player list on an interval and backs off after
// connection failures.
type Poller struct {
	source   Source
	tracker  *Tracker
	events   events.Publisher
	logger   zerolog.Logger
	interval time.Duration
	cooldown time.Duration
	warn     *rate.Limiter
	now      func() time.Time

	mu          sync.Mutex
	latest      []models.Player
	pausedUntil time.Time
	failing     bool
}

// NewPoller creates a poller. Zero durations fall back to 30s polling and a
// one minute cooldown.
func NewPoller(logger zerolog.Logger, source Source, tracker *Tracker, bus events.Publisher, cfg models.PlayersConfig) *Poller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Poller{
		source:   source,
		tracker:  tracker,
		events:   bus,
		logger:   logger,
		interval: interval,
		cooldown: cooldown,
		warn:     rate.NewLimiter(rate.Every(cooldown), 1),
		now:      time.Now,
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug().Dur("interval", p.interval).Msg("player poller started")
	_ = p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Msg("player poller stopped")
			return
		case <-ticker.C:
			_ = p.Poll(ctx)
		}
	}
}

// Poll performs one refresh. During a cooldown it returns ErrCoolingDown
// without contacting the server.
func (p *Poller) Poll(ctx context.Context) error {
	now := p.now()

	p.mu.Lock()
	paused := now.Before(p.pausedUntil)
	p.mu.Unlock()
	if paused {
		return ErrCoolingDown
	}

	list, err := p.source.Players(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.fail(now, err)
		return err
	}

	p.mu.Lock()
	recovered := p.failing
	p.failing = false
	p.pausedUntil = time.Time{}
	p.mu.Unlock()

	if recovered {
		p.logger.Info().Msg("player polling recovered")
	}

	changes := p.tracker.Update(list, now)
	annotated := p.tracker.Annotate(list, now)

	p.mu.Lock()
	p.latest = annotated
	p.mu.Unlock()

	for _, pl := range changes.Joined {
		p.logger.Info().Str("player", pl.Name).Str("user_id", pl.UserID).Msg("player joined")
		p.publish(pl.Name+" joined", nil, map[string]any{"player": pl.Name, "user_id": pl.UserID, "event": "join"})
	}
	for _, pl := range changes.Left {
		p.logger.Info().Str("player", pl.Name).Str("user_id", pl.UserID).Msg("player left")
		p.publish(pl.Name+" left", nil, map[string]any{"player": pl.Name, "user_id": pl.UserID, "event": "leave"})
	}
	return nil
}

func (p *Poller) fail(now time.Time, err error) {
	p.mu.Lock()
	p.failing = true
	if models.IsKind(err, models.ConnectionError) {
		p.pausedUntil = now.Add(p.cooldown)
	}
	p.mu.Unlock()

	if !p.warn.AllowN(now, 1) {
		return
	}
	p.logger.Warn().Err(err).Dur("cooldown", p.cooldown).Msg("player refresh failed")
	p.publish("player refresh failed", err, nil)
}

// Latest returns the most recent player list with connected durations.
func (p *Poller) Latest() []models.Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Player(nil), p.latest...)
}

// Tracker returns the session tracker backing the poller.
func (p *Poller) Tracker() *Tracker {
	return p.tracker
}

func (p *Poller) publish(message string, err error, fields map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Publish(events.Event{Topic: events.TopicPlayers, Message: message, Err: err, Fields: fields})
}
