// Package players tracks who is online and for how long.
package players

import (
	"sort"
	"sync"
	"time"

	"github.com/fgeck/palwarden/internal/models"
)

// DefaultPruneAfter is how long a departed player's session is remembered.
const DefaultPruneAfter = 2 * time.Hour

type session struct {
	player    models.Player
	firstSeen time.Time
	lastSeen  time.Time
	online    bool
}

// Changes lists the players who joined or left since the previous update.
type Changes struct {
	Joined []models.Player
	Left   []models.Player
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Joined) == 0 && len(c.Left) == 0
}

// Tracker remembers first-seen and last-seen times per player ID. A player
// who reconnects before being pruned keeps the original first-seen time.
type Tracker struct {
	mu         sync.Mutex
	sessions   map[string]*session
	pruneAfter time.Duration
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions:   make(map[string]*session),
		pruneAfter: DefaultPruneAfter,
	}
}

// Update records the current player list.
func (t *Tracker) Update(players []models.Player, now time.Time) Changes {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes Changes
	present := make(map[string]struct{}, len(players))

	for _, p := range players {
		id := sessionKey(p)
		present[id] = struct{}{}

		s, ok := t.sessions[id]
		if !ok {
			t.sessions[id] = &session{player: p, firstSeen: now, lastSeen: now, online: true}
			changes.Joined = append(changes.Joined, p)
			continue
		}
		if !s.online {
			changes.Joined = append(changes.Joined, p)
		}
		s.player = p
		s.lastSeen = now
		s.online = true
	}

	for id, s := range t.sessions {
		if _, ok := present[id]; ok {
			continue
		}
		if s.online {
			s.online = false
			changes.Left = append(changes.Left, s.player)
		}
		if now.Sub(s.lastSeen) > t.pruneAfter {
			delete(t.sessions, id)
		}
	}

	sort.Slice(changes.Left, func(i, j int) bool { return changes.Left[i].Name < changes.Left[j].Name })
	return changes
}

// Durations returns the time since each tracked player was first seen.
func (t *Tracker) Durations(now time.Time) map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Duration, len(t.sessions))
	for id, s := range t.sessions {
		out[id] = max(now.Sub(s.firstSeen), 0)
	}
	return out
}

// Annotate fills ConnectedFor on a copy of players.
func (t *Tracker) Annotate(players []models.Player, now time.Time) []models.Player {
	durations := t.Durations(now)
	out := make([]models.Player, len(players))
	for i, p := range players {
		p.ConnectedFor = durations[sessionKey(p)]
		out[i] = p
	}
	return out
}

// Len returns the number of remembered sessions, online or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func sessionKey(p models.Player) string {
	if p.ID != "" {
		return p.ID
	}
	return p.UserID
}
