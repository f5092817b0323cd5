package config

import (
	"sync/atomic"
	"time"

	"github.com/fgeck/palwarden/internal/models"
)

// Snapshot is an immutable view of the current connection and schedule.
type Snapshot struct {
	Connection   models.Connection
	Schedule     models.ScheduleConfig
	AllowActions bool
	UpdatedAt    time.Time
}

// Store holds the live configuration. Readers always observe a whole
// snapshot; Set replaces it in one step.
type Store struct {
	current      atomic.Pointer[Snapshot]
	allowActions bool
}

// NewStore creates a store with the given read-only policy. The store starts
// without a connection until Set succeeds.
func NewStore(allowActions bool) *Store {
	s := &Store{allowActions: allowActions}
	s.current.Store(&Snapshot{AllowActions: allowActions})
	return s
}

// NewStoreFromSettings builds a store and applies the persisted record.
func NewStoreFromSettings(settings models.Settings) (*Store, error) {
	s := NewStore(settings.AllowActions)
	if err := s.Set(settings.Connection, settings.Schedule); err != nil {
		return nil, err
	}
	return s, nil
}

// Set validates and normalizes the input and replaces the snapshot.
// Malformed restart times are dropped; an unusable base URL is rejected.
func (s *Store) Set(conn models.Connection, sched models.ScheduleConfig) error {
	baseURL, err := NormalizeBaseURL(conn.BaseURL)
	if err != nil {
		return err
	}
	conn.BaseURL = baseURL
	if conn.Timeout <= 0 {
		conn.Timeout = DefaultTimeout
	}

	next := &Snapshot{
		Connection:   conn,
		Schedule:     NormalizeSchedule(sched),
		AllowActions: s.allowActions,
		UpdatedAt:    time.Now(),
	}
	next.Schedule.RestartTimes = append([]string(nil), next.Schedule.RestartTimes...)

	s.current.Store(next)
	return nil
}

// Get returns the current snapshot. The returned value is a copy.
func (s *Store) Get() Snapshot {
	snap := *s.current.Load()
	snap.Schedule.RestartTimes = append([]string(nil), snap.Schedule.RestartTimes...)
	return snap
}

// AllowActions reports whether mutating actions are permitted.
func (s *Store) AllowActions() bool {
	return s.allowActions
}
