package models

import "time"

// ActionKind is the terminal action of a scheduled countdown.
type ActionKind string

// Scheduled action kinds.
const (
	ActionRestart  ActionKind = "restart"
	ActionShutdown ActionKind = "shutdown"
)

// ActionState tracks a scheduled action through its countdown.
type ActionState string

// Scheduled action states.
const (
	StateCountdown  ActionState = "countdown"
	StateDispatched ActionState = "dispatched"
	StateCanceled   ActionState = "canceled"
	StateDone       ActionState = "done"
)

// ScheduledAction is a pending restart or shutdown.
type ScheduledAction struct {
	ID        string
	Kind      ActionKind
	Lead      time.Duration
	Deadline  time.Time
	Remaining time.Duration
	State     ActionState
	Reason    string // "schedule", "interval" or "manual"
}
