// Package models contains the data structures used throughout palwarden.
package models

import "time"

// DefaultPort is the REST API port applied when a base URL carries none.
const DefaultPort = 8212

// APIPath is the path suffix every normalized base URL ends with.
const APIPath = "/v1/api"

// Settings holds the complete persisted configuration record.
type Settings struct {
	Connection   Connection
	Schedule     ScheduleConfig
	AllowActions bool
	Players      PlayersConfig
	Log          LogConfig
	Launcher     LauncherConfig
	WOL          *WOLConfig      // nil if not configured
	Telegram     *TelegramConfig // nil if not configured
}

// Connection identifies the managed server's REST API.
type Connection struct {
	BaseURL  string // normalized: scheme://host:port/v1/api
	Password string
	Timeout  time.Duration
}

// ScheduleConfig drives the scheduler's save, restart and backup timers.
type ScheduleConfig struct {
	RestartTimes       []string      // HH:MM, sorted, deduplicated
	RestartInterval    time.Duration // optional periodic restart, 0 disables
	RestartLead        time.Duration
	RestartMessage     string
	ShutdownWait       time.Duration
	SaveInterval       time.Duration
	SaveBeforeShutdown bool
	BackupInterval     time.Duration // 0 disables the backup timer
	BackupRetention    time.Duration
	BackupSource       string
	BackupDestination  string // defaults to <source>/_backups
	BackupFormat       string // "zip" (default) or "tar.gz"
	StartCommand       string // optional, run after a restart's shutdown
	StartDelay         time.Duration
	PollInterval       time.Duration // restart clock poll, at most one minute
}

// PlayersConfig controls the player list poller.
type PlayersConfig struct {
	PollInterval time.Duration
	Cooldown     time.Duration // pause after a connection failure
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}
