package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for one notification.
type TelegramMessage struct {
	Success bool
	Server  string
	Topic   string
	Time    time.Time
	Text    string

	// Backup details, set for backup events.
	ArchivePath  string
	ArchiveBytes int64
	Removed      int

	// Error info (if failed).
	ErrorMessage string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
