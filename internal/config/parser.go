// Package config provides configuration file parsing, normalization and the
// live configuration store.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v    *viper.Viper
	refs map[string]string
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("actions.allow", true)
	v.SetDefault("schedule.save_before_shutdown", true)
	return &Parser{v: v, refs: map[string]string{}}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Settings, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Settings, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.Settings, error) {
	cfg := &models.Settings{}
	p.refs = map[string]string{}

	// Connection (required).
	rawURL := p.env("connection.base_url")
	if rawURL == "" {
		return nil, fmt.Errorf("connection.base_url is required")
	}
	baseURL, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("connection.base_url: %w", err)
	}
	cfg.Connection = models.Connection{
		BaseURL:  baseURL,
		Password: p.env("connection.password"),
		Timeout:  p.v.GetDuration("connection.timeout"),
	}
	if cfg.Connection.Timeout <= 0 {
		cfg.Connection.Timeout = DefaultTimeout
	}

	cfg.AllowActions = p.v.GetBool("actions.allow")

	cfg.Schedule = NormalizeSchedule(models.ScheduleConfig{
		RestartTimes:       p.v.GetStringSlice("schedule.restart_times"),
		RestartInterval:    p.v.GetDuration("schedule.restart_interval"),
		RestartLead:        p.v.GetDuration("schedule.restart_lead"),
		RestartMessage:     p.v.GetString("schedule.restart_message"),
		ShutdownWait:       p.durationOr("schedule.shutdown_wait", DefaultShutdownWait),
		SaveInterval:       p.v.GetDuration("schedule.save_interval"),
		SaveBeforeShutdown: p.v.GetBool("schedule.save_before_shutdown"),
		BackupInterval:     p.v.GetDuration("schedule.backup_interval"),
		BackupRetention:    p.v.GetDuration("schedule.backup_retention"),
		BackupSource:       p.env("schedule.backup_source"),
		BackupDestination:  p.env("schedule.backup_destination"),
		BackupFormat:       p.v.GetString("schedule.backup_format"),
		StartCommand:       p.env("schedule.start_command"),
		StartDelay:         p.v.GetDuration("schedule.start_delay"),
		PollInterval:       p.v.GetDuration("schedule.poll_interval"),
	})

	// Backups run hourly once a source is configured, unless told otherwise.
	if cfg.Schedule.BackupSource != "" && !p.v.IsSet("schedule.backup_interval") {
		cfg.Schedule.BackupInterval = DefaultBackupInterval
	}

	format := strings.ToLower(p.v.GetString("schedule.backup_format"))
	if format != "" && format != models.FormatZip && format != models.FormatTarGz {
		return nil, fmt.Errorf("schedule.backup_format must be one of: zip, tar.gz")
	}

	cfg.Players = models.PlayersConfig{
		PollInterval: p.durationOr("players.poll_interval", 30*time.Second),
		Cooldown:     p.durationOr("players.cooldown", time.Minute),
	}

	cfg.Log = models.LogConfig{
		File:       p.env("log.file"),
		MaxSizeMB:  p.intOr("log.max_size_mb", 10),
		MaxBackups: p.intOr("log.max_backups", 5),
		MaxAgeDays: p.intOr("log.max_age_days", 14),
	}

	// Parse optional remote launcher.
	if p.v.IsSet("launcher.ssh") { //nolint:nestif // config parsing with defaults
		ssh := &models.SSHConfig{
			Host:     p.v.GetString("launcher.ssh.host"),
			Port:     p.v.GetInt("launcher.ssh.port"),
			Username: p.v.GetString("launcher.ssh.username"),
			KeyPath:  p.env("launcher.ssh.key_path"),
			OS:       strings.ToLower(p.v.GetString("launcher.ssh.os")),
			Timeout:  p.v.GetDuration("launcher.ssh.timeout"),
		}
		if ssh.Host == "" {
			return nil, fmt.Errorf("launcher.ssh.host is required when launcher.ssh is configured")
		}
		if ssh.KeyPath == "" {
			return nil, fmt.Errorf("launcher.ssh.key_path is required when launcher.ssh is configured")
		}
		if ssh.Port == 0 {
			ssh.Port = 22
		}
		if ssh.Username == "" {
			ssh.Username = "steam"
		}
		if ssh.Timeout == 0 {
			ssh.Timeout = 30 * time.Second
		}
		cfg.Launcher.SSH = ssh
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") { //nolint:nestif // config parsing with defaults
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			Port:          p.v.GetInt("wol.port"),
			PollURL:       p.v.GetString("wol.poll_url"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("wol.mac_address is required when wol is configured")
		}

		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.Port == 0 {
			cfg.WOL.Port = 9
		}
		if cfg.WOL.PollURL == "" {
			cfg.WOL.PollURL = cfg.Connection.BaseURL + "/info"
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.env("telegram.bot_token"),
			ChatID:   p.env("telegram.chat_id"),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

func (p *Parser) durationOr(key string, def time.Duration) time.Duration {
	if !p.v.IsSet(key) {
		return def
	}
	return p.v.GetDuration(key)
}

func (p *Parser) intOr(key string, def int) int {
	if v := p.v.GetInt(key); v > 0 {
		return v
	}
	return def
}

// env reads key and expands environment variables in the format ${VAR} or
// $VAR. Values that contained a reference are remembered in their raw form.
func (p *Parser) env(key string) string {
	raw := p.v.GetString(key)
	expanded := os.ExpandEnv(raw)
	if expanded != raw {
		p.refs[key] = raw
	}
	return expanded
}

// References returns the raw values of keys that referenced environment
// variables in the last loaded config, keyed by config key.
func (p *Parser) References() map[string]string {
	out := make(map[string]string, len(p.refs))
	for k, v := range p.refs {
		out[k] = v
	}
	return out
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Settings) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if _, err := NormalizeBaseURL(cfg.Connection.BaseURL); err != nil {
		return fmt.Errorf("connection.base_url: %w", err)
	}

	if cfg.Schedule.BackupInterval > 0 && cfg.Schedule.BackupSource == "" {
		return fmt.Errorf("schedule.backup_source is required when backups are enabled")
	}

	if cfg.Schedule.StartCommand == "" && cfg.Launcher.SSH != nil {
		return fmt.Errorf("schedule.start_command is required when launcher.ssh is configured")
	}

	return nil
}

// Save writes settings back to path as a flat YAML record. refs holds raw
// values from Parser.References; a raw value is written instead of the
// setting when it still expands to the same value.
func Save(path string, cfg models.Settings, refs map[string]string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("connection.base_url", cfg.Connection.BaseURL)
	v.Set("connection.password", cfg.Connection.Password)
	v.Set("connection.timeout", cfg.Connection.Timeout.String())
	v.Set("actions.allow", cfg.AllowActions)

	s := cfg.Schedule
	v.Set("schedule.restart_times", s.RestartTimes)
	v.Set("schedule.restart_interval", s.RestartInterval.String())
	v.Set("schedule.restart_lead", s.RestartLead.String())
	v.Set("schedule.restart_message", s.RestartMessage)
	v.Set("schedule.shutdown_wait", s.ShutdownWait.String())
	v.Set("schedule.save_interval", s.SaveInterval.String())
	v.Set("schedule.save_before_shutdown", s.SaveBeforeShutdown)
	v.Set("schedule.backup_interval", s.BackupInterval.String())
	v.Set("schedule.backup_retention", s.BackupRetention.String())
	v.Set("schedule.backup_source", s.BackupSource)
	v.Set("schedule.backup_destination", s.BackupDestination)
	v.Set("schedule.backup_format", s.BackupFormat)
	v.Set("schedule.start_command", s.StartCommand)
	v.Set("schedule.start_delay", s.StartDelay.String())
	v.Set("schedule.poll_interval", s.PollInterval.String())

	v.Set("players.poll_interval", cfg.Players.PollInterval.String())
	v.Set("players.cooldown", cfg.Players.Cooldown.String())

	if cfg.Log.File != "" {
		v.Set("log.file", cfg.Log.File)
		v.Set("log.max_size_mb", cfg.Log.MaxSizeMB)
		v.Set("log.max_backups", cfg.Log.MaxBackups)
		v.Set("log.max_age_days", cfg.Log.MaxAgeDays)
	}

	if ssh := cfg.Launcher.SSH; ssh != nil {
		v.Set("launcher.ssh.host", ssh.Host)
		v.Set("launcher.ssh.port", ssh.Port)
		v.Set("launcher.ssh.username", ssh.Username)
		v.Set("launcher.ssh.key_path", ssh.KeyPath)
		v.Set("launcher.ssh.os", ssh.OS)
		v.Set("launcher.ssh.timeout", ssh.Timeout.String())
	}

	if w := cfg.WOL; w != nil {
		v.Set("wol.mac_address", w.MACAddress)
		v.Set("wol.broadcast_ip", w.BroadcastIP)
		v.Set("wol.port", w.Port)
		v.Set("wol.poll_url", w.PollURL)
		v.Set("wol.timeout", w.Timeout.String())
		v.Set("wol.poll_interval", w.PollInterval.String())
		v.Set("wol.stabilize_wait", w.StabilizeWait.String())
	}

	if tg := cfg.Telegram; tg != nil {
		v.Set("telegram.bot_token", tg.BotToken)
		v.Set("telegram.chat_id", tg.ChatID)
	}

	for key, raw := range refs {
		if v.IsSet(key) && v.GetString(key) == os.ExpandEnv(raw) {
			v.Set(key, raw)
		}
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
