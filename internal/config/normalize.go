package config

import (
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/palwarden/internal/models"
)

// Schedule defaults.
const (
	DefaultSaveInterval    = 15 * time.Minute
	DefaultBackupInterval  = time.Hour
	DefaultBackupRetention = 72 * time.Hour
	DefaultRestartLead     = 60 * time.Second
	DefaultShutdownWait    = 10 * time.Second
	DefaultStartDelay      = 70 * time.Second
	DefaultPollInterval    = 30 * time.Second
	MaxPollInterval        = time.Minute
	DefaultTimeout         = 10 * time.Second
	DefaultRestartMessage  = "Server restart in {seconds} seconds"
	BackupDirName          = "_backups"
)

var restartTimePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// NormalizeBaseURL turns user input such as "10.0.0.5" or "host:9000" into
// scheme://host:port/v1/api. Normalizing a normalized URL returns it unchanged.
func NormalizeBaseURL(raw string) (string, error) {
	const op = "normalize base url"

	s := strings.TrimSpace(raw)
	if s == "" {
		return "", models.NewError(models.ValidationError, op, "base URL is empty", nil)
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", models.NewError(models.ValidationError, op, "cannot parse "+strconv.Quote(raw), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", models.NewError(models.ValidationError, op, "unsupported scheme "+strconv.Quote(u.Scheme), nil)
	}
	host := u.Hostname()
	if host == "" {
		return "", models.NewError(models.ValidationError, op, "missing host in "+strconv.Quote(raw), nil)
	}

	port := u.Port()
	if port == "" {
		port = strconv.Itoa(models.DefaultPort)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", models.NewError(models.ValidationError, op, "invalid port "+strconv.Quote(port), nil)
	}

	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, models.APIPath) {
		path += models.APIPath
	}

	out := url.URL{
		Scheme: u.Scheme,
		User:   u.User,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
	return out.String(), nil
}

// NormalizeRestartTimes keeps valid HH:MM entries, sorted and deduplicated.
// Malformed entries are dropped.
func NormalizeRestartTimes(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if !restartTimePattern.MatchString(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ParseRestartTime splits a normalized HH:MM value.
func ParseRestartTime(t string) (hour, minute int, ok bool) {
	m := restartTimePattern.FindStringSubmatch(t)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, true
}

// NormalizeSchedule filters restart times and fills defaults.
func NormalizeSchedule(cfg models.ScheduleConfig) models.ScheduleConfig {
	cfg.RestartTimes = NormalizeRestartTimes(cfg.RestartTimes)

	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = DefaultBackupRetention
	}
	if cfg.RestartLead <= 0 {
		cfg.RestartLead = DefaultRestartLead
	}
	if cfg.RestartMessage == "" {
		cfg.RestartMessage = DefaultRestartMessage
	}
	if cfg.ShutdownWait < 0 {
		cfg.ShutdownWait = 0
	}
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = DefaultStartDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollInterval > MaxPollInterval {
		cfg.PollInterval = MaxPollInterval
	}
	if cfg.RestartInterval < 0 {
		cfg.RestartInterval = 0
	}
	if cfg.BackupInterval < 0 {
		cfg.BackupInterval = 0
	}

	cfg.BackupFormat = strings.ToLower(strings.TrimSpace(cfg.BackupFormat))
	if cfg.BackupFormat != models.FormatTarGz {
		cfg.BackupFormat = models.FormatZip
	}

	cfg.BackupSource = strings.TrimSpace(cfg.BackupSource)
	cfg.BackupDestination = strings.TrimSpace(cfg.BackupDestination)
	if cfg.BackupDestination == "" && cfg.BackupSource != "" {
		cfg.BackupDestination = filepath.Join(cfg.BackupSource, BackupDirName)
	}

	return cfg
}
