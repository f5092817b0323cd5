package main

import (
	"strings"
	"time"

	"github.com/fgeck/palwarden/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	scheduleOutput          string
	scheduleRestartTimes    []string
	scheduleRestartInterval time.Duration
	scheduleSaveInterval    time.Duration
	scheduleBackupInterval  time.Duration
	scheduleBackupRetention time.Duration
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Update the automation schedule in the config file",
	Long: `Update restart times and timer intervals, validate them and write the
config back. Malformed restart times are dropped. Values that referenced
environment variables keep their ${VAR} form.`,
	Args: cobra.NoArgs,
	RunE: updateSchedule,
}

func init() {
	f := scheduleCmd.Flags()
	f.StringSliceVar(&scheduleRestartTimes, "restart-times", nil, "daily restart times, HH:MM")
	f.DurationVar(&scheduleRestartInterval, "restart-interval", 0, "periodic restart interval, 0 disables")
	f.DurationVar(&scheduleSaveInterval, "save-interval", 0, "auto-save interval")
	f.DurationVar(&scheduleBackupInterval, "backup-interval", 0, "backup interval, 0 disables")
	f.DurationVar(&scheduleBackupRetention, "backup-retention", 0, "archive retention window")
	f.StringVarP(&scheduleOutput, "output", "o", "", "write to this file instead of --config")
}

func updateSchedule(cmd *cobra.Command, args []string) error {
	settings, refs, err := loadConfig()
	if err != nil {
		return err
	}
	comps, err := buildComponents(settings)
	if err != nil {
		return err
	}

	sched := comps.Store.Get().Schedule
	flags := cmd.Flags()
	if flags.Changed("restart-times") {
		sched.RestartTimes = scheduleRestartTimes
	}
	if flags.Changed("restart-interval") {
		sched.RestartInterval = scheduleRestartInterval
	}
	if flags.Changed("save-interval") {
		sched.SaveInterval = scheduleSaveInterval
	}
	if flags.Changed("backup-interval") {
		sched.BackupInterval = scheduleBackupInterval
	}
	if flags.Changed("backup-retention") {
		sched.BackupRetention = scheduleBackupRetention
	}

	if err := comps.Gateway.UpdateSettings(settings.Connection, sched); err != nil {
		return err
	}
	settings.Schedule = comps.Store.Get().Schedule
	if err := config.Validate(settings); err != nil {
		return err
	}

	path := scheduleOutput
	if path == "" {
		path = configFile
	}
	if err := config.Save(path, *settings, refs); err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to write config")
		return err
	}

	log.Info().
		Str("file", path).
		Str("restart_times", strings.Join(settings.Schedule.RestartTimes, ",")).
		Dur("save_interval", settings.Schedule.SaveInterval).
		Dur("restart_interval", settings.Schedule.RestartInterval).
		Msg("schedule saved")
	return nil
}
