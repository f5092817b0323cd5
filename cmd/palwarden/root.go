package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	logFile    string
	verbose    bool
	quiet      bool
	jsonOutput bool

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "palwarden",
	Short: "Automation daemon for a Palworld dedicated server",
	Long: `palwarden drives a dedicated server's REST API:
  - periodic auto-save
  - clock-driven restarts with in-game countdowns
  - save-directory backups with age-based retention
  - player join/leave tracking
  - optional Wake-on-LAN and Telegram notifications

Run "palwarden run" as a long-lived service, or use the one-shot commands
(save, announce, kick, restart, backup, ...) from scripts.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(models.LogConfig{File: logFile, MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 14})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLog()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(scheduleCmd)
	addActionCommands(rootCmd)
}

// setupLogging configures the global logger. A non-empty file tees every
// line into a lumberjack-rotated file in JSON form.
func setupLogging(file models.LogConfig) {
	closeLog()

	var console io.Writer
	if jsonOutput {
		console = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = output
	}

	out := console
	if strings.TrimSpace(file.File) != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   file.File,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, fileLogger)
		logCloser = fileLogger
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func closeLog() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
