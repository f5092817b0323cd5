package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/palwarden/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation daemon",
	Long: `Run the automation daemon until interrupted:
1. Wake-on-LAN (if configured)
2. Load and validate settings
3. Start Telegram notifications (if configured)
4. Start the player poller
5. Start auto-save, scheduled restarts and backups (unless actions are disabled)
6. On SIGINT/SIGTERM, stop every loop and cancel any pending countdown`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("base_url", settings.Connection.BaseURL).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	runnerSvc := runner.New(log.Logger)
	if err := runnerSvc.Run(ctx, *settings); err != nil {
		log.Error().Err(err).Msg("daemon failed")
		return err
	}
	return nil
}
