package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/fgeck/palwarden/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	shutdownWait    int
	shutdownMessage string
	restartLead     int
	backupSource    string
	backupDest      string
)

func addActionCommands(root *cobra.Command) {
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the server identity",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			info, err := comps.Gateway.ServerInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Name:        %s\n", info.ServerName)
			fmt.Printf("Version:     %s\n", info.Version)
			fmt.Printf("Description: %s\n", info.Description)
			fmt.Printf("World GUID:  %s\n", info.WorldGUID)
			return nil
		}),
	}

	playersCmd := &cobra.Command{
		Use:   "players",
		Short: "List online players",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			list, err := comps.Gateway.Players(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No players online.")
				return nil
			}
			fmt.Printf("%-24s %-20s %-6s %-8s %s\n", "NAME", "STEAM ID", "LEVEL", "PING", "PLAYER ID")
			for _, p := range list {
				steamID := p.SteamID
				if steamID == "" {
					steamID = p.UserID
				}
				fmt.Printf("%-24s %-20s %-6d %-8.0f %s\n", p.Name, steamID, p.Level, p.Ping, p.ID)
			}
			return nil
		}),
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show server performance metrics",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			m, err := comps.Gateway.Metrics(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("FPS:        %d\n", m.ServerFPS)
			fmt.Printf("Frame time: %.2f ms\n", m.ServerFrameTime)
			fmt.Printf("Players:    %d/%d\n", m.CurrentPlayers, m.MaxPlayers)
			fmt.Printf("Uptime:     %s (started %s)\n", m.Uptime, humanize.Time(time.Now().Add(-m.Uptime)))
			fmt.Printf("In-game day: %d\n", m.Days)
			return nil
		}),
	}

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the world settings",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			settings, err := comps.Gateway.ServerSettings(ctx)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s: %v\n", k, settings[k])
			}
			return nil
		}),
	}

	announceCmd := &cobra.Command{
		Use:   "announce <message>",
		Short: "Broadcast a message to every player",
		Args:  cobra.MinimumNArgs(1),
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, args []string) error {
			return done("message sent", comps.Gateway.Broadcast(ctx, strings.Join(args, " ")))
		}),
	}

	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Save the world now",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			return done("world saved", comps.Gateway.ForceSave(ctx))
		}),
	}

	kickCmd := &cobra.Command{
		Use:   "kick <player-id> [reason]",
		Short: "Disconnect a player",
		Args:  cobra.MinimumNArgs(1),
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, args []string) error {
			return done("player kicked", comps.Gateway.Kick(ctx, args[0], strings.Join(args[1:], " ")))
		}),
	}

	banCmd := &cobra.Command{
		Use:   "ban <player-id> [reason]",
		Short: "Ban a player",
		Args:  cobra.MinimumNArgs(1),
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, args []string) error {
			return done("player banned", comps.Gateway.Ban(ctx, args[0], strings.Join(args[1:], " ")))
		}),
	}

	unbanCmd := &cobra.Command{
		Use:   "unban <player-id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, args []string) error {
			return done("player unbanned", comps.Gateway.Unban(ctx, args[0]))
		}),
	}

	shutdownCmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Shut the server down",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			return done("shutdown requested", comps.Gateway.Shutdown(ctx, shutdownWait, shutdownMessage))
		}),
	}
	shutdownCmd.Flags().IntVar(&shutdownWait, "wait", 10, "seconds the server waits before stopping")
	shutdownCmd.Flags().StringVar(&shutdownMessage, "message", "", "message shown to players")

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart with an in-game countdown",
		Long: `Start a restart countdown and wait until the restart has been dispatched.
Interrupting the command during the countdown cancels the restart.`,
		Args: cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			lead := restartLead
			if lead < 0 {
				lead = int(comps.Store.Get().Schedule.RestartLead / time.Second)
			}
			return restartAndWait(ctx, comps, lead)
		}),
	}
	restartCmd.Flags().IntVar(&restartLead, "lead", -1, "countdown in seconds (default: schedule.restart_lead)")

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the save directory now",
		Args:  cobra.NoArgs,
		RunE: withGateway(func(ctx context.Context, comps *runner.Components, _ []string) error {
			artifact, err := comps.Gateway.BackupNow(ctx, backupSource, backupDest)
			if err != nil {
				return err
			}
			fmt.Printf("Archive: %s\n", artifact.ArchivePath)
			fmt.Printf("Size:    %s (%d files)\n", humanize.Bytes(uint64(max(artifact.SizeBytes, 0))), artifact.FileCount)
			fmt.Printf("Took:    %s\n", artifact.Duration.Round(time.Millisecond))
			if len(artifact.Removed) > 0 {
				fmt.Printf("Removed: %d expired archive(s)\n", len(artifact.Removed))
			}
			return nil
		}),
	}
	backupCmd.Flags().StringVar(&backupSource, "source", "", "save directory (default: schedule.backup_source)")
	backupCmd.Flags().StringVar(&backupDest, "destination", "", "archive directory (default: <source>/_backups)")

	root.AddCommand(infoCmd, playersCmd, metricsCmd, settingsCmd, announceCmd, saveCmd,
		kickCmd, banCmd, unbanCmd, shutdownCmd, restartCmd, backupCmd)
}

type gatewayFunc func(ctx context.Context, comps *runner.Components, args []string) error

// withGateway loads the config, wires the components and runs fn with a
// context canceled on SIGINT/SIGTERM.
func withGateway(fn gatewayFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		comps, err := buildComponents(settings)
		if err != nil {
			log.Error().Err(err).Msg("invalid configuration")
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := fn(ctx, comps, args); err != nil {
			log.Error().
				Err(err).
				Str("kind", string(models.KindOf(err))).
				Str("command", cmd.Name()).
				Msg("command failed")
			return err
		}
		return nil
	}
}

func done(msg string, err error) error {
	if err != nil {
		return err
	}
	log.Info().Msg(msg)
	return nil
}

// restartAndWait triggers a restart and follows its events until it
// completes, fails or ctx is canceled.
func restartAndWait(ctx context.Context, comps *runner.Components, leadSeconds int) error {
	sub := comps.Bus.Subscribe(32)
	defer sub.Close()

	action, err := comps.Gateway.RestartNow(ctx, leadSeconds)
	if err != nil {
		return err
	}
	log.Info().
		Str("id", action.ID).
		Dur("lead", action.Lead).
		Msg("restart countdown started, press Ctrl+C to cancel")

	for {
		select {
		case <-ctx.Done():
			if err := comps.Gateway.CancelRestart(context.Background()); err != nil {
				log.Warn().Err(err).Msg("restart could not be canceled")
			} else {
				log.Info().Msg("restart canceled")
			}
			comps.Scheduler.Stop()
			return ctx.Err()
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if !sameAction(evt, action.ID) {
				continue
			}
			if evt.Failed() {
				return evt.Err
			}
			if evt.Message == fmt.Sprintf("%s completed", action.Kind) {
				log.Info().Msg("restart completed")
				return nil
			}
		}
	}
}

func sameAction(evt events.Event, id string) bool {
	if evt.Topic != events.TopicRestart {
		return false
	}
	v, _ := evt.Fields["id"].(string)
	return v == id
}
