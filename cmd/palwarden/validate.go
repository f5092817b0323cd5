package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file and print the normalized settings without contacting the server.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	comps, err := buildComponents(settings)
	if err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}
	status := comps.Gateway.Status()
	s := status.Schedule

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Connection:")
	fmt.Printf("  Base URL: %s\n", status.BaseURL)
	fmt.Printf("  Timeout: %s\n", settings.Connection.Timeout)
	fmt.Printf("  Actions allowed: %v\n", status.AllowActions)
	fmt.Println()
	fmt.Println("Schedule:")
	fmt.Printf("  Auto-save every: %s\n", s.SaveInterval)
	if len(s.RestartTimes) > 0 {
		fmt.Printf("  Restart times: %s\n", strings.Join(s.RestartTimes, ", "))
	}
	if s.RestartInterval > 0 {
		fmt.Printf("  Restart every: %s\n", s.RestartInterval)
	}
	fmt.Printf("  Restart lead: %s\n", s.RestartLead)
	fmt.Printf("  Save before shutdown: %v\n", s.SaveBeforeShutdown)
	if s.StartCommand != "" {
		fmt.Printf("  Start command: %s (after %s)\n", s.StartCommand, s.StartDelay)
	}
	if s.BackupSource != "" {
		fmt.Println()
		fmt.Println("Backups:")
		fmt.Printf("  Source: %s\n", s.BackupSource)
		fmt.Printf("  Destination: %s\n", s.BackupDestination)
		fmt.Printf("  Format: %s\n", s.BackupFormat)
		fmt.Printf("  Every: %s\n", s.BackupInterval)
		fmt.Printf("  Retention: %s\n", s.BackupRetention)
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Wake-on-LAN: %v\n", settings.WOL != nil)
	fmt.Printf("  Remote launcher: %v\n", settings.Launcher.SSH != nil)
	fmt.Printf("  Telegram: %v\n", settings.Telegram != nil)
	fmt.Printf("  Log file: %v\n", settings.Log.File != "")

	if settings.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", settings.WOL.MACAddress)
		fmt.Printf("  Broadcast: %s:%d\n", settings.WOL.BroadcastIP, settings.WOL.Port)
		fmt.Printf("  Poll URL: %s\n", settings.WOL.PollURL)
	}

	if ssh := settings.Launcher.SSH; ssh != nil {
		fmt.Println()
		fmt.Println("Launcher SSH Configuration:")
		fmt.Printf("  Host: %s:%d\n", ssh.Host, ssh.Port)
		fmt.Printf("  Username: %s\n", ssh.Username)
		if ssh.OS != "" {
			fmt.Printf("  OS: %s\n", ssh.OS)
		}
	}

	if settings.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", settings.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
