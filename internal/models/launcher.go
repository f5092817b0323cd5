package models

import "time"

// LauncherConfig controls how the post-shutdown start command runs.
type LauncherConfig struct {
	SSH *SSHConfig // nil runs the command locally
}

// SSHConfig holds the remote host used to run the start command.
type SSHConfig struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte // loaded from file path
	KeyPath    string
	OS         string // "windows" or empty for a POSIX shell
	Timeout    time.Duration
}

// LaunchResult holds the result of running the start command.
type LaunchResult struct {
	CommandRun bool
	Remote     bool
	PID        int // local only
	Output     string
	Error      error
}
