package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for the game host.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	Port          int           // UDP port for the magic packet, usually 9
	PollURL       string        // defaults to the API info endpoint
	Timeout       time.Duration // max time to wait for the host
	PollInterval  time.Duration
	StabilizeWait time.Duration // wait after the API first answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
