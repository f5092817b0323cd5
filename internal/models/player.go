package models

import "time"

// Player is a connected player as reported by the server.
type Player struct {
	ID           string // internal player ID
	UserID       string // raw user ID, e.g. steam_76561198000000000
	SteamID      string // steam64, empty when UserID is not a Steam account
	Name         string
	AccountName  string
	IP           string
	Level        int
	Ping         float64
	ConnectedFor time.Duration
}

// ServerInfo is the server's identity block.
type ServerInfo struct {
	Version     string
	ServerName  string
	Description string
	WorldGUID   string
}

// ServerMetrics is a point-in-time performance sample.
type ServerMetrics struct {
	ServerFPS       int
	CurrentPlayers  int
	MaxPlayers      int
	ServerFrameTime float64
	Uptime          time.Duration
	Days            int
}
