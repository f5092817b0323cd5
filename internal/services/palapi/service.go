// Package palapi is a client for the dedicated server's REST management API.
package palapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/leighmacdonald/steamid/v4/steamid"
	"github.com/rs/zerolog"
)

// AdminUser is the fixed basic-auth identity of the REST API.
const AdminUser = "admin"

// Service defines the REST operations consumed by the gateway.
type Service interface {
	Info(ctx context.Context, conn models.Connection) (*models.ServerInfo, error)
	Players(ctx context.Context, conn models.Connection) ([]models.Player, error)
	Settings(ctx context.Context, conn models.Connection) (map[string]any, error)
	Metrics(ctx context.Context, conn models.Connection) (*models.ServerMetrics, error)
	Announce(ctx context.Context, conn models.Connection, message string) error
	Save(ctx context.Context, conn models.Connection) error
	Kick(ctx context.Context, conn models.Connection, userID, message string) error
	Ban(ctx context.Context, conn models.Connection, userID, message string) error
	Unban(ctx context.Context, conn models.Connection, userID string) error
	Shutdown(ctx context.Context, conn models.Connection, waitSeconds int, message string) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
}

// New creates a new REST API client.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// NewWithClient creates a new REST API client with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
	}
}

type infoResponse struct {
	Version     string `json:"version"`
	ServerName  string `json:"servername"`
	Description string `json:"description"`
	WorldGUID   string `json:"worldguid"`
}

type playerJSON struct {
	Name        string  `json:"name"`
	AccountName string  `json:"accountName"`
	PlayerID    string  `json:"playerId"`
	UserID      string  `json:"userId"`
	IP          string  `json:"ip"`
	Ping        float64 `json:"ping"`
	Level       int     `json:"level"`
}

type playersResponse struct {
	Players []playerJSON `json:"players"`
}

type metricsResponse struct {
	ServerFPS       int     `json:"serverfps"`
	CurrentPlayers  int     `json:"currentplayernum"`
	ServerFrameTime float64 `json:"serverframetime"`
	MaxPlayers      int     `json:"maxplayernum"`
	Uptime          int64   `json:"uptime"`
	Days            int     `json:"days"`
}

type announceRequest struct {
	Message string `json:"message"`
}

type userRequest struct {
	UserID  string `json:"userid"`
	Message string `json:"message,omitempty"`
}

type shutdownRequest struct {
	WaitTime int    `json:"waittime"`
	Message  string `json:"message"`
}

// Info returns the server identity block.
func (s *Impl) Info(ctx context.Context, conn models.Connection) (*models.ServerInfo, error) {
	var resp infoResponse
	if err := s.get(ctx, conn, "info", &resp); err != nil {
		return nil, err
	}
	return &models.ServerInfo{
		Version:     resp.Version,
		ServerName:  resp.ServerName,
		Description: resp.Description,
		WorldGUID:   resp.WorldGUID,
	}, nil
}

// Players returns the players currently online.
func (s *Impl) Players(ctx context.Context, conn models.Connection) ([]models.Player, error) {
	var resp playersResponse
	if err := s.get(ctx, conn, "players", &resp); err != nil {
		return nil, err
	}

	players := make([]models.Player, len(resp.Players))
	for i, p := range resp.Players {
		players[i] = models.Player{
			ID:          p.PlayerID,
			UserID:      p.UserID,
			SteamID:     ParseSteamID(p.UserID),
			Name:        p.Name,
			AccountName: p.AccountName,
			IP:          p.IP,
			Level:       p.Level,
			Ping:        p.Ping,
		}
	}

	s.logger.Debug().Int("count", len(players)).Msg("players listed")
	return players, nil
}

// Settings returns the server's world settings as a free-form object.
func (s *Impl) Settings(ctx context.Context, conn models.Connection) (map[string]any, error) {
	out := map[string]any{}
	if err := s.get(ctx, conn, "settings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics returns a performance sample.
func (s *Impl) Metrics(ctx context.Context, conn models.Connection) (*models.ServerMetrics, error) {
	var resp metricsResponse
	if err := s.get(ctx, conn, "metrics", &resp); err != nil {
		return nil, err
	}
	return &models.ServerMetrics{
		ServerFPS:       resp.ServerFPS,
		CurrentPlayers:  resp.CurrentPlayers,
		MaxPlayers:      resp.MaxPlayers,
		ServerFrameTime: resp.ServerFrameTime,
		Uptime:          time.Duration(resp.Uptime) * time.Second,
		Days:            resp.Days,
	}, nil
}

// Announce broadcasts a message to every player.
func (s *Impl) Announce(ctx context.Context, conn models.Connection, message string) error {
	return s.post(ctx, conn, "announce", announceRequest{Message: message})
}

// Save forces a world save.
func (s *Impl) Save(ctx context.Context, conn models.Connection) error {
	return s.post(ctx, conn, "save", nil)
}

// Kick disconnects a player.
func (s *Impl) Kick(ctx context.Context, conn models.Connection, userID, message string) error {
	return s.post(ctx, conn, "kick", userRequest{UserID: userID, Message: message})
}

// Ban bans a player.
func (s *Impl) Ban(ctx context.Context, conn models.Connection, userID, message string) error {
	return s.post(ctx, conn, "ban", userRequest{UserID: userID, Message: message})
}

// Unban lifts a ban.
func (s *Impl) Unban(ctx context.Context, conn models.Connection, userID string) error {
	return s.post(ctx, conn, "unban", userRequest{UserID: userID})
}

// Shutdown asks the server to shut down after waitSeconds.
func (s *Impl) Shutdown(ctx context.Context, conn models.Connection, waitSeconds int, message string) error {
	return s.post(ctx, conn, "shutdown", shutdownRequest{WaitTime: waitSeconds, Message: message})
}

func (s *Impl) get(ctx context.Context, conn models.Connection, endpoint string, out any) error {
	body, err := s.do(ctx, conn, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return models.NewError(models.ConnectionError, endpoint, "malformed response", err)
	}
	return nil
}

func (s *Impl) post(ctx context.Context, conn models.Connection, endpoint string, payload any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return models.NewError(models.ValidationError, endpoint, "cannot encode request", err)
		}
	}
	_, err := s.do(ctx, conn, http.MethodPost, endpoint, body)
	return err
}

func (s *Impl) do(ctx context.Context, conn models.Connection, method, endpoint string, body []byte) ([]byte, error) {
	if conn.BaseURL == "" {
		return nil, models.NewError(models.ValidationError, endpoint, "no connection configured", nil)
	}

	timeout := conn.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(conn.BaseURL, "/") + "/" + endpoint

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, models.NewError(models.ValidationError, endpoint, "failed to create request", err)
	}
	req.SetBasicAuth(AdminUser, conn.Password)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "text/plain")
	}

	s.logger.Debug().Str("method", method).Str("url", url).Msg("calling REST API")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		detail := "request failed"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("timed out after %s", timeout)
		}
		return nil, models.NewError(models.ConnectionError, endpoint, detail, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.ConnectionError, endpoint, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.AuthError, endpoint, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	return data, nil
}

// ParseSteamID extracts the steam64 ID from a "steam_<id>" user ID.
// It returns "" for non-Steam accounts.
func ParseSteamID(userID string) string {
	raw, ok := strings.CutPrefix(userID, "steam_")
	if !ok {
		return ""
	}
	sid := steamid.New(raw)
	if !sid.Valid() {
		return ""
	}
	return sid.String()
}
