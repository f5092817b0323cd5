// Package wol wakes the game host and waits for its REST API to answer.
package wol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// DefaultPort is the UDP discard port most NICs listen on for magic packets.
const DefaultPort = 9

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient sends magic packets over UDP using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet for mac to addr (host:port).
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	return client.Wake(addr, mac)
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient: &DefaultClient{},
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Target returns the host:port the magic packet is sent to.
func Target(cfg models.WOLConfig) (string, error) {
	ip := net.ParseIP(cfg.BroadcastIP)
	if ip == nil {
		return "", models.NewError(models.ValidationError, "wol", fmt.Sprintf("invalid broadcast IP %q", cfg.BroadcastIP), nil)
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 || port > 65535 {
		return "", models.NewError(models.ValidationError, "wol", fmt.Sprintf("invalid port %d", cfg.Port), nil)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

// Wake sends the magic packet and, when PollURL is set, waits until the host
// answers HTTP. Failures are reported in the result.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	result := &models.WOLResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = models.NewError(models.ValidationError, "wol", fmt.Sprintf("invalid MAC address %q", cfg.MACAddress), err)
		return result, nil
	}

	addr, err := Target(cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}

	s.logger.Info().
		Str("mac", mac.String()).
		Str("target", addr).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(addr, mac); err != nil {
		result.Error = models.NewError(models.ConnectionError, "wol", "failed to send magic packet", err)
		return result, nil
	}
	result.PacketSent = true

	if cfg.PollURL == "" {
		result.WaitDuration = time.Since(start)
		result.TargetReady = true
		return result, nil
	}

	s.logger.Info().
		Str("url", cfg.PollURL).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for game host")

	if err := s.waitForTarget(ctx, cfg); err != nil {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Dur("wait", cfg.StabilizeWait).Msg("waiting for game host to settle")
		select {
		case <-ctx.Done():
			result.WaitDuration = time.Since(start)
			result.Error = ctx.Err()
			return result, nil
		case <-time.After(cfg.StabilizeWait):
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)

	s.logger.Info().
		Dur("duration", result.WaitDuration).
		Msg("game host is up")

	return result, nil
}

// waitForTarget polls until any HTTP response arrives. An auth failure still
// proves the API is listening.
func (s *Impl) waitForTarget(ctx context.Context, cfg models.WOLConfig) error {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(cfg.Timeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return models.NewError(models.ConnectionError, "wol", fmt.Sprintf("timeout waiting for %s", cfg.PollURL), nil)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PollURL, nil)
		if err != nil {
			return models.NewError(models.ValidationError, "wol", "invalid poll URL", err)
		}

		resp, err := s.httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}

		s.logger.Debug().Err(err).Msg("game host not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
