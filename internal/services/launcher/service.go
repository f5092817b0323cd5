// Package launcher runs the game server start command after a restart,
// either on this machine or on a remote host over SSH.
package launcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Service defines the launcher operations.
type Service interface {
	Launch(ctx context.Context, command string) (*models.LaunchResult, error)
	TestConnection(ctx context.Context) (*models.LaunchResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// ProcessStarter starts a detached local process and returns its PID.
type ProcessStarter interface {
	Start(name string, args ...string) (int, error)
}

// DefaultClientFactory dials real SSH connections.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

// ExecStarter starts processes with os/exec and reaps them in the background.
type ExecStarter struct{}

// Start runs name with args without waiting for it to exit.
func (ExecStarter) Start(name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...) //nolint:gosec // command comes from the operator's config
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// Impl implements the Service interface.
type Impl struct {
	cfg           models.LauncherConfig
	clientFactory ClientFactory
	starter       ProcessStarter
	goos          string
	logger        zerolog.Logger
}

// New creates a launcher for cfg.
func New(logger zerolog.Logger, cfg models.LauncherConfig) *Impl {
	return &Impl{
		cfg:           cfg,
		clientFactory: &DefaultClientFactory{},
		starter:       ExecStarter{},
		goos:          runtime.GOOS,
		logger:        logger,
	}
}

// NewWithFactories creates a launcher with custom SSH and process backends (for testing).
func NewWithFactories(logger zerolog.Logger, cfg models.LauncherConfig, factory ClientFactory, starter ProcessStarter) *Impl {
	return &Impl{
		cfg:           cfg,
		clientFactory: factory,
		starter:       starter,
		goos:          runtime.GOOS,
		logger:        logger,
	}
}

// Launch starts command. It does not wait for the server process to exit.
func (s *Impl) Launch(ctx context.Context, command string) (*models.LaunchResult, error) {
	if command == "" {
		return &models.LaunchResult{
			Error: models.NewError(models.ValidationError, "launch", "start command is empty", nil),
		}, nil
	}
	if s.cfg.SSH != nil {
		return s.launchRemote(ctx, command)
	}
	return s.launchLocal(ctx, command)
}

// shellCommand wraps command in the platform shell.
func shellCommand(goos, command string) (string, []string) {
	if goos == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}

func (s *Impl) launchLocal(ctx context.Context, command string) (*models.LaunchResult, error) {
	result := &models.LaunchResult{}

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result, nil
	}

	name, args := shellCommand(s.goos, command)
	s.logger.Info().Str("command", command).Msg("starting server locally")

	pid, err := s.starter.Start(name, args...)
	if err != nil {
		result.Error = models.NewError(models.IoError, "launch", "failed to start "+strconv.Quote(command), err)
		return result, nil
	}

	result.CommandRun = true
	result.PID = pid
	s.logger.Info().Int("pid", pid).Msg("server process started")
	return result, nil
}

func (s *Impl) launchRemote(ctx context.Context, command string) (*models.LaunchResult, error) {
	result := &models.LaunchResult{Remote: true}
	cfg := s.cfg.SSH

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Str("command", command).
		Msg("starting server over SSH")

	session, closeFn, err := s.open(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer closeFn()

	// Detach so the session can close while the server keeps running.
	remote := fmt.Sprintf("nohup %s >/dev/null 2>&1 &", command)
	if cfg.OS == "windows" {
		remote = fmt.Sprintf("cmd /C start \"\" %s", command)
	}
	s.logger.Debug().Str("command", remote).Msg("executing start command")

	output, err := session.CombinedOutput(remote)
	result.Output = string(output)
	if err != nil {
		result.Error = models.NewError(models.IoError, "launch", "remote start command failed", err)
		return result, nil
	}
	result.CommandRun = true

	s.logger.Info().Str("output", result.Output).Msg("remote start command completed")
	return result, nil
}

// TestConnection verifies SSH connectivity without starting anything. Local
// launchers always pass.
func (s *Impl) TestConnection(ctx context.Context) (*models.LaunchResult, error) {
	if s.cfg.SSH == nil {
		return &models.LaunchResult{}, nil
	}
	result := &models.LaunchResult{Remote: true}

	s.logger.Debug().
		Str("host", s.cfg.SSH.Host).
		Int("port", s.cfg.SSH.Port).
		Msg("testing SSH connection")

	session, closeFn, err := s.open(ctx, s.cfg.SSH)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer closeFn()

	output, err := session.CombinedOutput("echo OK")
	result.Output = string(output)
	result.CommandRun = true
	if err != nil {
		result.Error = fmt.Errorf("test command failed: %w", err)
	}
	return result, nil
}

func (s *Impl) open(ctx context.Context, cfg *models.SSHConfig) (SSHSession, func(), error) {
	sshConfig, err := buildConfig(cfg)
	if err != nil {
		return nil, nil, models.NewError(models.ValidationError, "ssh", "invalid SSH credentials", err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	type dialResult struct {
		client SSHClient
		err    error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		dialed <- dialResult{client, err}
	}()

	var client SSHClient
	select {
	case <-ctx.Done():
		go func() {
			if res := <-dialed; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, nil, models.NewError(models.ConnectionError, "ssh", "connect to "+addr, ctx.Err())
	case res := <-dialed:
		if res.err != nil {
			return nil, nil, models.NewError(models.ConnectionError, "ssh", "failed to connect to "+addr, res.err)
		}
		client = res.client
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, nil, models.NewError(models.ConnectionError, "ssh", "failed to create session", err)
	}

	return session, func() {
		_ = session.Close()
		_ = client.Close()
	}, nil
}

func buildConfig(cfg *models.SSHConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	switch {
	case len(cfg.PrivateKey) > 0:
		key = cfg.PrivateKey
	case cfg.KeyPath != "":
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	default:
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // trusted LAN host
		Timeout:         timeout,
	}, nil
}
