//go:build e2e

package e2e

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/fgeck/palwarden/internal/services/palapi"
	"github.com/fgeck/palwarden/internal/services/runner"
	"github.com/fgeck/palwarden/internal/services/wol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "hunter2"

// fakeServer mimics the REST management API.
type fakeServer struct {
	*httptest.Server

	mu            sync.Mutex
	calls         []string
	announcements []string
	players       []map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != palapi.AdminUser || pass != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	endpoint := strings.TrimPrefix(r.URL.Path, models.APIPath+"/")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+endpoint)
	if endpoint == "announce" {
		var req struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &req)
		f.announcements = append(f.announcements, req.Message)
	}
	players := f.players
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && endpoint == "info":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version": "v0.3.11.0", "servername": "E2E World", "description": "", "worldguid": "ABC",
		})
	case r.Method == http.MethodGet && endpoint == "players":
		_ = json.NewEncoder(w).Encode(map[string]any{"players": players})
	case r.Method == http.MethodGet && endpoint == "metrics":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"serverfps": 60, "currentplayernum": len(players), "maxplayernum": 32, "uptime": 3600, "days": 4,
		})
	case r.Method == http.MethodGet && endpoint == "settings":
		_ = json.NewEncoder(w).Encode(map[string]any{"Difficulty": "None", "ExpRate": 1.0})
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]string(nil), f.announcements...)
}

func (f *fakeServer) count(call string) int {
	calls, _ := f.snapshot()
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

func settingsFor(f *fakeServer) models.Settings {
	return models.Settings{
		Connection:   models.Connection{BaseURL: f.URL, Password: testPassword, Timeout: 2 * time.Second},
		AllowActions: true,
		Schedule: models.ScheduleConfig{
			SaveInterval:       time.Hour,
			SaveBeforeShutdown: true,
			ShutdownWait:       5 * time.Second,
		},
		Players: models.PlayersConfig{PollInterval: time.Hour},
	}
}

func buildReal(t *testing.T, settings models.Settings) *runner.Components {
	t.Helper()
	comps, err := runner.Build(testLogger(), settings, runner.Services{
		API:     palapi.New(testLogger()),
		Backups: backup.New(testLogger()),
	})
	require.NoError(t, err)
	t.Cleanup(comps.Scheduler.Stop)
	return comps
}

func TestDaemon_AutoSaveAndPlayers_E2E(t *testing.T) {
	f := newFakeServer(t)
	f.players = []map[string]any{
		{"name": "Alice", "playerId": "P1", "userId": "steam_76561197960287930", "level": 12},
	}

	settings := settingsFor(f)
	settings.Schedule.SaveInterval = 50 * time.Millisecond
	settings.Players.PollInterval = 50 * time.Millisecond

	r := runner.NewWithServices(testLogger(), runner.Services{
		API:     palapi.New(testLogger()),
		Backups: backup.New(testLogger()),
	}, wol.New(testLogger()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, settings) }()

	assert.Eventually(t, func() bool { return f.count("POST save") >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.count("GET players") >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	saves := f.count("POST save")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, saves, f.count("POST save"))
}

func TestGateway_Reads_E2E(t *testing.T) {
	f := newFakeServer(t)
	f.players = []map[string]any{
		{"name": "Alice", "playerId": "P1", "userId": "steam_76561197960287930", "level": 12},
		{"name": "Bob", "playerId": "P2", "userId": "xbox_123", "level": 3},
	}
	comps := buildReal(t, settingsFor(f))
	ctx := context.Background()

	info, err := comps.Gateway.ServerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "E2E World", info.ServerName)

	list, err := comps.Gateway.Players(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "76561197960287930", list[0].SteamID)
	assert.Empty(t, list[1].SteamID)

	m, err := comps.Gateway.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, m.Uptime)
	assert.Equal(t, 2, m.CurrentPlayers)

	s, err := comps.Gateway.ServerSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "None", s["Difficulty"])
}

func TestGateway_RestartCountdown_E2E(t *testing.T) {
	f := newFakeServer(t)
	comps := buildReal(t, settingsFor(f))

	sub := comps.Bus.Subscribe(32)
	defer sub.Close()

	action, err := comps.Gateway.RestartNow(context.Background(), 2)
	require.NoError(t, err)

	var completed bool
	timeout := time.After(10 * time.Second)
	for !completed {
		select {
		case evt := <-sub.C:
			if evt.Topic != events.TopicRestart || evt.Fields["id"] != action.ID {
				continue
			}
			require.NoError(t, evt.Err)
			completed = evt.Message == "restart completed"
		case <-timeout:
			t.Fatal("restart did not complete")
		}
	}

	calls, announcements := f.snapshot()
	require.NotEmpty(t, announcements)
	assert.Equal(t, "Server restart in 2 seconds", announcements[0])
	assert.Contains(t, announcements, "Server restart in 1 seconds")

	saveIdx, shutdownIdx := -1, -1
	for i, c := range calls {
		switch c {
		case "POST save":
			saveIdx = i
		case "POST shutdown":
			shutdownIdx = i
		}
	}
	require.NotEqual(t, -1, shutdownIdx)
	assert.Less(t, saveIdx, shutdownIdx)
}

func TestGateway_CancelRestart_E2E(t *testing.T) {
	f := newFakeServer(t)
	comps := buildReal(t, settingsFor(f))

	_, err := comps.Gateway.RestartNow(context.Background(), 30)
	require.NoError(t, err)

	require.NoError(t, comps.Gateway.CancelRestart(context.Background()))

	_, announcements := f.snapshot()
	assert.Contains(t, announcements, "Scheduled restart canceled")
	assert.Zero(t, f.count("POST shutdown"))
}

func TestGateway_ReadOnly_E2E(t *testing.T) {
	f := newFakeServer(t)
	settings := settingsFor(f)
	settings.AllowActions = false
	comps := buildReal(t, settings)
	ctx := context.Background()

	err := comps.Gateway.ForceSave(ctx)
	assert.True(t, models.IsKind(err, models.ReadOnlyError))

	err = comps.Gateway.Kick(ctx, "P1", "bye")
	assert.True(t, models.IsKind(err, models.ReadOnlyError))

	_, err = comps.Gateway.RestartNow(ctx, 5)
	assert.True(t, models.IsKind(err, models.ReadOnlyError))

	_, err = comps.Gateway.Players(ctx)
	require.NoError(t, err)

	calls, _ := f.snapshot()
	assert.Equal(t, []string{"GET players"}, calls)
}

func TestGateway_AuthFailure_E2E(t *testing.T) {
	f := newFakeServer(t)
	settings := settingsFor(f)
	settings.Connection.Password = "wrong"
	comps := buildReal(t, settings)

	err := comps.Gateway.ForceSave(context.Background())

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.AuthError))
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestGateway_BackupNow_E2E(t *testing.T) {
	f := newFakeServer(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "SaveGames", "0", "ABC"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "SaveGames", "0", "ABC", "Level.sav"), []byte("level"), 0o644))

	settings := settingsFor(f)
	settings.Schedule.BackupSource = src
	comps := buildReal(t, settings)

	artifact, err := comps.Gateway.BackupNow(context.Background(), "", "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(src, "_backups"), filepath.Dir(artifact.ArchivePath))
	assert.True(t, strings.HasSuffix(artifact.ArchivePath, ".zip"))

	zr, err := zip.OpenReader(artifact.ArchivePath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Contains(t, names, "SaveGames/0/ABC/Level.sav")
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "_backups"), n)
	}
}
