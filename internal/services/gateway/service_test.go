package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/palwarden/internal/config"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/fgeck/palwarden/internal/services/backup"
	"github.com/fgeck/palwarden/internal/services/events"
	"github.com/fgeck/palwarden/internal/services/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mu    sync.Mutex
	calls []string
	err   error

	lastConn    models.Connection
	lastMessage string
	lastUser    string
	lastWait    int
}

func (m *mockAPI) record(call string, conn models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.lastConn = conn
	return m.err
}

func (m *mockAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockAPI) Info(_ context.Context, conn models.Connection) (*models.ServerInfo, error) {
	if err := m.record("info", conn); err != nil {
		return nil, err
	}
	return &models.ServerInfo{ServerName: "Pal Island", Version: "v0.3"}, nil
}

func (m *mockAPI) Players(_ context.Context, conn models.Connection) ([]models.Player, error) {
	if err := m.record("players", conn); err != nil {
		return nil, err
	}
	return []models.Player{{ID: "P1", Name: "Gabe"}}, nil
}

func (m *mockAPI) Settings(_ context.Context, conn models.Connection) (map[string]any, error) {
	if err := m.record("settings", conn); err != nil {
		return nil, err
	}
	return map[string]any{"Difficulty": "None"}, nil
}

func (m *mockAPI) Metrics(_ context.Context, conn models.Connection) (*models.ServerMetrics, error) {
	if err := m.record("metrics", conn); err != nil {
		return nil, err
	}
	return &models.ServerMetrics{ServerFPS: 60}, nil
}

func (m *mockAPI) Announce(_ context.Context, conn models.Connection, message string) error {
	m.lastMessage = message
	return m.record("announce", conn)
}

func (m *mockAPI) Save(_ context.Context, conn models.Connection) error {
	return m.record("save", conn)
}

func (m *mockAPI) Kick(_ context.Context, conn models.Connection, userID, message string) error {
	m.lastUser, m.lastMessage = userID, message
	return m.record("kick", conn)
}

func (m *mockAPI) Ban(_ context.Context, conn models.Connection, userID, message string) error {
	m.lastUser, m.lastMessage = userID, message
	return m.record("ban", conn)
}

func (m *mockAPI) Unban(_ context.Context, conn models.Connection, userID string) error {
	m.lastUser = userID
	return m.record("unban", conn)
}

func (m *mockAPI) Shutdown(_ context.Context, conn models.Connection, waitSeconds int, message string) error {
	m.lastWait, m.lastMessage = waitSeconds, message
	return m.record("shutdown", conn)
}

type mockBackups struct {
	calls   int
	lastReq backup.Request
	err     error
}

func (m *mockBackups) Run(_ context.Context, req backup.Request) (*models.BackupArtifact, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.BackupArtifact{ArchivePath: req.Destination + "/palworld-save-x.zip"}, nil
}

type mockScheduler struct {
	starts   int
	stops    int
	triggers int
	cancels  int
	running  bool
	lastLead time.Duration
	startCfg models.ScheduleConfig
}

func (m *mockScheduler) Start(_ context.Context, cfg models.ScheduleConfig) error {
	if m.running {
		return scheduler.ErrAlreadyRunning
	}
	m.starts++
	m.running = true
	m.startCfg = cfg
	return nil
}

func (m *mockScheduler) Stop() {
	m.stops++
	m.running = false
}

func (m *mockScheduler) Running() bool { return m.running }

func (m *mockScheduler) Trigger(kind models.ActionKind, lead time.Duration, reason string) (models.ScheduledAction, error) {
	m.triggers++
	m.lastLead = lead
	return models.ScheduledAction{ID: "a1", Kind: kind, Lead: lead, Reason: reason, State: models.StateCountdown}, nil
}

func (m *mockScheduler) Cancel(context.Context) error {
	m.cancels++
	return nil
}

func (m *mockScheduler) Pending() (models.ScheduledAction, bool) {
	return models.ScheduledAction{}, false
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newStore(t *testing.T, allow bool) *config.Store {
	t.Helper()
	store := config.NewStore(allow)
	require.NoError(t, store.Set(
		models.Connection{BaseURL: "10.0.0.5", Password: "pw"},
		models.ScheduleConfig{
			BackupSource:      "/data/saves",
			BackupDestination: "/data/backups",
			RestartTimes:      []string{"04:00"},
		},
	))
	return store
}

type fixture struct {
	gw      *Gateway
	api     *mockAPI
	backups *mockBackups
	sched   *mockScheduler
}

func newFixture(t *testing.T, allow bool) fixture {
	t.Helper()
	api := &mockAPI{}
	backups := &mockBackups{}
	sched := &mockScheduler{}
	gw := New(testLogger(), newStore(t, allow), api, backups, nil)
	gw.AttachScheduler(sched)
	return fixture{gw: gw, api: api, backups: backups, sched: sched}
}

func TestReadOnly_MutatingCallsRefusedWithoutIO(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, restartErr := f.gw.RestartNow(ctx, 60)
	_, backupErr := f.gw.BackupNow(ctx, "/data/saves", "/data/backups")

	errs := map[string]error{
		"broadcast":          f.gw.Broadcast(ctx, "hello"),
		"save":               f.gw.ForceSave(ctx),
		"kick":               f.gw.Kick(ctx, "steam_1", "afk"),
		"ban":                f.gw.Ban(ctx, "steam_1", "grief"),
		"unban":              f.gw.Unban(ctx, "steam_1"),
		"shutdown":           f.gw.Shutdown(ctx, 10, "bye"),
		"restart":            restartErr,
		"cancel restart":     f.gw.CancelRestart(ctx),
		"backup":             backupErr,
		"start auto-restart": f.gw.StartAutoRestart(ctx, nil),
	}

	for op, err := range errs {
		require.Error(t, err, op)
		assert.Equal(t, models.ReadOnlyError, models.KindOf(err), op)
	}

	assert.Zero(t, f.api.count())
	assert.Zero(t, f.backups.calls)
	assert.Zero(t, f.sched.triggers)
	assert.Zero(t, f.sched.cancels)
	assert.Zero(t, f.sched.starts)
}

func TestReadOnly_ReadsStillWork(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	info, err := f.gw.ServerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Pal Island", info.ServerName)

	players, err := f.gw.Players(ctx)
	require.NoError(t, err)
	assert.Len(t, players, 1)

	metrics, err := f.gw.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, metrics.ServerFPS)

	settings, err := f.gw.ServerSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "None", settings["Difficulty"])

	assert.NoError(t, f.gw.StopAutoRestart())
}

func TestBroadcast_UsesNormalizedConnection(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.gw.Broadcast(context.Background(), "  hello  "))

	assert.Equal(t, "hello", f.api.lastMessage)
	assert.Equal(t, "http://10.0.0.5:8212/v1/api", f.api.lastConn.BaseURL)
	assert.Equal(t, "pw", f.api.lastConn.Password)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for name, err := range map[string]error{
		"empty broadcast": f.gw.Broadcast(ctx, "   "),
		"empty kick":      f.gw.Kick(ctx, "", "x"),
		"empty ban":       f.gw.Ban(ctx, " ", "x"),
		"empty unban":     f.gw.Unban(ctx, ""),
	} {
		require.Error(t, err, name)
		assert.Equal(t, models.ValidationError, models.KindOf(err), name)
	}
	assert.Zero(t, f.api.count())
}

func TestKickBanUnban(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.gw.Kick(ctx, " steam_1 ", "afk"))
	assert.Equal(t, "steam_1", f.api.lastUser)
	assert.Equal(t, "afk", f.api.lastMessage)

	require.NoError(t, f.gw.Ban(ctx, "steam_2", "grief"))
	assert.Equal(t, "steam_2", f.api.lastUser)

	require.NoError(t, f.gw.Unban(ctx, "steam_2"))
	assert.Equal(t, []string{"kick", "ban", "unban"}, f.api.calls)
}

func TestShutdown_ClampsDelayAndDefaultsMessage(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.gw.Shutdown(context.Background(), -5, ""))

	assert.Equal(t, 0, f.api.lastWait)
	assert.Equal(t, "Server is shutting down", f.api.lastMessage)
}

func TestAPIErrorsPassThrough(t *testing.T) {
	f := newFixture(t, true)
	f.api.err = models.NewError(models.AuthError, "save", "HTTP 401", nil)

	err := f.gw.ForceSave(context.Background())

	require.Error(t, err)
	assert.Equal(t, models.AuthError, models.KindOf(err))
}

func TestPlainErrorsAreClassified(t *testing.T) {
	f := newFixture(t, true)
	f.api.err = errors.New("boom")

	err := f.gw.ForceSave(context.Background())
	assert.Equal(t, models.ConnectionError, models.KindOf(err))

	_, err = f.gw.Players(context.Background())
	assert.Equal(t, models.ConnectionError, models.KindOf(err))
}

func TestRestartNow(t *testing.T) {
	f := newFixture(t, true)

	action, err := f.gw.RestartNow(context.Background(), 90)

	require.NoError(t, err)
	assert.Equal(t, models.ActionRestart, action.Kind)
	assert.Equal(t, "manual", action.Reason)
	assert.Equal(t, 90*time.Second, f.sched.lastLead)

	_, err = f.gw.RestartNow(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), f.sched.lastLead)
}

func TestRestartNow_NoScheduler(t *testing.T) {
	gw := New(testLogger(), newStore(t, true), &mockAPI{}, nil, nil)

	_, err := gw.RestartNow(context.Background(), 10)

	assert.Equal(t, models.ValidationError, models.KindOf(err))
}

func TestCancelRestart(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.gw.CancelRestart(context.Background()))
	assert.Equal(t, 1, f.sched.cancels)
}

func TestBackupNow_UsesConfiguredPaths(t *testing.T) {
	f := newFixture(t, true)

	artifact, err := f.gw.BackupNow(context.Background(), "", "")

	require.NoError(t, err)
	assert.NotNil(t, artifact)
	assert.Equal(t, "/data/saves", f.backups.lastReq.Source)
	assert.Equal(t, "/data/backups", f.backups.lastReq.Destination)
	assert.Equal(t, config.DefaultBackupRetention, f.backups.lastReq.Retention)
}

func TestBackupNow_Overrides(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.gw.BackupNow(context.Background(), "/other/saves", "")
	require.NoError(t, err)
	assert.Equal(t, "/other/saves", f.backups.lastReq.Source)
	assert.Empty(t, f.backups.lastReq.Destination)

	_, err = f.gw.BackupNow(context.Background(), "/other/saves", "/other/out")
	require.NoError(t, err)
	assert.Equal(t, "/other/out", f.backups.lastReq.Destination)
}

func TestBackupNow_FailurePublishesEvent(t *testing.T) {
	bus := events.New(testLogger())
	sub := bus.Subscribe(8)
	defer sub.Close()

	backups := &mockBackups{err: models.NewError(models.IoError, "backup", "source missing", nil)}
	gw := New(testLogger(), newStore(t, true), &mockAPI{}, backups, bus)

	_, err := gw.BackupNow(context.Background(), "", "")

	require.Error(t, err)
	assert.Equal(t, models.IoError, models.KindOf(err))

	evt := <-sub.C
	assert.Equal(t, events.TopicBackup, evt.Topic)
	assert.True(t, evt.Failed())
}

func TestStartAutoRestart(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.gw.StartAutoRestart(ctx, nil))
	assert.Equal(t, []string{"04:00"}, f.sched.startCfg.RestartTimes)

	err := f.gw.StartAutoRestart(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, models.ValidationError, models.KindOf(err))
	assert.Equal(t, 1, f.sched.starts)

	require.NoError(t, f.gw.StopAutoRestart())
	assert.False(t, f.gw.Status().Running)
}

func TestStartAutoRestart_ReplacesSchedule(t *testing.T) {
	f := newFixture(t, true)

	cfg := &models.ScheduleConfig{RestartTimes: []string{"06:00", "03:00", "03:00", "bad"}}
	require.NoError(t, f.gw.StartAutoRestart(context.Background(), cfg))

	assert.Equal(t, []string{"03:00", "06:00"}, f.sched.startCfg.RestartTimes)
	assert.Equal(t, []string{"03:00", "06:00"}, f.gw.Status().Schedule.RestartTimes)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t, true)

	err := f.gw.UpdateSettings(models.Connection{BaseURL: "ftp://nope"}, models.ScheduleConfig{})
	require.Error(t, err)
	assert.Equal(t, models.ValidationError, models.KindOf(err))
	assert.Equal(t, "http://10.0.0.5:8212/v1/api", f.gw.Status().BaseURL)

	require.NoError(t, f.gw.UpdateSettings(models.Connection{BaseURL: "https://pal.example:9000"}, models.ScheduleConfig{}))
	assert.Equal(t, "https://pal.example:9000/v1/api", f.gw.Status().BaseURL)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, false)

	st := f.gw.Status()

	assert.False(t, st.AllowActions)
	assert.False(t, st.Running)
	assert.Nil(t, st.Pending)
}

func TestGatewayDrivesRealScheduler(t *testing.T) {
	api := &mockAPI{}
	store := newStore(t, true)
	gw := New(testLogger(), store, api, nil, nil)
	sched := scheduler.New(testLogger(), scheduler.Deps{
		Ops:    gw,
		Config: func() models.ScheduleConfig { return store.Get().Schedule },
	})
	gw.AttachScheduler(sched)

	_, err := gw.RestartNow(context.Background(), 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		for _, c := range api.calls {
			if c == "shutdown" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
