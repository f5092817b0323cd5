package palapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/palwarden/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return jsonResponse(http.StatusOK, "{}"), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConn() models.Connection {
	return models.Connection{
		BaseURL:  "http://127.0.0.1:8212/v1/api",
		Password: "secret",
		Timeout:  time.Second,
	}
}

func TestInfo_Success(t *testing.T) {
	var captured *http.Request
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			captured = req
			return jsonResponse(http.StatusOK,
				`{"version":"v0.3.1","servername":"Pal Island","description":"coop","worldguid":"ABC"}`), nil
		},
	}

	svc := NewWithClient(testLogger(), client)
	info, err := svc.Info(context.Background(), testConn())

	require.NoError(t, err)
	assert.Equal(t, "v0.3.1", info.Version)
	assert.Equal(t, "Pal Island", info.ServerName)
	assert.Equal(t, "ABC", info.WorldGUID)

	assert.Equal(t, http.MethodGet, captured.Method)
	assert.Equal(t, "http://127.0.0.1:8212/v1/api/info", captured.URL.String())
	user, pass, ok := captured.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)
}

func TestPlayers_MapsFields(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"players":[
				{"name":"Gabe","accountName":"gaben","playerId":"P1","userId":"steam_76561197960287930","ip":"10.0.0.2","ping":41.5,"level":12},
				{"name":"Xbox","accountName":"xb","playerId":"P2","userId":"gdk_123","ip":"10.0.0.3","ping":80,"level":3}
			]}`), nil
		},
	}

	svc := NewWithClient(testLogger(), client)
	players, err := svc.Players(context.Background(), testConn())

	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, "P1", players[0].ID)
	assert.Equal(t, "steam_76561197960287930", players[0].UserID)
	assert.Equal(t, "76561197960287930", players[0].SteamID)
	assert.Equal(t, 12, players[0].Level)
	assert.InDelta(t, 41.5, players[0].Ping, 0.001)
	assert.Empty(t, players[1].SteamID)
}

func TestMetrics_ConvertsUptime(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK,
				`{"serverfps":58,"currentplayernum":3,"serverframetime":16.7,"maxplayernum":32,"uptime":3600,"days":4}`), nil
		},
	}

	svc := NewWithClient(testLogger(), client)
	m, err := svc.Metrics(context.Background(), testConn())

	require.NoError(t, err)
	assert.Equal(t, 58, m.ServerFPS)
	assert.Equal(t, 3, m.CurrentPlayers)
	assert.Equal(t, 32, m.MaxPlayers)
	assert.Equal(t, time.Hour, m.Uptime)
	assert.Equal(t, 4, m.Days)
}

func TestSettings_FreeForm(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"Difficulty":"None","ExpRate":1.5}`), nil
		},
	}

	svc := NewWithClient(testLogger(), client)
	settings, err := svc.Settings(context.Background(), testConn())

	require.NoError(t, err)
	assert.Equal(t, "None", settings["Difficulty"])
	assert.InDelta(t, 1.5, settings["ExpRate"], 0.001)
}

func TestPostBodies(t *testing.T) {
	tests := []struct {
		name     string
		call     func(svc *Impl) error
		endpoint string
		body     string
	}{
		{
			name:     "announce",
			call:     func(svc *Impl) error { return svc.Announce(context.Background(), testConn(), "hello") },
			endpoint: "announce",
			body:     `{"message":"hello"}`,
		},
		{
			name:     "save has empty body",
			call:     func(svc *Impl) error { return svc.Save(context.Background(), testConn()) },
			endpoint: "save",
			body:     "",
		},
		{
			name:     "kick",
			call:     func(svc *Impl) error { return svc.Kick(context.Background(), testConn(), "steam_1", "afk") },
			endpoint: "kick",
			body:     `{"userid":"steam_1","message":"afk"}`,
		},
		{
			name:     "ban",
			call:     func(svc *Impl) error { return svc.Ban(context.Background(), testConn(), "steam_1", "grief") },
			endpoint: "ban",
			body:     `{"userid":"steam_1","message":"grief"}`,
		},
		{
			name:     "unban",
			call:     func(svc *Impl) error { return svc.Unban(context.Background(), testConn(), "steam_1") },
			endpoint: "unban",
			body:     `{"userid":"steam_1"}`,
		},
		{
			name: "shutdown",
			call: func(svc *Impl) error {
				return svc.Shutdown(context.Background(), testConn(), 30, "bye")
			},
			endpoint: "shutdown",
			body:     `{"waittime":30,"message":"bye"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured *http.Request
			var body string
			client := &mockHTTPClient{
				doFunc: func(req *http.Request) (*http.Response, error) {
					captured = req
					if req.Body != nil {
						data, _ := io.ReadAll(req.Body)
						body = string(data)
					}
					return jsonResponse(http.StatusOK, ""), nil
				},
			}

			err := tt.call(NewWithClient(testLogger(), client))

			require.NoError(t, err)
			assert.Equal(t, http.MethodPost, captured.Method)
			assert.True(t, strings.HasSuffix(captured.URL.Path, "/v1/api/"+tt.endpoint))
			assert.Equal(t, "text/plain", captured.Header.Get("Content-Type"))
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestNon200_IsAuthError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		client := &mockHTTPClient{
			doFunc: func(_ *http.Request) (*http.Response, error) {
				return jsonResponse(status, ""), nil
			},
		}

		err := NewWithClient(testLogger(), client).Save(context.Background(), testConn())

		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.AuthError), "status %d", status)
		assert.Contains(t, err.Error(), "HTTP")
	}
}

func TestTransportFailure_IsConnectionError(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}

	_, err := NewWithClient(testLogger(), client).Info(context.Background(), testConn())

	require.Error(t, err)
	assert.Equal(t, models.ConnectionError, models.KindOf(err))
}

func TestTimeout_IsConnectionError(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		},
	}

	conn := testConn()
	conn.Timeout = 20 * time.Millisecond

	err := NewWithClient(testLogger(), client).Announce(context.Background(), conn, "hi")

	require.Error(t, err)
	assert.Equal(t, models.ConnectionError, models.KindOf(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestMalformedJSON(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, "not json"), nil
		},
	}

	_, err := NewWithClient(testLogger(), client).Players(context.Background(), testConn())

	require.Error(t, err)
	assert.Equal(t, models.ConnectionError, models.KindOf(err))
}

func TestNoConnection(t *testing.T) {
	called := false
	client := &mockHTTPClient{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			called = true
			return jsonResponse(http.StatusOK, "{}"), nil
		},
	}

	err := NewWithClient(testLogger(), client).Save(context.Background(), models.Connection{})

	require.Error(t, err)
	assert.Equal(t, models.ValidationError, models.KindOf(err))
	assert.False(t, called)
}

func TestParseSteamID(t *testing.T) {
	assert.Equal(t, "76561197960287930", ParseSteamID("steam_76561197960287930"))
	assert.Empty(t, ParseSteamID("gdk_2535412345"))
	assert.Empty(t, ParseSteamID("steam_notanumber"))
	assert.Empty(t, ParseSteamID(""))
}
