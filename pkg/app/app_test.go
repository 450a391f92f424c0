package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcal/livelink/pkg/config"
	"github.com/qcal/livelink/pkg/connection"
	"github.com/qcal/livelink/pkg/transport"
	"github.com/qcal/livelink/pkg/transport/mqtt"
	"github.com/qcal/livelink/pkg/transport/nats"
	"github.com/qcal/livelink/pkg/transport/redis"
	"github.com/qcal/livelink/pkg/transport/ws"
	"github.com/qcal/livelink/pkg/watcher"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	return cfg
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		kind string
		want any
	}{
		{config.KindMQTT, &mqtt.Transport{}},
		{config.KindWS, &ws.Transport{}},
		{config.KindNATS, &nats.Transport{}},
		{config.KindRedis, &redis.Transport{}},
	}
	for _, tt := range tests {
		tr, err := NewTransport(config.TransportConfig{Kind: tt.kind, URL: "x://localhost"})
		require.NoError(t, err, tt.kind)
		assert.IsType(t, tt.want, tr, tt.kind)
	}

	_, err := NewTransport(config.TransportConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := New(cfg, WithTransport(transport.NewMockTransport()))
	assert.Error(t, err)
}

func TestStartFollowsScopeAndRecordsHistory(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Session.Scope = "proj/j42/run"
	cfg.History.Driver = "sqlite"
	cfg.History.DSN = filepath.Join(t.TempDir(), "history.db")

	mock := transport.NewMockTransport()
	a, err := New(cfg, WithTransport(mock))
	require.NoError(t, err)
	require.NotNil(t, a.History)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.WaitConnected(ctx))

	subs := mock.Subscribes()
	assert.Contains(t, subs, transport.SubscribeCall{Topic: "job_status_update", QoS: 1})
	assert.Contains(t, subs, transport.SubscribeCall{Topic: "status_updates/#", QoS: 1})
	assert.Contains(t, subs, transport.SubscribeCall{Topic: "nodes_status_updates/1/j42/#", QoS: 1})

	mock.FireMessage("job_status_update", []byte(`{"id":42,"status":"Running"}`))
	mock.FireMessage("nodes_status_updates/1/j42/q0", []byte(`{"node":"q0","status":"ok"}`))

	latest, ok := a.Session.Latest()
	require.True(t, ok)
	assert.Equal(t, "nodes_status_updates/1/j42/q0", latest.Topic)

	// Close flushes the recorder before the store is closed, so reopen it.
	require.NoError(t, a.Close())
	assert.Equal(t, connection.StateIdle, a.Conn.State())
	assert.Positive(t, mock.Closes())

	reopened, err := New(cfg, WithTransport(transport.NewMockTransport()))
	require.NoError(t, err)
	defer reopened.Close()
	recs, err := reopened.History.Job(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Running", recs[0].Status)
}

func TestPollerMergesIntoSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"isOk":true,"result":{"status":"Queued"}}`))
	}))
	defer srv.Close()

	cfg := defaultConfig(t)
	cfg.Session.Scope = "proj/j7"
	cfg.API.BaseURL = srv.URL
	cfg.API.Interval = time.Hour

	a, err := New(cfg, WithTransport(transport.NewMockTransport()))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		latest, ok := a.Session.Latest()
		return ok && assert.ObjectsAreEqual(map[string]any{"status": "Queued"}, latest.Data)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplySwitchesScope(t *testing.T) {
	cfg := defaultConfig(t)
	mock := transport.NewMockTransport()
	a, err := New(cfg, WithTransport(mock))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.WaitConnected(ctx))

	updated := *cfg
	updated.Session.Scope = "proj/j9"
	a.Apply(&updated, &watcher.ChangeAnalysis{Scope: true})

	assert.Equal(t, "proj/j9", a.Session.Scope())
	assert.Contains(t, mock.Subscribes(), transport.SubscribeCall{Topic: "nodes_status_updates/1/j9/#", QoS: 1})
}
