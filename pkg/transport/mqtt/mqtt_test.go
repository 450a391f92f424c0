package mqtt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcal/livelink/pkg/transport"
)

func TestNewAppliesDefaults(t *testing.T) {
	tr := New(Config{URL: "tcp://localhost:1883"})

	assert.True(t, strings.HasPrefix(tr.cfg.ClientID, "livelink-"))
	assert.Equal(t, defaultConnectTimeout, tr.cfg.ConnectTimeout)
	assert.Equal(t, defaultKeepAlive, tr.cfg.KeepAlive)

	fixed := New(Config{URL: "tcp://localhost:1883", ClientID: "console-1"})
	assert.Equal(t, "console-1", fixed.cfg.ClientID)
}

func TestClientOptions(t *testing.T) {
	tr := New(Config{
		URL:           "wss://broker.example:8884/mqtt",
		ClientID:      "console-1",
		Username:      "user",
		Password:      "secret",
		AutoReconnect: true,
	})

	opts := tr.clientOptions()
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "wss", opts.Servers[0].Scheme)
	assert.Equal(t, "console-1", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.Order)
}

func TestOperationsRequireConnection(t *testing.T) {
	tr := New(Config{URL: "tcp://localhost:1883"})

	assert.ErrorIs(t, tr.Subscribe("a/#", 0), transport.ErrNotConnected)
	assert.ErrorIs(t, tr.Unsubscribe("a/#"), transport.ErrNotConnected)
	assert.ErrorIs(t, tr.Publish("a", 0, []byte("x")), transport.ErrNotConnected)
	assert.NoError(t, tr.Unsubscribe())
	assert.NoError(t, tr.Close())
}

func TestConnectFailsWithoutBroker(t *testing.T) {
	tr := New(Config{URL: "tcp://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})

	opened := false
	tr.SetListener(transport.Listener{OnOpen: func() { opened = true }})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Connect(ctx)
	assert.Error(t, err)
	assert.False(t, opened)
}
