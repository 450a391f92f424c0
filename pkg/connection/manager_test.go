package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcal/livelink/pkg/pubsub"
	"github.com/qcal/livelink/pkg/topic"
	"github.com/qcal/livelink/pkg/transport"
)

var staticSubs = []topic.Subscription{
	{Topic: "job_status_update/#", QoS: 1},
	{Topic: "status_updates/#", QoS: 0},
}

func newTestManager(t *testing.T, mock *transport.MockTransport, rc ReconnectConfig) (*Manager, *pubsub.Hub[pubsub.Envelope]) {
	t.Helper()
	hub := pubsub.NewHub[pubsub.Envelope]()
	m := New(mock, hub, Config{Subscriptions: staticSubs, Reconnect: rc})
	t.Cleanup(m.Destroy)
	return m, hub
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, m.State())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnectSubscribesStaticList(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)

	assert.Equal(t, []transport.SubscribeCall{
		{Topic: "job_status_update/#", QoS: 1},
		{Topic: "status_updates/#", QoS: 0},
	}, mock.Subscribes())
}

func TestConnectIsIdempotent(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 1, mock.Connects())
	assert.Equal(t, 1, mock.ListenerSets())
}

func TestOpenTwiceResubscribesIdentically(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)
	require.NoError(t, m.Subscribe("nodes_status_updates/1/j42/#", 1))

	mock.FireReconnecting()
	assert.Equal(t, StateConnecting, m.State())

	before := len(mock.Subscribes())
	mock.FireOpen()
	first := mock.Subscribes()[before:]

	before = len(mock.Subscribes())
	mock.FireOpen()
	second := mock.Subscribes()[before:]

	want := []transport.SubscribeCall{
		{Topic: "job_status_update/#", QoS: 1},
		{Topic: "status_updates/#", QoS: 0},
		{Topic: "nodes_status_updates/1/j42/#", QoS: 1},
	}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
	assert.Equal(t, StateConnected, m.State())
}

func TestSubscribeFailureDoesNotChangeState(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SubscribeErr = errors.New("not authorized")
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)

	err := m.Subscribe("nodes_status_updates/1/j1/#", 0)
	assert.Error(t, err)
	assert.Equal(t, StateConnected, m.State())
}

func TestMessageReachesHubAsEnvelope(t *testing.T) {
	mock := transport.NewMockTransport()
	m, hub := newTestManager(t, mock, ReconnectConfig{})

	var got []pubsub.Envelope
	hub.On("status_updates", func(e pubsub.Envelope) { got = append(got, e) })

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)

	mock.FireMessage("status_updates/1/abc", []byte(`{"status":"done"}`))
	mock.FireMessage("status_updates/1/abc", []byte(`not json`))
	mock.FireMessage("job_status_update", []byte(`{"status":"queued"}`))

	require.Len(t, got, 2)
	assert.Equal(t, "status_updates/1/abc", got[0].Topic)
	assert.Equal(t, "status_updates", got[0].Event)
	assert.Equal(t, map[string]any{"status": "done"}, got[0].Data)
	assert.Equal(t, "not json", got[1].Data)
	assert.Less(t, got[0].Seq, got[1].Seq)
}

func TestErrorIsTerminalWhenReconnectDisabled(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{Enabled: false})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)

	mock.FireError(errors.New("broker went away"))
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 1, mock.Closes())
	assert.Equal(t, "broker went away", m.Status().Error)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 1, mock.Connects())
}

func TestReconnectAfterError(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{
		Enabled: true,
		Initial: 5 * time.Millisecond,
		Max:     20 * time.Millisecond,
		Factor:  2,
	})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)

	mock.FireError(errors.New("connection reset"))
	waitState(t, m, StateConnected)

	assert.Equal(t, 2, mock.Connects())
	assert.Empty(t, m.Status().Error)
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.ConnectErr = errors.New("refused")
	m, _ := newTestManager(t, mock, ReconnectConfig{
		Enabled:    true,
		Initial:    time.Millisecond,
		Max:        2 * time.Millisecond,
		Factor:     2,
		MaxRetries: 3,
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return mock.Connects() == 4 }, time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, mock.Connects())
	assert.Equal(t, StateError, m.State())
}

func TestStateChangesAreObservable(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	var mu sync.Mutex
	var seen []State
	sub := m.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer sub.Close()

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)
	mock.FireError(errors.New("boom"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateError}, seen)
}

func TestDynamicSubscriptionsAreReferenceCounted(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)
	base := len(mock.Subscribes())

	require.NoError(t, m.Subscribe("nodes_status_updates/1/j7/#", 1))
	require.NoError(t, m.Subscribe("nodes_status_updates/1/j7/#", 2))
	assert.Len(t, mock.Subscribes(), base+1)

	require.NoError(t, m.Unsubscribe("nodes_status_updates/1/j7/#"))
	assert.Empty(t, mock.Unsubscribes())

	require.NoError(t, m.Unsubscribe("nodes_status_updates/1/j7/#"))
	assert.Equal(t, []string{"nodes_status_updates/1/j7/#"}, mock.Unsubscribes())
	assert.Equal(t, staticSubs, m.Topics())
}

func TestSubscribeBeforeConnectIsAppliedOnOpen(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Subscribe("nodes_status_updates/1/j9/#", 0))
	assert.Empty(t, mock.Subscribes())

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)

	assert.Contains(t, mock.Subscribes(), transport.SubscribeCall{Topic: "nodes_status_updates/1/j9/#", QoS: 0})
}

func TestSubscribeRejectsInvalidTopic(t *testing.T) {
	m, _ := newTestManager(t, transport.NewMockTransport(), ReconnectConfig{})

	assert.ErrorIs(t, m.Subscribe("", 0), topic.ErrInvalidSubscription)
	assert.ErrorIs(t, m.Subscribe("a/b", 3), topic.ErrInvalidSubscription)
}

func TestPublish(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Publish("job/cmd", 1, map[string]any{"op": "stop"}))
	require.NoError(t, m.Publish("job/raw", 0, "plain text"))

	calls := mock.Publishes()
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"op":"stop"}`, string(calls[0].Payload))
	assert.Equal(t, byte(1), calls[0].QoS)
	assert.Equal(t, "plain text", string(calls[1].Payload))

	mock.PublishErr = transport.ErrNotConnected
	err := m.Publish("job/cmd", 0, "x")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDestroy(t *testing.T) {
	mock := transport.NewMockTransport()
	m, _ := newTestManager(t, mock, ReconnectConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateConnected)
	require.NoError(t, m.Subscribe("nodes_status_updates/1/j1/#", 0))

	m.Destroy()

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []string{"job_status_update/#", "status_updates/#", "nodes_status_updates/1/j1/#"}, mock.Unsubscribes())
	assert.Equal(t, 1, mock.Closes())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDestroyed)

	// Late transport callbacks are ignored.
	mock.FireOpen()
	assert.Equal(t, StateIdle, m.State())
	m.Destroy()
	assert.Equal(t, 1, mock.Closes())
}

func TestNextBackoff(t *testing.T) {
	c := DefaultReconnectConfig()
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{time.Second, 2 * time.Second},
		{16 * time.Second, 32 * time.Second},
		{32 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := c.nextBackoff(tt.current); got != tt.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tt.current, got, tt.want)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	c := DefaultReconnectConfig()
	for i := 0; i < 200; i++ {
		d := c.jitter(10 * time.Second)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jitter(10s) = %v, outside ±20%%", d)
		}
	}
}
