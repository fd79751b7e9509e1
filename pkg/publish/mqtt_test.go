package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }

// WaitTimeout never completes a timed out token early.
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	if t.timeout {
		time.Sleep(d)
		return false
	}
	return true
}
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	err          error
	timeout      bool
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, payload: string(payload.([]byte)), retained: retained})
	return &fakeToken{err: c.err, timeout: c.timeout}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func (c *fakeClient) byTopic() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for _, m := range c.messages {
		out[m.topic] = m.payload
	}
	return out
}

func TestPublishNodeValues(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{}
	m := newMQTT(fc, Config{Prefix: "home/energy/"})

	reg := registry.New(storage.NewMemory())
	reg.Observe(m)

	node, err := reg.AddNode(ctx, types.NodeInfo{
		Address: "1001",
		Name:    "Main",
		Kind:    types.NodeKindDevice,
		GID:     1001,
		Drivers: map[types.Driver]float64{types.DriverStatus: 0},
	})
	require.NoError(t, err)
	require.NoError(t, node.UpdateCurrent(ctx, 7.2))

	assert.Eventually(t, func() bool {
		return len(fc.sent()) == 3
	}, time.Second, 5*time.Millisecond)
	topics := fc.byTopic()
	assert.Contains(t, topics["home/energy/1001/info"], `"address":"1001"`)
	assert.Equal(t, "0", topics["home/energy/1001/ST"])
	assert.Equal(t, "7.2", topics["home/energy/1001/CPW"])
	for _, msg := range fc.sent() {
		assert.True(t, msg.retained, msg.topic)
	}

	t.Run("Removed", func(t *testing.T) {
		require.NoError(t, reg.RemoveNode(ctx, "1001"))
		m.Close()
		topics := fc.byTopic()
		assert.Empty(t, topics["home/energy/1001/info"])
		assert.Empty(t, topics["home/energy/1001/ST"])
		assert.Empty(t, topics["home/energy/1001/CPW"])
		assert.Len(t, fc.sent(), 6)
		assert.True(t, fc.disconnected)
	})
}

func TestPublishFailures(t *testing.T) {
	fc := &fakeClient{err: errors.New("not connected")}
	m := newMQTT(fc, Config{})
	assert.EqualError(t, m.send("emporiasync/1001/ST", []byte("1")), "not connected")
	m.Close()

	fc = &fakeClient{timeout: true}
	m = newMQTT(fc, Config{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, m.send("emporiasync/1001/ST", []byte("1")), ErrPublishTimeout)

	// failures are logged, never returned to the registry
	m.OnDriverChanged(context.Background(), types.NodeInfo{Address: "1001"}, types.DriverStatus, 1)
	m.Close()
	assert.Len(t, fc.sent(), 2)

	// closed publishers ignore new values
	m.OnDriverChanged(context.Background(), types.NodeInfo{Address: "1001"}, types.DriverStatus, 0)
	assert.Len(t, fc.sent(), 2)
}

func TestPublishUnresponsiveBroker(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{timeout: true}
	m := newMQTT(fc, Config{Timeout: 200 * time.Millisecond, QueueSize: 2})

	reg := registry.New(storage.NewMemory())
	reg.Observe(m)
	node, err := reg.AddNode(ctx, types.NodeInfo{Address: "1001_2", Kind: types.NodeKindChannel})
	require.NoError(t, err)

	start := time.Now()
	for i := 1; i <= 10; i++ {
		require.NoError(t, node.UpdateCurrent(ctx, float64(i)))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Positive(t, m.Dropped())
	assert.Equal(t, 10.0, node.Info().Drivers[types.DriverPower])

	m.Close()
	assert.True(t, fc.disconnected)
}

func TestDisabled(t *testing.T) {
	var m MQTT
	assert.False(t, m.Enabled())
	m.OnNodeAdded(context.Background(), types.NodeInfo{Address: "1001"})
	m.OnDriverChanged(context.Background(), types.NodeInfo{Address: "1001"}, types.DriverStatus, 1)
	m.OnNodeRemoved(context.Background(), types.NodeInfo{Address: "1001"})
	m.Close()
}

func TestDialRequiresBroker(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
}
