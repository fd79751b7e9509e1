// Package publish mirrors node values to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// message in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config is the broker connection.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	Prefix   string
	QoS      byte
	Timeout  time.Duration

	// QueueSize bounds the messages waiting for the broker. Defaults to 1024.
	QueueSize int
}

// MQTT publishes every node as retained topics:
//
//	<prefix>/<address>/info      node record as JSON
//	<prefix>/<address>/<driver>  driver value
//
// Messages are queued and sent by a single worker so a slow broker never
// holds up the pollers. When the queue is full new messages are dropped.
// A zero MQTT publishes nothing.
type MQTT struct {
	client  client
	prefix  string
	qos     byte
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	queue   chan outgoing
	done    chan struct{}
	dropped atomic.Int64
}

type outgoing struct {
	logger  *slog.Logger
	topic   string
	payload []byte
}

// Dial connects to the broker. The connection is retried in the background so
// a broker that is down at startup does not stop the process.
func Dial(cfg Config) (*MQTT, error) {
	c, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return newMQTT(c, cfg), nil
}

func connect(cfg Config) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "emporiasync-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Default().Info("mqtt connected", slog.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Default().Warn("mqtt connection lost", slog.Any("error", err))
	})

	c := mqtt.NewClient(opts)
	c.Connect()
	return c, nil
}

func newMQTT(c client, cfg Config) *MQTT {
	m := &MQTT{}
	m.start(c, cfg)
	return m
}

func (m *MQTT) start(c client, cfg Config) {
	m.client = c
	m.prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if m.prefix == "" {
		m.prefix = "emporiasync"
	}
	m.qos = cfg.QoS
	m.timeout = cfg.Timeout
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	m.queue = make(chan outgoing, size)
	m.done = make(chan struct{})
	go m.run()
}

// Configured sets up the publisher based on flags. Without a broker the
// returned publisher is disabled.
func Configured() *MQTT {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables publishing)")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "", "MQTT client id (default emporiasync-<random>)")
	prefix := lflag.String("mqtt-topic-prefix", "emporiasync", "Prefix of every published topic")
	timeout := lflag.Duration("mqtt-publish-timeout", 5*time.Second, "How long to wait for the broker to acknowledge a message")

	m := &MQTT{}

	lflag.Do(func() {
		if *broker == "" {
			return
		}
		cfg := Config{
			Broker:   *broker,
			Username: *username,
			Password: *password,
			ClientID: *clientID,
			Prefix:   *prefix,
			QoS:      1,
			Timeout:  *timeout,
		}
		c, err := connect(cfg)
		if err != nil {
			panic(fmt.Sprintf("mqtt setup failed: %v", err))
		}
		m.start(c, cfg)
	})

	return m
}

// Enabled reports whether a broker is configured.
func (m *MQTT) Enabled() bool {
	return m.client != nil
}

// Topic returns the topic of a node value.
func (m *MQTT) Topic(address string, leaf string) string {
	return m.prefix + "/" + address + "/" + leaf
}

// OnNodeAdded publishes the node record and its initial values.
func (m *MQTT) OnNodeAdded(ctx context.Context, node types.NodeInfo) {
	if !m.Enabled() {
		return
	}
	b, err := json.Marshal(node)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode node", slog.String("address", node.Address), slog.Any("error", err))
		return
	}
	m.publish(ctx, m.Topic(node.Address, "info"), b)
	for driver, value := range node.Drivers {
		m.OnDriverChanged(ctx, node, driver, value)
	}
}

// OnDriverChanged publishes the new value of one driver.
func (m *MQTT) OnDriverChanged(ctx context.Context, node types.NodeInfo, driver types.Driver, value float64) {
	if !m.Enabled() {
		return
	}
	m.publish(ctx, m.Topic(node.Address, string(driver)), []byte(strconv.FormatFloat(value, 'f', -1, 64)))
}

// OnNodeRemoved clears the retained topics of the node.
func (m *MQTT) OnNodeRemoved(ctx context.Context, node types.NodeInfo) {
	if !m.Enabled() {
		return
	}
	for driver := range node.Drivers {
		m.publish(ctx, m.Topic(node.Address, string(driver)), []byte{})
	}
	m.publish(ctx, m.Topic(node.Address, "info"), []byte{})
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (m *MQTT) Dropped() int64 {
	return m.dropped.Load()
}

func (m *MQTT) publish(ctx context.Context, topic string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- outgoing{logger: log.Ctx(ctx), topic: topic, payload: payload}:
	default:
		m.dropped.Add(1)
		log.Ctx(ctx).WarnContext(ctx, "mqtt queue full, dropping message", slog.String("topic", topic))
	}
}

func (m *MQTT) run() {
	defer close(m.done)
	for msg := range m.queue {
		if err := m.send(msg.topic, msg.payload); err != nil {
			msg.logger.Warn("failed to publish", slog.String("topic", msg.topic), slog.Any("error", err))
		}
	}
}

func (m *MQTT) send(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, true, payload)
	if !token.WaitTimeout(m.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close stops accepting messages, gives the queue up to the publish timeout
// to drain and disconnects from the broker.
func (m *MQTT) Close() {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-time.After(m.timeout):
		log.Default().Warn("mqtt queue not drained before disconnect", slog.Int("pending", len(m.queue)))
	}
	m.client.Disconnect(250)
}
