// Package emitter publishes telemetry to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
)

// ErrNotConnected is returned when publishing before Connect succeeded.
var ErrNotConnected = errors.New("mqtt not connected")

// Config selects the broker and topics.
type Config struct {
	Broker      string // host:port or a full tcp:// / ssl:// / ws:// URL
	ClientID    string
	TopicPrefix string
	Interval    time.Duration
	QoS         byte
}

// client is the subset of mqtt.Client the emitter uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// SnapshotSource provides the telemetry to publish.
type SnapshotSource interface {
	Read() telemetry.Snapshot
}

// MQTTEmitter publishes the telemetry snapshot to <prefix>/telemetry on a
// fixed interval and model events to <prefix>/events.
type MQTTEmitter struct {
	cfg     Config
	source  SnapshotSource
	metrics *metrics.Metrics

	newClient func(*mqtt.ClientOptions) client

	mu        sync.RWMutex
	client    client
	connected bool
}

// NewMQTTEmitter creates an emitter. m may be nil.
func NewMQTTEmitter(cfg Config, source SnapshotSource, m *metrics.Metrics) *MQTTEmitter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "edge-vision"
	}
	if m == nil {
		m = metrics.New()
	}
	return &MQTTEmitter{
		cfg:     cfg,
		source:  source,
		metrics: m,
		newClient: func(opts *mqtt.ClientOptions) client {
			return mqtt.NewClient(opts)
		},
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warn("MQTT", "Connection to %s lost, reconnecting: %v", e.cfg.Broker, err)
	}

	c := e.newClient(opts)
	e.mu.Lock()
	e.client = c
	e.mu.Unlock()

	logger.Info("MQTT", "Connecting to %s", e.cfg.Broker)
	token := c.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run publishes the telemetry snapshot every interval until ctx ends.
func (e *MQTTEmitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PublishTelemetry(e.source.Read()); err != nil {
				failures++
				if failures == 1 || failures%60 == 0 {
					logger.Warn("MQTT", "Telemetry publish failed (%d so far): %v", failures, err)
				}
			}
		}
	}
}

type telemetryMessage struct {
	telemetry.Snapshot
	Timestamp float64 `json:"timestamp"`
}

// PublishTelemetry publishes one snapshot.
func (e *MQTTEmitter) PublishTelemetry(snap telemetry.Snapshot) error {
	payload, err := json.Marshal(telemetryMessage{
		Snapshot:  snap,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}
	return e.publish(e.cfg.TopicPrefix+"/telemetry", payload)
}

// PublishEvent publishes a named event such as a model swap outcome.
func (e *MQTTEmitter) PublishEvent(kind string, fields map[string]any) error {
	msg := map[string]any{"event": kind, "timestamp": float64(time.Now().UnixNano()) / 1e9}
	for k, v := range fields {
		msg[k] = v
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.publish(e.cfg.TopicPrefix+"/events", payload)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	e.mu.RLock()
	c, connected := e.client, e.connected
	e.mu.RUnlock()

	if c == nil || !connected {
		e.metrics.TelemetryErrors.Add(1)
		return ErrNotConnected
	}

	token := c.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.metrics.TelemetryErrors.Add(1)
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.metrics.TelemetryErrors.Add(1)
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	e.metrics.TelemetryPublished.Add(1)
	logger.Debug("MQTT", "Published %d bytes to %s", len(payload), topic)
	return nil
}

// Connected reports the last known connection state.
func (e *MQTTEmitter) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	e.mu.Lock()
	c := e.client
	e.connected = false
	e.mu.Unlock()

	if c != nil && c.IsConnected() {
		c.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}
