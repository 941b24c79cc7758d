package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guard.
var _ Transport = (*MQTT)(nil)

// MQTTConfig holds MQTT bridge configuration.
type MQTTConfig struct {
	BrokerURL   string        `mapstructure:"broker_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// SendRate caps outbound envelopes per second (mesh airtime budget);
	// SendBurst allows short bursts above it.
	SendRate  float64 `mapstructure:"send_rate"`
	SendBurst int     `mapstructure:"send_burst"`
}

// DefaultMQTTConfig returns sensible bridge defaults.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		BrokerURL:   "tcp://localhost:1883",
		ClientID:    "meshboard",
		TopicPrefix: "meshboard",
		QoS:         1,
		Timeout:     10 * time.Second,
		SendRate:    1.0,
		SendBurst:   5,
	}
}

// MQTT bridges the core to a mesh-radio gateway over an MQTT broker.
// Outbound envelopes publish to <prefix>/tx/<channel>; inbound arrive on
// <prefix>/rx/#. Envelopes cross the wire as JSON.
type MQTT struct {
	cfg     MQTTConfig
	client  pahomqtt.Client
	limiter *rate.Limiter
	bus     *event.Bus
	logger  *zap.Logger

	mu          sync.RWMutex
	onMessage   MessageFunc
	lastInbound time.Time
}

// NewMQTT creates the bridge and connects in the background. Connection
// loss is handled by paho's auto-reconnect; the core observes it only
// through Status and transport.status events.
func NewMQTT(cfg MQTTConfig, bus *event.Bus, logger *zap.Logger) (*MQTT, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt transport requires broker_url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMQTTConfig().Timeout
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultMQTTConfig().SendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = DefaultMQTTConfig().SendBurst
	}

	t := &MQTT{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		bus:     bus,
		logger:  logger,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	t.client = pahomqtt.NewClient(opts)
	token := t.client.Connect()

	switch {
	case !token.WaitTimeout(cfg.Timeout):
		logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		logger.Info("mqtt connected to broker", zap.String("broker_url", cfg.BrokerURL))
	}

	return t, nil
}

// Send implements Transport. Blocks on the airtime limiter, then publishes;
// the broker (and the radio gateway behind it) own delivery retries.
func (t *MQTT) Send(ctx context.Context, env plugin.Envelope) error {
	if err := ValidateEnvelope(env); err != nil {
		return err
	}
	stamp(&env, uuid.NewString)

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}

	if !t.client.IsConnected() {
		return fmt.Errorf("broker not connected: %w", plugin.ErrTransportUnavailable)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	topic := t.cfg.TopicPrefix + "/tx/" + env.Channel
	token := t.client.Publish(topic, t.cfg.QoS, false, payload)
	if !token.WaitTimeout(t.cfg.Timeout) {
		return fmt.Errorf("publish to %s timed out: %w", topic, plugin.ErrTransportUnavailable)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %v: %w", topic, token.Error(), plugin.ErrTransportUnavailable)
	}
	return nil
}

// OnMessage implements Transport.
func (t *MQTT) OnMessage(fn MessageFunc) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// Status implements Transport.
func (t *MQTT) Status() plugin.NetworkStatus {
	t.mu.RLock()
	lastInbound := t.lastInbound
	t.mu.RUnlock()

	return plugin.NetworkStatus{
		Connected:   t.client.IsConnected(),
		Kind:        "mqtt",
		Detail:      t.cfg.BrokerURL,
		LastInbound: lastInbound,
	}
}

// Close implements Transport.
func (t *MQTT) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("mqtt disconnected")
	}
	return nil
}

// onConnect subscribes to the inbound topic tree. Re-runs on every
// reconnect, so subscriptions survive broker restarts.
func (t *MQTT) onConnect(c pahomqtt.Client) {
	topic := t.cfg.TopicPrefix + "/rx/#"
	token := c.Subscribe(topic, t.cfg.QoS, t.handleInbound)
	if token.WaitTimeout(t.cfg.Timeout) && token.Error() != nil {
		t.logger.Error("mqtt subscribe failed",
			zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	t.logger.Info("mqtt subscribed", zap.String("topic", topic))
	t.publishStatus(true, "connected")
}

func (t *MQTT) onConnectionLost(_ pahomqtt.Client, err error) {
	t.logger.Warn("mqtt connection lost", zap.Error(err))
	t.publishStatus(false, err.Error())
}

func (t *MQTT) handleInbound(_ pahomqtt.Client, msg pahomqtt.Message) {
	var env plugin.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		t.logger.Warn("dropping undecodable inbound message",
			zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	stamp(&env, uuid.NewString)

	t.mu.Lock()
	t.lastInbound = time.Now()
	fn := t.onMessage
	t.mu.Unlock()

	if fn != nil {
		fn(env)
	}
}

func (t *MQTT) publishStatus(connected bool, detail string) {
	if t.bus == nil {
		return
	}
	t.bus.PublishAsync(context.Background(), event.Event{
		Topic:   event.TopicTransportStatus,
		Source:  "transport",
		Payload: event.TransportStatus{Connected: connected, Detail: detail},
	})
}
