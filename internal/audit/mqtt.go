package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultMQTTTopic is where security events are published for the agent mesh.
const DefaultMQTTTopic = "clawguard/security/events"

// ErrMQTTNotConnected is returned when publishing before Connect succeeds.
var ErrMQTTNotConnected = errors.New("audit: mqtt not connected")

// MQTTConfig configures the MQTT sink. Password is plaintext here; the config
// layer decrypts it just before constructing the sink.
type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	Topic    string
}

// MQTTSink publishes each event as JSON to a broker topic so other nodes in
// the mesh can react to lockouts and blocks.
type MQTTSink struct {
	cfg           MQTTConfig
	client        MQTTClient
	logger        *slog.Logger
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTSink creates an unconnected sink.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	return NewMQTTSinkWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &pahoClient{client: mqtt.NewClient(opts)}
	})
}

// NewMQTTSinkWithClient creates a sink with a custom client factory.
func NewMQTTSinkWithClient(cfg MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("clawguard-%d", time.Now().Unix())
	}
	return &MQTTSink{
		cfg:           cfg,
		logger:        logger.With("sink", "mqtt"),
		clientFactory: factory,
	}
}

// Connect dials the broker.
func (m *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.cfg.Broker, m.cfg.Port))
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.logger.Info("mqtt connected", "broker", m.cfg.Broker, "topic", m.cfg.Topic)
	})

	m.client = m.clientFactory(opts)
	token := m.client.Connect()

	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("audit: mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("audit: mqtt connect: %w", err)
	}
	return nil
}

// Record publishes ev at QoS 1.
func (m *MQTTSink) Record(_ context.Context, ev Event) error {
	if m.client == nil || !m.client.IsConnected() {
		return ErrMQTTNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	token := m.client.Publish(m.cfg.Topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("audit: mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("audit: mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
