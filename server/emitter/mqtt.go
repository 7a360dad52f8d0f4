package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/san-kum/emergency-monitor/server/models"
	"go.uber.org/zap"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Source      string
	QoSCritical byte
	QoSWarning  byte
	PublishWait time.Duration
	ConnectWait time.Duration
	Username    string
	Password    string
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each alert to <prefix>/<alert type>.
type MQTTSink struct {
	config MQTTConfig
	logger *zap.Logger
	client mqtt.Client
	pub    mqttPublisher

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewMQTTSink(config MQTTConfig, logger *zap.Logger) *MQTTSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "emergency/alerts"
	}
	if config.PublishWait <= 0 {
		config.PublishWait = 2 * time.Second
	}
	if config.ConnectWait <= 0 {
		config.ConnectWait = 5 * time.Second
	}
	return &MQTTSink{
		config:    config,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect dials the broker. The client reconnects on its own afterwards.
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("MQTT connection established",
			zap.String("broker", s.config.Broker),
			zap.String("client_id", s.config.ClientID))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("MQTT connection lost, will auto-reconnect",
			zap.String("broker", s.config.Broker),
			zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.pub = client
	s.mu.Unlock()
	s.logger.Info("Connecting to MQTT broker", zap.String("broker", s.config.Broker))

	// With connect retry on, a timeout here leaves the client dialing in
	// the background; OnConnect flips the sink to connected.
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(s.config.ConnectWait):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	s.setConnected(true)
	return nil
}

func (s *MQTTSink) Publish(ctx context.Context, batch []models.Alert) error {
	s.mu.RLock()
	pub := s.pub
	connected := s.connected
	s.mu.RUnlock()

	if pub == nil || !connected {
		s.countError()
		return fmt.Errorf("mqtt not connected")
	}

	now := time.Now()
	for _, alert := range batch {
		payload, err := encode(s.config.Source, alert, now)
		if err != nil {
			s.countError()
			return fmt.Errorf("failed to marshal alert: %w", err)
		}

		topic := fmt.Sprintf("%s/%s", s.config.TopicPrefix, alert.Type)
		qos := s.config.QoSWarning
		if alert.Type == models.AlertCritical {
			qos = s.config.QoSCritical
		}

		token := pub.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(s.config.PublishWait) {
			s.countError()
			return fmt.Errorf("publish timeout on %s", topic)
		}
		if err := token.Error(); err != nil {
			s.countError()
			return fmt.Errorf("publish failed: %w", err)
		}

		s.mu.Lock()
		s.published[topic]++
		s.mu.Unlock()
		s.logger.Debug("Alert published", zap.String("topic", topic), zap.Int("size", len(payload)))
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.mu.Lock()
	client := s.client
	s.connected = false
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		s.logger.Info("MQTT disconnected")
	}
	return nil
}

func (s *MQTTSink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return Stats{Connected: s.connected, Published: published, Errors: s.errors}
}

func (s *MQTTSink) setConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
