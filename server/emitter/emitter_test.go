package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/san-kum/emergency-monitor/server/alerts"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/segmentio/kafka-go"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeBroker struct {
	messages []published
	err      error
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.messages = append(b.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: b.err}
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func batch() []models.Alert {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []models.Alert{
		{Type: models.AlertCritical, Message: "Low SpO2", Value: 85.0, CapturedAt: at},
		{Type: models.AlertWarning, Message: "Fever", Value: 39.1, CapturedAt: at},
	}
}

func TestMQTTSinkRoutesByAlertType(t *testing.T) {
	broker := &fakeBroker{}
	sink := NewMQTTSink(MQTTConfig{Source: "unit-1", QoSCritical: 1}, nil)
	sink.pub = broker
	sink.connected = true

	if err := sink.Publish(context.Background(), batch()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(broker.messages) != 2 {
		t.Fatalf("messages = %d", len(broker.messages))
	}
	if broker.messages[0].topic != "emergency/alerts/critical" || broker.messages[0].qos != 1 {
		t.Fatalf("critical routed to %s qos %d", broker.messages[0].topic, broker.messages[0].qos)
	}
	if broker.messages[1].topic != "emergency/alerts/warning" || broker.messages[1].qos != 0 {
		t.Fatalf("warning routed to %s qos %d", broker.messages[1].topic, broker.messages[1].qos)
	}

	var envelope Envelope
	if err := json.Unmarshal(broker.messages[0].payload, &envelope); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if envelope.Source != "unit-1" || envelope.Alert.Message != "Low SpO2" || envelope.Color != models.AlertColor(models.AlertCritical) {
		t.Fatalf("envelope = %+v", envelope)
	}
	if stats := sink.Stats(); stats.Published["emergency/alerts/critical"] != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMQTTSinkNotConnected(t *testing.T) {
	sink := NewMQTTSink(MQTTConfig{}, nil)
	if err := sink.Publish(context.Background(), batch()); err == nil {
		t.Fatalf("expected error while disconnected")
	}
	if sink.Stats().Errors != 1 {
		t.Fatalf("error not counted")
	}
}

func TestKafkaSinkKeysByType(t *testing.T) {
	writer := &fakeWriter{}
	sink := newKafkaSink(KafkaConfig{Topic: "alerts", Source: "unit-1"}, writer, nil)

	if err := sink.Publish(context.Background(), batch()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sink.Publish(context.Background(), nil); err != nil {
		t.Fatalf("empty publish: %v", err)
	}
	if len(writer.messages) != 2 {
		t.Fatalf("messages = %d", len(writer.messages))
	}
	if string(writer.messages[0].Key) != "critical" || string(writer.messages[1].Key) != "warning" {
		t.Fatalf("keys = %s, %s", writer.messages[0].Key, writer.messages[1].Key)
	}
	if !strings.Contains(string(writer.messages[1].Value), `"Fever"`) {
		t.Fatalf("value = %s", writer.messages[1].Value)
	}
	if sink.Stats().Published["alerts"] != 2 {
		t.Fatalf("stats = %+v", sink.Stats())
	}

	sink.Close()
	if !writer.closed {
		t.Fatalf("writer not closed")
	}
}

func TestNewKafkaSinkValidates(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "alerts"}, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	good := &fakeWriter{}
	bad := &fakeWriter{err: errors.New("leader not available")}
	multi := Multi{
		newKafkaSink(KafkaConfig{Topic: "a"}, good, nil),
		newKafkaSink(KafkaConfig{Topic: "b"}, bad, nil),
	}
	var _ alerts.Sink = multi

	err := multi.Publish(context.Background(), batch())
	if err == nil || !strings.Contains(err.Error(), "leader not available") {
		t.Fatalf("err = %v", err)
	}
	if len(good.messages) != 2 {
		t.Fatalf("healthy sink skipped after sibling failure")
	}
	if err := multi.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
