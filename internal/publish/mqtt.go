package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Retained    bool
}

// MQTTPublisher publishes each PV update to <prefix>/<pv>.
type MQTTPublisher struct {
	client   mqtt.Client
	prefix   string
	qos      byte
	retained bool
	logger   *zap.Logger
}

func NewMQTTPublisher(opts MQTTOptions, logger *zap.Logger) (*MQTTPublisher, error) {
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(func(client mqtt.Client) {
			logger.Info("MQTT connected", zap.String("broker", opts.Broker))
		}).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("broker", opts.Broker), zap.Error(err))
		})

	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s failed: %w", opts.Broker, token.Error())
	}

	return newMQTTPublisher(client, opts, logger), nil
}

func newMQTTPublisher(client mqtt.Client, opts MQTTOptions, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client:   client,
		prefix:   strings.TrimSuffix(opts.TopicPrefix, "/"),
		qos:      opts.QoS,
		retained: opts.Retained,
		logger:   logger,
	}
}

func (m *MQTTPublisher) Name() string { return "mqtt" }

func (m *MQTTPublisher) Topic(pv string) string {
	if m.prefix == "" {
		return pv
	}
	return m.prefix + "/" + pv
}

func (m *MQTTPublisher) Publish(ctx context.Context, ev record.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	token := m.client.Publish(m.Topic(ev.Name), m.qos, m.retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", ev.Name, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", ev.Name, err)
	}
	return nil
}

func (m *MQTTPublisher) Close() error {
	m.client.Disconnect(250)
	return nil
}
