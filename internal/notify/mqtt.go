package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTProvider publishes doorbell alerts to per-device topics on a shared
// broker. Owner apps keep a subscription to their topic; the broker handles
// the actual wake-up. Target.Endpoint is the topic.
type MQTTProvider struct {
	client         mqtt.Client
	publishTimeout time.Duration
}

// MQTTConfig controls the broker connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	PublishTimeout time.Duration
}

// NewMQTTProvider builds the provider and connects. QoS 1 on publish: the
// broker must see each alert at least once; duplicates are fine, the owner
// app reconciles against the session anyway.
func NewMQTTProvider(cfg MQTTConfig) (*MQTTProvider, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	// Unique client id so multiple API instances can share one broker.
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &MQTTProvider{client: client, publishTimeout: cfg.PublishTimeout}, nil
}

func (p *MQTTProvider) Name() string { return "mqtt" }

func (p *MQTTProvider) Deliver(ctx context.Context, target PushTarget, alert Alert) (DeliveryStatus, error) {
	if target.Endpoint == "" {
		// Malformed registration; nothing will ever be deliverable to it.
		return DeliveryGone, fmt.Errorf("mqtt target %s has no topic", target.ID)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return DeliveryTransient, fmt.Errorf("encode alert: %w", err)
	}

	if !p.client.IsConnected() {
		return DeliveryTransient, fmt.Errorf("mqtt client not connected")
	}

	token := p.client.Publish(target.Endpoint, 1, false, payload)
	if !token.WaitTimeout(p.publishTimeout) {
		return DeliveryTransient, fmt.Errorf("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return DeliveryTransient, fmt.Errorf("mqtt publish: %w", err)
	}
	return DeliveryOk, nil
}

// Close disconnects from the broker, allowing in-flight publishes to drain.
func (p *MQTTProvider) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
