package accessory

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// Publisher is the MQTT surface the bridge uses.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// RealPublisher talks to an actual MQTT broker. Subscriptions are restored
// after every reconnect.
type RealPublisher struct {
	client            paho.Client
	availabilityTopic string

	mu   sync.Mutex
	subs map[string]Handler
}

// NewRealPublisher connects to broker. The broker publishes "offline" on
// availabilityTopic if the bridge drops off; "online" is published on every
// connect.
func NewRealPublisher(broker, clientID, availabilityTopic string) (*RealPublisher, error) {
	p := &RealPublisher{
		availabilityTopic: availabilityTopic,
		subs:              map[string]Handler{},
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availabilityTopic, availabilityOffline, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	log.Info().Str("broker", broker).Str("client_id", clientID).Msg("Connected to MQTT broker")
	return p, nil
}

func (p *RealPublisher) onConnect(client paho.Client) {
	client.Publish(p.availabilityTopic, 1, true, availabilityOnline)

	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, handler := range p.subs {
		client.Subscribe(topic, 1, wrap(handler))
	}
}

// Publish sends payload with QoS 1.
func (p *RealPublisher) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *RealPublisher) Subscribe(topic string, handler Handler) error {
	p.mu.Lock()
	p.subs[topic] = handler
	p.mu.Unlock()

	token := p.client.Subscribe(topic, 1, wrap(handler))
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Close marks the bridge offline and disconnects from the broker.
func (p *RealPublisher) Close() error {
	token := p.client.Publish(p.availabilityTopic, 1, true, availabilityOffline)
	token.WaitTimeout(time.Second)
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

func wrap(handler Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
