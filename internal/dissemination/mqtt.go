package dissemination

import (
	"fmt"
	"log"
	"time"

	"EchoTrace/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTTransport publishes and receives events on an MQTT topic at QoS 0.
type MQTTTransport struct {
	client mqtt.Client
	topic  string
}

// NewMQTTTransport connects to the broker in cfg.
func NewMQTTTransport(cfg config.MQTTConfig) (*MQTTTransport, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Println("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Println("Connected to MQTT broker:", cfg.Broker)

	return &MQTTTransport{client: client, topic: cfg.Topic}, nil
}

// Publish sends one encoded event without waiting for delivery.
func (t *MQTTTransport) Publish(data []byte) error {
	token := t.client.Publish(t.topic, 0, false, data)
	if token.Error() != nil {
		return fmt.Errorf("failed to publish signature: %w", token.Error())
	}
	return nil
}

// Subscribe delivers every message on the topic to handler.
func (t *MQTTTransport) Subscribe(handler Handler) error {
	token := t.client.Subscribe(t.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.topic, token.Error())
	}
	log.Printf("Subscribed to MQTT topic: %s", t.topic)
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	log.Println("MQTT client disconnected")
	return nil
}
