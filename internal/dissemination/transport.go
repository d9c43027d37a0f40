package dissemination

import (
	"fmt"

	"EchoTrace/internal/config"
)

// Handler receives one encoded event from a transport.
type Handler func(data []byte)

// Transport carries encoded events between nodes.
type Transport interface {
	Publish(data []byte) error
	Subscribe(handler Handler) error
	Close() error
}

// NewTransport connects the transport selected by cfg. It returns nil for
// transport "none".
func NewTransport(cfg config.DisseminationConfig) (Transport, error) {
	switch cfg.Transport {
	case "", "none":
		return nil, nil
	case "nats":
		return NewNATSTransport(cfg.NATS)
	case "mqtt":
		return NewMQTTTransport(cfg.MQTT)
	default:
		return nil, fmt.Errorf("unknown transport: '%s'", cfg.Transport)
	}
}
