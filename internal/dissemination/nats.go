package dissemination

import (
	"log"

	"EchoTrace/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSTransport publishes and receives events on a NATS subject.
type NATSTransport struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewNATSTransport connects to the NATS server in cfg.
func NewNATSTransport(cfg config.NATSConfig) (*NATSTransport, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("echotrace"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &NATSTransport{nc: nc, subject: cfg.Subject}, nil
}

// Publish sends one encoded event to the configured subject.
func (t *NATSTransport) Publish(data []byte) error {
	return t.nc.Publish(t.subject, data)
}

// Subscribe delivers every message on the subject to handler.
func (t *NATSTransport) Subscribe(handler Handler) error {
	sub, err := t.nc.Subscribe(t.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return err
	}
	t.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for signatures...", t.subject)
	return nil
}

// Close unsubscribes, drains and closes the NATS connection.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	if t.nc != nil {
		if err := t.nc.Drain(); err != nil {
			t.nc.Close()
			return err
		}
		log.Println("NATS connection drained and closed.")
	}
	return nil
}
