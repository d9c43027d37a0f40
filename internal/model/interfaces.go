package model

import "context"

// Source yields batches of observed packets. Next returns io.EOF once the
// source is exhausted; any other error is fatal to the owning task.
type Source interface {
	Next(ctx context.Context) ([]PacketRow, error)
	Close() error
}

// Sink receives latency observations. Observe must not block the caller for
// long and never reports failures back to it.
type Sink interface {
	Observe(obs Observation)
}

// Notifier defines a generic interface for sending notifications.
type Notifier interface {
	Send(subject, body string) error
}
