package dissemination

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
)

// BridgeStats are the bridge's lifetime counters.
type BridgeStats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Echoes   uint64 `json:"echoes"`
	Errors   uint64 `json:"errors"`
}

// Bridge links a local Broadcaster with the rest of the fleet. Events
// produced on this node are forwarded to the transport; events arriving from
// other nodes are republished locally. A node never re-forwards an event it
// did not produce, and drops its own events when the transport echoes them.
type Bridge struct {
	node      string
	broadcast *Broadcaster
	transport Transport
	codec     Codec

	sent, received, echoes, errs atomic.Uint64
}

// NewBridge creates a bridge for node.
func NewBridge(node string, b *Broadcaster, t Transport, codec Codec) *Bridge {
	return &Bridge{node: node, broadcast: b, transport: t, codec: codec}
}

// Run forwards local events until ctx is cancelled or the broadcaster closes.
// Transport failures are logged and counted; they never stop the bridge.
func (br *Bridge) Run(ctx context.Context) error {
	sub := br.broadcast.Subscribe()
	defer sub.Close()

	if err := br.transport.Subscribe(br.receive); err != nil {
		return fmt.Errorf("bridge subscribe failed: %w", err)
	}
	log.Printf("Bridge started for node '%s' with %s codec.", br.node, br.codec.Name())

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				log.Printf("Bridge: %v", lag)
				continue
			}
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev.Node != br.node {
			continue
		}

		data, err := br.codec.Marshal(ev)
		if err != nil {
			br.errs.Add(1)
			log.Printf("Bridge: failed to encode signature %016x: %v", ev.Signature.Hash, err)
			continue
		}
		if err := br.transport.Publish(data); err != nil {
			br.errs.Add(1)
			log.Printf("Bridge: failed to publish signature %016x: %v", ev.Signature.Hash, err)
			continue
		}
		br.sent.Add(1)
	}
}

func (br *Bridge) receive(data []byte) {
	ev, err := br.codec.Unmarshal(data)
	if err != nil {
		br.errs.Add(1)
		log.Printf("Bridge: dropping undecodable message: %v", err)
		return
	}
	if ev.Node == br.node {
		br.echoes.Add(1)
		return
	}
	br.received.Add(1)
	br.broadcast.Publish(ev)
}

// Stats returns a snapshot of the bridge counters.
func (br *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Sent:     br.sent.Load(),
		Received: br.received.Load(),
		Echoes:   br.echoes.Load(),
		Errors:   br.errs.Load(),
	}
}
