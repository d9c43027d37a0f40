package dissemination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"EchoTrace/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

func ev(hash uint64) model.SignatureEvent {
	return model.SignatureEvent{
		Signature:       model.AudioSignature{Hash: hash, DurationMs: 40},
		Metadata:        model.PacketMetadata{IDs: map[string]string{"interval_id": "17"}},
		Timestamp:       time.Unix(1700000000, 123456789),
		MeasurementName: "relay-a",
		SamplingRate:    5,
		Node:            "node-a",
	}
}

func recvTimeout(t *testing.T, s *Subscription) (model.SignatureEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Recv(ctx)
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(10)
	s1, s2 := b.Subscribe(), b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	for h := uint64(1); h <= 3; h++ {
		if n := b.Publish(ev(h)); n != 2 {
			t.Fatalf("Expected delivery to 2 subscribers, got %d", n)
		}
	}
	for _, s := range []*Subscription{s1, s2} {
		for h := uint64(1); h <= 3; h++ {
			got, err := recvTimeout(t, s)
			if err != nil {
				t.Fatalf("Recv failed: %v", err)
			}
			if got.Signature.Hash != h {
				t.Errorf("Expected hash %d, got %d", h, got.Signature.Hash)
			}
		}
	}
}

func TestBroadcaster_SlowSubscriberSkipsAhead(t *testing.T) {
	b := NewBroadcaster(3)
	s := b.Subscribe()
	defer s.Close()

	for h := uint64(1); h <= 5; h++ {
		b.Publish(ev(h))
	}

	_, err := recvTimeout(t, s)
	var lag *LaggedError
	if !errors.As(err, &lag) {
		t.Fatalf("Expected LaggedError, got %v", err)
	}
	if lag.Skipped != 2 {
		t.Errorf("Expected 2 skipped events, got %d", lag.Skipped)
	}
	for h := uint64(3); h <= 5; h++ {
		got, err := recvTimeout(t, s)
		if err != nil {
			t.Fatalf("Recv after lag failed: %v", err)
		}
		if got.Signature.Hash != h {
			t.Errorf("Expected hash %d after lag, got %d", h, got.Signature.Hash)
		}
	}
	if st := b.Stats(); st.Published != 5 || st.Dropped != 2 {
		t.Errorf("Unexpected stats: %+v", st)
	}
	if s.Lagged() != 2 {
		t.Errorf("Expected lifetime lag 2, got %d", s.Lagged())
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1)
	s := b.Subscribe()
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for h := uint64(0); h < 10000; h++ {
			b.Publish(ev(h))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on an idle subscriber")
	}
}

func TestSubscription_CloseDrainsThenErrClosed(t *testing.T) {
	b := NewBroadcaster(4)
	s := b.Subscribe()
	b.Publish(ev(1))
	s.Close()
	b.Publish(ev(2))

	got, err := recvTimeout(t, s)
	if err != nil || got.Signature.Hash != 1 {
		t.Fatalf("Expected queued event 1, got %v / %v", got.Signature.Hash, err)
	}
	if _, err := recvTimeout(t, s); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if st := b.Stats(); st.Subscribers != 0 {
		t.Errorf("Closed subscription still registered: %+v", st)
	}
}

func TestSubscription_RecvHonoursContext(t *testing.T) {
	b := NewBroadcaster(4)
	s := b.Subscribe()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Recv(ctx)
		errc <- err
	}()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancellation")
	}
}

func TestBroadcaster_CloseWakesReceivers(t *testing.T) {
	b := NewBroadcaster(4)
	s := b.Subscribe()
	errc := make(chan error, 1)
	go func() {
		_, err := recvTimeout(t, s)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after broadcaster close, got %v", err)
	}
	late := b.Subscribe()
	if _, err := recvTimeout(t, late); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscription to closed broadcaster should be closed, got %v", err)
	}
}

func assertSameEvent(t *testing.T, want, got model.SignatureEvent) {
	t.Helper()
	if got.Signature != want.Signature || got.MeasurementName != want.MeasurementName || got.Node != want.Node || got.SamplingRate != want.SamplingRate {
		t.Errorf("Envelope mismatch: want %+v, got %+v", want, got)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp mismatch: want %s, got %s", want.Timestamp, got.Timestamp)
	}
	if got.Metadata.Len() != want.Metadata.Len() {
		t.Fatalf("Metadata size mismatch: want %d, got %d", want.Metadata.Len(), got.Metadata.Len())
	}
	for k, v := range want.Metadata.IDs {
		if g, _ := got.Metadata.Get(k); g != v {
			t.Errorf("Metadata %s: want %q, got %q", k, v, g)
		}
	}
}

func TestCodecs_PreserveEvent(t *testing.T) {
	want := ev(0xDEADBEEFCAFEF00D)
	want.Metadata.IDs["session_id"] = "abc"
	for _, name := range []string{"protobuf", "msgpack"} {
		codec, err := NewCodec(name)
		if err != nil {
			t.Fatalf("NewCodec(%s) failed: %v", name, err)
		}
		data, err := codec.Marshal(want)
		if err != nil {
			t.Fatalf("%s: Marshal failed: %v", name, err)
		}
		got, err := codec.Unmarshal(data)
		if err != nil {
			t.Fatalf("%s: Unmarshal failed: %v", name, err)
		}
		assertSameEvent(t, want, got)
	}
	if _, err := NewCodec("xml"); err == nil {
		t.Error("Expected error for unknown codec")
	}
}

func TestProtoCodec_SkipsUnknownFields(t *testing.T) {
	data, err := ProtoCodec{}.Marshal(ev(5))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future field")

	got, err := ProtoCodec{}.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unknown field should be skipped, got %v", err)
	}
	assertSameEvent(t, ev(5), got)

	if _, err := (ProtoCodec{}).Unmarshal(data[:len(data)-3]); err == nil {
		t.Error("Expected error for truncated message")
	}
}

// memBus is an in-process transport shared by several bridges.
type memBus struct {
	mu       sync.Mutex
	handlers []Handler
}

type memEndpoint struct{ bus *memBus }

func (e memEndpoint) Publish(data []byte) error {
	e.bus.mu.Lock()
	hs := append([]Handler(nil), e.bus.handlers...)
	e.bus.mu.Unlock()
	for _, h := range hs {
		h(append([]byte(nil), data...))
	}
	return nil
}

func (e memEndpoint) Subscribe(h Handler) error {
	e.bus.mu.Lock()
	e.bus.handlers = append(e.bus.handlers, h)
	e.bus.mu.Unlock()
	return nil
}

func (e memEndpoint) Close() error { return nil }

func (b *memBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func TestBridge_FleetFanOut(t *testing.T) {
	bus := &memBus{}
	localA, localB := NewBroadcaster(16), NewBroadcaster(16)
	bridgeA := NewBridge("node-a", localA, memEndpoint{bus}, MsgpackCodec{})
	bridgeB := NewBridge("node-b", localB, memEndpoint{bus}, MsgpackCodec{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, br := range []*Bridge{bridgeA, bridgeB} {
		wg.Add(1)
		go func(br *Bridge) {
			defer wg.Done()
			if err := br.Run(ctx); err != nil {
				t.Errorf("Bridge.Run returned %v", err)
			}
		}(br)
	}
	deadline := time.Now().Add(2 * time.Second)
	for bus.subscribers() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Bridges never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	matcherB := localB.Subscribe()
	defer matcherB.Close()

	localA.Publish(ev(77))

	got, err := recvTimeout(t, matcherB)
	if err != nil {
		t.Fatalf("Node B never received the event: %v", err)
	}
	assertSameEvent(t, ev(77), got)

	cancel()
	wg.Wait()

	if st := bridgeA.Stats(); st.Sent != 1 || st.Echoes != 1 {
		t.Errorf("Unexpected node A stats: %+v", st)
	}
	if st := bridgeB.Stats(); st.Received != 1 || st.Sent != 0 {
		t.Errorf("Node B must not re-forward remote events: %+v", st)
	}
}
