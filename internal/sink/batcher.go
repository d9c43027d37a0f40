package sink

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBatchSize     = 500
)

type flushFunc func(batch []model.Observation) error

// batcher decouples a slow writer from the matcher. Observe never blocks: when
// the queue is full the observation is dropped and counted.
type batcher struct {
	name      string
	in        chan model.Observation
	batchSize int
	interval  time.Duration
	flush     flushFunc

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	written, dropped, failed atomic.Uint64
}

func newBatcher(name string, def config.SinkDef, flush flushFunc) (*batcher, error) {
	interval := defaultFlushInterval
	if def.FlushInterval != "" {
		d, err := time.ParseDuration(def.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush_interval for %s sink: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("flush_interval for %s sink must be positive", name)
		}
		interval = d
	}
	size := def.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	b := &batcher{
		name:      name,
		in:        make(chan model.Observation, size*4),
		batchSize: size,
		interval:  interval,
		flush:     flush,
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b, nil
}

func (b *batcher) Observe(o model.Observation) {
	select {
	case <-b.done:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.in <- o:
	default:
		b.dropped.Add(1)
	}
}

func (b *batcher) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	batch := make([]model.Observation, 0, b.batchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.flush(batch); err != nil {
			b.failed.Add(uint64(len(batch)))
			log.Printf("Error writing %d observations to %s sink: %v", len(batch), b.name, err)
		} else {
			b.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case o := <-b.in:
			batch = append(batch, o)
			if len(batch) >= b.batchSize {
				write()
			}
		case <-ticker.C:
			write()
		case <-b.done:
			for {
				select {
				case o := <-b.in:
					batch = append(batch, o)
					if len(batch) >= b.batchSize {
						write()
					}
				default:
					write()
					return
				}
			}
		}
	}
}

// Close flushes queued observations and stops the writer goroutine.
func (b *batcher) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		log.Printf("%s sink closed: %d written, %d dropped, %d failed.", b.name, b.written.Load(), b.dropped.Load(), b.failed.Load())
	})
	return nil
}
