package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/factory"
	"EchoTrace/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func init() {
	factory.RegisterSink("clickhouse", func(def config.SinkDef) (model.Sink, error) {
		return NewClickHouseSink(def)
	})
}

const createLatencyTableStatement = `
CREATE TABLE IF NOT EXISTS audio_latency (
    Timestamp       DateTime64(3),
    OriginTimestamp DateTime64(3),
    Measurement     String,
    GroupKey        String,
    Observer        String,
    LatencySeconds  Float64,
    ClockSkew       UInt8,
    Hash            UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Measurement, GroupKey, Timestamp);
`

// ClickHouseSink writes observations to the audio_latency table in batches.
type ClickHouseSink struct {
	*batcher
	conn driver.Conn
}

// NewClickHouseSink connects to ClickHouse and ensures the latency table exists.
func NewClickHouseSink(def config.SinkDef) (*ClickHouseSink, error) {
	conn, err := Connect(def.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createLatencyTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create audio_latency table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured audio_latency table exists.")

	s := &ClickHouseSink{conn: conn}
	b, err := newBatcher("clickhouse", def, s.write)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.batcher = b
	return s, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (s *ClickHouseSink) write(batch []model.Observation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO audio_latency")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, o := range batch {
		var skew uint8
		if o.ClockSkew {
			skew = 1
		}
		if err := b.Append(o.ObservedTimestamp, o.OriginTimestamp, o.MeasurementName, o.GroupKey, o.Observer, o.Latency.Seconds(), skew, o.Hash); err != nil {
			return fmt.Errorf("failed to append observation to batch: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Close flushes pending observations and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.batcher.Close()
	return s.conn.Close()
}
