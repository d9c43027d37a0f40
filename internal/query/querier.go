package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/sink"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// LatencyRequest selects stored observations. Zero values leave a bound open.
type LatencyRequest struct {
	Measurement string
	Group       string
	Observer    string
	Start       time.Time
	End         time.Time
}

// GroupSummary aggregates the latencies of one measurement group, in seconds.
type GroupSummary struct {
	Measurement string  `json:"measurement"`
	Group       string  `json:"group"`
	Count       uint64  `json:"count"`
	Skewed      uint64  `json:"skewed"`
	Min         float64 `json:"min"`
	Avg         float64 `json:"avg"`
	Max         float64 `json:"max"`
}

// SeriesPoint is the average latency of one time bucket.
type SeriesPoint struct {
	Time  time.Time `json:"time"`
	Avg   float64   `json:"avg"`
	Count uint64    `json:"count"`
}

// Querier reads latency observations back from storage.
type Querier interface {
	Summarize(ctx context.Context, req LatencyRequest) ([]GroupSummary, error)
	Series(ctx context.Context, req LatencyRequest, step time.Duration) ([]SeriesPoint, error)
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := sink.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// where renders the filter of req as a WHERE clause with positional args.
func where(req LatencyRequest) (string, []interface{}) {
	var clauses []string
	args := []interface{}{}

	if req.Measurement != "" {
		clauses = append(clauses, "Measurement = ?")
		args = append(args, req.Measurement)
	}
	if req.Group != "" {
		clauses = append(clauses, "GroupKey = ?")
		args = append(args, req.Group)
	}
	if req.Observer != "" {
		clauses = append(clauses, "Observer = ?")
		args = append(args, req.Observer)
	}
	if !req.Start.IsZero() {
		clauses = append(clauses, "Timestamp >= ?")
		args = append(args, req.Start)
	}
	if !req.End.IsZero() {
		clauses = append(clauses, "Timestamp <= ?")
		args = append(args, req.End)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildSummaryQuery(req LatencyRequest) (string, []interface{}) {
	var qb strings.Builder
	qb.WriteString(`
		SELECT
			Measurement,
			GroupKey,
			count() AS Matches,
			sum(ClockSkew) AS Skewed,
			min(LatencySeconds) AS MinLatency,
			avg(LatencySeconds) AS AvgLatency,
			max(LatencySeconds) AS MaxLatency
		FROM audio_latency`)
	clause, args := where(req)
	qb.WriteString(clause)
	qb.WriteString(`
		GROUP BY Measurement, GroupKey
		ORDER BY Measurement, GroupKey`)
	return qb.String(), args
}

func buildSeriesQuery(req LatencyRequest, step time.Duration) (string, []interface{}) {
	seconds := int64(step / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	var qb strings.Builder
	fmt.Fprintf(&qb, `
		SELECT
			toStartOfInterval(Timestamp, INTERVAL %d SECOND) AS Bucket,
			avg(LatencySeconds) AS AvgLatency,
			count() AS Matches
		FROM audio_latency`, seconds)
	clause, args := where(req)
	qb.WriteString(clause)
	qb.WriteString(`
		GROUP BY Bucket
		ORDER BY Bucket`)
	return qb.String(), args
}

// Summarize returns min/avg/max latency per measurement group.
func (q *clickhouseQuerier) Summarize(ctx context.Context, req LatencyRequest) ([]GroupSummary, error) {
	query, args := buildSummaryQuery(req)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []GroupSummary
	for rows.Next() {
		var s GroupSummary
		if err := rows.Scan(&s.Measurement, &s.Group, &s.Count, &s.Skewed, &s.Min, &s.Avg, &s.Max); err != nil {
			return nil, fmt.Errorf("failed to scan latency summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Series returns the average latency per step-sized bucket.
func (q *clickhouseQuerier) Series(ctx context.Context, req LatencyRequest, step time.Duration) ([]SeriesPoint, error) {
	query, args := buildSeriesQuery(req, step)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.Time, &p.Avg, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan latency series: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
