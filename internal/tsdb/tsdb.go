// Package tsdb is the traffic time-series store, backed by ClickHouse.
// Raw samples land in a ReplacingMergeTree keyed by (router, port, ts)
// so duplicate appends at the same second collapse to one row, which
// makes the scheduled and real-time write paths idempotent against
// each other.
package tsdb

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/fleetwatch/fleetwatch/internal/rate"
)

// ClickHouse error codes.
const (
	chErrCodeUnknownTable = 60 // Table does not exist
)

// Bucket selects the aggregation granularity.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

func (b Bucket) truncFn() (string, error) {
	switch b {
	case BucketHour:
		return "toStartOfHour", nil
	case BucketDay:
		return "toStartOfDay", nil
	default:
		return "", fmt.Errorf("unknown bucket %q", b)
	}
}

func (b Bucket) aggTable() string {
	if b == BucketDay {
		return "traffic_samples_daily"
	}
	return "traffic_samples_hourly"
}

// Config configures the ClickHouse connection.
type Config struct {
	Addr       string
	Database   string
	Username   string
	Password   string
	DisableTLS bool

	// QueryTimeout bounds individual store calls; defaults to 5s.
	QueryTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return errors.New("clickhouse address is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return nil
}

// Store wraps the ClickHouse connection.
type Store struct {
	log     *slog.Logger
	cfg     Config
	conn    driver.Conn
	metrics *Metrics
}

// New opens the connection and ensures the schema exists.
func New(ctx context.Context, log *slog.Logger, cfg Config, metrics *Metrics) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tsdb config: %w", err)
	}

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if !cfg.DisableTLS {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening clickhouse connection: %w", err)
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Store{log: log, cfg: cfg, conn: conn, metrics: metrics}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error ensuring tsdb schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// IsRetryableError returns true if the error is transient and the
// operation should be retried, false if it is permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		switch exception.Code {
		case chErrCodeUnknownTable:
			return false
		}
	}
	// Default: assume transient/retryable
	return true
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS traffic_samples (
		router_id UInt64,
		port_id   Nullable(UInt64),
		port_name String,
		ts        DateTime,
		rx_bps    Float64,
		tx_bps    Float64,
		total_bps Float64
	) ENGINE = ReplacingMergeTree
	ORDER BY (router_id, port_name, ts)`,

	`CREATE TABLE IF NOT EXISTS traffic_samples_hourly (
		router_id UInt64,
		port_name String,
		bucket    DateTime,
		avg_rx    Float64,
		avg_tx    Float64,
		avg_total Float64,
		max_rx    Float64,
		max_tx    Float64,
		max_total Float64,
		samples   UInt64
	) ENGINE = ReplacingMergeTree
	ORDER BY (router_id, port_name, bucket)`,

	`CREATE TABLE IF NOT EXISTS traffic_samples_daily (
		router_id UInt64,
		port_name String,
		bucket    DateTime,
		avg_rx    Float64,
		avg_tx    Float64,
		avg_total Float64,
		max_rx    Float64,
		max_tx    Float64,
		max_total Float64,
		samples   UInt64
	) ENGINE = ReplacingMergeTree
	ORDER BY (router_id, port_name, bucket)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Append writes samples in one batch. Idempotent at one-second
// precision: re-appending the same (router, port, ts) collapses in the
// merge tree rather than duplicating.
func (s *Store) Append(ctx context.Context, samples []rate.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s.traffic_samples (router_id, port_id, port_name, ts, rx_bps, tx_bps, total_bps)",
		s.cfg.Database))
	if err != nil {
		s.metrics.InsertErrors.Inc()
		return fmt.Errorf("error preparing batch: %w", err)
	}
	for i, sample := range samples {
		var portID *uint64
		if sample.PortID != nil {
			v := uint64(*sample.PortID)
			portID = &v
		}
		err := batch.Append(
			uint64(sample.RouterID),
			portID,
			sample.PortName,
			sample.Timestamp.Truncate(time.Second),
			sample.RxBps,
			sample.TxBps,
			sample.TotalBps,
		)
		if err != nil {
			_ = batch.Close()
			s.metrics.InsertErrors.Inc()
			return fmt.Errorf("error appending sample %d to batch: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		_ = batch.Close()
		s.metrics.InsertErrors.Inc()
		return fmt.Errorf("error sending batch: %w", err)
	}
	s.metrics.SamplesWritten.Add(float64(len(samples)))
	return nil
}
