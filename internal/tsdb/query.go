package tsdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/fleetwatch/fleetwatch/internal/rate"
)

// SampleIterator lazily walks a range query result in ascending ts
// order. Callers must Close it.
type SampleIterator struct {
	rows driver.Rows
	cur  rate.Sample
	err  error
}

func (it *SampleIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		routerID uint64
		portID   *uint64
		portName string
		ts       time.Time
		rx, tx   float64
		total    float64
	)
	if err := it.rows.Scan(&routerID, &portID, &portName, &ts, &rx, &tx, &total); err != nil {
		it.err = err
		return false
	}
	it.cur = rate.Sample{
		RouterID:  int64(routerID),
		PortName:  portName,
		Timestamp: ts,
		RxBps:     rx,
		TxBps:     tx,
		TotalBps:  total,
	}
	if portID != nil {
		v := int64(*portID)
		it.cur.PortID = &v
	}
	return true
}

func (it *SampleIterator) Sample() rate.Sample { return it.cur }

func (it *SampleIterator) Err() error { return it.err }

func (it *SampleIterator) Close() error { return it.rows.Close() }

// Range returns raw samples for one router (optionally one port) in
// [from, to], ordered by ts ascending. FINAL collapses any duplicate
// appends that have not merged yet.
func (s *Store) Range(ctx context.Context, routerID int64, portName string, from, to time.Time) (*SampleIterator, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	query := `SELECT router_id, port_id, port_name, ts, rx_bps, tx_bps, total_bps
		FROM traffic_samples FINAL
		WHERE router_id = ? AND ts >= ? AND ts <= ?`
	args := []any{uint64(routerID), from, to}
	if portName != "" {
		query += " AND port_name = ?"
		args = append(args, portName)
	}
	query += " ORDER BY port_name, ts ASC"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying range: %w", err)
	}
	return &SampleIterator{rows: rows}, nil
}

// AggRow is one pre-aggregated bucket.
type AggRow struct {
	RouterID int64
	PortName string
	Bucket   time.Time
	AvgRx    float64
	AvgTx    float64
	AvgTotal float64
	MaxRx    float64
	MaxTx    float64
	MaxTotal float64
	Samples  uint64
}

// Aggregate returns per-bucket avg/max over [from, to]. Buckets are
// computed from raw samples where raw data still exists; buckets that
// only survive in the pre-aggregated views (because retention removed
// the raw era) are filled from those views. The pre-aggregates being
// empty therefore never affects correctness, only cost.
func (s *Store) Aggregate(ctx context.Context, routerID int64, portName string, from, to time.Time, bucket Bucket) ([]AggRow, error) {
	trunc, err := bucket.truncFn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	fromRaw, err := s.aggregateRaw(ctx, routerID, portName, from, to, trunc)
	if err != nil {
		return nil, err
	}
	fromViews, err := s.aggregateViews(ctx, routerID, portName, from, to, bucket)
	if err != nil {
		return nil, err
	}

	// Raw wins per bucket; the views only fill eras the raw table no
	// longer covers.
	type key struct {
		port   string
		bucket time.Time
	}
	seen := make(map[key]bool, len(fromRaw))
	out := make([]AggRow, 0, len(fromRaw)+len(fromViews))
	out = append(out, fromRaw...)
	for _, r := range fromRaw {
		seen[key{r.PortName, r.Bucket}] = true
	}
	for _, r := range fromViews {
		if !seen[key{r.PortName, r.Bucket}] {
			out = append(out, r)
		}
	}
	sortAggRows(out)
	return out, nil
}

func (s *Store) aggregateRaw(ctx context.Context, routerID int64, portName string, from, to time.Time, trunc string) ([]AggRow, error) {
	query := fmt.Sprintf(`SELECT router_id, port_name, %s(ts) AS bucket,
			avg(rx_bps), avg(tx_bps), avg(total_bps),
			max(rx_bps), max(tx_bps), max(total_bps),
			count() AS samples
		FROM traffic_samples FINAL
		WHERE router_id = ? AND ts >= ? AND ts <= ?`, trunc)
	args := []any{uint64(routerID), from, to}
	if portName != "" {
		query += " AND port_name = ?"
		args = append(args, portName)
	}
	query += " GROUP BY router_id, port_name, bucket ORDER BY port_name, bucket"

	return s.scanAggRows(ctx, query, args)
}

func (s *Store) aggregateViews(ctx context.Context, routerID int64, portName string, from, to time.Time, bucket Bucket) ([]AggRow, error) {
	query := fmt.Sprintf(`SELECT router_id, port_name, bucket,
			avg_rx, avg_tx, avg_total, max_rx, max_tx, max_total, samples
		FROM %s FINAL
		WHERE router_id = ? AND bucket >= ? AND bucket <= ?`, bucket.aggTable())
	args := []any{uint64(routerID), from, to}
	if portName != "" {
		query += " AND port_name = ?"
		args = append(args, portName)
	}
	query += " ORDER BY port_name, bucket"

	return s.scanAggRows(ctx, query, args)
}

func (s *Store) scanAggRows(ctx context.Context, query string, args []any) ([]AggRow, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying aggregates: %w", err)
	}
	defer rows.Close()

	var out []AggRow
	for rows.Next() {
		var (
			r        AggRow
			routerID uint64
		)
		if err := rows.Scan(&routerID, &r.PortName, &r.Bucket,
			&r.AvgRx, &r.AvgTx, &r.AvgTotal,
			&r.MaxRx, &r.MaxTx, &r.MaxTotal, &r.Samples); err != nil {
			return nil, err
		}
		r.RouterID = int64(routerID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func sortAggRows(rows []AggRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PortName != rows[j].PortName {
			return rows[i].PortName < rows[j].PortName
		}
		return rows[i].Bucket.Before(rows[j].Bucket)
	})
}

// Retain removes raw samples strictly older than the cutoff. The
// pre-aggregated views are what remains of the removed era.
func (s *Store) Retain(ctx context.Context, olderThan time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	err := s.conn.Exec(ctx,
		"ALTER TABLE traffic_samples DELETE WHERE ts < ?", olderThan)
	if err != nil {
		return fmt.Errorf("error deleting retained samples: %w", err)
	}
	s.log.Info("Applied retention", "olderThan", olderThan)
	return nil
}

// Compact materializes the hourly and daily pre-aggregates for samples
// older than the cutoff. Safe to re-run: recomputed buckets replace
// prior rows in the merge tree.
func (s *Store) Compact(ctx context.Context, olderThan time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 4*s.cfg.QueryTimeout)
	defer cancel()

	for _, bucket := range []Bucket{BucketHour, BucketDay} {
		trunc, err := bucket.truncFn()
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`INSERT INTO %s
			(router_id, port_name, bucket, avg_rx, avg_tx, avg_total, max_rx, max_tx, max_total, samples)
			SELECT router_id, port_name, %s(ts) AS bucket,
				avg(rx_bps), avg(tx_bps), avg(total_bps),
				max(rx_bps), max(tx_bps), max(total_bps),
				count()
			FROM traffic_samples FINAL
			WHERE ts < ?
			GROUP BY router_id, port_name, bucket`, bucket.aggTable(), trunc)
		if err := s.conn.Exec(ctx, query, olderThan); err != nil {
			return fmt.Errorf("error compacting %s buckets: %w", bucket, err)
		}
	}
	s.log.Info("Compacted pre-aggregates", "olderThan", olderThan)
	return nil
}
