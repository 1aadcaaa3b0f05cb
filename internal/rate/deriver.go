// Package rate converts monotonic byte counters into bit rates.
package rate

import (
	"fmt"
	"math"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultMaxGap is the largest interval between two readings that still
// produces a rate. Anything longer means the device rebooted or the
// poll schedule broke, and the cache entry re-seeds instead.
const DefaultMaxGap = 15 * time.Minute

// Sample is one derived rate emission. All rates are bits per second;
// byte/second conversions are a presentation concern.
type Sample struct {
	RouterID  int64
	PortID    *int64
	PortName  string
	Timestamp time.Time
	RxBps     float64
	TxBps     float64
	TotalBps  float64
}

type counterEntry struct {
	rxBytes   uint64
	txBytes   uint64
	sampledAt time.Time
}

// Deriver keeps a last-reading cache per (router, port) and derives
// Δbytes/Δt from successive readings. It is pure given its cache: no
// I/O, safe for concurrent use. The scheduled and real-time paths each
// own a separate Deriver so the high-rate stream never pollutes the
// minute-granularity math.
type Deriver struct {
	maxGap time.Duration
	cache  *ttlcache.Cache[string, counterEntry]
}

func NewDeriver(maxGap time.Duration) *Deriver {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	// Entries older than maxGap would re-seed anyway, so letting them
	// expire keeps the cache bounded by the actively polled port set.
	cache := ttlcache.New(
		ttlcache.WithTTL[string, counterEntry](maxGap),
		ttlcache.WithDisableTouchOnHit[string, counterEntry](),
	)
	return &Deriver{maxGap: maxGap, cache: cache}
}

// Start runs the cache janitor. Optional; entries are validated against
// maxGap on read regardless.
func (d *Deriver) Start() { go d.cache.Start() }

func (d *Deriver) Stop() { d.cache.Stop() }

func key(routerID int64, portName string) string {
	return fmt.Sprintf("%d/%s", routerID, portName)
}

// Observe feeds one counter reading and returns the derived sample, or
// ok=false when this reading only seeds (or re-seeds) the cache.
func (d *Deriver) Observe(routerID int64, portID *int64, portName string, rxBytes, txBytes uint64, sampledAt time.Time) (Sample, bool) {
	k := key(routerID, portName)

	item := d.cache.Get(k)
	d.cache.Set(k, counterEntry{rxBytes: rxBytes, txBytes: txBytes, sampledAt: sampledAt}, ttlcache.DefaultTTL)
	if item == nil {
		return Sample{}, false
	}
	prev := item.Value()

	dt := sampledAt.Sub(prev.sampledAt)
	if dt <= 0 || dt > d.maxGap {
		return Sample{}, false
	}

	dRx, ok := counterDelta(prev.rxBytes, rxBytes)
	if !ok {
		return Sample{}, false
	}
	dTx, ok := counterDelta(prev.txBytes, txBytes)
	if !ok {
		return Sample{}, false
	}

	secs := dt.Seconds()
	rxBps := 8 * float64(dRx) / secs
	txBps := 8 * float64(dTx) / secs
	return Sample{
		RouterID:  routerID,
		PortID:    portID,
		PortName:  portName,
		Timestamp: sampledAt,
		RxBps:     rxBps,
		TxBps:     txBps,
		TotalBps:  rxBps + txBps,
	}, true
}

// Forget drops the cached reading for one port, forcing the next
// observation to seed.
func (d *Deriver) Forget(routerID int64, portName string) {
	d.cache.Delete(key(routerID, portName))
}

// counterDelta returns the byte delta between two successive readings
// of a 64-bit counter. A decrease is a genuine wrap only when the
// previous reading sat in the counter's upper half; any other decrease
// is a counter reset (reboot) and re-seeds without emission.
func counterDelta(prev, cur uint64) (uint64, bool) {
	if cur >= prev {
		return cur - prev, true
	}
	if prev > math.MaxInt64 {
		// Unsigned subtraction wraps modulo 2^64, which is exactly the
		// post-overflow delta.
		return cur - prev, true
	}
	return 0, false
}
