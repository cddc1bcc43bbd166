// Package estimator implements a windowed rate estimator.
package estimator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/web5design/collab/mono"
)

type Estimator struct {
	interval uint64 // in microseconds
	bytes    uint32
	packets  uint32

	mu           sync.Mutex
	totalBytes   uint32
	totalPackets uint32
	rate         uint32
	packetRate   uint32
	time         uint64
}

func new(now uint64, interval time.Duration) *Estimator {
	return &Estimator{
		interval: uint64(interval / time.Microsecond),
		time:     now,
	}
}

func New(interval time.Duration) *Estimator {
	return new(mono.Microseconds(), interval)
}

func (e *Estimator) swap(now uint64) {
	interval := now - e.time
	bytes := atomic.SwapUint32(&e.bytes, 0)
	packets := atomic.SwapUint32(&e.packets, 0)
	atomic.AddUint32(&e.totalBytes, bytes)
	atomic.AddUint32(&e.totalPackets, packets)

	if interval < 1000 {
		e.rate = 0
		e.packetRate = 0
	} else {
		e.rate = uint32(
			(uint64(bytes)*1000000 + interval/2) / interval,
		)
		e.packetRate = uint32(
			(uint64(packets)*1000000 + interval/2) / interval,
		)
	}
	e.time = now
}

func (e *Estimator) Accumulate(count uint32) {
	atomic.AddUint32(&e.bytes, count)
	atomic.AddUint32(&e.packets, 1)
}

func (e *Estimator) estimate(now uint64) (uint32, uint32) {
	if now-e.time > e.interval {
		e.swap(now)
	}

	return e.rate, e.packetRate
}

// Estimate returns the rate in bytes and packets per second.
func (e *Estimator) Estimate() (uint32, uint32) {
	now := mono.Microseconds()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate(now)
}

func (e *Estimator) Totals() (uint32, uint32) {
	b := atomic.LoadUint32(&e.totalBytes) + atomic.LoadUint32(&e.bytes)
	p := atomic.LoadUint32(&e.totalPackets) + atomic.LoadUint32(&e.packets)
	return p, b
}
