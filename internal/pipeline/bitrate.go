package pipeline

import (
	"sync"
	"time"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// bitrateEstimator tracks the pipeline's effective bitrate: an explicit
// --bitrate override takes precedence, then the input stage's
// self-reported bitrate, then a PCR-progression estimate computed from
// whichever PID is first observed carrying one. It is recomputed at most
// every adjustInterval.
type bitrateEstimator struct {
	mu       sync.Mutex
	fixed    uint64 // from Options.Bitrate; 0 means unset
	inputFn  func() uint64
	interval time.Duration

	lastCompute time.Time
	cached      uint64

	// PCR progression state, keyed by the first PID observed carrying a
	// PCR; only one PID is tracked at a time.
	pcrPID       uint16
	pcrPIDSet    bool
	firstPCR     uint64
	firstPackets uint64
	lastPCR      uint64
	packetCount  uint64
}

func newBitrateEstimator(fixed uint64, inputFn func() uint64, interval time.Duration) *bitrateEstimator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &bitrateEstimator{fixed: fixed, inputFn: inputFn, interval: interval}
}

// Observe feeds one packet's PCR (if any) into the running estimate.
func (be *bitrateEstimator) Observe(pkt *tspacket.Packet) {
	be.mu.Lock()
	defer be.mu.Unlock()

	be.packetCount++

	if !pkt.HasPCR() {
		return
	}
	pid := pkt.PID()
	pcr := pkt.PCR()

	if !be.pcrPIDSet {
		be.pcrPID = pid
		be.pcrPIDSet = true
		be.firstPCR = pcr
		be.firstPackets = be.packetCount
		be.lastPCR = pcr
		return
	}
	if pid != be.pcrPID {
		return
	}
	be.lastPCR = pcr
}

// Bitrate returns the effective bitrate under the precedence rule,
// recomputing the PCR-based estimate at most once per adjustInterval.
func (be *bitrateEstimator) Bitrate() uint64 {
	if be.fixed != 0 {
		return be.fixed
	}
	if be.inputFn != nil {
		if br := be.inputFn(); br != 0 {
			return br
		}
	}

	be.mu.Lock()
	defer be.mu.Unlock()

	if time.Since(be.lastCompute) < be.interval && be.cached != 0 {
		return be.cached
	}
	be.lastCompute = time.Now()

	if !be.pcrPIDSet || be.lastPCR == be.firstPCR || be.packetCount <= be.firstPackets {
		return be.cached
	}

	// PCR is a 27MHz clock; elapsed packets * 188 bytes * 8 bits over
	// elapsed PCR ticks / 27e6 seconds gives bits/second.
	pcrTicks := diffMod(be.firstPCR, be.lastPCR, 1<<42)
	if pcrTicks == 0 {
		return be.cached
	}
	packets := be.packetCount - be.firstPackets
	bits := packets * tspacket.Size * 8
	seconds := float64(pcrTicks) / 27_000_000.0
	if seconds <= 0 {
		return be.cached
	}
	be.cached = uint64(float64(bits) / seconds)
	return be.cached
}

func diffMod(a, b, mod uint64) uint64 {
	if b >= a {
		return b - a
	}
	return mod - a + b
}
