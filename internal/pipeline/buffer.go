package pipeline

import (
	"sync"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// packetStride is the physical size, in bytes, that one ring slot occupies.
// Kept in its own file-scope const so options.go can compute a packet
// capacity from a byte-oriented buffer-size option without importing
// tspacket twice.
const packetStride = tspacket.Size

// Buffer is the pipeline's single shared ring of packet slots. Every
// stage boundary shares the same modulo-capacity sequence numbering:
// head_0 ≤ tail_0 ≤ head_1 ≤ tail_1 ≤ … ≤ head_{N-1} ≤ tail_{N-1}. Rather
// than per-slot locks, one mutex protects N monotonic "boundary"
// counters: boundary[k] is the sequence number of the next packet stage
// k has not yet finished with. Stage 0 (input) advances boundary[0];
// each stage k in [1,N-1) consumes from boundary[k-1] and advances its
// own boundary[k]; the output stage (k = N-1) additionally frees ring
// capacity for the input once it advances its boundary.
type Buffer struct {
	mu         sync.Mutex
	cond       *sync.Cond
	capacity   uint64
	slots      []*tspacket.Packet
	suppressed []bool // per-slot: true if some stage returned StatusDrop
	boundaries []uint64
	numStages  int
	draining   bool // input has stopped; stages drain remaining data then stop
	aborted    bool // immediate hard stop, bypassing drain
}

// NewBuffer allocates a ring of the given packet capacity for a pipeline
// of numStages stages (input + processors + output, numStages >= 2).
func NewBuffer(capacity int, numStages int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		capacity:   uint64(capacity),
		slots:      make([]*tspacket.Packet, capacity),
		suppressed: make([]bool, capacity),
		boundaries: make([]uint64, numStages),
		numStages:  numStages,
	}
	for i := range b.slots {
		b.slots[i] = tspacket.New()
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Capacity returns the ring's packet capacity.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Occupancy returns how many packets are currently in flight between the
// input and the output, for the periodic monitor.
func (b *Buffer) Occupancy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := b.numStages - 1
	return int(b.boundaries[0] - b.boundaries[last])
}

// AcquireInput blocks until there is room for a new packet, then returns
// the slot to fill and its sequence position. ok is false if the pipeline
// is draining or aborted and the input should stop producing.
func (b *Buffer) AcquireInput() (pkt *tspacket.Packet, pos uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := b.numStages - 1
	for !b.aborted && !b.draining && b.boundaries[0]-b.boundaries[last] >= b.capacity {
		b.cond.Wait()
	}
	if b.aborted || b.draining {
		return nil, 0, false
	}
	pos = b.boundaries[0]
	return b.slots[pos%b.capacity], pos, true
}

// ReleaseInput commits the packet at pos as produced by the input stage.
func (b *Buffer) ReleaseInput(pos uint64) {
	b.mu.Lock()
	b.suppressed[pos%b.capacity] = false
	b.boundaries[0] = pos + 1
	b.cond.Broadcast()
	b.mu.Unlock()
}

// AcquireStage blocks until stage k has a packet available from stage
// k-1, returning the packet, its sequence position, and whether an
// earlier stage already marked it dropped. ok is false once the pipeline
// has fully drained (no more data will ever arrive for this stage) or has
// been aborted.
func (b *Buffer) AcquireStage(k int) (pkt *tspacket.Packet, pos uint64, dropped bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.aborted && b.boundaries[k] >= b.boundaries[k-1] {
		if b.draining {
			return nil, 0, false, false
		}
		b.cond.Wait()
	}
	if b.aborted {
		return nil, 0, false, false
	}
	pos = b.boundaries[k]
	idx := pos % b.capacity
	return b.slots[idx], pos, b.suppressed[idx], true
}

// ReleaseStage commits the packet at pos as processed by stage k. If drop
// is true the slot is marked suppressed so the output stage skips it.
func (b *Buffer) ReleaseStage(k int, pos uint64, drop bool) {
	b.mu.Lock()
	idx := pos % b.capacity
	if drop {
		b.suppressed[idx] = true
	}
	b.boundaries[k] = pos + 1
	b.cond.Broadcast()
	b.mu.Unlock()
}

// RequestDrain stops the input from acquiring new slots and lets every
// downstream stage cascade to a stop once it catches up with whatever was
// already buffered.
func (b *Buffer) RequestDrain() {
	b.mu.Lock()
	b.draining = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Draining reports whether a graceful drain has been requested.
func (b *Buffer) Draining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining
}

// Abort immediately releases every blocked stage without waiting for a
// drain, used when a plugin fails to start before any packet has flowed.
func (b *Buffer) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.draining = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
