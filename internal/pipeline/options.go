package pipeline

import (
	"fmt"
	"time"
)

// Options configures a Pipeline. Built once from the CLI (or, in this
// core, directly by cmd/tsforge/main.go's fixed plugin registry) and
// immutable after Start.
type Options struct {
	// BufferSize is the requested ring buffer size in bytes; the actual
	// packet capacity is BufferSize/tspacket.Size, rounded up to
	// accommodate at least MaxFlushPackets.
	BufferSize int
	// MaxFlushPackets bounds how many packets a processor stage handles
	// before yielding to give other stages a turn.
	MaxFlushPackets int
	// Bitrate, if non-zero, forces the pipeline-wide effective bitrate
	// (highest-precedence source in bitrate discovery).
	Bitrate uint64
	// BitrateAdjustInterval is how often the pipeline recomputes its
	// effective bitrate when not fixed by Bitrate.
	BitrateAdjustInterval time.Duration

	// Input stuffing.
	InstuffStart   int // nulls prepended before the first real packet
	InstuffNullPkt int // nulls interleaved every InstuffInPkt real packets
	InstuffInPkt   int
	InstuffStop    int // nulls appended once the input reports EOF

	// IgnoreJointTermination disables joint-termination voting: any
	// opted-in stage's vote is ignored and the pipeline runs until an
	// unconditional termination instead.
	IgnoreJointTermination bool

	// Monitor enables the periodic ring-buffer occupancy log.
	Monitor bool

	// LogQueueSize is not read by the pipeline: stages log directly
	// through their slog.Logger, with no log-sink channel or drop-oldest
	// queue in between.
	LogQueueSize int
}

// DefaultOptions returns the pipeline's baseline configuration.
func DefaultOptions() Options {
	return Options{
		BufferSize:            512 * 1024,
		MaxFlushPackets:       16,
		BitrateAdjustInterval: 5 * time.Second,
		LogQueueSize:          1000,
	}
}

// Validate checks that buffer_size holds at least max_flush_pkt packets'
// worth of bytes and that max_flush_pkt is at least 1.
func (o Options) Validate() error {
	if o.MaxFlushPackets < 1 {
		return fmt.Errorf("pipeline: max-flush-pkt must be >= 1")
	}
	capacity := o.BufferSize / packetStride
	if capacity < o.MaxFlushPackets {
		return fmt.Errorf("pipeline: buffer-size (%d packets) must be >= max-flush-pkt (%d)", capacity, o.MaxFlushPackets)
	}
	if o.InstuffNullPkt != 0 && o.InstuffInPkt <= 0 {
		return fmt.Errorf("pipeline: instuff-inpkt must be > 0 when instuff-nullpkt is set")
	}
	return nil
}
