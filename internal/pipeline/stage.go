package pipeline

import (
	"context"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// Status is a processor stage's per-packet verdict.
type Status int

const (
	// StatusOK keeps the packet unchanged (or as mutated by the processor).
	StatusOK Status = iota
	// StatusNull replaces the packet with a null (stuffing) packet.
	StatusNull
	// StatusDrop skips this packet: it is not forwarded downstream.
	StatusDrop
	// StatusEnd requests unconditional pipeline termination.
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNull:
		return "NULL"
	case StatusDrop:
		return "DROP"
	case StatusEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// InputStage produces packets at the head of the pipeline.
type InputStage interface {
	// Start prepares the input for reading. A failure here aborts the
	// whole pipeline before any packet flows.
	Start(ctx context.Context, pl *Pipeline) error
	// Read fills buf with the next packet. io.EOF signals the end of
	// input; any other error is reported, then treated as EOF.
	Read(buf *tspacket.Packet) error
	// Stop releases resources held by the input.
	Stop() error
	// Bitrate returns the input's self-reported bitrate in bits/second,
	// or 0 if unknown.
	Bitrate() uint64
}

// ProcessorStage transforms packets flowing through the pipeline.
type ProcessorStage interface {
	Start(ctx context.Context, pl *Pipeline) error
	// Process handles one packet in place, returning its status and two
	// out-parameters: flush (force downstream availability now) and
	// bitrateChanged (ask the pipeline to reread the effective bitrate).
	Process(pkt *tspacket.Packet) (status Status, flush bool, bitrateChanged bool)
	Stop() error
}

// OutputStage consumes packets at the tail of the pipeline.
type OutputStage interface {
	Start(ctx context.Context, pl *Pipeline) error
	Write(pkt *tspacket.Packet) error
	Stop() error
}
