// Package nullinput implements the pipeline's null input plugin: it
// generates a stream of null (PID 0x1FFF) packets, optionally bounded by
// count or a fixed bitrate, mainly useful for testing downstream stages.
package nullinput

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// Options configures the null input plugin.
type Options struct {
	// Count bounds how many packets are generated before EOF; 0 means
	// generate forever.
	Count uint64
	// Bitrate, if non-zero, paces packet generation to approximate this
	// bits/second rate and is also reported via Bitrate().
	Bitrate uint64
	// JointTermination opts this input into the joint-termination ballot.
	JointTermination bool
}

// Input is a pipeline.InputStage generating null packets.
type Input struct {
	opts Options
	log  *slog.Logger
	pl   *pipeline.Pipeline

	generated uint64
	start     time.Time
}

// New creates a null input plugin.
func New(opts Options) *Input {
	return &Input{opts: opts}
}

// Start implements pipeline.InputStage.
func (in *Input) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	in.pl = pl
	in.log = pl.Log().With("component", "nullinput")
	in.start = time.Now()
	if in.opts.JointTermination {
		pl.OptIntoJointTermination()
	}
	return nil
}

// Read implements pipeline.InputStage.
func (in *Input) Read(buf *tspacket.Packet) error {
	if in.opts.Count != 0 && in.generated >= in.opts.Count {
		if in.opts.JointTermination {
			in.pl.JointTerminate()
		}
		return io.EOF
	}

	*buf = *tspacket.New()
	in.generated++

	if in.opts.Bitrate != 0 {
		expected := time.Duration(float64(in.generated) * float64(tspacket.Size) * 8 / float64(in.opts.Bitrate) * float64(time.Second))
		if wait := expected - time.Since(in.start); wait > 0 {
			time.Sleep(wait)
		}
	}
	return nil
}

// Stop implements pipeline.InputStage.
func (in *Input) Stop() error { return nil }

// Bitrate implements pipeline.InputStage.
func (in *Input) Bitrate() uint64 { return in.opts.Bitrate }
