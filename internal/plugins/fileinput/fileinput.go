// Package fileinput implements the pipeline's file input plugin: it reads
// raw transport-stream packets from a file (or stdin) and feeds them to
// the pipeline one at a time.
package fileinput

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// Options configures the file input plugin.
type Options struct {
	// Path to the input file. Empty means read from stdin.
	Path string
	// Repeat re-opens and re-reads the file this many times before
	// reporting EOF; 0 means read once, negative means loop forever.
	Repeat int
	// JointTermination opts this input into the joint-termination ballot:
	// it casts its vote when it reaches EOF. Reaching EOF still drains and
	// stops the pipeline, whether or not the other voters have voted.
	JointTermination bool
}

// Input is a pipeline.InputStage reading packets from a file.
type Input struct {
	opts Options
	log  *slog.Logger
	pl   *pipeline.Pipeline

	f          *os.File
	ownsFile   bool
	iterations int

	bytesRead atomic.Int64
}

// New creates a file input plugin.
func New(opts Options) *Input {
	return &Input{opts: opts}
}

// Start implements pipeline.InputStage.
func (in *Input) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	in.pl = pl
	in.log = pl.Log().With("component", "fileinput", "path", in.opts.Path)

	if in.opts.JointTermination {
		pl.OptIntoJointTermination()
	}

	return in.openNext()
}

func (in *Input) openNext() error {
	if in.opts.Path == "" {
		in.f = os.Stdin
		in.ownsFile = false
		return nil
	}
	f, err := os.Open(in.opts.Path)
	if err != nil {
		return fmt.Errorf("fileinput: open %s: %w", in.opts.Path, err)
	}
	in.f = f
	in.ownsFile = true
	return nil
}

// Read implements pipeline.InputStage.
func (in *Input) Read(buf *tspacket.Packet) error {
	n, err := io.ReadFull(in.f, buf.Raw[:])
	if err != nil {
		if in.ownsFile {
			_ = in.f.Close()
		}
		if in.opts.Repeat != 0 && (in.opts.Repeat < 0 || in.iterations < in.opts.Repeat) {
			in.iterations++
			if reopenErr := in.openNext(); reopenErr == nil {
				return in.Read(buf)
			}
		}
		if in.opts.JointTermination {
			in.pl.JointTerminate()
		}
		return io.EOF
	}
	in.bytesRead.Add(int64(n))
	if buf.Raw[0] != tspacket.SyncByte {
		in.log.Warn("packet missing sync byte, resynchronizing not implemented, passing through")
	}
	return nil
}

// Stop implements pipeline.InputStage.
func (in *Input) Stop() error {
	if in.ownsFile && in.f != nil {
		return in.f.Close()
	}
	return nil
}

// Bitrate implements pipeline.InputStage; file input never self-reports
// a bitrate, so the pipeline falls through to PCR-based estimation.
func (in *Input) Bitrate() uint64 { return 0 }
