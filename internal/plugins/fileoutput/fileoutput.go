// Package fileoutput implements the pipeline's file output plugin,
// writing raw transport-stream packets to a file (or stdout).
package fileoutput

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// Options configures the file output plugin.
type Options struct {
	// Path to the output file. Empty means write to stdout.
	Path string
	// Append opens the file in append mode instead of truncating it.
	Append bool
}

// Output is a pipeline.OutputStage writing packets to a file.
type Output struct {
	opts Options
	log  *slog.Logger

	f        *os.File
	w        *bufio.Writer
	ownsFile bool
}

// New creates a file output plugin.
func New(opts Options) *Output {
	return &Output{opts: opts}
}

// Start implements pipeline.OutputStage.
func (out *Output) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	out.log = pl.Log().With("component", "fileoutput", "path", out.opts.Path)

	if out.opts.Path == "" {
		out.f = os.Stdout
		out.ownsFile = false
		out.w = bufio.NewWriter(out.f)
		return nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if out.opts.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(out.opts.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("fileoutput: open %s: %w", out.opts.Path, err)
	}
	out.f = f
	out.ownsFile = true
	out.w = bufio.NewWriter(out.f)
	return nil
}

// Write implements pipeline.OutputStage.
func (out *Output) Write(pkt *tspacket.Packet) error {
	_, err := out.w.Write(pkt.Raw[:])
	return err
}

// Stop implements pipeline.OutputStage.
func (out *Output) Stop() error {
	if out.w != nil {
		if err := out.w.Flush(); err != nil {
			return err
		}
	}
	if out.ownsFile && out.f != nil {
		return out.f.Close()
	}
	return nil
}
