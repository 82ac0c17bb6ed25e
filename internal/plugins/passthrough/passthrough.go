// Package passthrough implements a no-op processor plugin, useful in
// pipelines built purely for their input/output side effects, and as a
// reference implementation for the ProcessorStage interface.
package passthrough

import (
	"context"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// Processor is a pipeline.ProcessorStage that forwards every packet
// unchanged.
type Processor struct{}

// New creates a passthrough processor.
func New() *Processor { return &Processor{} }

// Start implements pipeline.ProcessorStage.
func (p *Processor) Start(ctx context.Context, pl *pipeline.Pipeline) error { return nil }

// Process implements pipeline.ProcessorStage.
func (p *Processor) Process(pkt *tspacket.Packet) (pipeline.Status, bool, bool) {
	return pipeline.StatusOK, false, false
}

// Stop implements pipeline.ProcessorStage.
func (p *Processor) Stop() error { return nil }
