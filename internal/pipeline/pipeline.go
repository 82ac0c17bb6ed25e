// Package pipeline implements the staged transport-stream runtime:
// a fixed-size shared ring buffer traversed by an input stage, zero or
// more processor stages, and an output stage, with coordinated
// backpressure, bitrate discovery, input stuffing injection, and joint
// termination. Each stage runs on its own goroutine under a single
// golang.org/x/sync/errgroup, so the first failure cancels everything
// else.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// Pipeline wires an InputStage, zero or more ProcessorStages, and an
// OutputStage around a shared Buffer.
type Pipeline struct {
	log     *slog.Logger
	opts    Options
	buf     *Buffer
	ballot  *Ballot
	bitrate *bitrateEstimator

	input      InputStage
	processors []ProcessorStage
	output     OutputStage

	numStages int
}

// New builds a Pipeline. input must be non-nil; processors may be empty;
// output must be non-nil. The resulting stage chain always has input at
// position 0 and output at the last position.
func New(opts Options, input InputStage, processors []ProcessorStage, output OutputStage, log *slog.Logger) (*Pipeline, error) {
	if input == nil || output == nil {
		return nil, fmt.Errorf("pipeline: input and output stages are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	numStages := 2 + len(processors)
	capacity := opts.BufferSize / packetStride
	if capacity < opts.MaxFlushPackets {
		capacity = opts.MaxFlushPackets
	}

	pl := &Pipeline{
		log:        log.With("component", "pipeline"),
		opts:       opts,
		buf:        NewBuffer(capacity, numStages),
		ballot:     NewBallot(opts.IgnoreJointTermination),
		input:      input,
		processors: processors,
		output:     output,
		numStages:  numStages,
	}
	pl.bitrate = newBitrateEstimator(opts.Bitrate, input.Bitrate, opts.BitrateAdjustInterval)
	return pl, nil
}

// Bitrate returns the pipeline's current effective bitrate discovery
// result.
func (p *Pipeline) Bitrate() uint64 {
	return p.bitrate.Bitrate()
}

// JointTerminate casts this caller's vote in the joint-termination
// ballot. Stages that opt into joint termination should call this
// instead of returning StatusEnd when they have nothing more to
// contribute but should not, by themselves, stop the pipeline.
func (p *Pipeline) JointTerminate() {
	p.ballot.Vote()
}

// OptIntoJointTermination registers the caller as an eligible voter,
// increasing the number of votes the ballot needs before it resolves.
// Plugins call this from Start when their --joint-termination option is
// set.
func (p *Pipeline) OptIntoJointTermination() {
	p.ballot.mu.Lock()
	p.ballot.total++
	p.ballot.mu.Unlock()
}

// Log returns the pipeline's logger, scoped for stages to add their own
// "component" attribute.
func (p *Pipeline) Log() *slog.Logger { return p.log }

// Run starts every stage and blocks until the pipeline terminates,
// either unconditionally (a stage returned StatusEnd, or the input
// reached EOF, including an input that opted into joint termination) or
// via a resolved joint-termination ballot.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := p.input.Start(gctx, p); err != nil {
		return fmt.Errorf("pipeline: input start: %w", err)
	}
	for i, proc := range p.processors {
		if err := proc.Start(gctx, p); err != nil {
			p.buf.Abort()
			return fmt.Errorf("pipeline: processor %d start: %w", i, err)
		}
	}
	if err := p.output.Start(gctx, p); err != nil {
		p.buf.Abort()
		return fmt.Errorf("pipeline: output start: %w", err)
	}

	// Every stage's Start has now run, so every OptIntoJointTermination
	// call (only ever made from Start) has already happened: the set of
	// eligible voters is final. Resolve the ballot now if it turns out to
	// be empty, rather than leaving it to resolve implicitly from a vote
	// that will never come.
	p.ballot.Finalize()

	g.Go(func() error { return p.runInput(gctx) })
	for i := range p.processors {
		idx := i + 1
		g.Go(func() error { return p.runProcessor(gctx, idx) })
	}
	g.Go(func() error { return p.runOutput(gctx) })

	if p.opts.Monitor {
		g.Go(func() error { return p.runMonitor(gctx) })
	}

	if p.ballot.HasVoters() {
		g.Go(func() error {
			select {
			case <-p.ballot.Resolved():
				p.buf.RequestDrain()
			case <-gctx.Done():
			}
			return nil
		})
	}

	err := g.Wait()

	_ = p.input.Stop()
	for _, proc := range p.processors {
		_ = proc.Stop()
	}
	_ = p.output.Stop()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) runInput(ctx context.Context) error {
	stuffer := newInstuffer(p.opts, p.input)

	for {
		if ctx.Err() != nil {
			p.buf.RequestDrain()
			return nil
		}

		slot, pos, ok := p.buf.AcquireInput()
		if !ok {
			return nil
		}

		err := stuffer.next(slot)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("input EOF")
				p.buf.RequestDrain()
				return nil
			}
			p.log.Error("input read error", "error", err)
			p.buf.RequestDrain()
			return nil
		}

		p.bitrate.Observe(slot)
		p.buf.ReleaseInput(pos)
	}
}

func (p *Pipeline) runProcessor(ctx context.Context, stageIdx int) error {
	proc := p.processors[stageIdx-1]

	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, pos, dropped, ok := p.buf.AcquireStage(stageIdx)
		if !ok {
			return nil
		}

		if dropped {
			p.buf.ReleaseStage(stageIdx, pos, true)
			continue
		}

		status, _, _ := proc.Process(pkt)

		switch status {
		case StatusEnd:
			p.log.Warn("processor requested termination", "stage", stageIdx)
			p.buf.ReleaseStage(stageIdx, pos, false)
			p.buf.RequestDrain()
			return nil
		case StatusDrop:
			p.buf.ReleaseStage(stageIdx, pos, true)
		case StatusNull:
			*pkt = *tspacket.New()
			p.buf.ReleaseStage(stageIdx, pos, false)
		default: // StatusOK
			p.buf.ReleaseStage(stageIdx, pos, false)
		}
	}
}

func (p *Pipeline) runOutput(ctx context.Context) error {
	stageIdx := p.numStages - 1
	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, pos, dropped, ok := p.buf.AcquireStage(stageIdx)
		if !ok {
			return nil
		}

		if !dropped {
			if err := p.output.Write(pkt); err != nil {
				p.log.Error("output write error", "error", err)
				p.buf.ReleaseStage(stageIdx, pos, false)
				p.buf.RequestDrain()
				return nil
			}
		}
		p.buf.ReleaseStage(stageIdx, pos, false)
	}
}

func (p *Pipeline) runMonitor(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.log.Info("ring buffer occupancy",
				"occupied", p.buf.Occupancy(),
				"capacity", p.buf.Capacity(),
				"bitrate", p.Bitrate())
		}
	}
}
