package pipeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// countingInput emits count null packets and reports a fixed bitrate.
type countingInput struct {
	count     uint64
	bitrate   uint64
	generated uint64
}

func (in *countingInput) Start(ctx context.Context, pl *Pipeline) error { return nil }
func (in *countingInput) Stop() error                                  { return nil }
func (in *countingInput) Bitrate() uint64                              { return in.bitrate }
func (in *countingInput) Read(buf *tspacket.Packet) error {
	if in.generated >= in.count {
		return io.EOF
	}
	*buf = *tspacket.New()
	in.generated++
	return nil
}

// countingOutput records how many packets it received.
type countingOutput struct {
	written atomic.Uint64
}

func (out *countingOutput) Start(ctx context.Context, pl *Pipeline) error { return nil }
func (out *countingOutput) Stop() error                                  { return nil }
func (out *countingOutput) Write(pkt *tspacket.Packet) error {
	out.written.Add(1)
	return nil
}

// jointInput never reaches EOF on its own; it opts into joint termination
// and votes once told to stop, exercising the ballot instead of
// unconditional termination.
type jointInput struct {
	pl      *Pipeline
	stopped atomic.Bool
}

func (in *jointInput) Start(ctx context.Context, pl *Pipeline) error {
	in.pl = pl
	pl.OptIntoJointTermination()
	return nil
}
func (in *jointInput) Stop() error     { return nil }
func (in *jointInput) Bitrate() uint64 { return 0 }
func (in *jointInput) Read(buf *tspacket.Packet) error {
	if in.stopped.Load() {
		in.pl.JointTerminate()
		return io.EOF
	}
	*buf = *tspacket.New()
	return nil
}

func newTestOptions() Options {
	opts := DefaultOptions()
	opts.BufferSize = 16 * tspacket.Size
	opts.MaxFlushPackets = 4
	return opts
}

func TestNewRequiresInputAndOutput(t *testing.T) {
	t.Parallel()

	if _, err := New(newTestOptions(), nil, nil, &countingOutput{}, nil); err == nil {
		t.Fatal("expected an error for a nil input stage")
	}
	if _, err := New(newTestOptions(), &countingInput{}, nil, nil, nil); err == nil {
		t.Fatal("expected an error for a nil output stage")
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	opts := newTestOptions()
	opts.MaxFlushPackets = 0
	if _, err := New(opts, &countingInput{}, nil, &countingOutput{}, nil); err == nil {
		t.Fatal("expected an error for max-flush-pkt < 1")
	}
}

func TestRunDeliversAllPacketsOnInputEOF(t *testing.T) {
	t.Parallel()

	input := &countingInput{count: 50}
	output := &countingOutput{}
	pl, err := New(newTestOptions(), input, nil, output, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pl.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := output.written.Load(); got != 50 {
		t.Fatalf("output received %d packets, want 50", got)
	}
}

func TestBitrateFixedOverridesInput(t *testing.T) {
	t.Parallel()

	opts := newTestOptions()
	opts.Bitrate = 9_000_000
	input := &countingInput{count: 1, bitrate: 3_000_000}
	pl, err := New(opts, input, nil, &countingOutput{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := pl.Bitrate(); got != 9_000_000 {
		t.Fatalf("Bitrate() = %d, want fixed 9_000_000 to take precedence over input-reported", got)
	}
}

func TestBitrateFallsBackToInputReported(t *testing.T) {
	t.Parallel()

	input := &countingInput{count: 1, bitrate: 3_000_000}
	pl, err := New(newTestOptions(), input, nil, &countingOutput{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := pl.Bitrate(); got != 3_000_000 {
		t.Fatalf("Bitrate() = %d, want input-reported 3_000_000", got)
	}
}

func TestRunStopsOnlyAfterJointTerminationVote(t *testing.T) {
	t.Parallel()

	input := &jointInput{}
	output := &countingOutput{}
	pl, err := New(newTestOptions(), input, nil, output, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pl.Run(ctx) }()

	// Let some packets flow before voting to stop.
	time.Sleep(20 * time.Millisecond)
	input.stopped.Store(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("pipeline did not terminate after the joint-termination vote")
	}

	if output.written.Load() == 0 {
		t.Fatal("expected at least one packet to have flowed before termination")
	}
}

func TestRunPropagatesProcessorStatusEnd(t *testing.T) {
	t.Parallel()

	input := &countingInput{count: 1000}
	output := &countingOutput{}
	ender := endingProcessor{after: 5}
	pl, err := New(newTestOptions(), input, []ProcessorStage{&ender}, output, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pl.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := output.written.Load(); got == 0 || got >= 1000 {
		t.Fatalf("output received %d packets, want a small number well short of 1000", got)
	}
}

type endingProcessor struct {
	after uint64
	seen  atomic.Uint64
}

func (p *endingProcessor) Start(ctx context.Context, pl *Pipeline) error { return nil }
func (p *endingProcessor) Stop() error                                  { return nil }
func (p *endingProcessor) Process(pkt *tspacket.Packet) (Status, bool, bool) {
	if p.seen.Add(1) > p.after {
		return StatusEnd, false, false
	}
	return StatusOK, false, false
}

func TestRunReturnsInputStartError(t *testing.T) {
	t.Parallel()

	pl, err := New(newTestOptions(), &failingInput{}, nil, &countingOutput{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pl.Run(context.Background()); err == nil {
		t.Fatal("expected Run to surface the input stage's Start error")
	}
}

type failingInput struct{ countingInput }

func (in *failingInput) Start(ctx context.Context, pl *Pipeline) error {
	return errors.New("boom")
}
