package srtio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// OutputOptions configures the SRT output plugin.
type OutputOptions struct {
	// Addr is the remote SRT listener to dial, e.g. "host:9000".
	Addr string
	// StreamID is sent to the remote listener as the SRT streamid.
	StreamID string
	// Latency is the SRT sender latency; 0 means defaultLatency.
	Latency time.Duration
	// DialTimeout bounds how long Start waits to connect; 0 means 10s.
	DialTimeout time.Duration
}

// Output is a pipeline.OutputStage dialing a remote SRT listener and
// writing raw transport-stream packets to it, batched into
// srtPayloadSize chunks to match typical SRT payload sizing.
type Output struct {
	opts OutputOptions
	log  *slog.Logger

	conn *srtgo.Conn
	buf  []byte
}

// NewOutput creates an SRT output plugin.
func NewOutput(opts OutputOptions) *Output {
	return &Output{opts: opts}
}

// Start implements pipeline.OutputStage: it dials the remote SRT
// listener synchronously, racing the dial against ctx cancellation and a
// configurable timeout.
func (out *Output) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	out.log = pl.Log().With("component", "srtio-output", "addr", out.opts.Addr)

	latency := out.opts.Latency
	if latency == 0 {
		latency = defaultLatency
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = out.opts.StreamID

	dialTimeout := out.opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(out.opts.Addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srtio: dial %s: %w", out.opts.Addr, res.err)
		}
		out.conn = res.conn
		out.buf = make([]byte, 0, srtPayloadSize)
		out.log.Info("connected")
		return nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("srtio: dial %s timed out after %s", out.opts.Addr, dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// Write implements pipeline.OutputStage, batching packets into
// srtPayloadSize chunks before writing to the socket.
func (out *Output) Write(pkt *tspacket.Packet) error {
	out.buf = append(out.buf, pkt.Raw[:]...)
	if len(out.buf) < srtPayloadSize {
		return nil
	}
	return out.flush()
}

func (out *Output) flush() error {
	if len(out.buf) == 0 {
		return nil
	}
	_, err := out.conn.Write(out.buf)
	out.buf = out.buf[:0]
	return err
}

// Stop implements pipeline.OutputStage.
func (out *Output) Stop() error {
	flushErr := out.flush()
	if out.conn != nil {
		_ = out.conn.Close()
	}
	return flushErr
}
