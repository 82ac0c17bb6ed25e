package srtio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// InputOptions configures the SRT input plugin.
type InputOptions struct {
	// Addr is the local address to listen on, e.g. ":9000".
	Addr string
	// StreamID, if non-empty, is the exact streamid a connecting caller
	// must present; the connection is rejected otherwise.
	StreamID string
	// Latency is the SRT receiver latency; 0 means defaultLatency.
	Latency time.Duration
	// JointTermination opts this input into the joint-termination ballot:
	// it casts its vote when the caller disconnects. The disconnect still
	// drains and stops the pipeline, whether or not the other voters have
	// voted.
	JointTermination bool
}

// Input is a pipeline.InputStage accepting one SRT publish connection
// and reading raw transport-stream packets from it.
type Input struct {
	opts InputOptions
	log  *slog.Logger
	pl   *pipeline.Pipeline

	ln   *srtgo.Listener
	conn *srtgo.Conn

	frames  reassembler
	readbuf []byte

	bytesRead atomic.Int64
}

// NewInput creates an SRT input plugin.
func NewInput(opts InputOptions) *Input {
	return &Input{opts: opts}
}

// Start implements pipeline.InputStage: it listens and blocks until a
// single caller connects, or ctx is cancelled first.
func (in *Input) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	in.pl = pl
	in.log = pl.Log().With("component", "srtio-input", "addr", in.opts.Addr)
	if in.opts.JointTermination {
		pl.OptIntoJointTermination()
	}

	latency := in.opts.Latency
	if latency == 0 {
		latency = defaultLatency
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency

	ln, err := srtgo.Listen(in.opts.Addr, cfg)
	if err != nil {
		return fmt.Errorf("srtio: listen on %s: %w", in.opts.Addr, err)
	}
	in.ln = ln
	in.log.Info("listening")

	ln.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if in.opts.StreamID != "" && req.StreamID != in.opts.StreamID {
			return srtgo.RejPeer
		}
		return 0
	})

	type acceptResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srtio: accept: %w", res.err)
		}
		in.conn = res.conn
		in.readbuf = make([]byte, srtPayloadSize*4)
		in.log.Info("caller connected", "remote", res.conn.RemoteAddr())
		return nil
	case <-ctx.Done():
		_ = ln.Close()
		return ctx.Err()
	}
}

// Read implements pipeline.InputStage. SRT is message-oriented: one Read
// off the socket can return several TS packets at once, so leftover bytes
// are buffered across calls.
func (in *Input) Read(buf *tspacket.Packet) error {
	for {
		if pkt, ok := in.frames.next(); ok {
			copy(buf.Raw[:], pkt)
			return nil
		}

		n, err := in.conn.Read(in.readbuf)
		if n > 0 {
			in.frames.feed(in.readbuf[:n])
			in.bytesRead.Add(int64(n))
		}
		if err != nil {
			if pkt, ok := in.frames.next(); ok {
				copy(buf.Raw[:], pkt)
				return nil
			}
			if err != io.EOF {
				in.log.Debug("read error", "error", err)
			}
			if in.opts.JointTermination {
				in.pl.JointTerminate()
			}
			return io.EOF
		}
	}
}

// Stop implements pipeline.InputStage.
func (in *Input) Stop() error {
	if in.conn != nil {
		_ = in.conn.Close()
	}
	if in.ln != nil {
		return in.ln.Close()
	}
	return nil
}

// Bitrate implements pipeline.InputStage; SRT input never self-reports a
// bitrate, so the pipeline falls through to PCR-based estimation.
func (in *Input) Bitrate() uint64 { return 0 }
