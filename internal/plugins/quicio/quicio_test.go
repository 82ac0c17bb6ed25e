package quicio

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/plugins/nullinput"
	"github.com/zsiec/tsforge/internal/tspacket"
)

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	pl, err := pipeline.New(pipeline.DefaultOptions(), nullinput.New(nullinput.Options{}), nil, discardOutput{}, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return pl
}

type discardOutput struct{}

func (discardOutput) Start(ctx context.Context, pl *pipeline.Pipeline) error { return nil }
func (discardOutput) Write(pkt *tspacket.Packet) error                      { return nil }
func (discardOutput) Stop() error                                           { return nil }

func TestOutputStreamsPacketsToOneReader(t *testing.T) {
	out := New(Options{Addr: "127.0.0.1:0", AcceptTimeout: 5 * time.Second})
	pl := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- out.Start(ctx, pl) }()

	// Start blocks in Accept until the listener is bound; poll for its
	// address instead of racing a fixed sleep.
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out.ln != nil {
			addr = out.ln.Addr().String()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("output never bound a listener")
	}

	readerCtx, readerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readerCancel()
	conn, err := quic.DialAddr(readerCtx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{nextProto},
	}, nil)
	if err != nil {
		t.Fatalf("DialAddr: %v", err)
	}
	defer conn.CloseWithError(0, "test done")

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start never returned")
	}

	pkt := tspacket.New()
	pkt.Raw[1] = 0x55
	if err := out.Write(pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The reader only learns of the unidirectional stream once a frame
	// carrying data arrives, so it accepts the stream after the write.
	stream, err := conn.AcceptUniStream(readerCtx)
	if err != nil {
		t.Fatalf("AcceptUniStream: %v", err)
	}

	got := make([]byte, tspacket.Size)
	if _, err := io.ReadFull(stream, got); err != nil {
		t.Fatalf("reading from stream: %v", err)
	}
	if !bytes.Equal(got, pkt.Raw[:]) {
		t.Fatalf("got %v, want %v", got, pkt.Raw[:])
	}

	if err := out.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
