package scrambler

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/plugins/nullinput"
	"github.com/zsiec/tsforge/internal/psi"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// discardOutput is a minimal pipeline.OutputStage used only to satisfy
// pipeline.New's non-nil requirement; these tests drive Processor.Process
// directly rather than running the pipeline's goroutines.
type discardOutput struct{}

func (discardOutput) Start(ctx context.Context, pl *pipeline.Pipeline) error { return nil }
func (discardOutput) Write(pkt *tspacket.Packet) error                      { return nil }
func (discardOutput) Stop() error                                           { return nil }

// fakeECMG is a bare-bones SimulCrypt ECMG server: enough to bring up a
// channel/stream and answer every CW_provision with a fixed ECM.
func fakeECMG(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		writeMsg := func(msgType uint16, params map[uint16][]byte) error {
			var body []byte
			for tag, v := range params {
				var hdr [4]byte
				binary.BigEndian.PutUint16(hdr[0:2], tag)
				binary.BigEndian.PutUint16(hdr[2:4], uint16(len(v)))
				body = append(body, hdr[:]...)
				body = append(body, v...)
			}
			buf := make([]byte, 6+len(body))
			binary.BigEndian.PutUint16(buf[0:2], msgType)
			binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
			copy(buf[6:], body)
			_, err := conn.Write(buf)
			return err
		}
		readMsg := func() (uint16, []byte, error) {
			var hdr [6]byte
			if _, err := ioReadFull(conn, hdr[:]); err != nil {
				return 0, nil, err
			}
			bodyLen := binary.BigEndian.Uint32(hdr[2:6])
			body := make([]byte, bodyLen)
			if _, err := ioReadFull(conn, body); err != nil {
				return 0, nil, err
			}
			return binary.BigEndian.Uint16(hdr[0:2]), body, nil
		}
		paramUint16 := func(body []byte, wantTag uint16) (uint16, bool) {
			for off := 0; off+4 <= len(body); {
				gotTag := binary.BigEndian.Uint16(body[off : off+2])
				length := binary.BigEndian.Uint16(body[off+2 : off+4])
				off += 4
				if gotTag == wantTag && length >= 2 {
					return binary.BigEndian.Uint16(body[off : off+2]), true
				}
				off += int(length)
			}
			return 0, false
		}

		if _, _, err := readMsg(); err != nil {
			return
		}
		if err := writeMsg(0x0002, map[uint16][]byte{
			0x0001: {0, 1},        // TagChannelID
			0x0006: {0xFF, 0x38},  // TagDelayStart = -200ms
			0x000B: {0, 50},       // TagMinCPDuration
		}); err != nil {
			return
		}
		if _, _, err := readMsg(); err != nil {
			return
		}
		if err := writeMsg(0x0012, map[uint16][]byte{
			0x0001: {0, 1},
			0x0002: {0, 2},
			0x0003: {0, 3},
		}); err != nil {
			return
		}

		for {
			_, body, err := readMsg()
			if err != nil {
				return
			}
			cpNumber, _ := paramUint16(body, 0x0011)
			var cpNumberBytes [2]byte
			binary.BigEndian.PutUint16(cpNumberBytes[:], cpNumber)
			if err := writeMsg(0x0022, map[uint16][]byte{
				0x0001: {0, 1},
				0x0002: {0, 2},
				0x0011: cpNumberBytes[:],
				0x0014: {0x80, 0x70, 0x05, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
			}); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	opts := pipeline.DefaultOptions()
	opts.Bitrate = 4_000_000
	pl, err := pipeline.New(opts, nullinput.New(nullinput.Options{}), nil, discardOutput{}, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return pl
}

func buildPMTPacket(t *testing.T, pmtPID, videoPID uint16) *tspacket.Packet {
	t.Helper()
	pmt := &psi.PMT{
		ProgramNumber: 1,
		CurrentNext:   true,
		PCRPID:        videoPID,
		Components: []psi.Component{
			{StreamType: psi.StreamTypeH264, PID: videoPID},
		},
	}
	section := pmt.Rebuild()
	pkts := tspacket.Packetize(append([]byte{0x00}, section...), pmtPID, 0)
	if len(pkts) != 1 {
		t.Fatalf("expected PMT to fit in one packet, got %d", len(pkts))
	}
	return pkts[0]
}

func TestScramblerHandlesPMTAndScrambles(t *testing.T) {
	addr := fakeECMG(t)

	opts := Options{
		PMTPID:          100,
		ScrambleVideo:   true,
		NeedCP:          true,
		NeedECM:         true,
		SynchronousECMG: true,
		CPDuration:      10 * time.Second,
		DelayStart:      -200 * time.Millisecond,
		ECMGAddr:        addr,
		ChannelID:       1,
		StreamID:        2,
		ECMID:           3,
	}

	p := New(opts)
	pl := newTestPipeline(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx, pl); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	const videoPID = 501
	pmtPkt := buildPMTPacket(t, opts.PMTPID, videoPID)
	status, _, _ := p.Process(pmtPkt)
	if status != pipeline.StatusOK {
		t.Fatalf("PMT packet status = %v, want StatusOK", status)
	}
	if p.abort.Load() {
		t.Fatal("processor aborted while handling PMT")
	}
	if p.ecmPID == tspacket.PIDNull {
		t.Fatal("expected an ECM PID to be allocated")
	}
	if !p.scrambledPID.Test(videoPID) {
		t.Fatalf("expected PID %d to be selected for scrambling", videoPID)
	}

	videoPkt := tspacket.New()
	videoPkt.SetPID(videoPID)
	videoPkt.Raw[3] = 0x10 // payload only, no adaptation field
	payload := videoPkt.Payload()
	for i := range payload {
		payload[i] = byte(i)
	}
	original := append([]byte(nil), payload...)

	status, _, _ = p.Process(videoPkt)
	if status != pipeline.StatusOK {
		t.Fatalf("video packet status = %v, want StatusOK", status)
	}
	if !videoPkt.IsScrambled() {
		t.Fatal("expected video packet to be marked scrambled")
	}
	if string(videoPkt.Payload()) == string(original) {
		t.Fatal("expected video payload to change after scrambling")
	}
}

func TestScramblerDelayStartComesFromChannelStatusNotOptions(t *testing.T) {
	addr := fakeECMG(t) // channel_status always negotiates delay_start = -200ms

	opts := Options{
		PMTPID:          100,
		ScrambleVideo:   true,
		NeedCP:          true,
		NeedECM:         true,
		SynchronousECMG: true,
		CPDuration:      10 * time.Second,
		DelayStart:      -900 * time.Millisecond, // deliberately different fallback
		ECMGAddr:        addr,
		ChannelID:       1,
		StreamID:        2,
		ECMID:           3,
	}

	p := New(opts)
	pl := newTestPipeline(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx, pl); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if p.delayStart != -200*time.Millisecond {
		t.Fatalf("delayStart = %s, want the ECMG-negotiated -200ms, not the configured fallback %s", p.delayStart, opts.DelayStart)
	}
}

func TestScramblerECMPIDConflictAborts(t *testing.T) {
	addr := fakeECMG(t)

	opts := Options{
		PMTPID:          100,
		ScrambleVideo:   true,
		NeedCP:          true,
		NeedECM:         true,
		SynchronousECMG: true,
		CPDuration:      10 * time.Second,
		ECMGAddr:        addr,
		ChannelID:       1,
		StreamID:        2,
		ECMID:           3,
	}

	p := New(opts)
	pl := newTestPipeline(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx, pl); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	const videoPID = 501
	pmtPkt := buildPMTPacket(t, opts.PMTPID, videoPID)
	if status, _, _ := p.Process(pmtPkt); status != pipeline.StatusOK {
		t.Fatalf("PMT packet status = %v, want StatusOK", status)
	}

	conflict := tspacket.New()
	conflict.SetPID(p.ecmPID)
	if status, _, _ := p.Process(conflict); status != pipeline.StatusEnd {
		t.Fatalf("conflicting packet status = %v, want StatusEnd", status)
	}
}

func TestScramblerNoPMTYetPassesNull(t *testing.T) {
	addr := fakeECMG(t)

	opts := Options{
		PMTPID:          100,
		ScrambleVideo:   true,
		NeedCP:          true,
		NeedECM:         true,
		SynchronousECMG: true,
		CPDuration:      10 * time.Second,
		ECMGAddr:        addr,
		ChannelID:       1,
		StreamID:        2,
		ECMID:           3,
	}

	p := New(opts)
	pl := newTestPipeline(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx, pl); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	pkt := tspacket.New()
	pkt.SetPID(501)
	status, _, _ := p.Process(pkt)
	if status != pipeline.StatusNull {
		t.Fatalf("status before any PMT = %v, want StatusNull", status)
	}
}
