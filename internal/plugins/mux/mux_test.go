package mux

import (
	"io"
	"testing"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// memSource is an in-memory PacketSource for exercising the mux algorithm
// without touching disk.
type memSource struct {
	pkts []*tspacket.Packet
	pos  int
}

func (m *memSource) ReadPacket() (*tspacket.Packet, error) {
	if m.pos >= len(m.pkts) {
		return nil, io.EOF
	}
	pkt := m.pkts[m.pos]
	m.pos++
	return pkt, nil
}

func newPacketWithPID(pid uint16) *tspacket.Packet {
	p := tspacket.New()
	p.SetPID(pid)
	return p
}

func TestMuxReplacesEveryNullWhenUnconfigured(t *testing.T) {
	t.Parallel()

	src := &memSource{pkts: []*tspacket.Packet{
		newPacketWithPID(0x100),
		newPacketWithPID(0x100),
	}}
	proc := New(Options{Source: src, UpdateCC: true})
	proc.ptsRangeOK = true

	pkt := tspacket.New() // null packet
	status, _, _ := proc.Process(pkt)
	if status != pipeline.StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if pkt.PID() != 0x100 {
		t.Fatalf("PID = 0x%X, want 0x100 (packet should have been replaced)", pkt.PID())
	}
	if proc.insertedCount != 1 {
		t.Fatalf("insertedCount = %d, want 1", proc.insertedCount)
	}
}

func TestMuxPassesThroughNonNullPackets(t *testing.T) {
	t.Parallel()

	src := &memSource{pkts: []*tspacket.Packet{newPacketWithPID(0x100)}}
	proc := New(Options{Source: src})
	proc.ptsRangeOK = true

	pkt := newPacketWithPID(0x200)
	status, _, _ := proc.Process(pkt)
	if status != pipeline.StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if pkt.PID() != 0x200 {
		t.Fatalf("PID changed on non-null packet: got 0x%X", pkt.PID())
	}
	if proc.insertedCount != 0 {
		t.Fatalf("insertedCount = %d, want 0 (no insertion should have occurred)", proc.insertedCount)
	}
	if !proc.tsPIDs.Test(0x200) {
		t.Fatal("PID 0x200 should be recorded in ts_pids")
	}
}

func TestMuxRespectsMaxInsertCount(t *testing.T) {
	t.Parallel()

	src := &memSource{pkts: []*tspacket.Packet{
		newPacketWithPID(0x100),
		newPacketWithPID(0x100),
		newPacketWithPID(0x100),
	}}
	proc := New(Options{Source: src, MaxInsertCount: 2})
	proc.ptsRangeOK = true

	for i := 0; i < 3; i++ {
		pkt := tspacket.New()
		proc.Process(pkt)
	}
	if proc.insertedCount != 2 {
		t.Fatalf("insertedCount = %d, want 2 (max-insert-count should cap insertions)", proc.insertedCount)
	}
}

func TestMuxCheckPIDConflictEndsPipeline(t *testing.T) {
	t.Parallel()

	src := &memSource{pkts: []*tspacket.Packet{newPacketWithPID(0x100)}}
	proc := New(Options{Source: src, CheckPIDConflict: true})
	proc.ptsRangeOK = true
	proc.tsPIDs.Set(0x100)

	pkt := tspacket.New()
	status, _, _ := proc.Process(pkt)
	if status != pipeline.StatusEnd {
		t.Fatalf("status = %v, want StatusEnd on PID conflict", status)
	}
}

func TestMuxForcePIDOverridesInsertedPID(t *testing.T) {
	t.Parallel()

	src := &memSource{pkts: []*tspacket.Packet{newPacketWithPID(0x100)}}
	proc := New(Options{Source: src, ForcePID: true, ForcePIDValue: 0x300})
	proc.ptsRangeOK = true

	pkt := tspacket.New()
	proc.Process(pkt)
	if pkt.PID() != 0x300 {
		t.Fatalf("PID = 0x%X, want forced 0x300", pkt.PID())
	}
}

func TestMuxUpdateCCIncrementsModulo16(t *testing.T) {
	t.Parallel()

	pkts := make([]*tspacket.Packet, 20)
	for i := range pkts {
		pkts[i] = newPacketWithPID(0x100)
	}
	src := &memSource{pkts: pkts}
	proc := New(Options{Source: src, UpdateCC: true})
	proc.ptsRangeOK = true

	for i := 0; i < 20; i++ {
		pkt := tspacket.New()
		proc.Process(pkt)
		want := uint8(i % 16)
		if pkt.ContinuityCounter() != want {
			t.Fatalf("iteration %d: CC = %d, want %d", i, pkt.ContinuityCounter(), want)
		}
	}
}

func packetWithPCR(pid uint16, pcrBase uint64) *tspacket.Packet {
	p := tspacket.New()
	p.SetPID(pid)
	p.Raw[3] = 0x20 // adaptation field only, no payload
	p.Raw[4] = 183  // adaptation field length
	p.Raw[5] = 0x10 // PCR flag
	p.Raw[6] = byte(pcrBase >> 25)
	p.Raw[7] = byte(pcrBase >> 17)
	p.Raw[8] = byte(pcrBase >> 9)
	p.Raw[9] = byte(pcrBase >> 1)
	p.Raw[10] = byte(pcrBase&1)<<7 | 0x7E // reserved bits + extension bit 0
	p.Raw[11] = 0x00
	return p
}

func TestMuxPTSPIDUnspecifiedDiscoversFirstPCRPID(t *testing.T) {
	t.Parallel()

	proc := New(Options{Source: &memSource{}, PTSPID: PTSPIDUnspecified})
	if proc.ptsPID != PTSPIDUnspecified {
		t.Fatalf("ptsPID = %d, want PTSPIDUnspecified before any PCR is seen", proc.ptsPID)
	}

	proc.Process(packetWithPCR(0x200, 12345))
	if proc.ptsPID != 0x200 {
		t.Fatalf("ptsPID = %d, want 0x200 discovered from the first PCR-bearing packet", proc.ptsPID)
	}
}

func TestMuxPTSPIDZeroTracksRealPIDZeroOnly(t *testing.T) {
	t.Parallel()

	// PTSPID left at the Go zero value now means literal PID 0, not
	// "unspecified"; a PCR on a different PID must not be adopted.
	proc := New(Options{Source: &memSource{}})
	proc.Process(packetWithPCR(0x200, 12345))
	if proc.ptsPID != 0 {
		t.Fatalf("ptsPID = %d, want to remain 0 (literal PID 0, not auto-discovered)", proc.ptsPID)
	}
}

func TestOptionsValidateMutualExclusion(t *testing.T) {
	t.Parallel()

	opts := Options{Source: &memSource{}, Bitrate: 1000, InterPkt: 5}
	if err := opts.Validate(); err == nil {
		t.Error("expected error for mutually exclusive bitrate/inter-packet")
	}

	opts2 := Options{Source: &memSource{}, Terminate: true, JointTermination: true}
	if err := opts2.Validate(); err == nil {
		t.Error("expected error for mutually exclusive terminate/joint-termination")
	}
}
