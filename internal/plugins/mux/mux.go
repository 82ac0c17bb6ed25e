// Package mux implements the multiplex processor: it replaces null
// packets of the primary stream with packets read from a secondary
// source, subject to rate/time windowing.
package mux

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zsiec/tsforge/internal/pidset"
	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// PTSPIDUnspecified marks Options.PTSPID as "not set": the processor
// discovers the PTS-timing PID from the first PCR it sees on any PID
// instead. PID 0 is PAT, a real and valid PID value, so it cannot double
// as this sentinel.
const PTSPIDUnspecified uint16 = 0xFFFF

// PacketSource supplies the secondary stream of packets to insert. The
// default implementation is FileSource; tests substitute an in-memory
// one to exercise the algorithm without touching disk.
type PacketSource interface {
	ReadPacket() (*tspacket.Packet, error)
}

// Options configures the mux processor.
type Options struct {
	Source PacketSource

	Bitrate         uint64 // target b/s of inserted packets; 0 = replace every null
	InterPkt        uint64 // distance in primary packets between two inserts
	InterTimeMs     uint64 // ms between inserts, converted internally to PTS ticks (×90)
	MinPTS          uint64
	MaxPTS          uint64
	PTSPID          uint16 // PTSPIDUnspecified = first PID carrying PCR
	ForcePID        bool
	ForcePIDValue   uint16
	UpdateCC        bool
	CheckPIDConflict bool
	MaxInsertCount  uint64
	Terminate       bool
	JointTermination bool
}

// Validate enforces this processor's mutual-exclusion invariants:
// bitrate, inter_pkt and inter_time are mutually exclusive, and
// terminate/joint-termination are mutually exclusive.
func (o Options) Validate() error {
	set := 0
	if o.Bitrate != 0 {
		set++
	}
	if o.InterPkt != 0 {
		set++
	}
	if o.InterTimeMs != 0 {
		set++
	}
	if set > 1 {
		return errors.New("mux: --bitrate, --inter-packet and --inter-time are mutually exclusive")
	}
	if o.Terminate && o.JointTermination {
		return errors.New("mux: --terminate and --joint-termination are mutually exclusive")
	}
	if o.Source == nil {
		return errors.New("mux: a secondary packet source is required")
	}
	return nil
}

// Processor is a pipeline.ProcessorStage implementing the mux algorithm.
type Processor struct {
	opts Options
	log  *slog.Logger
	pl   *pipeline.Pipeline

	interPkt       uint64
	interTimePTS   uint64
	packetCount    uint64
	pidNextPkt     uint64
	tsPIDs         *pidset.Set
	cc             [tspacket.PIDMax]uint8
	ptsPID         uint16
	ptsRangeOK     bool
	insertedCount  uint64
	youngestPTS    uint64
	ptsLastInserted uint64

	bitrateResolved bool
	jointVoted      bool
}

// New creates a mux processor.
func New(opts Options) *Processor {
	p := &Processor{
		opts:         opts,
		log:          slog.Default(),
		interPkt:     opts.InterPkt,
		interTimePTS: opts.InterTimeMs * 90,
		tsPIDs:       pidset.New(),
		ptsPID:       opts.PTSPID,
		ptsRangeOK:   opts.MinPTS == 0,
	}
	return p
}

// Start implements pipeline.ProcessorStage.
func (p *Processor) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	if err := p.opts.Validate(); err != nil {
		return err
	}
	p.pl = pl
	p.log = pl.Log().With("component", "mux")
	if p.opts.JointTermination {
		pl.OptIntoJointTermination()
	}
	return nil
}

// Stop implements pipeline.ProcessorStage.
func (p *Processor) Stop() error { return nil }

// Process implements pipeline.ProcessorStage: it decides, per incoming
// null packet, whether to replace it with the next secondary-source
// packet, applying the configured rate/time window and PID rewrite.
func (p *Processor) Process(pkt *tspacket.Packet) (pipeline.Status, bool, bool) {
	// Step 1: one-time bitrate → inter_pkt resolution.
	if p.packetCount == 0 && p.opts.Bitrate != 0 && !p.bitrateResolved {
		p.bitrateResolved = true
		tsBitrate := p.pl.Bitrate()
		if tsBitrate < p.opts.Bitrate {
			p.log.Error("input bitrate unknown or too low, specify inter-packet instead of bitrate")
			return pipeline.StatusEnd, false, false
		}
		p.interPkt = tsBitrate / p.opts.Bitrate
		p.log.Info("resolved insertion interval", "ts_bitrate", tsBitrate, "inter_pkt", p.interPkt)
	}

	p.packetCount++
	pid := pkt.PID()

	// Step 2: update youngest_pts from PTS (on pts_pid) or PCR (on any PID,
	// or the configured pts_pid if PTS is absent).
	var currentPTS uint64
	if pid == p.ptsPID && pkt.HasPTS() {
		currentPTS = pkt.PTS()
	} else if (pid == p.ptsPID || p.ptsPID == PTSPIDUnspecified) && pkt.HasPCR() {
		p.ptsPID = pid
		currentPTS = pkt.PCR() / 300
	}

	// Step 3: recompute pts_range_ok.
	if currentPTS > 0 {
		p.youngestPTS = currentPTS

		if p.opts.MinPTS != 0 && (p.ptsPID == PTSPIDUnspecified || pid == p.ptsPID) {
			if currentPTS > p.opts.MinPTS && (currentPTS < p.opts.MaxPTS || p.opts.MaxPTS == 0) {
				p.ptsRangeOK = true
			}
		}

		if p.interTimePTS != 0 && p.ptsLastInserted != 0 {
			threshold := (p.ptsLastInserted + p.interTimePTS) % tspacket.PTSMask
			if p.youngestPTS != threshold && tspacket.PTSDiffLater(threshold, p.youngestPTS) {
				p.ptsRangeOK = true
			} else {
				p.ptsRangeOK = false
			}
		}

		if p.opts.MaxPTS != 0 && p.opts.MaxPTS < currentPTS && (pid == p.ptsPID || p.ptsPID == PTSPIDUnspecified) {
			p.ptsRangeOK = false
		}
	}

	// Step 4: non-null packets pass through transparently.
	if pid != tspacket.PIDNull {
		p.tsPIDs.Set(pid)
		return pipeline.StatusOK, false, false
	}

	// Step 5: not yet time, out of range, or insert quota exhausted.
	if p.packetCount < p.pidNextPkt {
		return pipeline.StatusOK, false, false
	}
	if !p.ptsRangeOK || (p.opts.MaxInsertCount != 0 && p.insertedCount >= p.opts.MaxInsertCount) {
		return pipeline.StatusOK, false, false
	}

	// Step 6: read the next secondary packet, overwriting the null slot.
	src, err := p.opts.Source.ReadPacket()
	if err != nil {
		if p.opts.JointTermination {
			if !p.jointVoted {
				p.jointVoted = true
				p.pl.JointTerminate()
			}
			return pipeline.StatusOK, false, false
		}
		if p.opts.Terminate {
			return pipeline.StatusEnd, false, false
		}
		return pipeline.StatusOK, false, false
	}
	*pkt = *src

	p.insertedCount++
	p.ptsLastInserted = p.youngestPTS
	if p.interTimePTS != 0 {
		p.ptsRangeOK = false
	}

	// Step 7: PID force/conflict/CC rewrite.
	if p.opts.ForcePID {
		pkt.SetPID(p.opts.ForcePIDValue)
	}
	pid = pkt.PID()
	if p.opts.CheckPIDConflict && p.tsPIDs.Test(pid) {
		p.log.Error("PID already exists in TS, aborting", "pid", pid)
		return pipeline.StatusEnd, false, false
	}
	if p.opts.UpdateCC {
		pkt.SetContinuityCounter(p.cc[pid])
		p.cc[pid] = (p.cc[pid] + 1) & tspacket.CCMask
	}

	// Step 8: schedule next insertion point.
	p.pidNextPkt += p.interPkt

	return pipeline.StatusOK, false, false
}
