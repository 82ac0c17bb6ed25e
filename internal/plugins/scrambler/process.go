package scrambler

import (
	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// Process implements pipeline.ProcessorStage, walking each packet
// through service discovery, crypto-period bookkeeping, ECM insertion,
// and finally scrambling in a fixed step order.
func (p *Processor) Process(pkt *tspacket.Packet) (pipeline.Status, bool, bool) {
	// Step 1: bookkeeping.
	p.packetCount++
	pid := pkt.PID()
	p.inputPIDs.Set(pid)
	if br := p.pl.Bitrate(); br != 0 {
		p.tsBitrate = br
	}

	// Step 2: service discovery.
	p.feedPMT(pkt)

	// Step 3: abort flag polled every packet.
	if p.abort.Load() {
		return pipeline.StatusEnd, false, false
	}

	// Step 4: ECM PID allocation conflict.
	if p.ecmPID != tspacket.PIDNull && pid == p.ecmPID {
		p.log.Error("ECM PID allocation conflict, found as input PID", "pid", pid)
		return pipeline.StatusEnd, false, false
	}

	// Step 5: PMT not yet received.
	if p.scrambledPID.Count() == 0 {
		return pipeline.StatusNull, false, false
	}

	// Step 6: PMT repacketizer.
	if p.updatePMT && pid == p.opts.PMTPID {
		*pkt = *p.nextPMTPacket()
		return pipeline.StatusOK, false, false
	}

	// Step 7: CW transition.
	if p.opts.NeedCP && p.packetCount >= p.pktChangeCW {
		if !p.changeCW() {
			return pipeline.StatusEnd, false, false
		}
	}

	// Step 8: ECM transition.
	if p.opts.NeedECM && p.packetCount >= p.pktChangeECM {
		p.changeECM()
	}

	// Step 9: ECM packet insertion.
	if p.opts.NeedECM && pid == tspacket.PIDNull && p.packetCount >= p.pktInsertECM {
		if p.opts.ECMBitrate != 0 && p.tsBitrate != 0 {
			p.pktInsertECM += p.tsBitrate / p.opts.ECMBitrate
		}
		if !p.tryExitDegradedMode() {
			return pipeline.StatusEnd, false, false
		}
		*pkt = *p.currentECMPeriod().getNextECMPacket()
		return pipeline.StatusOK, false, false
	}

	// Step 10: not eligible for scrambling.
	if !pkt.HasPayload() || !p.scrambledPID.Test(pid) {
		return pipeline.StatusOK, false, false
	}

	// Step 11: already scrambled.
	if pkt.IsScrambled() {
		if p.opts.IgnoreScrambled {
			if !p.conflictPIDs.Test(pid) {
				p.log.Warn("found already-scrambled input packets, ignoring", "pid", pid)
				p.conflictPIDs.Set(pid)
			}
			return pipeline.StatusOK, false, false
		}
		p.log.Error("packet already scrambled", "pid", pid)
		return pipeline.StatusEnd, false, false
	}

	// Step 12: partial scrambling.
	partial := p.opts.PartialScrambling
	if partial <= 0 {
		partial = 1
	}
	if p.partialClear > 0 {
		p.partialClear--
		return pipeline.StatusOK, false, false
	}
	p.partialClear = partial - 1

	// Step 13: scramble.
	payload := pkt.Payload()
	if err := p.cipher.ScramblePayload(payload, p.activeCW, p.activeParity); err != nil {
		p.log.Error("scrambling primitive failed", "error", err)
		return pipeline.StatusEnd, false, false
	}
	pkt.SetScramblingControl(tspacket.ScramblingEven | p.activeParity)

	return pipeline.StatusOK, false, false
}
