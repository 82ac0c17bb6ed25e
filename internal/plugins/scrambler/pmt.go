package scrambler

import (
	"github.com/zsiec/tsforge/internal/psi"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// feedPMT runs the packet through the PMT collector and, once a complete
// PMT section arrives, calls handlePMT.
func (p *Processor) feedPMT(pkt *tspacket.Packet) {
	sections, tableIDs := p.pmtCollector.Feed(pkt)
	for i, section := range sections {
		if tableIDs[i] != psi.TableIDPMT {
			continue
		}
		pmt, err := psi.ParsePMT(section)
		if err != nil {
			p.log.Warn("failed to parse PMT section", "error", err)
			continue
		}
		p.handlePMT(pmt)
	}
}

// handlePMT selects the PIDs to scramble, allocates an ECM PID, and
// rewrites the PMT to carry a CA_descriptor (and scrambling_descriptor,
// if needed).
func (p *Processor) handlePMT(pmt *psi.PMT) {
	if p.tsBitrate == 0 && (p.opts.NeedCP || p.opts.NeedECM) {
		p.log.Error("unknown bitrate, cannot schedule crypto-periods")
		p.abort.Store(true)
		return
	}

	p.scrambledPID.Reset()
	for _, c := range pmt.Components {
		p.inputPIDs.Set(c.PID)
		if (p.opts.ScrambleAudio && c.IsAudio()) ||
			(p.opts.ScrambleVideo && c.IsVideo()) ||
			(p.opts.ScrambleSubtitles && c.IsSubtitles()) {
			p.scrambledPID.Set(c.PID)
			p.log.Info("starting scrambling", "pid", c.PID)
		}
	}

	if p.scrambledPID.Count() == 0 {
		p.log.Error("no PID to scramble in service")
		p.abort.Store(true)
		return
	}

	if p.opts.NeedECM && p.ecmPID == tspacket.PIDNull {
		if pid, ok := p.inputPIDs.FirstUnset(p.opts.PMTPID + 1); ok {
			p.ecmPID = pid
			p.log.Info("using PID for ECM", "pid", pid)
		} else {
			p.log.Error("cannot find an unused PID for ECM")
			p.abort.Store(true)
			return
		}
	}

	if p.opts.ScramblingType != 0 {
		p.updatePMT = true
		pmt.ProgramDescriptors = append(pmt.ProgramDescriptors, psi.ScramblingDescriptor(p.opts.ScramblingType))
	}

	if p.opts.NeedECM {
		p.updatePMT = true
		caDesc := psi.CADescriptor(uint16(p.opts.SuperCASID>>16), p.ecmPID, p.opts.CADescPrivate)

		if p.opts.ComponentLevel {
			for i := range pmt.Components {
				if p.scrambledPID.Test(pmt.Components[i].PID) {
					pmt.Components[i].Descriptors = append(pmt.Components[i].Descriptors, caDesc)
				}
			}
		} else {
			pmt.ProgramDescriptors = append(pmt.ProgramDescriptors, caDesc)
		}
	}

	if p.updatePMT {
		section := pmt.Rebuild()
		p.pmtPackets = tspacket.Packetize(append([]byte{0x00}, section...), p.opts.PMTPID, 0)
		p.pmtPktIndex = 0
	}

	if p.opts.NeedCP {
		p.pktChangeCW = p.packetCount + packetDistance(p.tsBitrate, p.opts.CPDuration)
	}

	if p.opts.NeedECM {
		p.pktInsertECM = p.packetCount

		if p.delayStart > 0 {
			p.pktChangeECM = p.pktChangeCW + packetDistance(p.tsBitrate, p.delayStart)
		} else {
			p.pktChangeECM = p.pktChangeCW - packetDistance(p.tsBitrate, -p.delayStart)
		}
	}
}

// nextPMTPacket cycles through the rewritten PMT's packetized form.
func (p *Processor) nextPMTPacket() *tspacket.Packet {
	if len(p.pmtPackets) == 0 {
		return tspacket.New()
	}
	pkt := p.pmtPackets[p.pmtPktIndex].Clone()
	p.pmtPktIndex = (p.pmtPktIndex + 1) % len(p.pmtPackets)
	return pkt
}
