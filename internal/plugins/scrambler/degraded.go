package scrambler

import (
	"time"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// inDegradedMode reports whether the scrambler currently is, or must now
// enter, degraded mode: continuing to scramble with the current CW and
// broadcast the current ECM because the next crypto-period's ECM is not
// yet ready.
func (p *Processor) inDegradedMode() bool {
	if !p.opts.NeedECM {
		return false
	}
	if p.degradedMode {
		return true
	}
	if p.nextCW().ecmReady() {
		return false
	}
	p.log.Warn("next ECM not ready, entering degraded mode")
	p.degradedMode = true
	return true
}

// tryExitDegradedMode leaves degraded mode once the pending crypto-period's
// ECM has become ready, performing whichever of the postponed CW/ECM
// transitions the sign of delay_start calls for.
func (p *Processor) tryExitDegradedMode() bool {
	if !p.degradedMode {
		return true
	}
	if !p.nextCW().ecmReady() {
		return true
	}

	p.log.Info("next ECM ready, exiting degraded mode")
	p.degradedMode = false

	if p.delayStart < 0 {
		p.changeECM()
		p.pktChangeCW = p.packetCount + packetDistance(p.tsBitrate, -p.delayStart)
	} else {
		if !p.changeCW() {
			return false
		}
		p.pktChangeECM = p.packetCount + packetDistance(p.tsBitrate, p.delayStart)
	}
	return true
}

// changeCW performs the crypto-period transition for the control word in
// use, unless the scrambler is in (or must enter) degraded mode.
func (p *Processor) changeCW() bool {
	if p.inDegradedMode() {
		return true
	}

	p.currentCW = (p.currentCW + 1) & 0x01
	if err := p.currentCryptoPeriod().initScramblerKey(); err != nil {
		return false
	}

	if p.opts.NeedCP {
		p.pktChangeCW = p.packetCount + packetDistance(p.tsBitrate, p.opts.CPDuration)
	}
	if p.opts.NeedECM && p.currentECM == p.currentCW {
		p.nextCW().initNext(p.currentCryptoPeriod())
	}
	return true
}

// changeECM performs the crypto-period transition for the broadcast ECM,
// unless the scrambler is in (or must enter) degraded mode.
func (p *Processor) changeECM() {
	if !p.opts.NeedECM || p.inDegradedMode() {
		return
	}

	p.currentECM = (p.currentECM + 1) & 0x01
	p.pktChangeECM = p.packetCount + packetDistance(p.tsBitrate, p.opts.CPDuration)

	if p.currentECM == p.currentCW {
		p.nextCW().initNext(p.currentCryptoPeriod())
	}
}

// packetDistance converts a duration to a packet count at the given
// bitrate: bitrate * |ms| / (8 * 188 * 1000), delegated to
// tspacket.PacketDistance.
func packetDistance(bitrateBps uint64, d time.Duration) uint64 {
	return tspacket.PacketDistance(bitrateBps, d.Milliseconds())
}
