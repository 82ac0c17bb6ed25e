package scrambler

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/zsiec/tsforge/internal/ecmg"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// cryptoPeriod is one of the scrambler's two rotating CW/ECM slots.
// ecmOK is a release/acquire flag: the producing goroutine (this
// crypto-period's generateECM, possibly invoked from the ECMG client's
// own read goroutine in asynchronous mode) populates ecm fully before
// storing ecmOK, and the consuming packet-processing goroutine loads
// ecmOK before reading ecm.
type cryptoPeriod struct {
	scrambler *Processor
	cpNumber  uint16

	cwCurrent []byte
	cwNext    []byte

	ecmOK       atomic.Bool
	ecm         []*tspacket.Packet
	ecmPktIndex int
}

// ecmReady reports whether this crypto-period's ECM has been published.
func (cp *cryptoPeriod) ecmReady() bool { return cp.ecmOK.Load() }

// initCycle initializes the very first crypto-period with two fresh
// random control words and kicks off ECM generation.
func (cp *cryptoPeriod) initCycle(s *Processor, cpNumber uint16) {
	cp.scrambler = s
	cp.cpNumber = cpNumber

	if s.opts.NeedECM {
		cp.cwCurrent = randomBytes(s.cipher.CWSize())
		cp.cwNext = randomBytes(s.cipher.CWSize())
		cp.generateECM()
	}
}

// initNext initializes the crypto-period following previous: its
// "current" CW is previous's "next" CW, and a fresh "next" CW is drawn.
func (cp *cryptoPeriod) initNext(previous *cryptoPeriod) {
	cp.scrambler = previous.scrambler
	cp.cpNumber = previous.cpNumber + 1

	if cp.scrambler.opts.NeedECM {
		cp.cwCurrent = previous.cwNext
		cp.cwNext = randomBytes(cp.scrambler.cipher.CWSize())
		cp.generateECM()
	}
}

// initScramblerKey installs this crypto-period's current CW (and its
// parity, derived from the crypto-period number) as the active
// scrambling key.
func (cp *cryptoPeriod) initScramblerKey() error {
	cp.scrambler.activeParity = byte(cp.cpNumber % 2)
	if cp.scrambler.opts.NeedECM {
		cp.scrambler.activeCW = cp.cwCurrent
	}
	return nil
}

// generateECM requests an ECM for this crypto-period, synchronously or
// asynchronously per Options.SynchronousECMG.
func (cp *cryptoPeriod) generateECM() {
	cp.ecmOK.Store(false)
	s := cp.scrambler

	req := ecmg.CWProvision{
		CPNumber:        cp.cpNumber,
		CWCurrent:       cp.cwCurrent,
		CWNext:          cp.cwNext,
		AccessCriteria:  s.opts.AccessCriteria,
		CPDuration100ms: uint16(s.opts.CPDuration.Milliseconds() / 100),
	}

	if s.opts.SynchronousECMG {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ECMGTimeout())
		defer cancel()
		resp, err := s.ecmgClient.GenerateECM(ctx, req)
		if err != nil {
			s.log.Error("synchronous ECM generation failed", "cp_number", cp.cpNumber, "error", err)
			s.abort.Store(true)
			return
		}
		cp.handleECM(resp)
		return
	}

	if err := s.ecmgClient.SubmitECM(req); err != nil {
		s.log.Error("asynchronous ECM submission failed", "cp_number", cp.cpNumber, "error", err)
		s.abort.Store(true)
	}
}

// handleECM is invoked when an ECM becomes available, possibly on the
// ECMG client's own goroutine in asynchronous mode.
func (cp *cryptoPeriod) handleECM(resp ecmg.ECMResponse) {
	s := cp.scrambler

	if !s.channelStatus.SectionTSpktFlag {
		pkts := tspacket.Packetize(append([]byte{0x00}, resp.ECMDatagram...), s.ecmPID, 0)
		cp.ecm = pkts
	} else {
		if len(resp.ECMDatagram)%tspacket.Size != 0 {
			s.log.Error("invalid ECM size, not a multiple of packet size", "size", len(resp.ECMDatagram))
			s.abort.Store(true)
			return
		}
		pkts := make([]*tspacket.Packet, 0, len(resp.ECMDatagram)/tspacket.Size)
		for off := 0; off < len(resp.ECMDatagram); off += tspacket.Size {
			p := tspacket.New()
			copy(p.Raw[:], resp.ECMDatagram[off:off+tspacket.Size])
			pkts = append(pkts, p)
		}
		cp.ecm = pkts
	}

	cp.ecmPktIndex = 0
	// Last instruction: release-store the ready flag once cp.ecm is fully
	// populated, so a concurrent reader that observes ecmOK==true also
	// observes the fully written ecm slice.
	cp.ecmOK.Store(true)
}

// getNextECMPacket cycles through this crypto-period's ECM packet vector,
// stamping the scrambler's ECM PID and continuity counter on each copy.
func (cp *cryptoPeriod) getNextECMPacket() *tspacket.Packet {
	s := cp.scrambler
	if !cp.ecmOK.Load() || len(cp.ecm) == 0 {
		return tspacket.New()
	}

	pkt := cp.ecm[cp.ecmPktIndex].Clone()
	cp.ecmPktIndex++
	if cp.ecmPktIndex >= len(cp.ecm) {
		cp.ecmPktIndex = 0
	}

	pkt.SetPID(s.ecmPID)
	pkt.SetContinuityCounter(s.ecmCC)
	s.ecmCC = (s.ecmCC + 1) & tspacket.CCMask
	return pkt
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("scrambler: system random source failed: %v", err))
	}
	return b
}
