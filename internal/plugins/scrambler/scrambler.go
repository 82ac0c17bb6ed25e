// Package scrambler implements the DVB scrambling processor: it
// scrambles a service's elementary streams, emits ECMs on a newly
// allocated PID, and rewrites the service's PMT to advertise the
// resulting CA system.
package scrambler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/tsforge/internal/ecmg"
	"github.com/zsiec/tsforge/internal/pidset"
	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/psi"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// Options configures the scrambler processor.
type Options struct {
	// PMTPID is the PID carrying the target service's PMT. The caller
	// supplies the service's PMT PID directly rather than discovering it
	// via the SDT.
	PMTPID uint16

	ScrambleAudio     bool
	ScrambleVideo     bool
	ScrambleSubtitles bool
	ComponentLevel    bool
	IgnoreScrambled   bool

	// PartialScrambling scrambles 1 out of every N eligible packets; 1
	// means scramble every eligible packet.
	PartialScrambling int

	SuperCASID     uint32
	CADescPrivate  []byte
	ScramblingType uint8 // 0 = DVB-CSA2; anything else adds a scrambling_descriptor

	CPDuration time.Duration
	// DelayStart is a fallback used only if the ECMG's channel_status
	// omits delay_start; the ECMG's negotiated channel_status otherwise
	// takes priority over this local config. Signed: negative means ECM
	// leads the CW change.
	DelayStart time.Duration
	ECMBitrate uint64 // ECM bitrate in bits/second: one ECM packet every tsBitrate/ECMBitrate packets; 0 = every null packet

	// NeedCP/NeedECM independently control whether the crypto-period
	// rotates control words and whether ECMs are generated and inserted
	// at all. Callers wanting the ordinary scrambling behavior set both
	// true; a single fixed CW with no ECM stream is a degenerate
	// configuration this core still exercises via these two independent
	// switches.
	NeedCP  bool
	NeedECM bool

	SynchronousECMG bool
	AccessCriteria  []byte

	ECMGAddr  string
	ChannelID uint16
	StreamID  uint16
	ECMID     uint16

	// Cipher, if nil, defaults to a test-only XOR cipher (cipher.go); a
	// production deployment supplies a real DVB-CSA implementation here.
	Cipher Cipher

	JointTermination bool
}

// ECMGTimeout bounds how long a synchronous generateECM call waits for a
// response: a synchronous call must not block the pipeline forever.
func (o Options) ECMGTimeout() time.Duration {
	if o.CPDuration > 0 {
		return o.CPDuration
	}
	return 10 * time.Second
}

func (o Options) validate() error {
	if o.CPDuration <= 0 {
		return errors.New("scrambler: cp-duration must be > 0")
	}
	abs := o.DelayStart
	if abs < 0 {
		abs = -abs
	}
	if abs*2 > o.CPDuration {
		return fmt.Errorf("scrambler: |delay-start| (%s) must be <= cp-duration/2 (%s)", abs, o.CPDuration/2)
	}
	if o.PartialScrambling < 0 {
		return errors.New("scrambler: partial-scrambling must be >= 0")
	}
	if !o.ScrambleAudio && !o.ScrambleVideo && !o.ScrambleSubtitles {
		return errors.New("scrambler: at least one of scramble-audio/video/subtitles must be set")
	}
	return nil
}

// Processor is a pipeline.ProcessorStage implementing DVB scrambling.
type Processor struct {
	opts   Options
	log    *slog.Logger
	pl     *pipeline.Pipeline
	cipher Cipher

	ecmgClient    *ecmg.Client
	channelStatus ecmg.ChannelStatus
	// delayStart is the value CW/ECM transition scheduling actually
	// uses: the ECMG-negotiated channel_status.DelayStart, resolved in
	// Start after Dial, falling back to opts.DelayStart only if the
	// ECMG didn't send one.
	delayStart time.Duration

	packetCount  uint64
	tsBitrate    uint64
	inputPIDs    *pidset.Set
	scrambledPID *pidset.Set
	conflictPIDs *pidset.Set

	ecmPID uint16
	ecmCC  uint8

	pmtCollector *psi.Collector
	pmtPackets   []*tspacket.Packet
	pmtPktIndex  int
	updatePMT    bool

	cp         [2]cryptoPeriod
	currentCW  int
	currentECM int

	pktChangeCW  uint64
	pktChangeECM uint64
	pktInsertECM uint64

	degradedMode bool

	activeCW     []byte
	activeParity byte

	partialClear int

	abort atomic.Bool
}

// New creates a scrambler processor.
func New(opts Options) *Processor {
	if opts.Cipher == nil {
		opts.Cipher = newXorCipher(16)
	}
	return &Processor{
		opts:         opts,
		cipher:       opts.Cipher,
		inputPIDs:    pidset.New(),
		scrambledPID: pidset.New(),
		conflictPIDs: pidset.New(),
		pmtCollector: psi.NewCollector(),
		ecmPID:       tspacket.PIDNull,
	}
}

// Start implements pipeline.ProcessorStage: it validates configuration,
// dials the ECMG (negotiating channel_setup/channel_status and
// stream_setup/stream_status), and seeds the first crypto-period.
func (p *Processor) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	if err := p.opts.validate(); err != nil {
		return err
	}
	p.pl = pl
	p.log = pl.Log().With("component", "scrambler")
	p.pmtCollector.AddPMTPID(p.opts.PMTPID)

	if p.opts.JointTermination {
		pl.OptIntoJointTermination()
	}

	client, err := ecmg.Dial(ctx, p.opts.ECMGAddr, p.opts.ChannelID, p.opts.SuperCASID, p.opts.StreamID, p.opts.ECMID, p.log)
	if err != nil {
		return fmt.Errorf("scrambler: ecmg dial: %w", err)
	}
	p.ecmgClient = client
	p.channelStatus = client.ChannelStatus()
	p.delayStart = time.Duration(p.channelStatus.DelayStart) * time.Millisecond
	if p.delayStart == 0 {
		p.delayStart = p.opts.DelayStart
	}
	if !p.opts.SynchronousECMG {
		client.SetHandler(p.handleAsyncECM)
	}

	abs := p.delayStart
	if abs < 0 {
		abs = -abs
	}
	if abs*2 > p.opts.CPDuration {
		return fmt.Errorf("scrambler: ecmg-negotiated |delay_start| (%s) must be <= cp_duration/2 (%s)", abs, p.opts.CPDuration/2)
	}

	p.currentCW = 0
	p.currentECM = 0
	p.cp[0].initCycle(p, 0)
	if err := p.cp[0].initScramblerKey(); err != nil {
		return fmt.Errorf("scrambler: initial control word: %w", err)
	}
	p.cp[1].initNext(&p.cp[0])

	return nil
}

// Stop implements pipeline.ProcessorStage.
func (p *Processor) Stop() error {
	if p.ecmgClient != nil {
		return p.ecmgClient.Close()
	}
	return nil
}

// handleAsyncECM dispatches an asynchronous ECM_response to whichever
// crypto-period is waiting for it, matched by crypto-period number. It
// may run on the ECMG client's own read goroutine.
func (p *Processor) handleAsyncECM(resp ecmg.ECMResponse) {
	for i := range p.cp {
		if p.cp[i].cpNumber == resp.CPNumber {
			p.cp[i].handleECM(resp)
			return
		}
	}
	p.log.Warn("ECM response for unknown crypto-period, discarded", "cp_number", resp.CPNumber)
}

func (p *Processor) currentCryptoPeriod() *cryptoPeriod { return &p.cp[p.currentCW] }
func (p *Processor) nextCW() *cryptoPeriod              { return &p.cp[(p.currentCW+1)&0x01] }
func (p *Processor) currentECMPeriod() *cryptoPeriod     { return &p.cp[p.currentECM] }
