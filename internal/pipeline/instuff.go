package pipeline

import "github.com/zsiec/tsforge/internal/tspacket"

// instuffer wraps an InputStage to inject null (stuffing) packets around
// its real output:
//
//   - InstuffStart nulls are emitted before the first real packet is read.
//   - InstuffNullPkt nulls are interleaved after every InstuffInPkt real
//     packets.
//   - InstuffStop nulls are appended once the wrapped input reports EOF,
//     after which instuffer itself reports EOF.
//
// A zero-valued configuration makes next equivalent to calling the
// wrapped input's Read directly.
type instuffer struct {
	opts  Options
	input InputStage

	startRemaining int
	stopRemaining  int
	pendingNulls   int
	sinceNull      int
	eof            bool
	eofErr         error
}

func newInstuffer(opts Options, input InputStage) *instuffer {
	return &instuffer{
		opts:           opts,
		input:          input,
		startRemaining: opts.InstuffStart,
	}
}

// next fills slot with either a null packet or the input's next real
// packet, following the configured stuffing cadence. It returns io.EOF
// once the wrapped input is exhausted and any InstuffStop nulls have been
// emitted.
func (s *instuffer) next(slot *tspacket.Packet) error {
	if s.startRemaining > 0 {
		s.startRemaining--
		*slot = *tspacket.New()
		return nil
	}

	if s.eof {
		if s.stopRemaining > 0 {
			s.stopRemaining--
			*slot = *tspacket.New()
			return nil
		}
		return s.eofErr
	}

	if s.pendingNulls == 0 && s.opts.InstuffNullPkt > 0 && s.opts.InstuffInPkt > 0 && s.sinceNull >= s.opts.InstuffInPkt {
		s.sinceNull = 0
		s.pendingNulls = s.opts.InstuffNullPkt
	}

	if s.pendingNulls > 0 {
		s.pendingNulls--
		*slot = *tspacket.New()
		return nil
	}

	if err := s.input.Read(slot); err != nil {
		s.eof = true
		s.eofErr = err
		if s.opts.InstuffStop > 0 {
			s.stopRemaining = s.opts.InstuffStop
			return s.next(slot)
		}
		return err
	}
	s.sinceNull++
	return nil
}
