package tspacket

// SystemClockSubfactor converts a 27MHz PCR value to the 90kHz PTS/DTS
// clock: PTS = PCR / SystemClockSubfactor.
const SystemClockSubfactor = 300

// PTSMask is the modulus of the 33-bit PTS/DTS/PCR-base clock. Comparisons
// against the last-seen value must be done modulo this value, not with
// plain integer ordering.
const PTSMask = 1 << 33

// HasPCR reports whether the adaptation field carries a PCR value.
func (p *Packet) HasPCR() bool {
	if !p.HasAdaptationField() {
		return false
	}
	afLen := int(p.Raw[4])
	if afLen < 1 {
		return false
	}
	return p.Raw[5]&0x10 != 0
}

// PCR returns the 42-bit program clock reference (base*300+extension) at
// the packet's adaptation field, or 0 if none is present.
func (p *Packet) PCR() uint64 {
	if !p.HasPCR() {
		return 0
	}
	b := p.Raw[6:12]
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4]>>7)
	ext := uint64(b[4]&0x01)<<8 | uint64(b[5])
	return base*300 + ext
}

// HasOPCR reports whether the adaptation field carries an original PCR.
func (p *Packet) HasOPCR() bool {
	if !p.HasAdaptationField() {
		return false
	}
	afLen := int(p.Raw[4])
	if afLen < 1 {
		return false
	}
	return p.Raw[5]&0x08 != 0
}

// OPCR returns the 42-bit original program clock reference, or 0 if none
// is present.
func (p *Packet) OPCR() uint64 {
	if !p.HasOPCR() {
		return 0
	}
	off := 6
	if p.HasPCR() {
		off += 6
	}
	b := p.Raw[off : off+6]
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4]>>7)
	ext := uint64(b[4]&0x01)<<8 | uint64(b[5])
	return base*300 + ext
}

// isPESStart reports whether the payload begins a PES packet, i.e. carries
// the 0x000001 start code prefix at offset 0. It is only meaningful when
// PayloadUnitStartIndicator is set.
func isPESStart(payload []byte) bool {
	return len(payload) >= 9 && payload[0] == 0x00 && payload[1] == 0x00 && payload[2] == 0x01
}

// HasPTS reports whether this packet starts a PES header carrying a PTS.
func (p *Packet) HasPTS() bool {
	if !p.PayloadUnitStartIndicator() {
		return false
	}
	pl := p.Payload()
	if !isPESStart(pl) {
		return false
	}
	streamID := pl[3]
	if !pesHasOptionalHeader(streamID) {
		return false
	}
	if len(pl) < 8 {
		return false
	}
	ptsDTS := pl[7] >> 6 & 0x03
	return ptsDTS == 2 || ptsDTS == 3
}

// PTS returns the 33-bit presentation timestamp from the packet's PES
// header, or 0 if none is present. Callers should guard with HasPTS.
func (p *Packet) PTS() uint64 {
	pl := p.Payload()
	if !isPESStart(pl) || len(pl) < 14 {
		return 0
	}
	return parseTimestamp(pl[9:14])
}

// HasDTS reports whether this packet starts a PES header carrying a DTS.
func (p *Packet) HasDTS() bool {
	if !p.PayloadUnitStartIndicator() {
		return false
	}
	pl := p.Payload()
	if !isPESStart(pl) || len(pl) < 8 {
		return false
	}
	return pl[7]>>6&0x03 == 3
}

// DTS returns the 33-bit decoding timestamp from the packet's PES header,
// or 0 if none is present. Callers should guard with HasDTS.
func (p *Packet) DTS() uint64 {
	pl := p.Payload()
	if !isPESStart(pl) || len(pl) < 19 {
		return 0
	}
	return parseTimestamp(pl[14:19])
}

// pesHasOptionalHeader reports whether a PES stream ID carries the
// optional PES header (and therefore a possible PTS/DTS). Padding,
// private_stream_2, ECM, EMM, DSM-CC, ITU-T H.222.1 type E, and the
// program stream directory never carry one.
func pesHasOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	default:
		return true
	}
}

// parseTimestamp extracts a 33-bit MPEG timestamp from 5 PES bytes.
func parseTimestamp(bs []byte) uint64 {
	return uint64(bs[0]>>1&0x07)<<30 |
		uint64(bs[1])<<22 |
		uint64(bs[2]>>1&0x7F)<<15 |
		uint64(bs[3])<<7 |
		uint64(bs[4]>>1&0x7F)
}

// PTSDiffLater reports whether b represents the same or a later 33-bit
// timestamp than a under modular wraparound arithmetic: (b-a) mod 2^33 <
// 2^32 means b is at or "after" a within half the timestamp space.
func PTSDiffLater(a, b uint64) bool {
	diff := (b - a) % PTSMask
	return diff < PTSMask/2
}

// PacketDistance returns the number of TS packets, at bitrateBps, that
// correspond to ms milliseconds of transmission time:
// bitrate·|ms| / (8·188·1000).
func PacketDistance(bitrateBps uint64, ms int64) uint64 {
	if ms < 0 {
		ms = -ms
	}
	return bitrateBps * uint64(ms) / (8 * Size * 1000)
}
