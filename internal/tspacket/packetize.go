package tspacket

// Packetize splits data into a sequence of TS packets carrying the given
// PID, setting PayloadUnitStartIndicator on the first packet and stuffing
// (adaptation-field padding) the final packet so it is exactly Size bytes.
// Continuity counters start at ccStart and increment mod 16 across the
// returned packets, matching how ECM and rewritten-PMT sections are
// packetized.
func Packetize(data []byte, pid uint16, ccStart uint8) []*Packet {
	const payloadCap = Size - 4 // header only, no adaptation field
	var out []*Packet

	cc := ccStart & CCMask
	for i := 0; i < len(data) || i == 0; i += payloadCap {
		end := i + payloadCap
		last := end >= len(data)
		if last {
			end = len(data)
		}

		chunk := data[i:end]
		p := New()
		p.SetPID(pid)
		p.SetPayloadUnitStartIndicator(i == 0)
		p.SetContinuityCounter(cc)
		cc = (cc + 1) & CCMask

		if last && len(chunk) < payloadCap {
			writeStuffedPayload(p, chunk)
		} else {
			p.Raw[3] = (p.Raw[3] &^ 0x30) | 0x10 // payload only, no adaptation field
			copy(p.Raw[4:], chunk)
			for j := 4 + len(chunk); j < Size; j++ {
				p.Raw[j] = 0xFF
			}
		}

		out = append(out, p)
		if last {
			break
		}
	}
	return out
}

// writeStuffedPayload writes chunk as the packet's payload, padding the
// remaining space with an adaptation-field stuffing region so the payload
// starts at the correct offset and the packet is fully occupied.
func writeStuffedPayload(p *Packet, chunk []byte) {
	pad := Size - 4 - len(chunk)
	if pad <= 0 {
		p.Raw[3] = (p.Raw[3] &^ 0x30) | 0x10
		copy(p.Raw[4:], chunk)
		return
	}

	p.Raw[3] = (p.Raw[3] &^ 0x30) | 0x30 // adaptation field + payload
	afLen := pad - 1
	p.Raw[4] = byte(afLen)
	if afLen > 0 {
		p.Raw[5] = 0x00 // no flags set
		for j := 6; j < 4+pad; j++ {
			p.Raw[j] = 0xFF
		}
	}
	copy(p.Raw[4+pad:], chunk)
}
