package psi

import (
	"sort"

	"github.com/zsiec/tsforge/internal/tspacket"
)

const PIDPAT uint16 = 0x0000

// Collector accumulates payload across TS packets for the PAT PID and any
// PID registered as a PMT PID, and emits complete sections as soon as
// they close.
type Collector struct {
	pmtPIDs map[uint16]bool
	accs    map[uint16]*accumulator
}

type accumulator struct {
	packets []*tspacket.Packet
}

// NewCollector returns an empty section collector.
func NewCollector() *Collector {
	return &Collector{
		pmtPIDs: make(map[uint16]bool),
		accs:    make(map[uint16]*accumulator),
	}
}

// AddPMTPID registers pid as carrying PMT sections, normally learned from
// a previously-collected PAT.
func (c *Collector) AddPMTPID(pid uint16) {
	c.pmtPIDs[pid] = true
}

func (c *Collector) isPSI(pid uint16) bool {
	return pid == PIDPAT || c.pmtPIDs[pid]
}

// Feed processes one packet and returns any PSI sections (PAT or PMT
// bytes, table_id included) that completed as a result. It is a no-op for
// packets on PIDs that are neither the PAT PID nor a registered PMT PID.
func (c *Collector) Feed(p *tspacket.Packet) (sections [][]byte, tableIDs []uint8) {
	pid := p.PID()
	if !c.isPSI(pid) {
		return nil, nil
	}
	if p.TransportErrorIndicator() || !p.HasPayload() {
		return nil, nil
	}

	acc, ok := c.accs[pid]
	if !ok {
		acc = &accumulator{}
		c.accs[pid] = acc
	}

	if len(acc.packets) > 0 && !p.DiscontinuityIndicator() {
		prev := acc.packets[len(acc.packets)-1].ContinuityCounter()
		expected := (prev + 1) & tspacket.CCMask
		cur := p.ContinuityCounter()
		if cur != expected {
			if cur == prev {
				return nil, nil // duplicate
			}
			acc.packets = nil
		}
	}

	var flushed []*tspacket.Packet
	if p.PayloadUnitStartIndicator() && len(acc.packets) > 0 {
		flushed = acc.packets
		acc.packets = nil
	}

	acc.packets = append(acc.packets, p)

	if flushed == nil && sectionComplete(acc.packets) {
		flushed = acc.packets
		acc.packets = nil
	}

	if flushed == nil {
		return nil, nil
	}
	return splitSections(flushed)
}

func sectionComplete(packets []*tspacket.Packet) bool {
	payload := concatPayload(packets)
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

func concatPayload(packets []*tspacket.Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload()...)
	}
	return payload
}

func splitSections(packets []*tspacket.Packet) ([][]byte, []uint8) {
	payload := concatPayload(packets)
	if len(payload) < 1 {
		return nil, nil
	}
	offset := 1 + int(payload[0])
	var sections [][]byte
	var tableIDs []uint8
	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break
		}
		if offset+3 > len(payload) || payload[offset+1]&0x80 == 0 {
			break
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		sections = append(sections, payload[offset:sectionEnd])
		tableIDs = append(tableIDs, tableID)
		offset = sectionEnd
	}
	return sections, tableIDs
}

// PIDsSorted returns the collector's tracked PMT PIDs in ascending order.
func (c *Collector) PIDsSorted() []uint16 {
	out := make([]uint16, 0, len(c.pmtPIDs))
	for pid := range c.pmtPIDs {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
