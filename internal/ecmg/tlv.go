// Package ecmg implements a minimal DVB SimulCrypt ECMG⇔SCS client: enough
// of the TLV wire protocol to bring up a channel/stream session and
// exchange CW_provision/ECM_response messages. Every message is a fixed
// 6-byte header (message type, body length) followed by a body of
// tag(uint16)/length(uint16)/value parameters.
package ecmg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message type identifiers (DVB SimulCrypt ECMG<->SCS, protocol version 2/3).
const (
	MsgChannelSetup  uint16 = 0x0001
	MsgChannelStatus uint16 = 0x0002
	MsgChannelClose  uint16 = 0x0003
	MsgChannelError  uint16 = 0x0004
	MsgStreamSetup   uint16 = 0x0011
	MsgStreamStatus  uint16 = 0x0012
	MsgStreamClose   uint16 = 0x0013
	MsgStreamError   uint16 = 0x0014
	MsgCWProvision   uint16 = 0x0021
	MsgECMResponse   uint16 = 0x0022
)

// Parameter tags carried inside a message's TLV body.
const (
	TagSuperCASID       uint16 = 0x0004
	TagSectionTSpktFlag uint16 = 0x0005
	TagDelayStart       uint16 = 0x0006
	TagDelayStop        uint16 = 0x0007
	TagTransitionDelay  uint16 = 0x0008
	TagECMRepPeriod     uint16 = 0x0009
	TagMaxStreams       uint16 = 0x000A
	TagMinCPDuration    uint16 = 0x000B
	TagLeadCW           uint16 = 0x000C
	TagCWPerMsg         uint16 = 0x000D
	TagMaxCompTime      uint16 = 0x000E
	TagChannelID        uint16 = 0x0001
	TagStreamID         uint16 = 0x0002
	TagECMID            uint16 = 0x0003
	TagAccessCriteria   uint16 = 0x000F
	TagCPDuration       uint16 = 0x0010
	TagCPNumber         uint16 = 0x0011
	TagCWEncCurrent     uint16 = 0x0012
	TagCWEncNext        uint16 = 0x0013
	TagECMDatagram      uint16 = 0x0014
	TagErrorStatus      uint16 = 0x7000
	TagErrorInfo        uint16 = 0x7001
)

// Param is one tag/length/value field within a message body.
type Param struct {
	Tag   uint16
	Value []byte
}

// Message is a decoded SimulCrypt TLV message: a type header followed by
// zero or more Params, mirroring how internal/moq/control.go separates a
// message-type/length header from a payload it then parses field by field.
type Message struct {
	Type   uint16
	Params []Param
}

// Get returns the first parameter with the given tag, if present.
func (m Message) Get(tag uint16) ([]byte, bool) {
	for _, p := range m.Params {
		if p.Tag == tag {
			return p.Value, true
		}
	}
	return nil, false
}

// GetUint16 reads a big-endian uint16 parameter.
func (m Message) GetUint16(tag uint16) (uint16, bool) {
	v, ok := m.Get(tag)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// GetUint32 reads a big-endian uint32 parameter.
func (m Message) GetUint32(tag uint16) (uint32, bool) {
	v, ok := m.Get(tag)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// GetInt16 reads a big-endian signed 16-bit parameter (used for
// delay_start, which is a signed millisecond offset).
func (m Message) GetInt16(tag uint16) (int16, bool) {
	v, ok := m.GetUint16(tag)
	return int16(v), ok
}

// ReadMessage reads one TLV message from r: [type uint16][length
// uint32][params...], where length counts the bytes of the params
// section (protocol version 3 message-body framing). Each param is
// [tag uint16][length uint16][value].
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("ecmg: read message header: %w", err)
	}
	msg := Message{Type: binary.BigEndian.Uint16(hdr[0:2])}
	bodyLen := binary.BigEndian.Uint32(hdr[2:6])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("ecmg: read message body: %w", err)
	}

	for off := 0; off < len(body); {
		if off+4 > len(body) {
			return Message{}, fmt.Errorf("ecmg: truncated parameter header at offset %d", off)
		}
		tag := binary.BigEndian.Uint16(body[off : off+2])
		length := binary.BigEndian.Uint16(body[off+2 : off+4])
		off += 4
		if off+int(length) > len(body) {
			return Message{}, fmt.Errorf("ecmg: truncated parameter value for tag 0x%04X", tag)
		}
		msg.Params = append(msg.Params, Param{Tag: tag, Value: body[off : off+int(length)]})
		off += int(length)
	}
	return msg, nil
}

// WriteMessage serializes and writes msg as a single Write call, so a
// frame is never split across Writes; Client additionally serializes its
// own writers (session setup, GenerateECM, SubmitECM) with a mutex.
func WriteMessage(w io.Writer, msg Message) error {
	var body []byte
	for _, p := range msg.Params {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], p.Tag)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(p.Value)))
		body = append(body, hdr[:]...)
		body = append(body, p.Value...)
	}

	buf := make([]byte, 6+len(body))
	binary.BigEndian.PutUint16(buf[0:2], msg.Type)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[6:], body)

	_, err := w.Write(buf)
	return err
}

func uint16Param(tag, v uint16) Param {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return Param{Tag: tag, Value: b[:]}
}

func int16Param(tag uint16, v int16) Param {
	return uint16Param(tag, uint16(v))
}

func uint32Param(tag uint16, v uint32) Param {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return Param{Tag: tag, Value: b[:]}
}

func bytesParam(tag uint16, v []byte) Param {
	return Param{Tag: tag, Value: v}
}
