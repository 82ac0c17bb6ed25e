package ecmg

// ChannelSetup opens an ECM channel; the ECMG answers with a
// ChannelStatus.
type ChannelSetup struct {
	ChannelID  uint16
	SuperCASID uint32
}

func (c ChannelSetup) toMessage() Message {
	return Message{Type: MsgChannelSetup, Params: []Param{
		uint16Param(TagChannelID, c.ChannelID),
		uint32Param(TagSuperCASID, c.SuperCASID),
	}}
}

// ChannelStatus is the ECMG's response to ChannelSetup, carrying the
// session-wide scheduling parameters the scrambler needs: DelayStart
// governs ECM-relative-to-CW scheduling and SectionTSpktFlag governs the
// ECM carriage form.
type ChannelStatus struct {
	ChannelID        uint16
	SectionTSpktFlag bool
	DelayStart       int16 // signed milliseconds
	DelayStop        int16
	TransitionDelay  int16
	ECMRepPeriod     uint16
	MaxStreams       uint16
	MinCPDuration    uint16 // 100ms units
	LeadCW           uint16
	CWPerMsg         uint16
	MaxCompTime      uint16
}

func channelStatusFromMessage(m Message) ChannelStatus {
	cs := ChannelStatus{}
	cs.ChannelID, _ = m.GetUint16(TagChannelID)
	if flag, ok := m.GetUint16(TagSectionTSpktFlag); ok {
		cs.SectionTSpktFlag = flag != 0
	}
	cs.DelayStart, _ = m.GetInt16(TagDelayStart)
	cs.DelayStop, _ = m.GetInt16(TagDelayStop)
	cs.TransitionDelay, _ = m.GetInt16(TagTransitionDelay)
	cs.ECMRepPeriod, _ = m.GetUint16(TagECMRepPeriod)
	cs.MaxStreams, _ = m.GetUint16(TagMaxStreams)
	cs.MinCPDuration, _ = m.GetUint16(TagMinCPDuration)
	cs.LeadCW, _ = m.GetUint16(TagLeadCW)
	cs.CWPerMsg, _ = m.GetUint16(TagCWPerMsg)
	cs.MaxCompTime, _ = m.GetUint16(TagMaxCompTime)
	return cs
}

// StreamSetup opens an ECM stream within an already-established channel.
type StreamSetup struct {
	ChannelID uint16
	StreamID  uint16
	ECMID     uint16
}

func (s StreamSetup) toMessage() Message {
	return Message{Type: MsgStreamSetup, Params: []Param{
		uint16Param(TagChannelID, s.ChannelID),
		uint16Param(TagStreamID, s.StreamID),
		uint16Param(TagECMID, s.ECMID),
	}}
}

// StreamStatus is the ECMG's response to StreamSetup.
type StreamStatus struct {
	ChannelID uint16
	StreamID  uint16
	ECMID     uint16
}

func streamStatusFromMessage(m Message) StreamStatus {
	ss := StreamStatus{}
	ss.ChannelID, _ = m.GetUint16(TagChannelID)
	ss.StreamID, _ = m.GetUint16(TagStreamID)
	ss.ECMID, _ = m.GetUint16(TagECMID)
	return ss
}

// CWProvision is issued once per crypto-period to request an ECM
// covering the current and next control words.
type CWProvision struct {
	ChannelID       uint16
	StreamID        uint16
	CPNumber        uint16
	CWCurrent       []byte
	CWNext          []byte
	AccessCriteria  []byte
	CPDuration100ms uint16
}

func (c CWProvision) toMessage() Message {
	params := []Param{
		uint16Param(TagChannelID, c.ChannelID),
		uint16Param(TagStreamID, c.StreamID),
		uint16Param(TagCPNumber, c.CPNumber),
		bytesParam(TagCWEncCurrent, c.CWCurrent),
		bytesParam(TagCWEncNext, c.CWNext),
	}
	if len(c.AccessCriteria) > 0 {
		params = append(params, bytesParam(TagAccessCriteria, c.AccessCriteria))
	}
	params = append(params, uint16Param(TagCPDuration, c.CPDuration100ms))
	return Message{Type: MsgCWProvision, Params: params}
}

// ECMResponse carries the freshly generated ECM datagram for one
// crypto-period.
type ECMResponse struct {
	ChannelID   uint16
	StreamID    uint16
	CPNumber    uint16
	ECMDatagram []byte
}

func ecmResponseFromMessage(m Message) ECMResponse {
	er := ECMResponse{}
	er.ChannelID, _ = m.GetUint16(TagChannelID)
	er.StreamID, _ = m.GetUint16(TagStreamID)
	er.CPNumber, _ = m.GetUint16(TagCPNumber)
	er.ECMDatagram, _ = m.Get(TagECMDatagram)
	return er
}
