package ecmg

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	original := CWProvision{
		ChannelID:       1,
		StreamID:        2,
		CPNumber:        7,
		CWCurrent:       []byte{1, 2, 3, 4, 5, 6, 7, 8},
		CWNext:          []byte{8, 7, 6, 5, 4, 3, 2, 1},
		AccessCriteria:  []byte{0xAA, 0xBB},
		CPDuration100ms: 100,
	}.toMessage()

	var buf bytes.Buffer
	if err := WriteMessage(&buf, original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	decoded, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Type != MsgCWProvision {
		t.Fatalf("Type = 0x%04X, want 0x%04X", decoded.Type, MsgCWProvision)
	}

	cpNumber, ok := decoded.GetUint16(TagCPNumber)
	if !ok || cpNumber != 7 {
		t.Fatalf("cp_number = %d, ok=%v, want 7", cpNumber, ok)
	}
	cwCurrent, ok := decoded.Get(TagCWEncCurrent)
	if !ok || !bytes.Equal(cwCurrent, original.Params[3].Value) {
		t.Fatalf("cw_current round-trip mismatch")
	}
}

func TestChannelStatusFromMessageParsesSignedDelayStart(t *testing.T) {
	t.Parallel()

	msg := Message{Type: MsgChannelStatus, Params: []Param{
		uint16Param(TagChannelID, 1),
		uint16Param(TagSectionTSpktFlag, 1),
		int16Param(TagDelayStart, -2000),
		uint16Param(TagMinCPDuration, 50),
	}}

	cs := channelStatusFromMessage(msg)
	if cs.DelayStart != -2000 {
		t.Fatalf("DelayStart = %d, want -2000", cs.DelayStart)
	}
	if !cs.SectionTSpktFlag {
		t.Fatal("SectionTSpktFlag = false, want true")
	}
}

func TestReadMessageRejectsTruncatedBody(t *testing.T) {
	t.Parallel()

	// header claims a 10-byte body but only 2 bytes follow.
	raw := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x01}
	if _, err := ReadMessage(bytes.NewReader(raw)); err == nil {
		t.Error("expected error for truncated message body")
	}
}
