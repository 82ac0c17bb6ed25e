package psi

// Common MPEG-2/DVB stream_type values (ISO/IEC 13818-1 Table 2-34),
// enough to classify a PMT component as audio/video/subtitles for the
// scrambler's --scramble-audio/--scramble-video/--scramble-subtitles
// selection.
const (
	StreamTypeMPEG1Video uint8 = 0x01
	StreamTypeMPEG2Video uint8 = 0x02
	StreamTypeMPEG1Audio uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypeAAC        uint8 = 0x0F
	StreamTypeAACLATM    uint8 = 0x11
	StreamTypeH264       uint8 = 0x1B
	StreamTypeHEVC       uint8 = 0x24
	StreamTypeAC3        uint8 = 0x81
	StreamTypeEAC3       uint8 = 0x87
	// There is no stream_type value for DVB subtitles: they are
	// carried as PES private data (stream_type 0x06) and identified by a
	// DVB subtitling_descriptor, not the stream_type byte. IsSubtitles
	// checks for that descriptor instead.
	streamTypePrivatePES uint8 = 0x06
	tagSubtitling        uint8 = 0x59
)

// IsVideo reports whether the component carries a recognized video codec.
func (c Component) IsVideo() bool {
	switch c.StreamType {
	case StreamTypeMPEG1Video, StreamTypeMPEG2Video, StreamTypeH264, StreamTypeHEVC:
		return true
	default:
		return false
	}
}

// IsAudio reports whether the component carries a recognized audio codec.
func (c Component) IsAudio() bool {
	switch c.StreamType {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeAAC, StreamTypeAACLATM, StreamTypeAC3, StreamTypeEAC3:
		return true
	default:
		return false
	}
}

// IsSubtitles reports whether the component carries DVB subtitles,
// identified by a subtitling_descriptor on an otherwise-opaque private
// PES stream.
func (c Component) IsSubtitles() bool {
	if c.StreamType != streamTypePrivatePES {
		return false
	}
	for _, d := range c.Descriptors {
		if d.Tag == tagSubtitling {
			return true
		}
	}
	return false
}
