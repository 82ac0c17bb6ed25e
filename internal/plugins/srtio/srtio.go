// Package srtio implements the pipeline's SRT input and output plugins,
// wrapping github.com/zsiec/srtgo as input/output stages delivering raw
// 188-byte packets over a listening or dialed SRT socket.
package srtio

import (
	"time"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// srtPayloadSize is the standard SRT payload: 1316 bytes = 7 MPEG-TS
// packets (188 * 7).
const srtPayloadSize = 188 * 7

// defaultLatency is the SRT receiver-buffer latency used when Latency is
// left at its zero value.
const defaultLatency = 120 * time.Millisecond

// reassembler accumulates bytes read off a message-oriented SRT socket
// and slices them into whole transport-stream packets; a single SRT
// message can carry several packets at once, or a socket read can split
// a packet across two messages.
type reassembler struct {
	buf []byte
}

// feed appends newly read bytes.
func (r *reassembler) feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// next pops one packet's worth of bytes off the front of the buffer, if
// available.
func (r *reassembler) next() ([]byte, bool) {
	if len(r.buf) < tspacket.Size {
		return nil, false
	}
	pkt := r.buf[:tspacket.Size]
	r.buf = r.buf[tspacket.Size:]
	return pkt, true
}
