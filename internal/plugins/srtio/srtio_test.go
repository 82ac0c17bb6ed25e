package srtio

import (
	"bytes"
	"testing"

	"github.com/zsiec/tsforge/internal/tspacket"
)

func TestReassemblerSplitsMultiplePacketsPerFeed(t *testing.T) {
	t.Parallel()

	var want [][]byte
	var chunk []byte
	for i := 0; i < 3; i++ {
		pkt := make([]byte, tspacket.Size)
		pkt[0] = tspacket.SyncByte
		pkt[1] = byte(i)
		want = append(want, pkt)
		chunk = append(chunk, pkt...)
	}

	var r reassembler
	r.feed(chunk)

	for i, w := range want {
		got, ok := r.next()
		if !ok {
			t.Fatalf("packet %d: next() = false, want true", i)
		}
		if !bytes.Equal(got, w) {
			t.Fatalf("packet %d: got %v, want %v", i, got, w)
		}
	}
	if _, ok := r.next(); ok {
		t.Fatal("expected no more packets after draining the feed")
	}
}

func TestReassemblerHandlesPacketSplitAcrossFeeds(t *testing.T) {
	t.Parallel()

	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pkt[1] = 0x42

	var r reassembler
	r.feed(pkt[:100])
	if _, ok := r.next(); ok {
		t.Fatal("expected no complete packet before the split arrives")
	}
	r.feed(pkt[100:])

	got, ok := r.next()
	if !ok {
		t.Fatal("expected a complete packet once both halves arrived")
	}
	if !bytes.Equal(got, pkt) {
		t.Fatalf("got %v, want %v", got, pkt)
	}
}
