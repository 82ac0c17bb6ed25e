package mux

import (
	"fmt"
	"io"
	"os"

	"github.com/zsiec/tsforge/internal/tspacket"
)

// FileSource is the default PacketSource: a binary file of concatenated
// 188-byte packets, seekable by byte or packet offset and optionally
// replayed a fixed number of times.
type FileSource struct {
	path        string
	repeat      int // 0 = infinite
	startOffset int64

	f          *os.File
	iterations int
}

// NewFileSource opens a secondary packet file. offset is a byte offset;
// callers wanting a packet offset should multiply by tspacket.Size.
// repeat == 0 replays the file indefinitely.
func NewFileSource(path string, repeat int, offset int64) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mux: open secondary file %s: %w", path, err)
	}
	if offset != 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("mux: seek secondary file %s: %w", path, err)
		}
	}
	return &FileSource{path: path, repeat: repeat, startOffset: offset, f: f}, nil
}

// ReadPacket implements PacketSource, wrapping the file at EOF according
// to the repeat count.
func (fs *FileSource) ReadPacket() (*tspacket.Packet, error) {
	pkt := tspacket.New()
	_, err := io.ReadFull(fs.f, pkt.Raw[:])
	if err == nil {
		return pkt, nil
	}
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("mux: read secondary file %s: %w", fs.path, err)
	}

	fs.iterations++
	if fs.repeat != 0 && fs.iterations >= fs.repeat {
		return nil, io.EOF
	}
	if _, err := fs.f.Seek(fs.startOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("mux: rewind secondary file %s: %w", fs.path, err)
	}
	return fs.ReadPacket()
}

// Close releases the underlying file handle.
func (fs *FileSource) Close() error {
	return fs.f.Close()
}
