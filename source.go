package pickle

import (
	"bufio"
	"bytes"
	"io"
	"os"
)

// ByteSource is a readable stream of octets with a known (or unknown)
// length and a tracked read position. FrameStream is built on top of it.
type ByteSource interface {
	// ReadByte reads and returns the next byte.
	ReadByte() (byte, error)
	// ReadFull reads exactly len(buf) bytes into buf.
	ReadFull(buf []byte) error
	// ReadLine reads up to and including the next '\n', returning the line
	// without its trailing newline. The returned slice is valid only until
	// the next call to ReadLine.
	ReadLine() ([]byte, error)
	// Position returns the number of bytes consumed so far.
	Position() int64
	// Len returns the total stream length, or -1 if unknown (a non-seekable
	// stream whose size was never declared).
	Len() int64
	// Close releases any resources the source owns (e.g. an *os.File).
	// Sources built over a caller-owned io.Reader are no-ops here; callers
	// retain ownership of LeaveOpen sources.
	Close() error
}

// readerSource implements ByteSource over an arbitrary io.Reader, with no
// known total length.
type readerSource struct {
	r     *bufio.Reader
	pos   int64
	line  []byte
	close func() error
}

// NewReaderSource wraps r as a ByteSource of unknown total length.
func NewReaderSource(r io.Reader) ByteSource {
	return &readerSource{r: bufio.NewReader(r), close: func() error { return nil }}
}

// NewFileSource opens path and returns a ByteSource with a known length.
func NewFileSource(path string) (ByteSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &readerSource{r: bufio.NewReader(f), close: f.Close}
	return &sizedSource{ByteSource: s, length: fi.Size()}, nil
}

// NewMemorySource returns a ByteSource over an in-memory byte slice.
func NewMemorySource(data []byte) ByteSource {
	s := &readerSource{r: bufio.NewReader(bytes.NewReader(data)), close: func() error { return nil }}
	return &sizedSource{ByteSource: s, length: int64(len(data))}
}

func (s *readerSource) ReadByte() (byte, error) {
	b, err := s.r.ReadByte()
	if err == nil {
		s.pos++
	}
	return b, err
}

func (s *readerSource) ReadFull(buf []byte) error {
	n, err := io.ReadFull(s.r, buf)
	s.pos += int64(n)
	return err
}

func (s *readerSource) ReadLine() ([]byte, error) {
	s.line = s.line[:0]
	for {
		data, err := s.r.ReadSlice('\n')
		s.line = append(s.line, data...)
		s.pos += int64(len(data))
		if err != bufio.ErrBufferFull {
			if l := len(s.line); l > 0 && s.line[l-1] == '\n' {
				s.line = s.line[:l-1]
			}
			return s.line, err
		}
	}
}

func (s *readerSource) Position() int64 { return s.pos }
func (s *readerSource) Len() int64      { return -1 }
func (s *readerSource) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// sizedSource decorates a ByteSource with a precomputed total length.
type sizedSource struct {
	ByteSource
	length int64
}

func (s *sizedSource) Len() int64 { return s.length }
