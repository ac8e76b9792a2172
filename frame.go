package pickle

// FrameStream wraps a ByteSource with protocol 4's framing discipline: a
// FRAME opcode declares that the next N bytes form a self-contained region,
// and every read until that region is exhausted must stay inside it. Reads
// that would cross the boundary fail with ErrFrameViolation instead of
// silently reading past it. Leaving a frame happens automatically once its
// declared byte count has been consumed; there is no explicit "exit frame"
// opcode on the wire.
//
// Outside of an active frame, FrameStream behaves exactly like its
// underlying ByteSource.
type FrameStream struct {
	src ByteSource

	framed    bool
	remaining int64
}

// NewFrameStream returns a FrameStream reading from src, initially with no
// active frame.
func NewFrameStream(src ByteSource) *FrameStream {
	return &FrameStream{src: src}
}

// EnterFrame declares that the next n bytes form a bounded frame region.
// EnterFrame fails if a frame is already active: frames do not nest on the
// pickle wire.
func (f *FrameStream) EnterFrame(n int64) error {
	if f.framed {
		return ErrFrameViolation
	}
	if n < 0 {
		return ErrFrameViolation
	}
	if n == 0 {
		return nil
	}
	f.framed = true
	f.remaining = n
	return nil
}

// InFrame reports whether a frame region is currently active.
func (f *FrameStream) InFrame() bool { return f.framed }

// account charges n bytes against the active frame's remaining budget,
// auto-exiting the frame once it is exhausted. It must be called only after
// the underlying read has already succeeded (or checked before, for reads
// of a known fixed size).
func (f *FrameStream) account(n int64) error {
	if !f.framed {
		return nil
	}
	if n > f.remaining {
		return ErrFrameViolation
	}
	f.remaining -= n
	if f.remaining == 0 {
		f.framed = false
	}
	return nil
}

// ReadByte reads the next byte, failing with ErrFrameViolation if a frame
// is active and already exhausted.
func (f *FrameStream) ReadByte() (byte, error) {
	if f.framed && f.remaining < 1 {
		return 0, ErrFrameViolation
	}
	b, err := f.src.ReadByte()
	if err != nil {
		return 0, err
	}
	if err := f.account(1); err != nil {
		return 0, err
	}
	return b, nil
}

// ReadFull reads exactly len(buf) bytes, failing with ErrFrameViolation if
// that would cross an active frame's boundary.
func (f *FrameStream) ReadFull(buf []byte) error {
	if f.framed && int64(len(buf)) > f.remaining {
		return ErrFrameViolation
	}
	if err := f.src.ReadFull(buf); err != nil {
		return err
	}
	return f.account(int64(len(buf)))
}

// ReadLine reads a newline-terminated line, failing with ErrFrameViolation
// if doing so consumed more bytes than remain in an active frame. Protocol
// 4+ streams never mix FRAME with the textual (protocol 0) opcodes that use
// ReadLine, so this path is exercised only by malformed/adversarial input.
func (f *FrameStream) ReadLine() ([]byte, error) {
	line, err := f.src.ReadLine()
	if err != nil {
		return line, err
	}
	// +1 for the newline ReadLine strips before returning.
	if err := f.account(int64(len(line)) + 1); err != nil {
		return nil, err
	}
	return line, nil
}

// Position returns the number of bytes consumed so far from the underlying source.
func (f *FrameStream) Position() int64 { return f.src.Position() }

// Len returns the underlying source's total length, or -1 if unknown.
func (f *FrameStream) Len() int64 { return f.src.Len() }

// Close releases the underlying source's resources.
func (f *FrameStream) Close() error { return f.src.Close() }
