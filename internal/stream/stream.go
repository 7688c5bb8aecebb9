package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Config bounds the buffer of a Stream.
type Config struct {
	Initial int
	Min     int
	Max     int
}

// DefaultConfig starts at 16KiB and moves between 4KiB and 1MiB.
func DefaultConfig() Config {
	return Config{Initial: 16 << 10, Min: 4 << 10, Max: 1 << 20}
}

func (c Config) normalize() Config {
	if c.Min <= 0 {
		c.Min = 4 << 10
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial < c.Min {
		c.Initial = c.Min
	}
	if c.Initial > c.Max {
		c.Initial = c.Max
	}
	return c
}

// Stream reads its source through a buffer that doubles after reads filling it
// and halves after reads filling less than half of it. Growth is admitted by a
// MemoryTracker; everything attributed to the stream is returned when the
// stream ends, fails or is closed.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	src     io.Reader
	tracker MemoryTracker
	cfg     Config

	buf     []byte
	tracked int64
	pending error

	releaseOnce sync.Once
	released    bool
}

// New wraps src. The initial buffer is tracked when the budget allows it;
// otherwise the stream falls back to the minimum size.
func New(src io.Reader, tracker MemoryTracker, cfg Config) *Stream {
	cfg = cfg.normalize()
	s := &Stream{src: src, tracker: tracker, cfg: cfg}
	switch {
	case tracker.TrackAllocation(int64(cfg.Initial)):
		s.tracked = int64(cfg.Initial)
		s.buf = make([]byte, cfg.Initial)
	case cfg.Min < cfg.Initial && tracker.TrackAllocation(int64(cfg.Min)):
		s.tracked = int64(cfg.Min)
		s.buf = make([]byte, cfg.Min)
	default:
		// over budget: serve with the floor, untracked
		s.buf = make([]byte, cfg.Min)
	}
	return s
}

// BufferSize is the size the next read will use.
func (s *Stream) BufferSize() int { return len(s.buf) }

// Tracked is the number of bytes currently attributed to this stream.
func (s *Stream) Tracked() int64 { return s.tracked }

// Next reads one chunk. The returned slice is valid until the following call.
// At the end of data it returns io.EOF, after which the stream holds no memory.
func (s *Stream) Next() ([]byte, error) {
	if s.released {
		if s.pending != nil {
			return nil, s.pending
		}
		return nil, io.EOF
	}
	if s.pending != nil {
		err := s.pending
		s.release()
		return nil, err
	}

	n, err := s.src.Read(s.buf)
	chunk := s.buf[:n]
	s.resize(n)
	if err != nil {
		s.pending = err
		if n == 0 {
			s.release()
			return nil, err
		}
	}
	return chunk, nil
}

// resize adjusts the buffer for the next read. A fresh slice is allocated on
// every size change so the chunk handed out stays intact.
func (s *Stream) resize(n int) {
	size := len(s.buf)
	switch {
	case n == size && size < s.cfg.Max:
		next := min(size*2, s.cfg.Max)
		delta := int64(next - size)
		if !s.tracker.TrackAllocation(delta) {
			return
		}
		s.tracked += delta
		s.buf = make([]byte, next)
	case n < size/2 && size > s.cfg.Min:
		next := max(size/2, s.cfg.Min)
		freed := min(int64(size-next), s.tracked)
		s.tracker.TrackDeallocation(freed)
		s.tracked -= freed
		s.buf = make([]byte, next)
	}
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		s.tracker.TrackDeallocation(s.tracked)
		s.tracked = 0
		s.buf = nil
		s.released = true
	})
}

// Close releases the tracked memory and closes the source when it is an io.Closer.
func (s *Stream) Close() error {
	s.release()
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Pipe copies the stream into w until the end of data, a write failure or ctx
// cancellation. Memory is released on every return path.
func (s *Stream) Pipe(ctx context.Context, w io.Writer) (int64, error) {
	defer s.release()
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		chunk, err := s.Next()
		if len(chunk) > 0 {
			n, werr := w.Write(chunk)
			total += int64(n)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// WriteTo implements io.WriterTo.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	return s.Pipe(context.Background(), w)
}
