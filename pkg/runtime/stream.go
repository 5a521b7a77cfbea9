package runtime

import (
	"context"
	"sync"
)

// StreamChunk is one increment of streamed execution output. Final marks
// the last chunk; ExitCode is only meaningful on it.
type StreamChunk struct {
	Data     []byte
	Err      string
	Final    bool
	ExitCode int
}

// Stream is a bounded channel of output chunks. The producer blocks when
// the consumer falls behind, so memory stays bounded. Only the producer
// calls Send and Close, and never Send after Close; a consumer that goes
// away cancels the execution context to unblock the producer.
type Stream struct {
	ch        chan StreamChunk
	closeOnce sync.Once
}

// NewStream creates a stream with the given buffer size
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{ch: make(chan StreamChunk, buffer)}
}

// Chunks is the consumer side. The channel closes after the final chunk.
func (s *Stream) Chunks() <-chan StreamChunk {
	return s.ch
}

// Send delivers a chunk, blocking until the consumer accepts it or the
// context ends
func (s *Stream) Send(ctx context.Context, chunk StreamChunk) error {
	select {
	case s.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
