package streaming

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Send once the consumer has closed the stream
// or the registry evicted it.
var ErrStreamClosed = errors.New("stream closed")

// Chunk is a single unit of streamed output.
type Chunk struct {
	// Generated token text.
	Text string `json:"text"`
	// Token id when the runtime exposes it.
	TokenID *uint32 `json:"token_id,omitempty"`
	// True on the final chunk of a stream.
	Finished bool `json:"is_finished"`
	// Finish reason on the final chunk (e.g., stop, length, error).
	FinishReason string `json:"finish_reason,omitempty"`
	Model        string `json:"model,omitempty"`
	// Request id the chunk belongs to.
	ID      string `json:"id"`
	Created int64  `json:"created"`
	// Sequence number of the chunk within its stream.
	Index int `json:"index"`
	// Error message when generation failed mid-stream.
	Err string `json:"error,omitempty"`
}

// Stream is the live, non-serializable output channel of one generation.
// A single producer calls Send and finally CloseSend; a single consumer reads
// from Recv and calls Close when it stops reading.
type Stream struct {
	ch        chan Chunk
	ctx       context.Context
	cancel    context.CancelFunc
	closeSend sync.Once
}

// NewStream creates a stream with the given chunk buffer.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{ch: make(chan Chunk, buffer), ctx: ctx, cancel: cancel}
}

// Send delivers c to the consumer. It blocks until the chunk is buffered,
// the stream is closed by the consumer, or ctx is done.
// Send must not be called after CloseSend.
func (s *Stream) Send(ctx context.Context, c Chunk) error {
	// prefer the closed signal over a free buffer slot
	if s.ctx.Err() != nil {
		return ErrStreamClosed
	}
	select {
	case s.ch <- c:
		return nil
	case <-s.ctx.Done():
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers c without blocking and reports whether it was buffered.
func (s *Stream) TrySend(c Chunk) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- c:
		return true
	default:
		return false
	}
}

// CloseSend marks the end of production. Safe to call more than once.
func (s *Stream) CloseSend() {
	s.closeSend.Do(func() { close(s.ch) })
}

// Recv returns the channel the consumer reads chunks from. It is closed after
// the producer calls CloseSend.
func (s *Stream) Recv() <-chan Chunk { return s.ch }

// Close abandons the stream from the consumer side; the producer observes it
// through Done, Context or a failing Send.
func (s *Stream) Close() { s.cancel() }

// Done is closed once the consumer closed the stream or it was evicted.
func (s *Stream) Done() <-chan struct{} { return s.ctx.Done() }

// Context is canceled together with Done. Producers derive their generation
// context from it so an abandoned stream stops the work behind it.
func (s *Stream) Context() context.Context { return s.ctx }

// Closed reports whether the consumer side has been closed.
func (s *Stream) Closed() bool { return s.ctx.Err() != nil }
