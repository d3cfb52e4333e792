// Package ingest buffers client audio between the websocket and the STT
// adapter. The buffer is bounded: when a slow STT consumer lets it fill up,
// the oldest frame is dropped and the caller is told, so growth is never
// silent and the freshest audio always wins.
package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/provider"
)

var (
	// ErrSequenceGap reports a missing frame: sequence numbers must be
	// contiguous within an open segment.
	ErrSequenceGap = errors.New("audio frame sequence gap")
	// ErrOverrun reports that the bound was hit and the oldest frame was
	// dropped to make room. The new frame was still accepted.
	ErrOverrun = errors.New("audio buffer overrun, oldest frame dropped")
	// ErrClosed reports pushes or reads after Close.
	ErrClosed = errors.New("audio buffer closed")
)

const DefaultCapacity = 64

// Buffer is a bounded FIFO of audio frames for one session.
type Buffer struct {
	mu       sync.Mutex
	frames   []provider.AudioFrame
	capacity int
	nextSeq  int
	dropped  int
	closed   bool
	notify   chan struct{}
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		nextSeq:  -1,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends a frame. The first frame fixes the sequence base; afterwards
// each frame must carry the next consecutive sequence number. Push never
// blocks: on overflow it drops the oldest frame and returns ErrOverrun.
func (b *Buffer) Push(frame provider.AudioFrame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.nextSeq >= 0 && frame.Seq != b.nextSeq {
		b.mu.Unlock()
		return ErrSequenceGap
	}
	b.nextSeq = frame.Seq + 1

	var overrun bool
	if len(b.frames) >= b.capacity {
		b.frames = b.frames[1:]
		b.dropped++
		overrun = true
	}
	b.frames = append(b.frames, frame)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	if overrun {
		return ErrOverrun
	}
	return nil
}

// Next blocks until a frame is available, the buffer closes, or ctx ends.
func (b *Buffer) Next(ctx context.Context) (provider.AudioFrame, error) {
	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			frame := b.frames[0]
			b.frames = b.frames[1:]
			b.mu.Unlock()
			return frame, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return provider.AudioFrame{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return provider.AudioFrame{}, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Dropped reports how many frames were discarded due to overrun.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
