// Package queue is the bounded block queue between the stimulus producer and
// the audio driver callback. The callback side never blocks.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paclab/soundloc/internal/audio"
)

var (
	ErrBlockShape = errors.New("block shape mismatch")
	ErrFull       = errors.New("queue full")
)

// Stats is a point-in-time copy of the queue counters.
type Stats struct {
	Depth        int
	Frames       uint64
	Enqueued     uint64
	Underruns    uint64
	Callbacks    uint64
	LastCallback time.Time
}

// Queue is a fixed-capacity FIFO of stereo blocks with a target depth.
type Queue struct {
	blockSize int
	target    int

	mu   sync.Mutex
	ring []audio.Block
	head int
	size int

	running      atomic.Bool
	frames       atomic.Uint64
	enqueued     atomic.Uint64
	underruns    atomic.Uint64
	callbacks    atomic.Uint64
	lastCallback atomic.Int64

	nowFunc func() time.Time
}

// New creates a queue holding up to capacity blocks that refills up to target.
func New(blockSize, target, capacity int) *Queue {
	if capacity < target {
		capacity = target
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		blockSize: blockSize,
		target:    target,
		ring:      make([]audio.Block, capacity),
		nowFunc:   time.Now,
	}
}

func (q *Queue) BlockSize() int { return q.blockSize }
func (q *Queue) Target() int    { return q.target }

// Start lets Refill enqueue and the callback dequeue.
func (q *Queue) Start() { q.running.Store(true) }

// Stop halts refill; the callback emits silence until Start.
func (q *Queue) Stop() { q.running.Store(false) }

func (q *Queue) Running() bool { return q.running.Load() }

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Enqueue appends one block. Blocks must be exactly blockSize frames.
func (q *Queue) Enqueue(b audio.Block) error {
	if len(b) != q.blockSize {
		return fmt.Errorf("%w: got %d frames, want %d", ErrBlockShape, len(b), q.blockSize)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.ring) {
		return ErrFull
	}
	q.ring[(q.head+q.size)%len(q.ring)] = b
	q.size++
	q.enqueued.Add(1)
	return nil
}

// Refill pulls blocks from next while the queue is running and below its
// target depth. It returns the number of blocks enqueued.
func (q *Queue) Refill(next func() audio.Block) (int, error) {
	added := 0
	for q.running.Load() && q.Depth() < q.target {
		b := next()
		if b == nil {
			return added, nil
		}
		if err := q.Enqueue(b); err != nil {
			if errors.Is(err, ErrFull) {
				return added, nil
			}
			return added, err
		}
		added++
	}
	return added, nil
}

// TryDequeue pops the oldest block without waiting for the lock.
func (q *Queue) TryDequeue() (audio.Block, bool) {
	if !q.mu.TryLock() {
		return nil, false
	}
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (audio.Block, bool) {
	if q.size == 0 {
		return nil, false
	}
	b := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return b, true
}

// Drain discards blocks until at most to remain and returns how many were
// dropped. Draining an already drained queue is a no-op.
func (q *Queue) Drain(to int) int {
	if to < 0 {
		to = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for q.size > to {
		q.popLocked()
		dropped++
	}
	return dropped
}

// Process is the audio driver callback. out holds one slice per output
// channel. It writes the next block or silence and never blocks.
func (q *Queue) Process(out [][]float32) {
	q.callbacks.Add(1)
	q.lastCallback.Store(q.nowFunc().UnixNano())

	frames := 0
	if len(out) > 0 {
		frames = len(out[0])
	}

	if !q.running.Load() {
		silence(out)
		return
	}

	// Blocks are only taken when the driver buffer can hold one.
	if len(out) < 2 || frames != q.blockSize || len(out[1]) != frames {
		q.underruns.Add(1)
		silence(out)
		return
	}
	b, ok := q.TryDequeue()
	if !ok {
		q.underruns.Add(1)
		silence(out)
		return
	}

	left, right := out[0], out[1]
	for i, frame := range b {
		left[i] = frame[0]
		right[i] = frame[1]
	}
	for _, ch := range out[2:] {
		clear(ch)
	}
	q.frames.Add(uint64(frames))
}

func silence(out [][]float32) {
	for _, ch := range out {
		clear(ch)
	}
}

func (q *Queue) Stats() Stats {
	var last time.Time
	if ns := q.lastCallback.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Depth:        q.Depth(),
		Frames:       q.frames.Load(),
		Enqueued:     q.enqueued.Load(),
		Underruns:    q.underruns.Load(),
		Callbacks:    q.callbacks.Load(),
		LastCallback: last,
	}
}
