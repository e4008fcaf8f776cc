// Package framebus is the bounded hand-off between the acquisition loop and
// its consumers. The producer has a hard sensor cadence, so the bus never
// blocks it: when full it discards its oldest unread bundle to admit the new
// one. Consumers poll without blocking and own whatever they pop.
package framebus

import (
	"sync"
	"time"

	"gocv.io/x/gocv"

	"depthcam/depth"
	"depthcam/detection"
)

// DefaultCapacity bounds memory when consumers stall behind the sensor.
const DefaultCapacity = 5

// Bundle carries everything produced for one captured frame. Immutable once
// constructed. Ownership: the producer builds it, the bus owns it while
// queued (and closes it if dropped), the consumer owns it after Pop and must
// Close it.
type Bundle struct {
	Color    gocv.Mat
	Depth    *depth.Frame
	DepthViz gocv.Mat
	// Annotated is valid only when HasAnnotated is set (detection enabled).
	Annotated    gocv.Mat
	HasAnnotated bool
	// Detection is nil when detection is disabled or the frame bypassed it.
	Detection *detection.FrameMetadata
	Timestamp time.Time

	closed bool
}

// Close releases the bundle's image buffers. Safe to call once per owner.
func (b *Bundle) Close() {
	if b.closed {
		return
	}
	b.closed = true
	b.Color.Close()
	b.DepthViz.Close()
	if b.HasAnnotated {
		b.Annotated.Close()
	}
}

// Display returns the frame a viewer should show: the annotated frame when
// detection produced one, otherwise the raw color frame. The bundle retains
// ownership.
func (b *Bundle) Display() gocv.Mat {
	if b.HasAnnotated {
		return b.Annotated
	}
	return b.Color
}

// Bus is a fixed-capacity, drop-oldest, FIFO queue. Single producer, any
// number of polling consumers.
type Bus struct {
	mu       sync.Mutex
	queue    []*Bundle
	capacity int
	dropped  uint64
	pushed   uint64
}

// NewBus creates a bus with the given capacity; values < 1 use DefaultCapacity.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Bus{
		queue:    make([]*Bundle, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts a bundle, discarding (and closing) the oldest resident bundle
// when the bus is full. Never blocks.
func (b *Bus) Push(bundle *Bundle) {
	b.mu.Lock()
	var victim *Bundle
	if len(b.queue) == b.capacity {
		victim = b.queue[0]
		copy(b.queue, b.queue[1:])
		b.queue[len(b.queue)-1] = bundle
		b.dropped++
	} else {
		b.queue = append(b.queue, bundle)
	}
	b.pushed++
	b.mu.Unlock()

	if victim != nil {
		victim.Close()
	}
}

// Pop returns the oldest queued bundle, FIFO, or (nil, false) when empty.
// Never blocks. The caller owns the returned bundle.
func (b *Bus) Pop() (*Bundle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}
	bundle := b.queue[0]
	copy(b.queue, b.queue[1:])
	b.queue = b.queue[:len(b.queue)-1]
	return bundle, true
}

// Len reports how many bundles are currently queued.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped reports how many bundles were sacrificed to keep the producer
// non-blocking.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Drain pops and closes everything still queued. Called on shutdown so Mat
// buffers are returned before the process exits.
func (b *Bus) Drain() {
	for {
		bundle, ok := b.Pop()
		if !ok {
			return
		}
		bundle.Close()
	}
}
