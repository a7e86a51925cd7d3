package executor

import "sync"

// RingBuffer is a fixed-capacity circular buffer of Events. It lets a
// channel that reconnects within the replay window catch up on output it
// missed.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]Event, capacity),
		capacity: capacity,
	}
}

// Write adds an event to the ring buffer.
func (rb *RingBuffer) Write(event Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all buffered events in emission order.
func (rb *RingBuffer) ReadAll() []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]Event, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]Event, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// ReadSince returns the buffered events with a sequence number greater than
// afterSeq, in emission order.
func (rb *RingBuffer) ReadSince(afterSeq uint64) []Event {
	all := rb.ReadAll()
	for i, e := range all {
		if e.Seq > afterSeq {
			return all[i:]
		}
	}
	return nil
}
