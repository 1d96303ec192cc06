// Package queue implements the transmit priority queue: frames built from a
// pushed transfer are ordered by priority, then by CAN ID, then by
// insertion sequence, so that a Pop always yields the frame that should
// leave the bus next. There is no third-party ordered-tree or
// priority-queue library anywhere in the example corpus this module was
// grounded on, so the queue is built on the standard library's
// container/heap, which is the idiomatic Go way to get an ordered-tree-like
// structure without pulling in a dependency nothing else in the stack uses.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/samsamfire/cyphalcan/internal/crc"
	"github.com/samsamfire/cyphalcan/pkg/frame"
)

// ErrOutOfMemory is returned when the queue is at capacity and cannot accept
// another transfer's frames.
var ErrOutOfMemory = errors.New("queue: capacity exhausted")

// ErrInvalidArgument is returned for malformed push arguments.
var ErrInvalidArgument = errors.New("queue: invalid argument")

// Item is one CAN frame waiting to be sent, together with its ordering key
// and advisory deadline.
type Item struct {
	CANID    uint32
	Payload  []byte
	Deadline uint64 // advisory; the driver may drop items whose deadline has passed

	priority uint8
	sequence uint64
	index    int // heap.Interface bookkeeping
}

// Queue is an ordered transmit queue keyed on (priority, CAN ID, insertion
// sequence). It is not safe for concurrent use from multiple goroutines
// without external synchronization, matching the single-threaded,
// cooperative scheduling model the rest of the transport follows; the
// internal mutex exists only to make accidental concurrent use fail safely
// rather than corrupt the heap.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	mtu      int
	sequence uint64
}

// New creates an empty queue with the given capacity (in frames) and MTU.
func New(capacity int, mtu int) *Queue {
	q := &Queue{capacity: capacity, mtu: mtu}
	heap.Init(&q.items)
	return q
}

// SetMTU changes the MTU used by future Push calls.
func (q *Queue) SetMTU(mtu int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mtu = mtu
}

// Size reports the number of frames currently enqueued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Capacity reports the configured maximum number of enqueued frames.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Push builds and enqueues the frames for one transfer. It returns the
// number of frames enqueued. If building the CAN ID fails, or the capacity
// limit would be exceeded, the queue is left completely unchanged and an
// error is returned.
func (q *Queue) Push(meta frame.Metadata, localNodeID uint8, payload []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	presentationMTU := q.mtu - 1
	canID, err := frame.MakeCANID(meta, len(payload), payload, localNodeID, presentationMTU)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var built []Item
	if len(payload) <= presentationMTU {
		built = []Item{q.buildSingleFrame(canID, meta, payload)}
	} else {
		built = q.buildMultiFrame(canID, meta, payload, presentationMTU)
	}

	if q.items.Len()+len(built) > q.capacity {
		return 0, ErrOutOfMemory
	}

	for i := range built {
		built[i].priority = meta.Priority
		built[i].sequence = q.sequence
		q.sequence++
		heap.Push(&q.items, &built[i])
	}
	return len(built), nil
}

func (q *Queue) buildSingleFrame(canID uint32, meta frame.Metadata, payload []byte) Item {
	padded := frame.RoundFramePayloadUp(len(payload) + 1)
	buf := make([]byte, padded)
	copy(buf, payload)
	buf[padded-1] = frame.MakeTailByte(true, true, true, meta.TransferID)
	return Item{CANID: canID, Payload: buf}
}

func (q *Queue) buildMultiFrame(canID uint32, meta frame.Metadata, payload []byte, presentationMTU int) []Item {
	// The last frame is padded to its DLC bucket. The zero padding goes
	// before the CRC and is covered by it, so the CRC always sits right
	// before the tail byte of the last frame.
	lastChunk := (len(payload) + 2) % presentationMTU
	if lastChunk == 0 {
		lastChunk = presentationMTU
	}
	padding := frame.RoundFramePayloadUp(lastChunk+1) - (lastChunk + 1)
	extended := make([]byte, len(payload)+padding, len(payload)+padding+2)
	copy(extended, payload)
	crcBytes := crc.New().Update(extended).Bytes()
	extended = append(extended, crcBytes[0], crcBytes[1])

	var items []Item
	toggle := true
	offset := 0
	for offset < len(extended) {
		remaining := len(extended) - offset
		chunk := presentationMTU
		last := false
		if remaining <= presentationMTU {
			chunk = remaining
			last = true
		}
		segment := extended[offset : offset+chunk]
		offset += chunk

		sof := len(items) == 0
		padded := frame.RoundFramePayloadUp(chunk + 1)
		buf := make([]byte, padded)
		copy(buf, segment)
		buf[padded-1] = frame.MakeTailByte(sof, last, toggle, meta.TransferID)

		items = append(items, Item{CANID: canID, Payload: buf})
		toggle = !toggle
	}
	return items
}

// Peek returns the item that would be returned by Pop, without removing it.
// It returns nil if the queue is empty.
func (q *Queue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes and returns item from the queue. Passing nil is a no-op.
func (q *Queue) Pop(item *Item) *Item {
	if item == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.index < 0 || item.index >= q.items.Len() || q.items[item.index] != item {
		return nil
	}
	return heap.Remove(&q.items, item.index).(*Item)
}

// itemHeap implements container/heap.Interface, ordering by priority
// ascending (0 = highest), then CAN ID ascending, then insertion sequence.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.CANID != b.CANID {
		return a.CANID < b.CANID
	}
	return a.sequence < b.sequence
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
