// Package virtual implements an in-process CAN bus used by tests and by the
// CLI demo's loopback mode. Every Bus opened on the same channel name joins
// the same broadcast domain: frames sent by one handle are delivered to
// every other handle on that channel, exactly like a real CAN bus where
// every node sees every frame.
package virtual

import (
	"sync"

	can "github.com/samsamfire/cyphalcan/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
}

// broker fans frames out to every Bus subscribed to one channel name.
type broker struct {
	mu      sync.Mutex
	members []*Bus
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*broker)
)

func joinBroker(channel string) *broker {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[channel]
	if !ok {
		b = &broker{}
		registry[channel] = b
	}
	return b
}

// Bus is an in-process [can.Bus]. It never touches real hardware and never
// blocks on I/O; Send fans a frame out synchronously to every other member.
type Bus struct {
	channel    string
	broker     *broker
	receiveOwn bool
	connected  bool

	mu       sync.Mutex
	callback can.FrameListener
}

// NewBus creates a handle on the named in-process channel. Connect must be
// called before frames are delivered to it.
func NewBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, broker: joinBroker(channel)}, nil
}

// Connect joins the broker for this channel.
func (b *Bus) Connect(...any) error {
	b.broker.mu.Lock()
	defer b.broker.mu.Unlock()
	b.connected = true
	b.broker.members = append(b.broker.members, b)
	return nil
}

// Disconnect leaves the broker.
func (b *Bus) Disconnect() error {
	b.broker.mu.Lock()
	defer b.broker.mu.Unlock()
	for i, m := range b.broker.members {
		if m == b {
			b.broker.members = append(b.broker.members[:i], b.broker.members[i+1:]...)
			break
		}
	}
	b.connected = false
	return nil
}

// Send delivers frame to every other connected handle on this channel
// (and to this handle too, if SetReceiveOwn(true) was called).
func (b *Bus) Send(frame can.Frame) error {
	b.broker.mu.Lock()
	members := make([]*Bus, len(b.broker.members))
	copy(members, b.broker.members)
	b.broker.mu.Unlock()

	for _, m := range members {
		if m == b && !b.receiveOwn {
			continue
		}
		m.mu.Lock()
		cb := m.callback
		m.mu.Unlock()
		if cb != nil {
			cb.Handle(frame)
		}
	}
	return nil
}

// Subscribe registers the callback invoked for every frame this handle
// receives.
func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = callback
	return nil
}

// SetReceiveOwn controls whether frames this handle sends are also
// delivered back to it; useful for tests and single-process demos.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
