package socketcan

import (
	"fmt"

	brutella "github.com/brutella/can"

	can "github.com/samsamfire/cyphalcan/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan-classic", NewBrutellaBus)
}

// BrutellaBus is a classic-CAN-only SocketCAN backend built on
// github.com/brutella/can instead of a raw AF_CAN socket. It cannot carry
// CAN-FD frames (brutella/can's wire frame has no FD flag or >8-byte data),
// so NewBus's raw-socket driver remains the default registered under
// "socketcan"; this one is for hardware or kernels where the vendor library
// is already the proven path and FD is not needed.
type BrutellaBus struct {
	bus      *brutella.Bus
	listener can.FrameListener
}

// NewBrutellaBus opens channel (e.g. "can0") through brutella/can.
func NewBrutellaBus(channel string) (can.Bus, error) {
	bus, err := brutella.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &BrutellaBus{bus: bus}, nil
}

// Connect starts brutella/can's receive loop in the background, matching
// ConnectAndPublish's own blocking contract.
func (b *BrutellaBus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

// Disconnect is a no-op: brutella/can's Bus exposes no explicit close, its
// receive loop exits when the underlying socket is closed by the process.
func (b *BrutellaBus) Disconnect() error {
	return nil
}

// Send publishes frame through brutella/can. A frame over its classic
// 8-byte payload limit is not sent and an error is returned.
func (b *BrutellaBus) Send(frame can.Frame) error {
	if frame.DLC > 8 {
		return fmt.Errorf("socketcan: FD frame (%d bytes) unsupported by the brutella/can backend", frame.DLC)
	}
	out := brutella.Frame{ID: frame.ID, Length: frame.DLC, Flags: frame.Flags}
	copy(out.Data[:], frame.Data[:frame.DLC])
	return b.bus.Publish(out)
}

// Subscribe registers callback and hands this bus to brutella/can as its
// own Handle-implementing subscriber, translating frames on the way in.
func (b *BrutellaBus) Subscribe(callback can.FrameListener) error {
	b.listener = callback
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's frame-handler interface.
func (b *BrutellaBus) Handle(frame brutella.Frame) {
	if b.listener == nil {
		return
	}
	out := can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags}
	copy(out.Data[:], frame.Data[:frame.Length])
	b.listener.Handle(out)
}
