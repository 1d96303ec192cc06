// Package socketcan is a raw AF_CAN/SOCK_RAW driver supporting both classic
// CAN (struct can_frame, 16 bytes on the wire) and CAN-FD (struct
// canfd_frame, 72 bytes) over the same socket, distinguished by read length.
package socketcan

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"unsafe"

	can "github.com/samsamfire/cyphalcan/pkg/can"
	"golang.org/x/sys/unix"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

const (
	classicFrameSize = 16 // sizeof(struct can_frame), padded
	fdFrameSize      = 72 // sizeof(struct canfd_frame)
)

// classicFrame matches the Linux struct can_frame layout.
type classicFrame struct {
	id   uint32
	dlc  uint8
	_    [3]uint8
	data [8]uint8
}

// fdFrame matches the Linux struct canfd_frame layout.
type fdFrame struct {
	id    uint32
	len   uint8
	flags uint8
	_     [2]uint8
	data  [64]uint8
}

// Bus is a SocketCAN backed [can.Bus]. It must be created with NewBus on a
// channel that is already administratively up (e.g. `ip link set can0 up`).
type Bus struct {
	fd         int
	fdEnabled  bool
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewBus opens a raw CAN_RAW socket bound to channel and enables CAN-FD
// frame reception if the kernel and driver support it.
func NewBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}
	bus := &Bus{fd: fd, logger: slog.Default()}

	// CAN_RAW_FD_FRAMES lets the socket carry both classic and FD frames;
	// an older kernel without FD support simply ignores this option, and
	// the bus keeps working in classic-only mode.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err == nil {
		bus.fdEnabled = true
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind to %s: %w", channel, err)
	}
	return bus, nil
}

// Connect starts the reception goroutine.
func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiveLoop(ctx)
	}()
	return nil
}

// Disconnect stops reception and closes the socket.
func (b *Bus) Disconnect() error {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}
	return unix.Close(b.fd)
}

// Send writes frame to the bus, using the FD wire format when the payload
// exceeds the classic 8-byte limit (an error if the socket has FD frames
// disabled) and the classic format otherwise.
func (b *Bus) Send(frame can.Frame) error {
	if frame.DLC > 8 {
		if !b.fdEnabled {
			return fmt.Errorf("socketcan: FD frame (%d bytes) on a classic-only socket", frame.DLC)
		}
		raw := fdFrame{id: frame.ID | can.CanEffFlag, len: frame.DLC, flags: frame.Flags}
		copy(raw.data[:], frame.Data[:frame.DLC])
		return b.write((*(*[fdFrameSize]byte)(unsafe.Pointer(&raw)))[:])
	}
	raw := classicFrame{id: frame.ID | can.CanEffFlag, dlc: frame.DLC}
	copy(raw.data[:], frame.Data[:frame.DLC])
	return b.write((*(*[classicFrameSize]byte)(unsafe.Pointer(&raw)))[:])
}

func (b *Bus) write(raw []byte) error {
	n, err := unix.Write(b.fd, raw)
	if err != nil {
		return err
	}
	if n != len(raw) {
		return fmt.Errorf("socketcan: short write (%d of %d bytes)", n, len(raw))
	}
	return nil
}

// Subscribe registers the callback invoked for every received frame.
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

// SetReceiveOwn enables loopback of locally transmitted frames, useful in
// tests and for observing one's own traffic with a bus analyzer.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}

func (b *Bus) receiveLoop(ctx context.Context) {
	buf := make([]byte, fdFrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			b.logger.Error("socketcan read failed, exiting reception loop", "err", err)
			return
		}
		frame, ok := decode(buf[:n])
		if !ok {
			b.logger.Warn("socketcan: dropped frame of unexpected length", "bytes", n)
			continue
		}
		if b.rxCallback != nil {
			b.rxCallback.Handle(frame)
		}
	}
}

func decode(raw []byte) (can.Frame, bool) {
	switch len(raw) {
	case classicFrameSize:
		cf := (*classicFrame)(unsafe.Pointer(&raw[0]))
		f := can.Frame{ID: cf.id &^ can.CanEffFlag, DLC: cf.dlc}
		copy(f.Data[:], cf.data[:])
		return f, true
	case fdFrameSize:
		ff := (*fdFrame)(unsafe.Pointer(&raw[0]))
		f := can.Frame{ID: ff.id &^ can.CanEffFlag, DLC: ff.len, Flags: ff.flags}
		copy(f.Data[:], ff.data[:])
		return f, true
	default:
		return can.Frame{}, false
	}
}
