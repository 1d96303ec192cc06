// Package slcan drives bench CAN hardware (e.g. an AVR AT90CAN or STM32
// bxCAN board running SLCAN firmware) over a serial port using the ASCII
// SLCAN line protocol: each frame is one CR-terminated line, "T" followed
// by 8 hex identifier digits, 1 hex length digit and up to 16 hex data
// digits for an extended-ID frame.
package slcan

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	can "github.com/samsamfire/cyphalcan/pkg/can"
	"go.bug.st/serial"
)

func init() {
	can.RegisterInterface("slcan", NewBus)
}

const (
	extendedFrame = 'T'
	maxDataNibble = 8 // classic-only: SLCAN has no standard FD extension
)

// Bus is an SLCAN driver over a serial port.
type Bus struct {
	portName string
	mode     *serial.Mode
	port     serial.Port
	logger   *slog.Logger

	mu       sync.Mutex
	callback can.FrameListener

	stop chan struct{}
	done chan struct{}
}

// NewBus prepares a bus on the serial device path channel (e.g.
// "/dev/ttyACM0") at the default SLCAN baud rate (115200); the port itself
// is opened by Connect.
func NewBus(channel string) (can.Bus, error) {
	return &Bus{
		portName: channel,
		mode:     &serial.Mode{BaudRate: 115200},
		logger:   slog.Default(),
	}, nil
}

// Connect opens the serial port, sends the command to open the CAN channel,
// and starts the reception goroutine.
func (b *Bus) Connect(...any) error {
	port, err := serial.Open(b.portName, b.mode)
	if err != nil {
		return fmt.Errorf("slcan: open %s: %w", b.portName, err)
	}
	b.port = port
	// "O\r" opens the channel; the bit rate itself is configured on the
	// adapter out of band (DIP switches / prior "S" command) in the
	// common case this driver targets: a bench board already wired up.
	if _, err := b.port.Write([]byte("O\r")); err != nil {
		return fmt.Errorf("slcan: open channel: %w", err)
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.receiveLoop()
	return nil
}

// Disconnect closes the CAN channel and the serial port.
func (b *Bus) Disconnect() error {
	if b.port == nil {
		return nil
	}
	close(b.stop)
	<-b.done
	_, _ = b.port.Write([]byte("C\r"))
	return b.port.Close()
}

// Send encodes frame as an SLCAN line and writes it to the port.
func (b *Bus) Send(frame can.Frame) error {
	if frame.DLC > maxDataNibble {
		return fmt.Errorf("slcan: frame payload %d bytes exceeds classic CAN limit", frame.DLC)
	}
	line := fmt.Sprintf("%c%08X%X%s\r", extendedFrame, frame.ID, frame.DLC,
		hex.EncodeToString(frame.Data[:frame.DLC]))
	_, err := b.port.Write([]byte(line))
	return err
}

// Subscribe registers the callback invoked for every decoded frame.
func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = callback
	return nil
}

func (b *Bus) receiveLoop() {
	defer close(b.done)
	scanner := bufio.NewScanner(b.port)
	scanner.Split(scanCarriageReturn)
	for scanner.Scan() {
		select {
		case <-b.stop:
			return
		default:
		}
		frame, ok := decodeLine(scanner.Text())
		if !ok {
			continue
		}
		b.mu.Lock()
		cb := b.callback
		b.mu.Unlock()
		if cb != nil {
			cb.Handle(frame)
		}
	}
	if err := scanner.Err(); err != nil {
		b.logger.Error("slcan read failed, exiting reception loop", "err", err)
	}
}

// scanCarriageReturn is a bufio.SplitFunc that splits on the CR terminator
// SLCAN uses instead of bufio.ScanLines' CRLF/LF handling.
func scanCarriageReturn(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func decodeLine(line string) (can.Frame, bool) {
	if len(line) < 10 || line[0] != extendedFrame {
		return can.Frame{}, false
	}
	id, err := strconv.ParseUint(line[1:9], 16, 32)
	if err != nil {
		return can.Frame{}, false
	}
	dlc, err := strconv.ParseUint(line[9:10], 16, 8)
	if err != nil || dlc > maxDataNibble {
		return can.Frame{}, false
	}
	want := 10 + int(dlc)*2
	if len(line) < want {
		return can.Frame{}, false
	}
	data, err := hex.DecodeString(line[10:want])
	if err != nil {
		return can.Frame{}, false
	}
	frame := can.Frame{ID: uint32(id), DLC: uint8(dlc)}
	copy(frame.Data[:], data)
	return frame, true
}
