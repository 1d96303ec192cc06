// Command canopen-transport is a small demonstration and capture/replay
// tool for the transport stack: it opens a CAN bus, publishes a periodic
// presence message, logs every accepted transfer and silent drop, and
// optionally records or replays the frames crossing the transport boundary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	can "github.com/samsamfire/cyphalcan/pkg/can"
	_ "github.com/samsamfire/cyphalcan/pkg/can/slcan"
	_ "github.com/samsamfire/cyphalcan/pkg/can/socketcan"
	"github.com/samsamfire/cyphalcan/pkg/can/virtual"
	"github.com/samsamfire/cyphalcan/pkg/metrics"
	"github.com/samsamfire/cyphalcan/pkg/transport"
)

// capturedFrame is one record in a -record/-replay CBOR trace file. It is a
// host-side pcap-like format; the wire format on the bus itself is always
// the bit-exact Cyphal/CAN layout, never CBOR.
type capturedFrame struct {
	ID        string `cbor:"id"`
	Timestamp int64  `cbor:"ts"`
	CANID     uint32 `cbor:"can_id"`
	Payload   []byte `cbor:"payload"`
	Direction string `cbor:"dir"` // "tx" or "rx"
}

func main() {
	canInterface := flag.String("i", "virtual", "CAN interface: socketcan|slcan|virtual")
	channel := flag.String("c", "demo", "bus channel or device path")
	bitrate := flag.Int("b", 500000, "bus bitrate (advisory, ignored by some drivers)")
	nodeID := flag.Int("n", 42, "local node-id")
	subject := flag.Int("subject", 7509, "subject-id for the periodic presence message")
	period := flag.Duration("period", time.Second, "presence message period")
	record := flag.String("record", "", "record every frame crossing the transport to this CBOR file")
	replay := flag.String("replay", "", "replay a CBOR trace file through the virtual bus instead of opening a live bus")
	metricsAddr := flag.String("metrics", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	flag.Parse()

	logger := slog.Default()

	if *replay != "" {
		if err := runReplay(logger, *replay); err != nil {
			logger.Error("replay failed", "err", err)
			os.Exit(1)
		}
		return
	}

	bus, err := can.NewBus(*canInterface, *channel, *bitrate)
	if err != nil {
		logger.Error("failed to open bus", "interface", *canInterface, "channel", *channel, "err", err)
		os.Exit(1)
	}

	var recorder *traceRecorder
	if *record != "" {
		recorder, err = newTraceRecorder(*record)
		if err != nil {
			logger.Error("failed to open trace file", "path", *record, "err", err)
			os.Exit(1)
		}
		defer recorder.Close()
	}

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", "err", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		logger.Info("serving prometheus metrics", "addr", *metricsAddr)
	}

	tx := transport.New(
		transport.WithLocalNodeID(uint8(*nodeID)),
		transport.WithLogger(logger),
		transport.WithDropSink(m),
	)

	listener := &busListener{transport: tx, logger: logger, recorder: recorder}
	if err := bus.Subscribe(listener); err != nil {
		logger.Error("failed to subscribe to bus", "err", err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		logger.Error("failed to connect to bus", "err", err)
		os.Exit(1)
	}
	defer bus.Disconnect()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var transferID uint8
	ticker := time.NewTicker(*period)
	defer ticker.Stop()

	logger.Info("canopen-transport running", "interface", *canInterface, "channel", *channel, "node_id", *nodeID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			payload := []byte(fmt.Sprintf("node %d alive", *nodeID))
			if _, err := tx.PublishMessage(uint16(*subject), &transferID, transport.PriorityNominal, payload); err != nil {
				logger.Error("failed to publish presence message", "err", err)
				continue
			}
			drainQueue(tx, bus, logger, recorder, m)
			m.SetActiveSessions(tx.ActiveSessions())
		}
	}
}

// drainQueue pops every queued frame and sends it on the bus.
func drainQueue(tx *transport.Transport, bus can.Bus, logger *slog.Logger, recorder *traceRecorder, m *metrics.Metrics) {
	popped := 0
	for {
		item := tx.TxPeek()
		if item == nil {
			break
		}
		frame := can.NewFrame(item.CANID, item.Payload)
		if err := bus.Send(frame); err != nil {
			logger.Error("failed to send frame", "can_id", item.CANID, "err", err)
		}
		if recorder != nil {
			recorder.Record("tx", frame)
		}
		tx.TxPop(item)
		popped++
	}
	if popped > 0 {
		m.ObserveFramesPopped(popped)
	}
	m.ObserveQueueDepth(0)
}

// busListener adapts bus-driver callbacks into Transport.RxAccept calls.
type busListener struct {
	transport *transport.Transport
	logger    *slog.Logger
	recorder  *traceRecorder
}

func (l *busListener) Handle(frame can.Frame) {
	if l.recorder != nil {
		l.recorder.Record("rx", frame)
	}
	transfer, _, err := l.transport.RxAccept(time.Now(), frame, 0)
	if err != nil {
		l.logger.Error("rx accept failed", "err", err)
		return
	}
	if transfer == nil {
		l.logger.Debug("dropped frame", "can_id", frame.ID)
		return
	}
	l.logger.Info("accepted transfer",
		"kind", transfer.Kind, "port_id", transfer.PortID,
		"source", transfer.SourceNodeID, "transfer_id", transfer.TransferID,
		"payload", string(transfer.Payload))
}

// traceRecorder appends capturedFrame records to a CBOR file as frames
// cross the transport boundary.
type traceRecorder struct {
	file    *os.File
	encoder *cbor.Encoder
}

func newTraceRecorder(path string) (*traceRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &traceRecorder{file: f, encoder: cbor.NewEncoder(f)}, nil
}

func (r *traceRecorder) Record(direction string, frame can.Frame) {
	_ = r.encoder.Encode(capturedFrame{
		ID:        xid.New().String(),
		Timestamp: time.Now().UnixNano(),
		CANID:     frame.ID,
		Payload:   append([]byte(nil), frame.Payload()...),
		Direction: direction,
	})
}

func (r *traceRecorder) Close() error {
	return r.file.Close()
}

// runReplay plays a recorded trace back through the in-process virtual bus,
// for offline regression testing without real hardware.
func runReplay(logger *slog.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	vbus, err := virtual.NewBus("replay")
	if err != nil {
		return err
	}
	if err := vbus.Connect(); err != nil {
		return err
	}
	defer vbus.Disconnect()

	decoder := cbor.NewDecoder(f)
	count := 0
	for {
		var rec capturedFrame
		if err := decoder.Decode(&rec); err != nil {
			break
		}
		frame := can.NewFrame(rec.CANID, rec.Payload)
		if err := vbus.Send(frame); err != nil {
			logger.Error("replay send failed", "err", err)
			continue
		}
		count++
	}
	logger.Info("replay complete", "path", path, "frames", count)
	return nil
}
