// Package transport composes the frame codec, transmit queue and receive
// reassembler into the single exported application contract: a Transport
// instance mirrors the libcanard `init`/push/accept entry points, adapted
// to Go's functional-options construction style and explicit error returns.
package transport

import (
	"errors"
	"log/slog"
	"time"

	can "github.com/samsamfire/cyphalcan/pkg/can"
	"github.com/samsamfire/cyphalcan/pkg/frame"
	"github.com/samsamfire/cyphalcan/pkg/queue"
	"github.com/samsamfire/cyphalcan/pkg/reassembly"
)

// Priority mirrors the eight Cyphal transfer priority levels, 0 highest.
type Priority = uint8

const (
	PriorityExceptional Priority = 0
	PriorityImmediate   Priority = 1
	PriorityFast        Priority = 2
	PriorityHigh        Priority = 3
	PriorityNominal     Priority = 4
	PriorityLow         Priority = 5
	PrioritySlow        Priority = 6
	PriorityOptional    Priority = 7
)

// TransferKind re-exports frame.Kind so callers of this package don't need
// to import pkg/frame directly.
type TransferKind = frame.Kind

const (
	KindMessage  = frame.KindMessage
	KindRequest  = frame.KindRequest
	KindResponse = frame.KindResponse
)

// Frame is the driver-facing wire frame: a CAN ID and up to 64 bytes.
type Frame = can.Frame

// QueueItem is a frame waiting to be sent, as returned by TxPeek/TxPop.
type QueueItem = queue.Item

// Subscription is a registered RX interest, as returned by Subscribe.
type Subscription = reassembly.Subscription

// Transfer is a fully reassembled transfer, as returned by RxAccept.
type Transfer = reassembly.Transfer

const defaultMTU = 64
const defaultQueueCapacity = 128

// UnsetNodeID is the sentinel meaning "anonymous" or "no node-ID assigned".
const UnsetNodeID = frame.UnsetNodeID

// ErrNodeIDOutOfRange is returned by SetLocalNodeID for values outside [0,127].
var ErrNodeIDOutOfRange = errors.New("transport: node-id out of range")

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithMTU sets the frame MTU, tail byte included (one of the standard DLC
// buckets); each frame carries up to MTU-1 bytes of transfer data.
// The default is 64 (full CAN-FD).
func WithMTU(mtu int) Option {
	return func(t *Transport) { t.mtu = mtu }
}

// WithQueueCapacity sets the transmit queue's maximum frame count.
func WithQueueCapacity(capacity int) Option {
	return func(t *Transport) { t.queueCapacity = capacity }
}

// WithLocalNodeID sets the local node-ID at construction time, equivalent
// to calling SetLocalNodeID immediately after New.
func WithLocalNodeID(id uint8) Option {
	return func(t *Transport) { t.localNodeID = id }
}

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// dropSink receives a callback for every RX frame silently dropped, keyed
// by reason; pkg/metrics wires a Prometheus counter through this without
// the core depending on it. A nil sink (the default) makes drops fully
// silent, exactly per the application contract.
type dropSink interface {
	DropFrame(reason string)
}

// WithDropSink attaches an observer for dropped RX frames. This never
// changes the core's behavior or return values — it is purely an
// operator-facing side channel.
func WithDropSink(sink dropSink) Option {
	return func(t *Transport) { t.drops = sink }
}

// Transport is the single exported type composing the wire codec, transmit
// queue and receive reassembler. None of its methods are safe to call
// concurrently with another method on the same instance; the scheduling
// model is single-threaded cooperative, matching the rest of this stack.
type Transport struct {
	mtu           int
	queueCapacity int
	localNodeID   uint8
	logger        *slog.Logger
	drops         dropSink

	queue       *queue.Queue
	reassembler *reassembly.Reassembler
}

// New constructs a Transport. Without options it has MTU 64, queue capacity
// 128 and an unset (anonymous) local node-ID.
func New(opts ...Option) *Transport {
	t := &Transport{
		mtu:           defaultMTU,
		queueCapacity: defaultQueueCapacity,
		localNodeID:   UnsetNodeID,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.queue = queue.New(t.queueCapacity, t.mtu)
	t.reassembler = reassembly.New()
	t.logger.Debug("transport initialized", "mtu", t.mtu, "queue_capacity", t.queueCapacity, "local_node_id", t.localNodeID)
	return t
}

// SetLocalNodeID assigns this instance's node-ID. Pass UnsetNodeID to
// revert to anonymous.
func (t *Transport) SetLocalNodeID(id uint8) error {
	if id != UnsetNodeID && id > 127 {
		t.logger.Warn("rejected local node-id: out of range", "node_id", id)
		return ErrNodeIDOutOfRange
	}
	t.localNodeID = id
	return nil
}

// LocalNodeID returns the currently assigned node-ID, or UnsetNodeID.
func (t *Transport) LocalNodeID() uint8 {
	return t.localNodeID
}

// PublishMessage enqueues a message transfer on subjectID. transferID is
// caller-owned: on success it is advanced modulo 32 for the next call,
// matching the libcanard convention of one counter per published port.
// It returns the number of frames enqueued.
func (t *Transport) PublishMessage(subjectID uint16, transferID *uint8, priority Priority, payload []byte) (int, error) {
	meta := frame.Metadata{
		Priority:     priority,
		Kind:         frame.KindMessage,
		PortID:       subjectID,
		RemoteNodeID: UnsetNodeID,
		TransferID:   *transferID,
	}
	n, err := t.queue.Push(meta, t.localNodeID, payload)
	if err != nil {
		return 0, err
	}
	*transferID = (*transferID + 1) & 0x1F
	return n, nil
}

// RequestOrRespond enqueues a service transfer to remoteNodeID. isRequest
// selects Request vs Response framing. transferID advances the same way as
// PublishMessage's.
func (t *Transport) RequestOrRespond(remoteNodeID uint8, serviceID uint16, isRequest bool, transferID *uint8, priority Priority, payload []byte) (int, error) {
	kind := frame.KindResponse
	if isRequest {
		kind = frame.KindRequest
	}
	meta := frame.Metadata{
		Priority:     priority,
		Kind:         kind,
		PortID:       serviceID,
		RemoteNodeID: remoteNodeID,
		TransferID:   *transferID,
	}
	n, err := t.queue.Push(meta, t.localNodeID, payload)
	if err != nil {
		return 0, err
	}
	*transferID = (*transferID + 1) & 0x1F
	return n, nil
}

// Subscribe registers interest in transfers of the given kind and port-ID.
// extent bounds the retained application payload per transfer; excess is
// truncated. tidTimeout bounds how long an RX session may idle before a
// transfer-ID discontinuity forces a restart.
func (t *Transport) Subscribe(kind TransferKind, portID uint16, extent int, tidTimeout time.Duration) (*Subscription, error) {
	sub, _ := t.reassembler.Subscribe(kind, portID, extent, uint64(tidTimeout))
	return sub, nil
}

// Unsubscribe removes a subscription. It returns true if one was present.
func (t *Transport) Unsubscribe(kind TransferKind, portID uint16) bool {
	return t.reassembler.Unsubscribe(kind, portID)
}

// TxPeek returns the highest-priority queued frame without removing it, or
// nil if the queue is empty.
func (t *Transport) TxPeek() *QueueItem {
	return t.queue.Peek()
}

// TxPop removes item from the transmit queue. Passing nil is a no-op.
func (t *Transport) TxPop(item *QueueItem) {
	t.queue.Pop(item)
}

// RxAccept feeds one received CAN frame through the reassembler. It returns
// a non-nil Transfer only when that frame completed a transfer; otherwise
// the Transfer and error are nil, and the Subscription is non-nil only if
// the frame matched a subscription — any drop sink attached via
// WithDropSink only observes the reason, it never changes these returns.
func (t *Transport) RxAccept(timestamp time.Time, f Frame, ifaceIndex uint8) (*Transfer, *Subscription, error) {
	transfer, sub, reason, err := t.reassembler.Accept(uint64(timestamp.UnixNano()), f.ID&can.CanEffMask, f.Payload(), int(ifaceIndex), t.localNodeID)
	if t.drops != nil && reason != reassembly.DropNone {
		t.drops.DropFrame(reason)
	}
	return transfer, sub, err
}

// ActiveSessions counts live RX sessions across every subscription, for an
// operator-facing gauge.
func (t *Transport) ActiveSessions() int {
	return t.reassembler.ActiveSessions()
}

// CleanupStaleTransfers releases RX sessions, across every subscription,
// whose last-activity timestamp is older than their subscription's
// transfer-ID timeout. It returns the count released. Sessions normally
// age out lazily on the next incoming frame; this is for callers that
// want to reclaim state without waiting for more traffic.
func (t *Transport) CleanupStaleTransfers(now time.Time) int {
	released := t.reassembler.CleanupStale(uint64(now.UnixNano()))
	if released > 0 {
		t.logger.Debug("released stale rx sessions", "count", released)
	}
	return released
}
