// Package reassembly implements the receive side of the transport: turning
// a stream of incoming CAN frames back into application transfers. A
// Reassembler holds one subscription per (kind, port-ID) pair; each
// subscription tracks up to 128 concurrent per-source-node sessions, each
// running the toggle/transfer-ID/CRC state machine described for
// multi-frame transfers. The session bookkeeping mirrors the toggle-bit and
// trailing-CRC patterns used by the segmented and block SDO transfers this
// stack's CANopen ancestor implements, generalized from a fixed 7-byte
// segment to an arbitrary presentation MTU.
package reassembly

import (
	"errors"

	"github.com/samsamfire/cyphalcan/internal/crc"
	"github.com/samsamfire/cyphalcan/pkg/frame"
)

// ErrOutOfMemory is returned when a new session slot cannot be allocated.
var ErrOutOfMemory = errors.New("reassembly: out of memory")

const sessionSlots = 128

// Drop reasons reported alongside every silent-drop outcome of Accept, for
// an operator-facing metrics side channel; they never affect control flow.
const (
	DropNone             = ""
	DropMalformed        = "malformed"
	DropWrongDestination = "wrong_destination"
	DropNoSubscription   = "no_subscription"
	DropBadToggle        = "bad_toggle"
	DropCRCMismatch      = "crc_mismatch"
	DropOutOfMemory      = "out_of_memory"
)

// Transfer is a fully reassembled application-level transfer, ready to be
// handed to the application. Payload is owned by the caller once returned.
type Transfer struct {
	Priority     uint8
	Kind         frame.Kind
	PortID       uint16
	SourceNodeID uint8
	TransferID   uint8
	Timestamp    uint64
	Payload      []byte
}

// Subscription describes one registered (kind, port-ID) interest: how much
// application payload to retain per transfer (Extent; excess is truncated),
// and how long a session may go without a new frame before any transfer-ID
// discontinuity forces a restart (TIDTimeout).
type Subscription struct {
	Kind       frame.Kind
	PortID     uint16
	Extent     int
	TIDTimeout uint64

	sessions [sessionSlots]*session
}

// session is the per-source-node state machine. It is allocated on the
// first frame seen from a given source and reset (but not freed) whenever a
// transfer completes, fails CRC, or times out.
type session struct {
	active         bool
	started        bool // a transfer has been seen at least once (for transfer-ID tracking)
	lastTimestamp  uint64
	buffer         []byte
	crcAccum       crc.CRC16
	pendingTail    []byte // up to 2 not-yet-folded trailing bytes, possibly the CRC
	transferID     uint8
	iface          int
	expectedToggle bool
}

func (s *session) restart() {
	s.buffer = s.buffer[:0]
	s.crcAccum = crc.New()
	s.pendingTail = s.pendingTail[:0]
	s.expectedToggle = true
	s.active = true
}

// key identifies a subscription.
type key struct {
	kind   frame.Kind
	portID uint16
}

// Reassembler owns every registered subscription and runs Accept against
// incoming frames.
type Reassembler struct {
	subs map[key]*Subscription
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{subs: make(map[key]*Subscription)}
}

// Subscribe registers (or idempotently replaces) a subscription, returning
// the new Subscription and whether it is newly added (false if an existing
// one was replaced — in which case its sessions are discarded).
func (r *Reassembler) Subscribe(kind frame.Kind, portID uint16, extent int, tidTimeout uint64) (*Subscription, bool) {
	k := key{kind, portID}
	_, existed := r.subs[k]
	sub := &Subscription{Kind: kind, PortID: portID, Extent: extent, TIDTimeout: tidTimeout}
	r.subs[k] = sub
	return sub, !existed
}

// Unsubscribe removes a subscription, freeing all its sessions and buffers.
// It returns true if a subscription was present to remove.
func (r *Reassembler) Unsubscribe(kind frame.Kind, portID uint16) bool {
	k := key{kind, portID}
	_, existed := r.subs[k]
	delete(r.subs, k)
	return existed
}

// Accept parses one incoming frame and feeds it through subscription
// lookup and session reassembly. It returns (transfer, subscription, "",
// nil) on a completed transfer, (nil, nil/subscription, reason, nil) when
// the frame was silently dropped, and a non-nil error only for
// ErrOutOfMemory — in which case subscription is still populated. reason
// is purely informational (see the Drop* constants); callers must not
// branch application logic on it, only forward it to metrics.
func (r *Reassembler) Accept(timestamp uint64, canID uint32, payload []byte, ifaceIndex int, localNodeID uint8) (*Transfer, *Subscription, string, error) {
	model, ok := frame.ParseFrame(timestamp, canID, payload)
	if !ok {
		return nil, nil, DropMalformed, nil
	}

	if model.Kind == frame.KindRequest || model.Kind == frame.KindResponse {
		if model.DestNodeID != localNodeID {
			return nil, nil, DropWrongDestination, nil
		}
	}

	sub, ok := r.subs[key{model.Kind, model.PortID}]
	if !ok {
		return nil, nil, DropNoSubscription, nil
	}

	if model.Anonymous {
		// Single-frame only by construction of ParseFrame; no session needed.
		n := len(model.Payload)
		if n > sub.Extent {
			n = sub.Extent
		}
		buf := make([]byte, n)
		copy(buf, model.Payload)
		return &Transfer{
			Priority:     model.Priority,
			Kind:         model.Kind,
			PortID:       model.PortID,
			SourceNodeID: frame.UnsetNodeID,
			TransferID:   model.TransferID,
			Timestamp:    timestamp,
			Payload:      buf,
		}, sub, DropNone, nil
	}

	sess := sub.sessions[model.SourceNodeID]
	if sess == nil {
		sess = &session{expectedToggle: true, crcAccum: crc.New()}
		sub.sessions[model.SourceNodeID] = sess
	}

	return sess.admit(model, sub, ifaceIndex, timestamp)
}

func (s *session) admit(model frame.Model, sub *Subscription, ifaceIndex int, timestamp uint64) (*Transfer, *Subscription, string, error) {
	betterInterface := s.started && model.TransferID != s.transferID && ifaceIndex != s.iface
	timedOut := s.active && timestamp > s.lastTimestamp && timestamp-s.lastTimestamp > sub.TIDTimeout

	if model.SOF || timedOut || betterInterface {
		s.restart()
		s.iface = ifaceIndex
		s.transferID = model.TransferID
		s.started = true
	}
	s.lastTimestamp = timestamp

	if !s.active || model.Toggle != s.expectedToggle || model.TransferID != s.transferID {
		return nil, sub, DropBadToggle, nil
	}

	if model.SOF && model.EOF {
		// Single-frame transfer: every byte is payload, no trailing CRC.
		n := len(model.Payload)
		if n > sub.Extent {
			n = sub.Extent
		}
		payload := append([]byte(nil), model.Payload[:n]...)
		transfer := &Transfer{
			Priority: model.Priority, Kind: model.Kind, PortID: model.PortID,
			SourceNodeID: model.SourceNodeID, TransferID: model.TransferID,
			Timestamp: timestamp, Payload: payload,
		}
		s.finishRetainingTransferID()
		return transfer, sub, DropNone, nil
	}

	s.foldAndBuffer(model.Payload, sub.Extent)
	s.expectedToggle = !s.expectedToggle

	if !model.EOF {
		return nil, sub, DropNone, nil
	}

	if len(s.pendingTail) != 2 {
		s.restart()
		return nil, sub, DropCRCMismatch, nil
	}
	received := crc.CRC16(uint16(s.pendingTail[0])<<8 | uint16(s.pendingTail[1]))
	if s.crcAccum != received {
		s.restart()
		return nil, sub, DropCRCMismatch, nil
	}

	payload := append([]byte(nil), s.buffer...)
	transfer := &Transfer{
		Priority: model.Priority, Kind: model.Kind, PortID: model.PortID,
		SourceNodeID: model.SourceNodeID, TransferID: model.TransferID,
		Timestamp: timestamp, Payload: payload,
	}
	s.finishRetainingTransferID()
	return transfer, sub, DropNone, nil
}

// foldAndBuffer commits newBytes into the session: the CRC fold is delayed
// by up to 2 bytes (pendingTail) so that, whenever the transfer turns out
// to be multi-frame, the final 2 bytes folded in late are exactly the
// trailing CRC rather than application payload — this lets the CRC split
// across the final one or two frames without the session needing to know
// the total transfer length in advance. Only bytes confirmed not to be part
// of the trailing CRC are appended to the application buffer, up to extent.
func (s *session) foldAndBuffer(newBytes []byte, extent int) {
	combined := append(s.pendingTail, newBytes...)
	if len(combined) <= 2 {
		s.pendingTail = combined
		return
	}
	foldLen := len(combined) - 2
	s.crcAccum = s.crcAccum.Update(combined[:foldLen])
	if len(s.buffer) < extent {
		room := extent - len(s.buffer)
		n := foldLen
		if n > room {
			n = room
		}
		s.buffer = append(s.buffer, combined[:n]...)
	}
	s.pendingTail = append([]byte(nil), combined[foldLen:]...)
}

// CleanupStale deactivates every RX session, across every subscription,
// that has been idle longer than its subscription's TIDTimeout, releasing
// its buffer back to zero length. It returns the number of sessions
// released. Sessions normally age out lazily on the next incoming frame
// (see session.admit); this exists for callers that want to reclaim memory
// or reset state without waiting for more traffic.
func (r *Reassembler) CleanupStale(now uint64) int {
	released := 0
	for _, sub := range r.subs {
		for _, sess := range sub.sessions {
			if sess == nil || !sess.active {
				continue
			}
			if now > sess.lastTimestamp && now-sess.lastTimestamp > sub.TIDTimeout {
				sess.buffer = sess.buffer[:0]
				sess.pendingTail = sess.pendingTail[:0]
				sess.crcAccum = crc.New()
				sess.active = false
				released++
			}
		}
	}
	return released
}

// ActiveSessions counts live RX sessions across every subscription, for an
// operator-facing gauge; it does not affect reassembly behavior.
func (r *Reassembler) ActiveSessions() int {
	n := 0
	for _, sub := range r.subs {
		for _, sess := range sub.sessions {
			if sess != nil && sess.active {
				n++
			}
		}
	}
	return n
}

// finishRetainingTransferID resets the session for the next transfer while
// keeping the transfer-ID it just completed, so the interface-switch check
// on the next SOF has something to compare against, and leaves the session
// inactive until a new SOF arrives.
func (s *session) finishRetainingTransferID() {
	keep := s.transferID
	s.restart()
	s.active = false
	s.transferID = keep
}
