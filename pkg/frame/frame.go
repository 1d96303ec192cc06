// Package frame implements the Cyphal/CAN wire codec: building and parsing
// 29-bit extended CAN identifiers and tail bytes, and rounding payload
// lengths up to the CAN-FD DLC buckets. It has no knowledge of queues,
// sessions or drivers — it is pure bit arithmetic over FrameModel values.
package frame

import (
	"errors"
	"fmt"

	"github.com/samsamfire/cyphalcan/internal/crc"
)

// ErrInvalidArgument is returned by MakeCANID when the metadata describes a
// transfer that cannot be legally encoded.
var ErrInvalidArgument = errors.New("frame: invalid argument")

// UnsetNodeID is the sentinel node-ID value meaning "anonymous" (TX) or
// "broadcast" (RX destination).
const UnsetNodeID = 255

// Kind distinguishes the three Cyphal transfer categories.
type Kind uint8

const (
	KindMessage Kind = iota
	KindRequest
	KindResponse
)

const (
	maxPriority  = 7
	maxSubjectID = 8191
	maxServiceID = 511
)

// Metadata describes everything about a transfer needed to build a CAN ID,
// independent of its payload.
type Metadata struct {
	Priority     uint8
	Kind         Kind
	PortID       uint16
	RemoteNodeID uint8 // destination for Request/Response; UnsetNodeID for Message
	TransferID   uint8 // low 5 bits significant
}

// MakeCANID builds the 29-bit extended identifier for a transfer. localNodeID
// is UnsetNodeID for an anonymous transmitter. payload is only consulted for
// anonymous single-frame messages, to derive the pseudo-source discriminator.
func MakeCANID(meta Metadata, payloadLen int, payload []byte, localNodeID uint8, presentationMTU int) (uint32, error) {
	if meta.Priority > maxPriority {
		return 0, fmt.Errorf("%w: priority %d out of range", ErrInvalidArgument, meta.Priority)
	}

	anonymous := localNodeID == UnsetNodeID

	switch meta.Kind {
	case KindRequest, KindResponse:
		if meta.PortID > maxServiceID {
			return 0, fmt.Errorf("%w: service-id %d out of range", ErrInvalidArgument, meta.PortID)
		}
		if anonymous {
			return 0, fmt.Errorf("%w: service transfer with unset local node-ID", ErrInvalidArgument)
		}
		if meta.RemoteNodeID == UnsetNodeID {
			return 0, fmt.Errorf("%w: service transfer with unset remote node-ID", ErrInvalidArgument)
		}
		id := uint32(localNodeID) & 0x7F
		id |= 1 << 25
		id |= uint32(meta.RemoteNodeID&0x7F) << 8
		id |= uint32(meta.PortID&0x1FF) << 15
		if meta.Kind == KindRequest {
			id |= 1 << 24
		}
		id |= uint32(meta.Priority) << 26
		return id, nil

	case KindMessage:
		if meta.PortID > maxSubjectID {
			return 0, fmt.Errorf("%w: subject-id %d out of range", ErrInvalidArgument, meta.PortID)
		}
		if meta.RemoteNodeID != UnsetNodeID {
			return 0, fmt.Errorf("%w: message transfer with a remote node-ID set", ErrInvalidArgument)
		}
		multiFrame := payloadLen > presentationMTU
		if anonymous && multiFrame {
			return 0, fmt.Errorf("%w: anonymous multi-frame message", ErrInvalidArgument)
		}

		var source uint32
		if anonymous {
			source = uint32(discriminator(payload)) & 0x7F
		} else {
			source = uint32(localNodeID) & 0x7F
		}

		id := source
		id |= uint32(meta.PortID&0x1FFF) << 8
		if anonymous {
			id |= 1 << 24
		}
		id |= uint32(meta.Priority) << 26
		return id, nil

	default:
		return 0, fmt.Errorf("%w: unknown transfer kind %d", ErrInvalidArgument, meta.Kind)
	}
}

// discriminator derives the 7-bit pseudo-source used by anonymous
// single-frame messages: the CRC-16 of the payload, truncated to 7 bits.
// This gives probabilistic uniqueness across anonymous transmitters on the
// same bus without requiring a node-ID.
func discriminator(payload []byte) uint8 {
	return uint8(crc.Of(payload, crc.Lookup) & 0x7F)
}

// MakeTailByte packs the tail byte present as the last byte of every frame
// payload. transferID is masked to its low 5 bits.
func MakeTailByte(sof, eof, toggle bool, transferID uint8) uint8 {
	var b uint8
	if sof {
		b |= 1 << 7
	}
	if eof {
		b |= 1 << 6
	}
	if toggle {
		b |= 1 << 5
	}
	b |= transferID & 0x1F
	return b
}

// Model is the result of parsing a single CAN frame: everything recoverable
// from the identifier and tail byte without reference to any session state.
type Model struct {
	Priority     uint8
	Kind         Kind
	PortID       uint16
	SourceNodeID uint8 // UnsetNodeID for an anonymous message
	DestNodeID   uint8 // UnsetNodeID for a message (broadcast)
	Anonymous    bool
	SOF          bool
	EOF          bool
	Toggle       bool
	TransferID   uint8
	Payload      []byte // frame payload with the tail byte stripped
	Timestamp    uint64
}

// ParseFrame decodes a single CAN frame into a Model. It returns ok=false
// for anything that is not a well-formed Cyphal/CAN frame; the caller must
// silently drop such frames rather than treat this as an error.
func ParseFrame(timestamp uint64, extendedCANID uint32, payload []byte) (Model, bool) {
	if len(payload) == 0 {
		return Model{}, false
	}
	tail := payload[len(payload)-1]
	sof := tail&(1<<7) != 0
	eof := tail&(1<<6) != 0
	toggle := tail&(1<<5) != 0
	transferID := tail & 0x1F

	if sof && !toggle {
		return Model{}, false
	}

	m := Model{
		SOF:        sof,
		EOF:        eof,
		Toggle:     toggle,
		TransferID: transferID,
		Payload:    payload[:len(payload)-1],
		Timestamp:  timestamp,
	}

	id := extendedCANID
	if id&(1<<7) != 0 {
		// reserved bit must be zero
		return Model{}, false
	}
	m.Priority = uint8((id >> 26) & 0x7)

	if id&(1<<25) != 0 {
		m.Kind = KindRequest
		if id&(1<<24) == 0 {
			m.Kind = KindResponse
		}
		// bit 23 is the top bit of the 9-bit service-ID field here, not a
		// reserved bit as it is for messages — no reserved-bit check.
		m.SourceNodeID = uint8(id & 0x7F)
		m.DestNodeID = uint8((id >> 8) & 0x7F)
		m.PortID = uint16((id >> 15) & 0x1FF)
		m.Anonymous = false
	} else {
		m.Kind = KindMessage
		m.DestNodeID = UnsetNodeID
		m.PortID = uint16((id >> 8) & 0x1FFF)
		if id&(1<<23) != 0 {
			return Model{}, false
		}
		m.Anonymous = id&(1<<24) != 0
		if m.Anonymous {
			m.SourceNodeID = UnsetNodeID
			if !(sof && eof) {
				// anonymous yet not a single-frame transfer
				return Model{}, false
			}
		} else {
			m.SourceNodeID = uint8(id & 0x7F)
		}
	}

	return m, true
}

// standardLengths are the CAN-FD DLC buckets a payload may be padded to.
var standardLengths = [...]int{8, 12, 16, 20, 24, 32, 48, 64}

// RoundFramePayloadUp maps n in [0,64] to the smallest standard DLC bucket
// greater than or equal to n. Values of n at most 8 map to themselves.
func RoundFramePayloadUp(n int) int {
	if n <= 8 {
		return n
	}
	for _, l := range standardLengths {
		if n <= l {
			return l
		}
	}
	return standardLengths[len(standardLengths)-1]
}
