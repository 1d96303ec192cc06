package reassembly

import (
	"testing"

	"github.com/samsamfire/cyphalcan/internal/crc"
	"github.com/samsamfire/cyphalcan/pkg/frame"
	"github.com/stretchr/testify/assert"
)

const localNode = uint8(1)

func messageCANID(t *testing.T, source uint8, portID uint16, priority uint8) uint32 {
	t.Helper()
	meta := frame.Metadata{Priority: priority, Kind: frame.KindMessage, PortID: portID, RemoteNodeID: frame.UnsetNodeID}
	id, err := frame.MakeCANID(meta, 1, []byte{0}, source, 63)
	assert.NoError(t, err)
	return id
}

func TestAcceptSingleFrame(t *testing.T) {
	r := New()
	_, added := r.Subscribe(frame.KindMessage, 100, 64, 1000)
	assert.True(t, added)

	id := messageCANID(t, 5, 100, 3)
	tail := frame.MakeTailByte(true, true, true, 7)
	transfer, sub, reason, err := r.Accept(0, id, []byte{1, 2, 3, tail}, 0, localNode)
	assert.NoError(t, err)
	assert.Empty(t, reason)
	assert.NotNil(t, sub)
	assert.NotNil(t, transfer)
	assert.Equal(t, []byte{1, 2, 3}, transfer.Payload)
	assert.EqualValues(t, 5, transfer.SourceNodeID)
	assert.EqualValues(t, 7, transfer.TransferID)
}

func TestAcceptNoSubscriptionDrops(t *testing.T) {
	r := New()
	id := messageCANID(t, 5, 100, 3)
	tail := frame.MakeTailByte(true, true, true, 0)
	transfer, sub, reason, err := r.Accept(0, id, []byte{1, tail}, 0, localNode)
	assert.NoError(t, err)
	assert.Equal(t, DropNoSubscription, reason)
	assert.Nil(t, transfer)
	assert.Nil(t, sub)
}

func TestAcceptMultiFrameRoundTrip(t *testing.T) {
	r := New()
	r.Subscribe(frame.KindMessage, 200, 1024, 1000)

	payload := make([]byte, 14)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	sum := crc.New().Update(payload)
	crcBytes := sum.Bytes()
	extended := append(append([]byte{}, payload...), crcBytes[0], crcBytes[1])

	id := messageCANID(t, 9, 200, 4)
	const presentationMTU = 7

	var transfer *Transfer
	toggle := true
	offset := 0
	tid := uint8(11)
	for offset < len(extended) {
		remaining := len(extended) - offset
		chunk := presentationMTU
		last := remaining <= presentationMTU
		if last {
			chunk = remaining
		}
		segment := extended[offset : offset+chunk]
		sof := offset == 0
		offset += chunk
		tr, _, _, err := r.Accept(0, id, append(append([]byte{}, segment...), frame.MakeTailByte(sof, last, toggle, tid)), 0, localNode)
		assert.NoError(t, err)
		toggle = !toggle
		if tr != nil {
			transfer = tr
		}
	}

	assert.NotNil(t, transfer)
	assert.Equal(t, payload, transfer.Payload)
	assert.EqualValues(t, 9, transfer.SourceNodeID)
	assert.EqualValues(t, tid, transfer.TransferID)
}

func TestAcceptMultiFrameCRCMismatchRestarts(t *testing.T) {
	r := New()
	r.Subscribe(frame.KindMessage, 201, 1024, 1000)
	id := messageCANID(t, 9, 201, 4)

	first := append([]byte{1, 2, 3, 4, 5, 6, 7}, frame.MakeTailByte(true, false, true, 2))
	second := append([]byte{0xDE, 0xAD}, frame.MakeTailByte(false, true, false, 2))

	tr, sub, _, err := r.Accept(0, id, first, 0, localNode)
	assert.NoError(t, err)
	assert.Nil(t, tr)
	assert.NotNil(t, sub)

	tr, _, reason, err := r.Accept(1, id, second, 0, localNode)
	assert.NoError(t, err)
	assert.Nil(t, tr, "a corrupted trailing CRC must not complete the transfer")
	assert.Equal(t, DropCRCMismatch, reason)
}

func TestAcceptTruncatesToExtent(t *testing.T) {
	r := New()
	r.Subscribe(frame.KindMessage, 202, 2, 1000)
	id := messageCANID(t, 3, 202, 0)
	tail := frame.MakeTailByte(true, true, true, 0)
	transfer, _, _, err := r.Accept(0, id, []byte{1, 2, 3, 4, tail}, 0, localNode)
	assert.NoError(t, err)
	assert.NotNil(t, transfer)
	assert.Len(t, transfer.Payload, 2)
}

func TestUnsubscribeRemoves(t *testing.T) {
	r := New()
	r.Subscribe(frame.KindMessage, 300, 64, 1000)
	assert.True(t, r.Unsubscribe(frame.KindMessage, 300))
	assert.False(t, r.Unsubscribe(frame.KindMessage, 300))
}

func TestSubscribeReplaceReportsExisting(t *testing.T) {
	r := New()
	_, added := r.Subscribe(frame.KindMessage, 400, 64, 1000)
	assert.True(t, added)
	_, added = r.Subscribe(frame.KindMessage, 400, 128, 2000)
	assert.False(t, added)
}

func TestAcceptServiceWrongDestinationDrops(t *testing.T) {
	r := New()
	r.Subscribe(frame.KindRequest, 10, 64, 1000)
	meta := frame.Metadata{Priority: 0, Kind: frame.KindRequest, PortID: 10, RemoteNodeID: 99}
	id, err := frame.MakeCANID(meta, 1, []byte{0}, 5, 63)
	assert.NoError(t, err)
	tail := frame.MakeTailByte(true, true, true, 0)
	transfer, _, reason, err := r.Accept(0, id, []byte{1, tail}, 0, localNode)
	assert.NoError(t, err)
	assert.Nil(t, transfer, "a request addressed to a different node must be dropped")
	assert.Equal(t, DropWrongDestination, reason)
}
