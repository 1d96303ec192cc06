package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeCANIDMessage(t *testing.T) {
	meta := Metadata{Priority: 3, Kind: KindMessage, PortID: 1234, RemoteNodeID: UnsetNodeID}
	id, err := MakeCANID(meta, 4, []byte{1, 2, 3, 4}, 42, 63)
	assert.NoError(t, err)
	assert.EqualValues(t, 42, id&0x7F)
	assert.EqualValues(t, 1234, (id>>8)&0x1FFF)
	assert.EqualValues(t, 3, (id>>26)&0x7)
	assert.Zero(t, id&(1<<24), "non-anonymous message must not set the anonymous bit")
}

func TestMakeCANIDAnonymousSingleFrame(t *testing.T) {
	meta := Metadata{Priority: 5, Kind: KindMessage, PortID: 7, RemoteNodeID: UnsetNodeID}
	id, err := MakeCANID(meta, 4, []byte{0xAA, 0xBB}, UnsetNodeID, 63)
	assert.NoError(t, err)
	assert.NotZero(t, id&(1<<24))
}

func TestMakeCANIDAnonymousMultiFrameRejected(t *testing.T) {
	meta := Metadata{Priority: 5, Kind: KindMessage, PortID: 7, RemoteNodeID: UnsetNodeID}
	_, err := MakeCANID(meta, 100, make([]byte, 100), UnsetNodeID, 7)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestMakeCANIDServiceRequiresLocalNodeID(t *testing.T) {
	meta := Metadata{Priority: 0, Kind: KindRequest, PortID: 10, RemoteNodeID: 5}
	_, err := MakeCANID(meta, 1, []byte{1}, UnsetNodeID, 63)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMakeCANIDServiceRequiresRemoteNodeID(t *testing.T) {
	meta := Metadata{Priority: 0, Kind: KindRequest, PortID: 10, RemoteNodeID: UnsetNodeID}
	_, err := MakeCANID(meta, 1, []byte{1}, 1, 63)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMakeCANIDServiceRoundTrip(t *testing.T) {
	meta := Metadata{Priority: 2, Kind: KindResponse, PortID: 99, RemoteNodeID: 17}
	id, err := MakeCANID(meta, 1, []byte{1}, 5, 63)
	assert.NoError(t, err)

	tail := MakeTailByte(true, true, true, 3)
	model, ok := ParseFrame(0, id, []byte{1, tail})
	assert.True(t, ok)
	assert.Equal(t, KindResponse, model.Kind)
	assert.EqualValues(t, 5, model.SourceNodeID)
	assert.EqualValues(t, 17, model.DestNodeID)
	assert.EqualValues(t, 99, model.PortID)
	assert.EqualValues(t, 2, model.Priority)
}

func TestMakeCANIDServiceRoundTripHighPortID(t *testing.T) {
	meta := Metadata{Priority: 1, Kind: KindRequest, PortID: 511, RemoteNodeID: 64}
	id, err := MakeCANID(meta, 1, []byte{1}, 100, 63)
	assert.NoError(t, err)

	tail := MakeTailByte(true, true, true, 7)
	model, ok := ParseFrame(0, id, []byte{1, tail})
	assert.True(t, ok)
	assert.Equal(t, KindRequest, model.Kind)
	assert.EqualValues(t, 100, model.SourceNodeID)
	assert.EqualValues(t, 64, model.DestNodeID)
	assert.EqualValues(t, 511, model.PortID)
}

func TestMakeTailByte(t *testing.T) {
	assert.EqualValues(t, 0xE3, MakeTailByte(true, true, true, 3))
	assert.EqualValues(t, 0x1F, MakeTailByte(false, false, false, 0xFF))
}

func TestParseFrameRejectsEmptyPayload(t *testing.T) {
	_, ok := ParseFrame(0, 0x123, nil)
	assert.False(t, ok)
}

func TestParseFrameRejectsSOFWithoutToggle(t *testing.T) {
	tail := uint8(1 << 7) // SOF=1, toggle=0
	_, ok := ParseFrame(0, 0x123, []byte{1, tail})
	assert.False(t, ok)
}

func TestParseFrameRejectsAnonymousMultiFrame(t *testing.T) {
	id := uint32(1 << 24) // anonymous message bit set
	tail := MakeTailByte(true, false, true, 0)
	_, ok := ParseFrame(0, id, []byte{1, tail})
	assert.False(t, ok)
}

func TestRoundFramePayloadUp(t *testing.T) {
	cases := map[int]int{
		0: 0, 1: 1, 8: 8,
		9: 12, 12: 12, 13: 16,
		17: 20, 25: 32, 33: 48, 49: 64, 64: 64,
	}
	for n, want := range cases {
		assert.Equal(t, want, RoundFramePayloadUp(n), "n=%d", n)
	}
}
