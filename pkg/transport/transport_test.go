package transport

import (
	"testing"
	"time"

	can "github.com/samsamfire/cyphalcan/pkg/can"
	"github.com/stretchr/testify/assert"
)

func TestPublishMessageAndTxPop(t *testing.T) {
	tx := New(WithLocalNodeID(10), WithMTU(8))
	var tid uint8
	n, err := tx.PublishMessage(1234, &tid, PriorityNominal, []byte{1, 2, 3})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, tid, "transfer-id must advance on success")

	item := tx.TxPeek()
	assert.NotNil(t, item)
	tx.TxPop(item)
	assert.Nil(t, tx.TxPeek())
}

func TestSetLocalNodeIDRejectsOutOfRange(t *testing.T) {
	tx := New()
	err := tx.SetLocalNodeID(200)
	assert.ErrorIs(t, err, ErrNodeIDOutOfRange)
	assert.Equal(t, uint8(UnsetNodeID), tx.LocalNodeID())
}

func TestSubscribeAndRxAccept(t *testing.T) {
	sender := New(WithLocalNodeID(5), WithMTU(8))
	receiver := New(WithLocalNodeID(9), WithMTU(8))

	sub, err := receiver.Subscribe(KindMessage, 42, 64, time.Second)
	assert.NoError(t, err)
	assert.NotNil(t, sub)

	var tid uint8
	_, err = sender.PublishMessage(42, &tid, PriorityHigh, []byte{9, 8, 7})
	assert.NoError(t, err)

	item := sender.TxPeek()
	assert.NotNil(t, item)

	frame := can.NewFrame(item.CANID, item.Payload)
	transfer, gotSub, err := receiver.RxAccept(time.Unix(0, 0), frame, 0)
	assert.NoError(t, err)
	assert.NotNil(t, transfer)
	assert.Equal(t, sub, gotSub)
	assert.Equal(t, []byte{9, 8, 7}, transfer.Payload)
}

func TestUnsubscribe(t *testing.T) {
	tx := New()
	_, err := tx.Subscribe(KindMessage, 1, 64, time.Second)
	assert.NoError(t, err)
	assert.True(t, tx.Unsubscribe(KindMessage, 1))
	assert.False(t, tx.Unsubscribe(KindMessage, 1))
}
