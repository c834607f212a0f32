package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateStatePublish(t *testing.T) {
	tests := []struct {
		op     StateOperation
		qos    QoS
		expect PublishState
	}{
		{Send, QoS0, PublishDone},
		{Receive, QoS0, PublishDone},
		{Send, QoS1, PubAckPending},
		{Receive, QoS1, PubAckSend},
		{Send, QoS2, PubRecPending},
		{Receive, QoS2, PubRecSend},
		{Send, 3, StateNull},
		{StateOperation(7), QoS1, StateNull},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, CalculateStatePublish(tt.op, tt.qos), "op=%s qos=%d", tt.op, tt.qos)
	}
}

func TestCalculateStateAck(t *testing.T) {
	tests := []struct {
		ack    AckType
		op     StateOperation
		qos    QoS
		expect PublishState
	}{
		{PubAck, Receive, QoS1, PublishDone},
		{PubAck, Send, QoS1, PublishDone},
		{PubRec, Receive, QoS2, PubRelSend},
		{PubRec, Send, QoS2, PubRelPending},
		{PubRel, Send, QoS2, PubCompPending},
		{PubRel, Receive, QoS2, PubCompSend},
		{PubComp, Receive, QoS2, PublishDone},
		{PubComp, Send, QoS2, PublishDone},
		{PubAck, Receive, QoS2, StateNull},
		{PubRec, Receive, QoS1, StateNull},
		{PubComp, Send, QoS0, StateNull},
		{AckType(9), Send, QoS2, StateNull},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, CalculateStateAck(tt.ack, tt.op, tt.qos), "%s %s qos=%d", tt.op, tt.ack, tt.qos)
	}
}

func TestReserveState(t *testing.T) {
	t.Run("qos0 needs no record", func(t *testing.T) {
		tracker := NewStateTracker(1)
		require.NoError(t, tracker.ReserveState(0, QoS0))
		assert.Zero(t, tracker.InFlight())
	})

	t.Run("bad parameters", func(t *testing.T) {
		tracker := NewStateTracker(1)
		require.ErrorIs(t, tracker.ReserveState(0, QoS1), ErrBadParameter)
		require.ErrorIs(t, tracker.ReserveState(1, 3), ErrBadParameter)

		var nilTracker *StateTracker
		require.ErrorIs(t, nilTracker.ReserveState(1, QoS1), ErrBadParameter)
	})

	t.Run("collision", func(t *testing.T) {
		tracker := NewStateTracker(4)
		require.NoError(t, tracker.ReserveState(7, QoS1))
		require.ErrorIs(t, tracker.ReserveState(7, QoS2), ErrStateCollision)
	})

	t.Run("exhaustion", func(t *testing.T) {
		tracker := NewStateTracker(DefaultStateArrayMaxCount)
		for id := uint16(1); id <= DefaultStateArrayMaxCount; id++ {
			require.NoError(t, tracker.ReserveState(id, QoS1))
		}
		require.ErrorIs(t, tracker.ReserveState(100, QoS1), ErrNoMemory)
	})

	t.Run("first empty slot is reused", func(t *testing.T) {
		tracker := NewStateTracker(2)
		require.NoError(t, tracker.ReserveState(1, QoS1))
		require.NoError(t, tracker.ReserveState(2, QoS1))
		tracker.outgoing[0] = PublishRecord{}
		require.NoError(t, tracker.ReserveState(3, QoS2))
		assert.Equal(t, PublishRecord{PacketID: 3, QoS: QoS2, State: PublishSend}, tracker.outgoing[0])
	})
}

func TestUpdateStatePublish(t *testing.T) {
	t.Run("qos0", func(t *testing.T) {
		tracker := NewStateTracker(1)
		state, err := tracker.UpdateStatePublish(0, Receive, QoS0)
		require.NoError(t, err)
		assert.Equal(t, PublishDone, state)
		assert.Zero(t, tracker.InFlight())
	})

	t.Run("send requires a matching reservation", func(t *testing.T) {
		tracker := NewStateTracker(2)
		_, err := tracker.UpdateStatePublish(5, Send, QoS1)
		require.ErrorIs(t, err, ErrBadParameter)

		require.NoError(t, tracker.ReserveState(5, QoS1))
		_, err = tracker.UpdateStatePublish(5, Send, QoS2)
		require.ErrorIs(t, err, ErrBadParameter)

		state, err := tracker.UpdateStatePublish(5, Send, QoS1)
		require.NoError(t, err)
		assert.Equal(t, PubAckPending, state)

		_, err = tracker.UpdateStatePublish(5, Send, QoS1)
		require.ErrorIs(t, err, ErrIllegalState)
	})

	t.Run("receive creates an incoming record", func(t *testing.T) {
		tracker := NewStateTracker(1)
		state, err := tracker.UpdateStatePublish(9, Receive, QoS2)
		require.NoError(t, err)
		assert.Equal(t, PubRecSend, state)
		assert.Equal(t, []PublishRecord{{PacketID: 9, QoS: QoS2, State: PubRecSend}}, tracker.Incoming())
		assert.Empty(t, tracker.Outgoing())

		_, err = tracker.UpdateStatePublish(9, Receive, QoS2)
		require.ErrorIs(t, err, ErrStateCollision)

		_, err = tracker.UpdateStatePublish(10, Receive, QoS1)
		require.ErrorIs(t, err, ErrNoMemory)
	})

	t.Run("bad parameters", func(t *testing.T) {
		tracker := NewStateTracker(1)
		_, err := tracker.UpdateStatePublish(0, Receive, QoS1)
		require.ErrorIs(t, err, ErrBadParameter)
		_, err = tracker.UpdateStatePublish(1, Receive, 3)
		require.ErrorIs(t, err, ErrBadParameter)
		_, err = tracker.UpdateStatePublish(1, StateOperation(4), QoS1)
		require.ErrorIs(t, err, ErrBadParameter)
	})
}

func TestQoS1RoundTrip(t *testing.T) {
	tracker := NewStateTracker(1)

	for round := 0; round < 3; round++ {
		require.NoError(t, tracker.ReserveState(1, QoS1))
		state, err := tracker.UpdateStatePublish(1, Send, QoS1)
		require.NoError(t, err)
		require.Equal(t, PubAckPending, state)

		state, err = tracker.UpdateStateAck(1, PubAck, Receive)
		require.NoError(t, err)
		require.Equal(t, PublishDone, state)
		require.Zero(t, tracker.InFlight(), "the slot must be freed")
	}
}

func TestQoS1Incoming(t *testing.T) {
	tracker := NewStateTracker(1)
	state, err := tracker.UpdateStatePublish(3, Receive, QoS1)
	require.NoError(t, err)
	require.Equal(t, PubAckSend, state)

	state, err = tracker.UpdateStateAck(3, PubAck, Send)
	require.NoError(t, err)
	require.Equal(t, PublishDone, state)
	assert.Empty(t, tracker.Incoming())
}

func TestQoS2OutgoingHandshake(t *testing.T) {
	tracker := NewStateTracker(2)

	require.NoError(t, tracker.ReserveState(1, QoS2))
	state, err := tracker.UpdateStatePublish(1, Send, QoS2)
	require.NoError(t, err)
	require.Equal(t, PubRecPending, state)

	steps := []struct {
		ack    AckType
		op     StateOperation
		expect PublishState
	}{
		{PubRec, Receive, PubRelSend},
		{PubRel, Send, PubCompPending},
		{PubComp, Receive, PublishDone},
	}
	for _, step := range steps {
		state, err = tracker.UpdateStateAck(1, step.ack, step.op)
		require.NoError(t, err, "%s %s", step.op, step.ack)
		require.Equal(t, step.expect, state)

		if state != PublishDone {
			// 记录始终留在出站表中
			record, ok := tracker.Lookup(1, true)
			require.True(t, ok)
			assert.Equal(t, step.expect, record.State)
			assert.Empty(t, tracker.Incoming())
		}
	}

	assert.Empty(t, tracker.Outgoing())
	assert.Empty(t, tracker.Incoming())
}

func TestQoS2IncomingHandshake(t *testing.T) {
	tracker := NewStateTracker(2)

	state, err := tracker.UpdateStatePublish(1, Receive, QoS2)
	require.NoError(t, err)
	require.Equal(t, PubRecSend, state)

	steps := []struct {
		ack    AckType
		op     StateOperation
		expect PublishState
	}{
		{PubRec, Send, PubRelPending},
		{PubRel, Receive, PubCompSend},
		{PubComp, Send, PublishDone},
	}
	for _, step := range steps {
		state, err = tracker.UpdateStateAck(1, step.ack, step.op)
		require.NoError(t, err, "%s %s", step.op, step.ack)
		require.Equal(t, step.expect, state)
		assert.Empty(t, tracker.Outgoing())
	}
	assert.Empty(t, tracker.Incoming())
}

func TestSamePacketIDBothDirections(t *testing.T) {
	tracker := NewStateTracker(2)
	require.NoError(t, tracker.ReserveState(4, QoS2))
	_, err := tracker.UpdateStatePublish(4, Send, QoS2)
	require.NoError(t, err)
	_, err = tracker.UpdateStatePublish(4, Receive, QoS2)
	require.NoError(t, err, "outgoing and incoming identifiers are independent")

	state, err := tracker.UpdateStateAck(4, PubRec, Receive)
	require.NoError(t, err)
	assert.Equal(t, PubRelSend, state)

	state, err = tracker.UpdateStateAck(4, PubRec, Send)
	require.NoError(t, err)
	assert.Equal(t, PubRelPending, state)
}

func TestUpdateStateAckErrors(t *testing.T) {
	newQoS2 := func(t *testing.T) *StateTracker {
		tracker := NewStateTracker(2)
		require.NoError(t, tracker.ReserveState(1, QoS2))
		_, err := tracker.UpdateStatePublish(1, Send, QoS2)
		require.NoError(t, err)
		return tracker
	}

	t.Run("skipping PUBREL is illegal", func(t *testing.T) {
		tracker := newQoS2(t)
		_, err := tracker.UpdateStateAck(1, PubComp, Receive)
		require.ErrorIs(t, err, ErrIllegalState)
		record, ok := tracker.Lookup(1, true)
		require.True(t, ok)
		assert.Equal(t, PubRecPending, record.State, "a rejected ack leaves the record untouched")
	})

	t.Run("PUBACK on a qos2 publish is illegal", func(t *testing.T) {
		tracker := newQoS2(t)
		_, err := tracker.UpdateStateAck(1, PubAck, Receive)
		require.ErrorIs(t, err, ErrIllegalState)
	})

	t.Run("ack before publish was sent", func(t *testing.T) {
		tracker := NewStateTracker(1)
		require.NoError(t, tracker.ReserveState(2, QoS1))
		_, err := tracker.UpdateStateAck(2, PubAck, Receive)
		require.ErrorIs(t, err, ErrIllegalState)
	})

	t.Run("unknown packet id", func(t *testing.T) {
		tracker := newQoS2(t)
		_, err := tracker.UpdateStateAck(2, PubRec, Receive)
		require.ErrorIs(t, err, ErrBadParameter)
		// 方向不对时在另一张表中查找，同样找不到
		_, err = tracker.UpdateStateAck(1, PubRec, Send)
		require.ErrorIs(t, err, ErrBadParameter)
	})

	t.Run("bad parameters", func(t *testing.T) {
		tracker := newQoS2(t)
		_, err := tracker.UpdateStateAck(0, PubRec, Receive)
		require.ErrorIs(t, err, ErrBadParameter)
		_, err = tracker.UpdateStateAck(1, AckType(4), Receive)
		require.ErrorIs(t, err, ErrBadParameter)
		var nilTracker *StateTracker
		_, err = nilTracker.UpdateStateAck(1, PubRec, Receive)
		require.ErrorIs(t, err, ErrBadParameter)
	})
}

func TestStateSelect(t *testing.T) {
	tracker := NewStateTracker(3)

	for _, id := range []uint16{10, 11, 12} {
		require.NoError(t, tracker.ReserveState(id, QoS2))
		_, err := tracker.UpdateStatePublish(id, Send, QoS2)
		require.NoError(t, err)
	}
	for _, id := range []uint16{10, 12} {
		_, err := tracker.UpdateStateAck(id, PubRec, Receive)
		require.NoError(t, err)
	}
	_, err := tracker.UpdateStatePublish(20, Receive, QoS2)
	require.NoError(t, err)
	_, err = tracker.UpdateStateAck(20, PubRec, Send)
	require.NoError(t, err)

	var cursor Cursor
	assert.Equal(t, uint16(10), tracker.StateSelect(PubRelSend, &cursor))
	assert.Equal(t, uint16(12), tracker.StateSelect(PubRelSend, &cursor))
	assert.Zero(t, tracker.StateSelect(PubRelSend, &cursor))
	assert.Zero(t, tracker.StateSelect(PubRelSend, &cursor), "an exhausted cursor stays exhausted")

	cursor.Reset()
	assert.Equal(t, uint16(20), tracker.StateSelect(PubRelPending, &cursor))
	// 入站表排在出站表之前：命中入站第 0 个槽位后游标停在 1
	assert.Equal(t, 1, cursor.index)
	assert.Zero(t, tracker.StateSelect(PubRelPending, &cursor))

	cursor.Reset()
	assert.Equal(t, uint16(11), tracker.StateSelect(PubRecPending, &cursor))
	// 出站第 1 个槽位位于全部 3 个入站槽位之后
	assert.Equal(t, 3+2, cursor.index)

	assert.Zero(t, tracker.StateSelect(StateNull, &Cursor{}))
	assert.Zero(t, tracker.StateSelect(PubRelSend, nil))
}

func TestPublishStateString(t *testing.T) {
	assert.Equal(t, "MQTTStateNull", StateNull.String())
	assert.Equal(t, "MQTTPubRelSend", PubRelSend.String())
	assert.Equal(t, "MQTTPublishDone", PublishDone.String())
	assert.Equal(t, "Invalid MQTT State", PublishState(42).String())
}

func TestRestore(t *testing.T) {
	tracker := NewStateTracker(2)
	require.NoError(t, tracker.ReserveState(1, QoS1))

	outgoing := []PublishRecord{{PacketID: 3, QoS: QoS2, State: PubRelSend}}
	incoming := []PublishRecord{{PacketID: 4, QoS: QoS2, State: PubRelPending}, {PacketID: 5, QoS: QoS1, State: PubAckSend}}
	require.NoError(t, tracker.Restore(outgoing, incoming))
	assert.Equal(t, outgoing, tracker.Outgoing())
	assert.Equal(t, incoming, tracker.Incoming())

	state, err := tracker.UpdateStateAck(3, PubRel, Send)
	require.NoError(t, err)
	assert.Equal(t, PubCompPending, state)

	tests := []struct {
		name     string
		outgoing []PublishRecord
		incoming []PublishRecord
		err      error
	}{
		{"zero packet id", []PublishRecord{{QoS: QoS1, State: PubAckPending}}, nil, ErrBadParameter},
		{"state of the wrong direction", nil, []PublishRecord{{PacketID: 1, QoS: QoS1, State: PubAckPending}}, ErrBadParameter},
		{"qos does not fit state", []PublishRecord{{PacketID: 1, QoS: QoS1, State: PubRelSend}}, nil, ErrBadParameter},
		{"duplicate", []PublishRecord{{PacketID: 1, QoS: QoS1, State: PubAckPending}, {PacketID: 1, QoS: QoS2, State: PubRecPending}}, nil, ErrStateCollision},
		{"too many", nil, []PublishRecord{{PacketID: 1, QoS: QoS1, State: PubAckSend}, {PacketID: 2, QoS: QoS1, State: PubAckSend}, {PacketID: 3, QoS: QoS1, State: PubAckSend}}, ErrNoMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tracker.Outgoing()
			require.ErrorIs(t, tracker.Restore(tt.outgoing, tt.incoming), tt.err)
			assert.Equal(t, before, tracker.Outgoing())
		})
	}
}

func TestRemoveState(t *testing.T) {
	tracker := NewStateTracker(2)
	require.NoError(t, tracker.ReserveState(9, QoS1))
	_, err := tracker.UpdateStatePublish(9, Receive, QoS2)
	require.NoError(t, err)

	assert.False(t, tracker.RemoveState(0, true))
	assert.False(t, tracker.RemoveState(8, true))
	assert.True(t, tracker.RemoveState(9, true))
	assert.Empty(t, tracker.Outgoing())
	assert.Len(t, tracker.Incoming(), 1, "the incoming record with the same id is untouched")

	assert.True(t, tracker.RemoveState(9, false))
	assert.Zero(t, tracker.InFlight())
	require.NoError(t, tracker.ReserveState(9, QoS2), "slot can be reserved again")
}
