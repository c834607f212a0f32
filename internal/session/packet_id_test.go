package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDManagerSequence(t *testing.T) {
	m := NewPacketIDManager()
	for want := uint16(1); want <= 3; want++ {
		id, err := m.NextID()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 3, m.InUse())

	m.ReleaseID(2)
	m.ReleaseID(2)
	m.ReleaseID(42)
	assert.Equal(t, 2, m.InUse())

	id, err := m.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id, "released ids are reused first")

	id, err = m.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint16(4), id)
}

func TestPacketIDManagerWrapsAndSkipsUsed(t *testing.T) {
	m := NewPacketIDManager()
	require.NoError(t, m.MarkInUse(1))
	require.Error(t, m.MarkInUse(1))
	require.Error(t, m.MarkInUse(0))

	m.currentID = maxPacketIDs
	id, err := m.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint16(maxPacketIDs), id)

	id, err = m.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id, "wraps past zero and skips id 1 which is still in use")
}

func TestPacketIDManagerExhausted(t *testing.T) {
	m := NewPacketIDManager()
	for i := 0; i < maxPacketIDs; i++ {
		id, err := m.NextID()
		require.NoError(t, err)
		require.NotZero(t, id)
	}
	_, err := m.NextID()
	require.ErrorIs(t, err, ErrNoPacketID)

	m.ReleaseID(500)
	id, err := m.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint16(500), id)
}
