package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncStep1RoundTrip(t *testing.T) {
	sv := []byte{9, 9, 9}
	body := EncodeSyncStep1(sv)
	msg, err := DecodeSyncMessage(body)
	require.NoError(t, err)
	assert.Equal(t, SyncStepStep1, msg.Step)
	assert.Equal(t, sv, msg.Payload)
}

func TestSyncStep2RoundTrip(t *testing.T) {
	update := []byte{1, 2, 3, 4}
	body := EncodeSyncStep2(update)
	msg, err := DecodeSyncMessage(body)
	require.NoError(t, err)
	assert.Equal(t, SyncStepStep2, msg.Step)
	assert.Equal(t, update, msg.Payload)
}

func TestSyncUpdateRoundTrip(t *testing.T) {
	update := []byte{5, 6}
	body := EncodeSyncUpdate(update)
	msg, err := DecodeSyncMessage(body)
	require.NoError(t, err)
	assert.Equal(t, SyncStepUpdate, msg.Step)
	assert.Equal(t, update, msg.Payload)
}

func TestAwarenessRoundTrip(t *testing.T) {
	entries := []AwarenessEntry{
		{ClientID: 1, Clock: 3, State: []byte(`{"name":"a"}`)},
		{ClientID: 2, Clock: 1, State: nil},
	}
	body := EncodeAwareness(entries)
	decoded, err := DecodeAwareness(body)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, entries[0], decoded[0])
	assert.Nil(t, decoded[1].State)
}

func TestSyncStatusRoundTrip(t *testing.T) {
	body := EncodeSyncStatus(42)
	seq, err := DecodeSyncStatus(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}
