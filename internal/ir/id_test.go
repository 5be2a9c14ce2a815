package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityID_LocalAndRemote(t *testing.T) {
	local := LocalID(1700000000000)
	assert.True(t, local.IsLocal())
	assert.False(t, local.IsRemote())
	assert.Equal(t, int64(-1700000000000), local.Raw())
	assert.Equal(t, int64(1700000000000), local.Value())

	remote := RemoteID(42)
	assert.True(t, remote.IsRemote())
	assert.False(t, remote.IsLocal())
	assert.Equal(t, int64(42), remote.Raw())
	assert.Equal(t, "42", remote.String())
}

func TestEntityID_ZeroValue(t *testing.T) {
	var id EntityID
	assert.True(t, id.IsZero())
	assert.False(t, id.IsLocal())
	assert.False(t, id.IsRemote())
}

func TestEntityID_LocalNeverEqualsRemote(t *testing.T) {
	assert.NotEqual(t, LocalID(42), RemoteID(42))
}

func TestFromRaw(t *testing.T) {
	id, err := FromRaw(-5)
	require.NoError(t, err)
	assert.Equal(t, LocalID(5), id)

	id, err = FromRaw(501)
	require.NoError(t, err)
	assert.Equal(t, RemoteID(501), id)

	_, err = FromRaw(0)
	assert.Error(t, err)
}

func TestEntityID_JSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID EntityID `json:"id"`
	}

	data, err := json.Marshal(wrapper{ID: LocalID(77)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":-77}`, string(data))

	var got wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"id":501}`), &got))
	assert.Equal(t, RemoteID(501), got.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":0}`), &got))
	assert.True(t, got.ID.IsZero())
}
