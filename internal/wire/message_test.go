package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("krmx/link"))
	assert.True(t, IsReserved("krmx/"))
	assert.False(t, IsReserved("custom/hello"))
	assert.False(t, IsReserved("krm/link"))
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"custom/hello","payload":42}`))
	require.NoError(t, err)
	assert.Equal(t, "custom/hello", msg.Type)
	assert.JSONEq(t, "42", string(msg.Payload))
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":42}`))
	assert.Error(t, err)
}

func TestDecode_Garbled(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncode_OmitsMetadataByDefault(t *testing.T) {
	data, err := Encode(TypeAccepted, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"krmx/accepted"}`, string(data))
}

func TestEncode_WithMetadata(t *testing.T) {
	meta := &Metadata{IsBroadcast: true}
	data, err := Encode(TypeJoined, UsernamePayload{Username: "simon"}, meta)
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeJoined, msg.Type)
}

func TestParseLinkPayload(t *testing.T) {
	p, err := ParseLinkPayload([]byte(`{"username":"simon","version":"1.0.0"}`))
	require.NoError(t, err)
	assert.Equal(t, "simon", p.Username)
	assert.Equal(t, "1.0.0", p.Version)
	assert.Empty(t, p.Auth)
}

func TestParseLinkPayload_Missing(t *testing.T) {
	_, err := ParseLinkPayload(nil)
	assert.Error(t, err)
}

func TestParseLinkPayload_MissingFields(t *testing.T) {
	_, err := ParseLinkPayload([]byte(`{"username":"simon"}`))
	assert.Error(t, err)
}
