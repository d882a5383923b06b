package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidFrames(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		wantT string
	}{
		{"type only", `{"type":"chat/message"}`, "chat/message"},
		{"with payload", `{"type":"krmx/link","payload":{"username":"lisa","version":"1.0.0"}}`, "krmx/link"},
		{"unknown fields ignored", `{"type":"chat/message","extra":true,"n":5}`, "chat/message"},
		{"metadata ignored on inbound", `{"type":"chat/message","metadata":{"isBroadcast":true,"timestamp":"x"}}`, "chat/message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.wantT, msg.Type)
		})
	}
}

func TestParse_InvalidFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"json array", `[1,2,3]`},
		{"missing type", `{"payload":{}}`},
		{"empty type", `{"type":""}`},
		{"non-string type", `{"type":42}`},
		{"null type", `{"type":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestIsProtocol(t *testing.T) {
	assert.True(t, IsProtocol("krmx/link"))
	assert.True(t, IsProtocol("krmx/anything"))
	assert.False(t, IsProtocol("chat/message"))
	assert.False(t, IsProtocol("krmx"))
}

func TestLink_OmitsEmptyAuth(t *testing.T) {
	data, err := Link("lisa", "1.0.0", "").Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "auth")

	data, err = Link("lisa", "1.0.0", "secret").Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"auth":"secret"`)
}

func TestRejected_CarriesReason(t *testing.T) {
	msg := Rejected("invalid username")
	var p RejectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "invalid username", p.Reason)
}

func TestUserFrames_CarryUsername(t *testing.T) {
	for _, msg := range []Message{Joined("lisa"), Linked("lisa"), Unlinked("lisa"), Left("lisa")} {
		var p UserPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		assert.Equal(t, "lisa", p.Username)
	}
}

func TestDecorate(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	msg := Decorate(Message{Type: "chat/message"}, true, now)
	require.NotNil(t, msg.Metadata)
	assert.True(t, msg.Metadata.IsBroadcast)
	assert.Equal(t, "2025-03-14T08:26:53Z", msg.Metadata.Timestamp)
}

func TestEncode_OmitsAbsentFields(t *testing.T) {
	data, err := Message{Type: "chat/message"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"chat/message"}`, string(data))
}
