package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *Frame
		wantErr bool
	}{
		{
			name: "login",
			raw:  `{"type":"login","user":"Ana"}`,
			want: &Frame{Type: FrameLogin, User: "Ana"},
		},
		{
			name: "message with client timestamp",
			raw:  `{"type":"message","user":"Ana","text":"hola","timestamp":"2020-01-01T00:00:00Z"}`,
			want: &Frame{Type: FrameMessage, User: "Ana", Text: "hola", Timestamp: "2020-01-01T00:00:00Z"},
		},
		{name: "not json", raw: `hola`, wantErr: true},
		{name: "missing type", raw: `{"user":"Ana"}`, wantErr: true},
		{name: "wrong field type", raw: `{"type":"login","user":42}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeMessage_WireShape(t *testing.T) {
	at := time.Date(2026, 5, 4, 3, 2, 1, 500_000_000, time.UTC)
	msg := domain.NewChatMessage("Ana", "hola", at)

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "message", wire["type"])
	assert.Equal(t, "Ana", wire["user"])
	assert.Equal(t, "hola", wire["text"])
	assert.Equal(t, "2026-05-04T03:02:01.5Z", wire["timestamp"])
	assert.Equal(t, "chat", wire["kind"])

	back, err := ParseMessageFrame(data)
	require.NoError(t, err)
	assert.Equal(t, msg, back)
}

func TestEncodeUsers_EmptyListIsArray(t *testing.T) {
	data, err := EncodeUsers(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"users","list":[]}`, string(data))

	data, err = EncodeUsers([]string{"Ana", "Bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"users","list":["Ana","Bob"]}`, string(data))
}

func TestEncodeError(t *testing.T) {
	data, err := EncodeError("NOT_AUTHENTICATED", "login required")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"NOT_AUTHENTICATED","message":"login required"}`, string(data))
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	var got *Frame
	reg.Register(FrameLogin, HandlerFunc(func(_ context.Context, f *Frame) error {
		got = f
		return nil
	}))

	frame := &Frame{Type: FrameLogin, User: "Ana"}
	require.NoError(t, reg.Handle(context.Background(), frame))
	assert.Same(t, frame, got)

	err := reg.Handle(context.Background(), &Frame{Type: "typing"})
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
}
