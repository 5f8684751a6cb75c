package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSignalingURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8080/ws", false},
		{"wss", "wss://relay.example.com/ws", false},
		{"empty", "", true},
		{"http scheme", "http://relay.example.com/ws", true},
		{"no host", "ws:///ws", true},
		{"unparseable", "ws://[::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalingURL(tt.url)
			assert.Equal(t, tt.wantErr, err != nil, "error = %v", err)
		})
	}
}

func TestValidateICEURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"stun", "stun:stun.l.google.com:19302", false},
		{"turn with transport", "turn:turn.example.org:3478?transport=tcp", false},
		{"turns upper case", "TURNS:turn.example.org", false},
		{"no scheme", "stun.l.google.com", true},
		{"wrong scheme", "http:stun.example.org", true},
		{"no host", "turn:?transport=udp", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICEURL(tt.url)
			assert.Equal(t, tt.wantErr, err != nil, "error = %v", err)
		})
	}
}

func TestValidateChatText(t *testing.T) {
	assert.NoError(t, ValidateChatText("hello"))
	assert.NoError(t, ValidateChatText(strings.Repeat("é", MaxChatRunes)))

	assert.Error(t, ValidateChatText("   "))
	assert.Error(t, ValidateChatText("bad \xff byte"))
	assert.Error(t, ValidateChatText(strings.Repeat("a", MaxChatRunes+1)))
}

func TestValidateNonEmptyString(t *testing.T) {
	assert.NoError(t, ValidateNonEmptyString("chat", "label"))
	assert.EqualError(t, ValidateNonEmptyString(" \t", "label"), "label is required")
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("日本語", 3, 3, "name"))
	assert.EqualError(t, ValidateStringLength("ab", 3, 10, "name"), "name must be at least 3 characters")
	assert.EqualError(t, ValidateStringLength("abcd", 1, 3, "name"), "name is too long (max 3 characters)")
}
