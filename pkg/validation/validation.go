package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// MaxChatRunes bounds a single chat message
const MaxChatRunes = 4096

// ValidateSignalingURL validates a relay websocket URL
func ValidateSignalingURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL such as
// stun:stun.example.org:3478 or turn:turn.example.org?transport=tcp.
func ValidateICEURL(raw string) error {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return fmt.Errorf("ICE URL %q has no scheme", raw)
	}
	switch strings.ToLower(scheme) {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE URL scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
	host, _, _ := strings.Cut(rest, "?")
	if strings.TrimPrefix(host, "//") == "" {
		return fmt.Errorf("ICE URL %q must have a host", raw)
	}
	return nil
}

// ValidateChatText validates an outgoing chat message
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is empty")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return ValidateStringLength(text, 1, MaxChatRunes, "message")
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
