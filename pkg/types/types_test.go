package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// Architectural Validation Tests

func TestTypes_ArchitecturalCompliance(t *testing.T) {
	// Test that all structs can be created
	_ = &Event{}
	_ = &Identity{}
	_ = &ChatMessage{}
	_ = &Conversation{}
	_ = &ConversationSummary{}
	_ = &CallPayload{}
	_ = &SensorPayload{}
}

// Functional Validation Tests - identifiers

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		want   bool
	}{
		{"simple", "alice", true},
		{"mongo object id", "64b7f0c2e4b0a1a2b3c4d5e6", true},
		{"uuid", "0b5d7a52-2c4f-4b8e-9d0e-0f1a2b3c4d5e", true},
		{"underscore", "care_giver_1", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"spaces", "alice smith", false},
		{"special chars", "alice@home", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidUserID(tt.userID); got != tt.want {
				t.Errorf("IsValidUserID(%q) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}

func TestIsValidChannelID(t *testing.T) {
	if !IsValidChannelID("conv-42") {
		t.Error("conv-42 should be a valid channel ID")
	}
	if IsValidChannelID("") {
		t.Error("empty channel ID should be invalid")
	}
	if IsValidChannelID("conv/42") {
		t.Error("channel ID with slash should be invalid")
	}
}

// Functional Validation Tests - event envelope

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
		wantTyp string
	}{
		{"join channel", `{"type":"join-channel","payload":{"channel_id":"c1"}}`, nil, EventJoinChannel},
		{"no payload", `{"type":"request-online-users"}`, nil, EventRequestOnlineUsers},
		{"server only event", `{"type":"user-online","payload":{}}`, ErrInvalidEventType, ""},
		{"unknown event", `{"type":"launch-rockets"}`, ErrInvalidEventType, ""},
		{"broken json", `{"type":`, ErrInvalidPayload, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseEvent() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent() unexpected error: %v", err)
			}
			if ev.Type != tt.wantTyp {
				t.Errorf("ParseEvent() type = %q, want %q", ev.Type, tt.wantTyp)
			}
		})
	}
}

func TestEvent_DecodePayload(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"typing","payload":{"channel_id":"c1","is_typing":true}}`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	var p TypingPayload
	if err := ev.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.ChannelID != "c1" || !p.IsTyping {
		t.Errorf("Unexpected payload: %+v", p)
	}

	bad := &Event{Type: EventTyping, Payload: json.RawMessage(`"not an object"`)}
	if err := bad.DecodePayload(&p); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload, got %v", err)
	}

	empty := &Event{Type: EventRequestOnlineUsers}
	if err := empty.DecodePayload(&struct{}{}); err != nil {
		t.Errorf("Empty payload should decode cleanly, got %v", err)
	}
}

// Functional Validation Tests - payload validation

func TestSendMessagePayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload SendMessagePayload
		wantErr error
	}{
		{"valid", SendMessagePayload{ChannelID: "conv-42", Text: "hi"}, nil},
		{"whitespace only", SendMessagePayload{ChannelID: "conv-42", Text: "   "}, ErrEmptyMessage},
		{"bad channel", SendMessagePayload{ChannelID: "", Text: "hi"}, ErrInvalidChannelID},
		{"too large", SendMessagePayload{ChannelID: "conv-42", Text: strings.Repeat("x", 8*1024+1)}, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.payload
			if err := p.Validate(); err != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendMessagePayload_ValidateTrims(t *testing.T) {
	p := SendMessagePayload{ChannelID: "conv-42", Text: "  hello  "}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if p.Text != "hello" {
		t.Errorf("Expected trimmed text, got %q", p.Text)
	}
}

func TestValidateSample(t *testing.T) {
	if err := ValidateSample(json.RawMessage(`{"adc":512,"force":3.2}`)); err != nil {
		t.Errorf("Valid sample rejected: %v", err)
	}
	if err := ValidateSample(json.RawMessage(`[1,2,3]`)); err != ErrInvalidPayload {
		t.Errorf("Array sample should be rejected, got %v", err)
	}
	if err := ValidateSample(json.RawMessage(`null`)); err != ErrInvalidPayload {
		t.Errorf("Null sample should be rejected, got %v", err)
	}
	big := `{"blob":"` + strings.Repeat("a", 4*1024) + `"}`
	if err := ValidateSample(json.RawMessage(big)); err != ErrSampleTooLarge {
		t.Errorf("Oversized sample should be rejected, got %v", err)
	}
}

func TestNormalizeParticipants(t *testing.T) {
	got, err := NormalizeParticipants([]string{"alice", "bob", "alice"})
	if err != nil {
		t.Fatalf("NormalizeParticipants failed: %v", err)
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("Unexpected participants: %v", got)
	}

	if _, err := NormalizeParticipants([]string{"alice", "alice"}); !errors.Is(err, ErrInvalidParticipant) {
		t.Errorf("Single distinct participant should fail, got %v", err)
	}
	if _, err := NormalizeParticipants([]string{"alice", "bad id"}); !errors.Is(err, ErrInvalidParticipant) {
		t.Errorf("Invalid participant should fail, got %v", err)
	}
}
