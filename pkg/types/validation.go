package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxIDLength      = 64
	maxMessageLength = 8 * 1024
	maxSampleLength  = 4 * 1024
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
// Mongo ObjectID hex strings and uuids both pass.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > maxIDLength {
		return false
	}
	return idRegex.MatchString(userID)
}

// IsValidChannelID checks if a channel ID meets format requirements
func IsValidChannelID(channelID string) bool {
	if len(channelID) < 1 || len(channelID) > maxIDLength {
		return false
	}
	return idRegex.MatchString(channelID)
}

// IsClientEvent reports whether a client may send this event type.
func IsClientEvent(eventType string) bool {
	switch eventType {
	case EventJoinChannel,
		EventLeaveChannel,
		EventTyping,
		EventMarkRead,
		EventNewMessage,
		EventRequestOnlineUsers,
		EventCallStart,
		EventCallAccept,
		EventCallReject,
		EventCallCancel,
		EventSensorStreamRequest,
		EventSensorStreamStart,
		EventSensorSample,
		EventSensorStreamStop:
		return true
	default:
		return false
	}
}

// ParseEvent decodes one frame into an Event envelope
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !IsClientEvent(ev.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, ev.Type)
	}
	return &ev, nil
}

// DecodePayload unmarshals the event payload into v.
// An absent payload decodes as an empty object.
func (e *Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Validate ensures the channel reference is usable
func (p *ChannelPayload) Validate() error {
	if !IsValidChannelID(p.ChannelID) {
		return ErrInvalidChannelID
	}
	return nil
}

// Validate trims the text and enforces the size limit
func (p *SendMessagePayload) Validate() error {
	if !IsValidChannelID(p.ChannelID) {
		return ErrInvalidChannelID
	}
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return ErrEmptyMessage
	}
	if len(p.Text) > maxMessageLength {
		return ErrMessageTooLarge
	}
	return nil
}

// ValidateSample checks that a sensor sample is a JSON object within the size limit
func ValidateSample(sample json.RawMessage) error {
	if len(sample) > maxSampleLength {
		return ErrSampleTooLarge
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(sample, &obj); err != nil || obj == nil {
		return ErrInvalidPayload
	}
	return nil
}

// NormalizeParticipants removes duplicates and validates every participant
func NormalizeParticipants(participants []string) ([]string, error) {
	seen := make(map[string]bool, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if !IsValidUserID(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidParticipant, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) < 2 {
		return nil, ErrInvalidParticipant
	}
	return out, nil
}
