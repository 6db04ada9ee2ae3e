// Package protocol defines the wire contract between the operator console and
// the chat backend's push channel: the inbound event envelope with strict
// per-event decoding, and the outbound command frames.
//
// Delivery on the channel is at-most-once and unordered across event types;
// consumers of these types must be idempotent.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventConversationStarted  = "conversation-started"
	EventConversationActivity = "conversation-activity"
	EventConversationEnded    = "conversation-ended"
	EventConversationTakeover = "conversation-takeover"
	EventConsumerDisconnected = "consumer-disconnected"
	EventConsumerPresence     = "consumer-presence"
	EventConsumerMessage      = "consumer-message"
	EventSystemNotification   = "system-notification"
)

// Outbound command names.
const (
	CommandTakeover    = "takeover"
	CommandRelease     = "release"
	CommandSendMessage = "send_message"
)

// Presence values carried by consumer-presence events.
const (
	PresenceActive = "active"
	PresenceAway   = "away"
)

// Control modes carried by conversation-takeover events.
const (
	ModeAI    = "ai"
	ModeHuman = "human"
)

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Code    string
	Message string
	Field   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Field) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Field)
}

func badFrame(message, field string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Field: field}
}

// Event is one decoded inbound push event.
type Event interface {
	EventName() string
}

// ConversationStarted announces a new live conversation for the application.
type ConversationStarted struct {
	SessionID        string `json:"session_id"`
	ApplicationID    string `json:"application_id"`
	ConsumerIdentity string `json:"consumer_identity,omitempty"`
	MessagePreview   string `json:"message_preview,omitempty"`
	TimestampMS      int64  `json:"timestamp_ms,omitempty"`
}

func (ConversationStarted) EventName() string { return EventConversationStarted }

// ConversationActivity reports fresh consumer activity on a live conversation.
type ConversationActivity struct {
	SessionID        string `json:"session_id"`
	ApplicationID    string `json:"application_id"`
	ConsumerIdentity string `json:"consumer_identity,omitempty"`
	MessagePreview   string `json:"message_preview,omitempty"`
	TimestampMS      int64  `json:"timestamp_ms,omitempty"`
}

func (ConversationActivity) EventName() string { return EventConversationActivity }

// ConversationEnded announces that a conversation terminated on the server.
type ConversationEnded struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id"`
}

func (ConversationEnded) EventName() string { return EventConversationEnded }

// ConversationTakeover reports the authoritative control mode of a session.
// Mode "ai" for a session currently under local human control means control
// was revoked server-side.
type ConversationTakeover struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

func (ConversationTakeover) EventName() string { return EventConversationTakeover }

// ConsumerDisconnected announces that the remote consumer left the session.
type ConsumerDisconnected struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id,omitempty"`
}

func (ConsumerDisconnected) EventName() string { return EventConsumerDisconnected }

// ConsumerPresence reports foreground/background state of the remote consumer.
type ConsumerPresence struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id,omitempty"`
	Status        string `json:"status"`
}

func (ConsumerPresence) EventName() string { return EventConsumerPresence }

// ConsumerMessage carries an inbound consumer message for transcript insertion.
type ConsumerMessage struct {
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id,omitempty"`
	Content     string `json:"content"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

func (ConsumerMessage) EventName() string { return EventConsumerMessage }

// SystemNotification is an out-of-band server notice. Error-severity
// notifications are the only rejection signal for fire-and-forget commands.
type SystemNotification struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

func (SystemNotification) EventName() string { return EventSystemNotification }

// IsError reports whether the notification signals a failed operation.
func (n SystemNotification) IsError() bool {
	return strings.EqualFold(strings.TrimSpace(n.Severity), "error")
}

// UnknownEvent preserves frames whose event name this client does not know.
// The coordinator ignores them; they are not an error.
type UnknownEvent struct {
	Name string
	Raw  json.RawMessage
}

func (e UnknownEvent) EventName() string { return e.Name }

type eventEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEventFrame decodes one inbound text frame into a typed event.
// Unknown event names decode to UnknownEvent; missing required fields are a
// *DecodeError. Extra fields are ignored.
func DecodeEventFrame(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badFrame("invalid event frame", "")
	}
	name := strings.TrimSpace(env.Event)
	if name == "" {
		return nil, badFrame("event name is required", "event")
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	switch name {
	case EventConversationStarted:
		var msg ConversationStarted
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid conversation-started", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}, field{"application_id", msg.ApplicationID}); err != nil {
			return nil, err
		}
		return msg, nil
	case EventConversationActivity:
		var msg ConversationActivity
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid conversation-activity", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}, field{"application_id", msg.ApplicationID}); err != nil {
			return nil, err
		}
		return msg, nil
	case EventConversationEnded:
		var msg ConversationEnded
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid conversation-ended", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}, field{"application_id", msg.ApplicationID}); err != nil {
			return nil, err
		}
		return msg, nil
	case EventConversationTakeover:
		var msg ConversationTakeover
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid conversation-takeover", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}, field{"mode", msg.Mode}); err != nil {
			return nil, err
		}
		switch msg.Mode {
		case ModeAI, ModeHuman:
		default:
			return nil, badFrame("conversation-takeover.mode must be ai or human", "mode")
		}
		return msg, nil
	case EventConsumerDisconnected:
		var msg ConsumerDisconnected
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid consumer-disconnected", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}); err != nil {
			return nil, err
		}
		return msg, nil
	case EventConsumerPresence:
		var msg ConsumerPresence
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid consumer-presence", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}, field{"status", msg.Status}); err != nil {
			return nil, err
		}
		switch msg.Status {
		case PresenceActive, PresenceAway:
		default:
			return nil, badFrame("consumer-presence.status must be active or away", "status")
		}
		return msg, nil
	case EventConsumerMessage:
		var msg ConsumerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid consumer-message", "")
		}
		if err := requireFields(name, field{"session_id", msg.SessionID}, field{"content", msg.Content}); err != nil {
			return nil, err
		}
		return msg, nil
	case EventSystemNotification:
		var msg SystemNotification
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badFrame("invalid system-notification", "")
		}
		if err := requireFields(name, field{"severity", msg.Severity}, field{"title", msg.Title}); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return UnknownEvent{Name: name, Raw: payload}, nil
	}
}

type field struct {
	name  string
	value string
}

func requireFields(event string, fields ...field) error {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return badFrame(fmt.Sprintf("%s.%s is required", event, f.name), f.name)
		}
	}
	return nil
}

// Command is one outbound command frame.
type Command interface {
	CommandName() string
}

// Takeover requests transfer of authorship for a session to the operator.
type Takeover struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

func (Takeover) CommandName() string { return CommandTakeover }

// Release returns authorship for a session to the AI.
type Release struct {
	SessionID string `json:"session_id"`
}

func (Release) CommandName() string { return CommandRelease }

// SendMessage sends operator-authored text attributed to the application.
type SendMessage struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

func (SendMessage) CommandName() string { return CommandSendMessage }

type commandEnvelope struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// EncodeCommandFrame encodes one outbound command as a JSON text frame.
func EncodeCommandFrame(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("command must not be nil")
	}
	return json.Marshal(commandEnvelope{Command: cmd.CommandName(), Data: cmd})
}
