package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeEventFrame_ConversationStarted(t *testing.T) {
	frame := []byte(`{"event":"conversation-started","data":{"session_id":"s1","application_id":"app1","message_preview":"hi","extra":"ignored"}}`)
	ev, err := DecodeEventFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, ok := ev.(ConversationStarted)
	if !ok {
		t.Fatalf("event type = %T, want ConversationStarted", ev)
	}
	if msg.SessionID != "s1" || msg.ApplicationID != "app1" || msg.MessagePreview != "hi" {
		t.Fatalf("decoded = %+v", msg)
	}
}

func TestDecodeEventFrame_MissingRequiredField(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		field string
	}{
		{"started without session", `{"event":"conversation-started","data":{"application_id":"app1"}}`, "session_id"},
		{"activity without app", `{"event":"conversation-activity","data":{"session_id":"s1"}}`, "application_id"},
		{"takeover without mode", `{"event":"conversation-takeover","data":{"session_id":"s1"}}`, "mode"},
		{"presence without status", `{"event":"consumer-presence","data":{"session_id":"s1"}}`, "status"},
		{"message without content", `{"event":"consumer-message","data":{"session_id":"s1"}}`, "content"},
		{"notification without title", `{"event":"system-notification","data":{"severity":"error"}}`, "title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEventFrame([]byte(tc.frame))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if de.Field != tc.field {
				t.Fatalf("field = %q, want %q", de.Field, tc.field)
			}
		})
	}
}

func TestDecodeEventFrame_InvalidEnumValues(t *testing.T) {
	if _, err := DecodeEventFrame([]byte(`{"event":"conversation-takeover","data":{"session_id":"s1","mode":"robot"}}`)); err == nil {
		t.Fatalf("expected error for unknown takeover mode")
	}
	if _, err := DecodeEventFrame([]byte(`{"event":"consumer-presence","data":{"session_id":"s1","status":"gone"}}`)); err == nil {
		t.Fatalf("expected error for unknown presence status")
	}
}

func TestDecodeEventFrame_UnknownEventPreserved(t *testing.T) {
	ev, err := DecodeEventFrame([]byte(`{"event":"billing-updated","data":{"plan":"pro"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	unk, ok := ev.(UnknownEvent)
	if !ok {
		t.Fatalf("event type = %T, want UnknownEvent", ev)
	}
	if unk.Name != "billing-updated" {
		t.Fatalf("name = %q", unk.Name)
	}
	if !strings.Contains(string(unk.Raw), "pro") {
		t.Fatalf("raw payload lost: %s", unk.Raw)
	}
}

func TestDecodeEventFrame_MissingEventName(t *testing.T) {
	_, err := DecodeEventFrame([]byte(`{"data":{"session_id":"s1"}}`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Field != "event" {
		t.Fatalf("err = %v, want DecodeError on event", err)
	}
}

func TestSystemNotification_IsError(t *testing.T) {
	if !(SystemNotification{Severity: "Error", Title: "x"}).IsError() {
		t.Fatalf("severity Error should be an error")
	}
	if (SystemNotification{Severity: "info", Title: "x"}).IsError() {
		t.Fatalf("severity info should not be an error")
	}
}

func TestEncodeCommandFrame(t *testing.T) {
	data, err := EncodeCommandFrame(Takeover{SessionID: "s1", Mode: ModeHuman})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env struct {
		Command string `json:"command"`
		Data    struct {
			SessionID string `json:"session_id"`
			Mode      string `json:"mode"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Command != "takeover" || env.Data.SessionID != "s1" || env.Data.Mode != "human" {
		t.Fatalf("frame = %s", data)
	}
}

func TestEncodeCommandFrame_Nil(t *testing.T) {
	if _, err := EncodeCommandFrame(nil); err == nil {
		t.Fatalf("expected error for nil command")
	}
}
