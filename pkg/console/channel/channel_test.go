package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsight/console/pkg/console/protocol"
)

// wsTestServer upgrades one connection and exposes it to the test.
func wsTestServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, srv *httptest.Server) *Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSocket_SubscribeReceivesMatchingEvents(t *testing.T) {
	srv, conns := wsTestServer(t)
	s := dialTest(t, srv)
	server := <-conns

	got := make(chan protocol.Event, 2)
	s.Subscribe(protocol.EventConversationStarted, func(ev protocol.Event) { got <- ev })

	frame := `{"event":"conversation-started","data":{"session_id":"s1","application_id":"app1"}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// An event type nobody subscribed to is dropped silently.
	other := `{"event":"consumer-presence","data":{"session_id":"s1","status":"away"}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(other)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case ev := <-got:
		started, ok := ev.(protocol.ConversationStarted)
		if !ok || started.SessionID != "s1" {
			t.Fatalf("event = %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribed event never delivered")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected second event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSocket_UnsubscribeStopsDelivery(t *testing.T) {
	srv, conns := wsTestServer(t)
	s := dialTest(t, srv)
	server := <-conns

	got := make(chan protocol.Event, 4)
	unsubscribe := s.Subscribe(protocol.EventConversationEnded, func(ev protocol.Event) { got <- ev })
	unsubscribe()
	unsubscribe() // idempotent

	frame := `{"event":"conversation-ended","data":{"session_id":"s1","application_id":"app1"}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case ev := <-got:
		t.Fatalf("event delivered after unsubscribe: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocket_MalformedFrameDoesNotStopLoop(t *testing.T) {
	srv, conns := wsTestServer(t)
	s := dialTest(t, srv)
	server := <-conns

	got := make(chan protocol.Event, 1)
	s.Subscribe(protocol.EventConsumerMessage, func(ev protocol.Event) { got <- ev })

	if err := server.WriteMessage(websocket.TextMessage, []byte(`{"event":"consumer-message","data":{}}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	valid := `{"event":"consumer-message","data":{"session_id":"s1","content":"hi"}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(valid)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case ev := <-got:
		msg := ev.(protocol.ConsumerMessage)
		if msg.Content != "hi" {
			t.Fatalf("event = %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid frame after malformed frame never delivered")
	}
}

func TestSocket_PanickingHandlerIsContained(t *testing.T) {
	srv, conns := wsTestServer(t)
	s := dialTest(t, srv)
	server := <-conns

	got := make(chan protocol.Event, 1)
	s.Subscribe(protocol.EventConversationStarted, func(protocol.Event) { panic("boom") })
	s.Subscribe(protocol.EventConversationStarted, func(ev protocol.Event) { got <- ev })

	frame := `{"event":"conversation-started","data":{"session_id":"s1","application_id":"app1"}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("second handler starved by panicking first handler")
	}
}

func TestSocket_SendWritesCommandFrame(t *testing.T) {
	srv, conns := wsTestServer(t)
	s := dialTest(t, srv)
	server := <-conns

	if err := s.Send(protocol.SendMessage{SessionID: "s1", Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var env struct {
		Command string `json:"command"`
		Data    struct {
			SessionID string `json:"session_id"`
			Content   string `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Command != "send_message" || env.Data.Content != "hello" {
		t.Fatalf("frame = %s", data)
	}
}

func TestSocket_SendAfterCloseFails(t *testing.T) {
	srv, conns := wsTestServer(t)
	s := dialTest(t, srv)
	<-conns

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.Send(protocol.Release{SessionID: "s1"}); err == nil {
		t.Fatalf("send after close should fail")
	}
}
