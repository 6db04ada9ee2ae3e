package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatsight/console/pkg/console/transcript"
)

func TestClient_ListSessionsFollowsPageTokens(t *testing.T) {
	var gotTokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/applications/app1/sessions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("status"); got != "active" {
			t.Errorf("status = %q, want active", got)
		}
		token := r.URL.Query().Get("page_token")
		gotTokens = append(gotTokens, token)
		w.Header().Set("Content-Type", "application/json")
		switch token {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"sessions":        []map[string]any{{"session_id": "s1", "application_id": "app1"}},
				"next_page_token": "p2",
			})
		case "p2":
			json.NewEncoder(w).Encode(map[string]any{
				"sessions": []map[string]any{{"session_id": "s2", "application_id": "app1"}},
			})
		default:
			t.Errorf("unexpected page token %q", token)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	sessions, err := c.ListSessions(context.Background(), "app1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "s1" || sessions[1].SessionID != "s2" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if len(gotTokens) != 2 {
		t.Fatalf("pages fetched = %v", gotTokens)
	}
}

func TestClient_ListSessionsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"key revoked"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListSessions(context.Background(), "app1")
	if err == nil || !strings.Contains(err.Error(), "key revoked") {
		t.Fatalf("err = %v, want server message surfaced", err)
	}
}

func TestClient_FetchTranscriptMapsSenders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/s1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[
			{"id":"m1","content":"hi","sender_type":"user","created_at_ms":1000},
			{"id":"m2","content":"hello","sender_type":"bot","created_at_ms":2000},
			{"id":"m3","content":"operator here","sender_type":"bot","human_authored":true,"created_at_ms":3000}
		]}`))
	}))
	defer srv.Close()

	msgs, err := New(srv.URL).FetchTranscript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len=%d, want 3", len(msgs))
	}
	if msgs[0].Sender != transcript.SenderUser {
		t.Fatalf("msgs[0].Sender = %q", msgs[0].Sender)
	}
	if msgs[1].Sender != transcript.SenderBot || msgs[1].HumanAuthored {
		t.Fatalf("msgs[1] = %+v", msgs[1])
	}
	if !msgs[2].HumanAuthored {
		t.Fatalf("msgs[2] should be human authored")
	}
	if msgs[0].CreatedAt.UnixMilli() != 1000 {
		t.Fatalf("created at = %v", msgs[0].CreatedAt)
	}
}

func TestClient_AuthorizationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"sessions":[]}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL, WithAPIKey("secret")).ListSessions(context.Background(), "app1"); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestClient_EmptyIDsRejected(t *testing.T) {
	c := New("http://127.0.0.1:0")
	if _, err := c.ListSessions(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty application id")
	}
	if _, err := c.FetchTranscript(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}
