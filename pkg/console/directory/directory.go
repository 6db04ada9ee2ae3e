// Package directory is the client for the session directory REST surface:
// the durable system of record behind the coordinator. It is only ever read
// from this side, once to seed the live-session registry and once per detail
// view to hydrate a transcript.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatsight/console/pkg/console/transcript"
)

const defaultTimeout = 15 * time.Second

// Session is one active conversation as reported by the directory listing.
type Session struct {
	SessionID        string `json:"session_id"`
	ApplicationID    string `json:"application_id"`
	ConsumerIdentity string `json:"consumer_identity,omitempty"`
	MessagePreview   string `json:"message_preview,omitempty"`
	LastActivityAt   int64  `json:"last_activity_ms"`
	ControlMode      string `json:"control_mode,omitempty"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("directory: status %d", e.Status)
	}
	return fmt.Sprintf("directory: %s (status %d)", e.Message, e.Status)
}

// Client talks to the session directory.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey sets a bearer token for directory requests.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// New builds a directory client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sessionPage struct {
	Sessions      []Session `json:"sessions"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

// ListSessions returns every active session for the application, following
// page tokens until the listing is exhausted.
func (c *Client) ListSessions(ctx context.Context, applicationID string) ([]Session, error) {
	if strings.TrimSpace(applicationID) == "" {
		return nil, fmt.Errorf("application id is required")
	}

	var all []Session
	pageToken := ""
	for {
		endpoint := fmt.Sprintf("%s/v1/applications/%s/sessions", c.baseURL, url.PathEscape(applicationID))
		q := url.Values{}
		q.Set("status", "active")
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var page sessionPage
		if err := c.getJSON(ctx, endpoint+"?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		all = append(all, page.Sessions...)
		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

type transcriptMessage struct {
	ID            string `json:"id"`
	Content       string `json:"content"`
	SenderType    string `json:"sender_type"`
	HumanAuthored bool   `json:"human_authored,omitempty"`
	CreatedAtMS   int64  `json:"created_at_ms"`
}

type transcriptPayload struct {
	Messages []transcriptMessage `json:"messages"`
}

// FetchTranscript returns the full ordered message history for a session.
func (c *Client) FetchTranscript(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	endpoint := fmt.Sprintf("%s/v1/sessions/%s/messages", c.baseURL, url.PathEscape(sessionID))
	var payload transcriptPayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}

	out := make([]transcript.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		sender := transcript.SenderUser
		if m.SenderType == "bot" {
			sender = transcript.SenderBot
		}
		out = append(out, transcript.Message{
			ID:            m.ID,
			Content:       m.Content,
			Sender:        sender,
			HumanAuthored: m.HumanAuthored,
			CreatedAt:     time.UnixMilli(m.CreatedAtMS),
		})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return &apiError{Status: resp.StatusCode, Message: payload.Error.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
