// Package console implements the live-session presence and takeover
// coordinator: one authoritative in-memory view of which conversations are
// live for an application and who is allowed to answer for the AI right now.
//
// The coordinator is the single writer of the session registry, the takeover
// slot, and the transcript buffer. Inbound push events, reaper ticks, and
// operator actions are all serialized through one mutex, so correctness
// reduces to event ordering and idempotency: every event arm tolerates
// duplicates and out-of-order delivery.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatsight/console/pkg/console/channel"
	"github.com/chatsight/console/pkg/console/directory"
	"github.com/chatsight/console/pkg/console/protocol"
	"github.com/chatsight/console/pkg/console/registry"
	"github.com/chatsight/console/pkg/console/takeover"
	"github.com/chatsight/console/pkg/console/transcript"
)

var (
	// ErrUnknownSession rejects operator actions against sessions the
	// registry does not track.
	ErrUnknownSession = errors.New("session is not live")
	// ErrTranscriptLoading rejects operator sends while the detail-view
	// transcript fetch is still in flight.
	ErrTranscriptLoading = errors.New("transcript is still loading")
)

// Directory is the REST surface the coordinator reconciles against.
// *directory.Client satisfies it.
type Directory interface {
	ListSessions(ctx context.Context, applicationID string) ([]directory.Session, error)
	FetchTranscript(ctx context.Context, sessionID string) ([]transcript.Message, error)
}

// UpdateKind tags entries on the Updates feed.
type UpdateKind string

const (
	// UpdateSessions reports a change to the live-session list.
	UpdateSessions UpdateKind = "sessions"
	// UpdateTakeover reports a change to the takeover slot, including
	// rollbacks: the UI must drop its "you are speaking" affordance.
	UpdateTakeover UpdateKind = "takeover"
	// UpdateTranscript reports new messages in the open transcript.
	UpdateTranscript UpdateKind = "transcript"
	// UpdateNotice surfaces a system notification for display.
	UpdateNotice UpdateKind = "notice"
)

// Update is one coalesced change notification for a UI layer. The feed is
// lossy by design: a slow reader misses intermediate states, never the
// ability to re-read current state through the snapshot accessors.
type Update struct {
	Kind      UpdateKind
	SessionID string
	Title     string
	Detail    string
}

// Options configures a Coordinator.
type Options struct {
	ApplicationID   string
	StalenessWindow time.Duration // default 2m
	ReaperInterval  time.Duration // default 30s
	EndedGraceDelay time.Duration // default 3s
	Logger          *slog.Logger
}

// Coordinator owns the registry, the takeover slot, and the transcript
// buffer for the session under detail view. All methods are safe for
// concurrent use.
type Coordinator struct {
	opts Options

	channel channel.EventChannel
	dir     Directory
	logger  *slog.Logger

	registry   *registry.Registry
	reaper     *registry.Reaper
	controller *takeover.Controller

	mu     sync.Mutex
	buffer *transcript.Buffer

	unsubscribes []func()
	updates      chan Update

	// now is replaceable for tests; nil means time.Now.
	now func() time.Time
}

// New builds a coordinator over the given event channel and directory.
func New(opts Options, ch channel.EventChannel, dir Directory) *Coordinator {
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 2 * time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 30 * time.Second
	}
	if opts.EndedGraceDelay < 0 {
		opts.EndedGraceDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Coordinator{
		opts:       opts,
		channel:    ch,
		dir:        dir,
		logger:     opts.Logger,
		registry:   registry.New(),
		controller: takeover.NewController(),
		updates:    make(chan Update, 64),
	}
	c.reaper = registry.NewReaper(c.registry, opts.ReaperInterval, opts.StalenessWindow, opts.Logger, c.onReaped)
	return c
}

func (c *Coordinator) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Start subscribes to the push channel, seeds the registry from the
// directory, and launches the staleness reaper. A bootstrap failure is
// logged, not fatal: the registry fills from push events instead.
func (c *Coordinator) Start(ctx context.Context) error {
	subs := []struct {
		event   string
		handler channel.Handler
	}{
		{protocol.EventConversationStarted, c.wrap(c.onStarted)},
		{protocol.EventConversationActivity, c.wrap(c.onActivity)},
		{protocol.EventConversationEnded, c.wrap(c.onEnded)},
		{protocol.EventConversationTakeover, c.wrap(c.onTakeover)},
		{protocol.EventConsumerDisconnected, c.wrap(c.onDisconnected)},
		{protocol.EventConsumerPresence, c.wrap(c.onPresence)},
		{protocol.EventConsumerMessage, c.wrap(c.onMessage)},
		{protocol.EventSystemNotification, c.wrap(c.onNotification)},
	}
	for _, s := range subs {
		c.unsubscribes = append(c.unsubscribes, c.channel.Subscribe(s.event, s.handler))
	}

	if err := c.bootstrap(ctx); err != nil {
		c.logger.Warn("registry bootstrap failed, continuing with push events only", "error", err)
	}

	c.reaper.Start()
	return nil
}

// Close stops the reaper and detaches from the push channel. It does not
// close the channel itself; the caller owns the connection.
func (c *Coordinator) Close() {
	c.reaper.Stop()
	for _, unsub := range c.unsubscribes {
		unsub()
	}
	c.unsubscribes = nil
}

// Updates returns the coalesced change feed.
func (c *Coordinator) Updates() <-chan Update { return c.updates }

func (c *Coordinator) notify(u Update) {
	select {
	case c.updates <- u:
	default:
		// Reader is lagging; drop. State is re-readable via snapshots.
	}
}

func (c *Coordinator) bootstrap(ctx context.Context) error {
	sessions, err := c.dir.ListSessions(ctx, c.opts.ApplicationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sessions {
		control := registry.ControlAI
		if s.ControlMode == string(registry.ControlHuman) {
			control = registry.ControlHuman
		}
		patch := registry.Patch{Control: &control}
		if s.ConsumerIdentity != "" {
			patch.ConsumerIdentity = &s.ConsumerIdentity
		}
		if s.MessagePreview != "" {
			patch.MessagePreview = &s.MessagePreview
		}
		if s.LastActivityAt > 0 {
			at := time.UnixMilli(s.LastActivityAt)
			patch.LastActivityAt = &at
		}
		c.registry.Upsert(s.SessionID, s.ApplicationID, patch)
	}
	c.logger.Info("registry bootstrapped", "application_id", c.opts.ApplicationID, "sessions", len(sessions))
	c.notify(Update{Kind: UpdateSessions})
	return nil
}

// wrap serializes an event arm with the operator API and the reaper.
func (c *Coordinator) wrap(arm func(protocol.Event)) channel.Handler {
	return func(ev protocol.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		arm(ev)
	}
}

func (c *Coordinator) onReaped(ids []string) {
	for _, id := range ids {
		c.logger.Info("session expired", "session_id", id)
	}
	c.notify(Update{Kind: UpdateSessions})
}

func (c *Coordinator) onStarted(ev protocol.Event) {
	msg, ok := ev.(protocol.ConversationStarted)
	if !ok || msg.ApplicationID != c.opts.ApplicationID {
		return
	}
	control := registry.ControlAI
	presence := registry.PresenceActive
	patch := registry.Patch{Control: &control, Presence: &presence}
	if msg.ConsumerIdentity != "" {
		patch.ConsumerIdentity = &msg.ConsumerIdentity
	}
	if msg.MessagePreview != "" {
		patch.MessagePreview = &msg.MessagePreview
	}
	at := c.clock()
	patch.LastActivityAt = &at
	c.registry.Upsert(msg.SessionID, msg.ApplicationID, patch)
	c.notify(Update{Kind: UpdateSessions, SessionID: msg.SessionID})
}

func (c *Coordinator) onActivity(ev protocol.Event) {
	msg, ok := ev.(protocol.ConversationActivity)
	if !ok || msg.ApplicationID != c.opts.ApplicationID {
		return
	}
	presence := registry.PresenceActive
	patch := registry.Patch{Presence: &presence}
	if msg.ConsumerIdentity != "" {
		patch.ConsumerIdentity = &msg.ConsumerIdentity
	}
	if msg.MessagePreview != "" {
		patch.MessagePreview = &msg.MessagePreview
	}
	at := c.clock()
	patch.LastActivityAt = &at
	c.registry.Upsert(msg.SessionID, msg.ApplicationID, patch)
	c.notify(Update{Kind: UpdateSessions, SessionID: msg.SessionID})
}

func (c *Coordinator) onEnded(ev protocol.Event) {
	msg, ok := ev.(protocol.ConversationEnded)
	if !ok || msg.ApplicationID != c.opts.ApplicationID {
		return
	}
	c.registry.RemoveAfter(msg.SessionID, c.opts.EndedGraceDelay, func(id string) {
		c.notify(Update{Kind: UpdateSessions, SessionID: id})
	})
}

func (c *Coordinator) onTakeover(ev protocol.Event) {
	msg, ok := ev.(protocol.ConversationTakeover)
	if !ok {
		return
	}
	switch msg.Mode {
	case protocol.ModeAI:
		control := registry.ControlAI
		c.registry.Update(msg.SessionID, registry.Patch{Control: &control})
		if c.controller.Revoke(msg.SessionID) {
			// Someone or something else released control on our behalf.
			c.logger.Info("takeover revoked by server", "session_id", msg.SessionID)
			c.notify(Update{Kind: UpdateTakeover, SessionID: msg.SessionID})
		}
	case protocol.ModeHuman:
		control := registry.ControlHuman
		c.registry.Update(msg.SessionID, registry.Patch{Control: &control})
	}
	c.notify(Update{Kind: UpdateSessions, SessionID: msg.SessionID})
}

func (c *Coordinator) onDisconnected(ev protocol.Event) {
	msg, ok := ev.(protocol.ConsumerDisconnected)
	if !ok {
		return
	}
	c.registry.Remove(msg.SessionID)
	if c.controller.Revoke(msg.SessionID) {
		// You cannot speak to someone who left.
		c.logger.Info("takeover cleared, consumer disconnected", "session_id", msg.SessionID)
		c.notify(Update{Kind: UpdateTakeover, SessionID: msg.SessionID})
	}
	c.notify(Update{Kind: UpdateSessions, SessionID: msg.SessionID})
}

func (c *Coordinator) onPresence(ev protocol.Event) {
	msg, ok := ev.(protocol.ConsumerPresence)
	if !ok {
		return
	}
	// application_id is optional on presence frames; when present it must
	// match the application this coordinator is scoped to.
	if msg.ApplicationID != "" && msg.ApplicationID != c.opts.ApplicationID {
		return
	}
	presence := registry.PresenceAway
	patch := registry.Patch{}
	if msg.Status == protocol.PresenceActive {
		presence = registry.PresenceActive
		at := c.clock()
		patch.LastActivityAt = &at
	}
	patch.Presence = &presence
	c.registry.Upsert(msg.SessionID, msg.ApplicationID, patch)
	c.notify(Update{Kind: UpdateSessions, SessionID: msg.SessionID})
}

func (c *Coordinator) onMessage(ev protocol.Event) {
	msg, ok := ev.(protocol.ConsumerMessage)
	if !ok {
		return
	}
	// Only the transcript under detail view takes remote appends, and only
	// while its takeover is active; otherwise the message reaches the UI via
	// the normal activity/preview path.
	if c.buffer == nil || c.buffer.SessionID() != msg.SessionID || !c.controller.Controls(msg.SessionID) {
		return
	}
	at := c.clock()
	if msg.TimestampMS > 0 {
		at = time.UnixMilli(msg.TimestampMS)
	}
	c.buffer.AppendRemote(msg.MessageID, msg.Content, at)
	c.notify(Update{Kind: UpdateTranscript, SessionID: msg.SessionID})
}

func (c *Coordinator) onNotification(ev protocol.Event) {
	msg, ok := ev.(protocol.SystemNotification)
	if !ok {
		return
	}
	if msg.IsError() {
		if kind, matched := takeover.MatchAction(msg.Title); matched {
			if cleared := c.controller.Rollback(kind); cleared {
				c.logger.Warn("optimistic action rejected, takeover rolled back", "action", string(kind), "title", msg.Title)
				c.notify(Update{Kind: UpdateTakeover})
			}
		}
	}
	c.notify(Update{Kind: UpdateNotice, Title: msg.Title, Detail: msg.Detail})
}

// Sessions returns a snapshot of the live-session list, most recently
// started first.
func (c *Coordinator) Sessions() []registry.Summary {
	return c.registry.List()
}

// Controlled returns the session currently under manual control, if any.
func (c *Coordinator) Controlled() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.controller.Current()
	return cur.SessionID, ok
}

// OpenSession selects sessionID for detail view and hydrates its transcript
// from the directory. The fetch blocks; on failure the buffer stays open but
// unloaded, and the call may simply be retried.
func (c *Coordinator) OpenSession(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	c.mu.Lock()
	if _, ok := c.registry.Get(sessionID); !ok {
		c.mu.Unlock()
		return nil, ErrUnknownSession
	}
	if c.buffer == nil || c.buffer.SessionID() != sessionID {
		c.buffer = transcript.NewBuffer(sessionID)
	}
	buf := c.buffer
	if buf.Loaded() {
		// Snapshot while still holding the mutex: event arms append to this
		// buffer under the same lock.
		snapshot := buf.Snapshot()
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	history, err := c.dir.FetchTranscript(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer != buf || buf.Loaded() {
		// Detail view moved on, or an async hydrate won the race.
		return buf.Snapshot(), nil
	}
	buf.Hydrate(history)
	c.notify(Update{Kind: UpdateTranscript, SessionID: sessionID})
	return buf.Snapshot(), nil
}

// CloseSession leaves detail view and discards the transcript buffer.
func (c *Coordinator) CloseSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = nil
}

// Transcript returns the current detail-view transcript and whether its
// hydration has completed.
func (c *Coordinator) Transcript() (messages []transcript.Message, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == nil {
		return nil, false
	}
	return c.buffer.Snapshot(), c.buffer.Loaded()
}

// RequestTakeover optimistically seizes control of sessionID: local state
// flips to human-controlled before any server round trip, and a later error
// notification rolls it back. At most one session per operator client.
func (c *Coordinator) RequestTakeover(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.registry.Get(sessionID); !ok {
		return ErrUnknownSession
	}
	if err := c.controller.Begin(sessionID); err != nil {
		return err
	}
	if err := c.channel.Send(protocol.Takeover{SessionID: sessionID, Mode: protocol.ModeHuman}); err != nil {
		// The command never left; compensate immediately instead of waiting
		// for an error notification that will never come.
		c.controller.Rollback(takeover.ActionTakeover)
		return fmt.Errorf("request takeover: %w", err)
	}
	control := registry.ControlHuman
	c.registry.Update(sessionID, registry.Patch{Control: &control})
	c.notify(Update{Kind: UpdateTakeover, SessionID: sessionID})

	if c.buffer == nil || c.buffer.SessionID() != sessionID {
		c.buffer = transcript.NewBuffer(sessionID)
	}
	if !c.buffer.Loaded() {
		go c.hydrateAsync(c.buffer)
	}
	return nil
}

func (c *Coordinator) hydrateAsync(buf *transcript.Buffer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	history, err := c.dir.FetchTranscript(ctx, buf.SessionID())
	if err != nil {
		c.logger.Warn("transcript fetch failed", "session_id", buf.SessionID(), "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer != buf || buf.Loaded() {
		return
	}
	buf.Hydrate(history)
	c.notify(Update{Kind: UpdateTranscript, SessionID: buf.SessionID()})
}

// Release optimistically returns control of sessionID to the AI.
func (c *Coordinator) Release(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.controller.End(sessionID); err != nil {
		return err
	}
	control := registry.ControlAI
	c.registry.Update(sessionID, registry.Patch{Control: &control})
	c.notify(Update{Kind: UpdateTakeover, SessionID: sessionID})
	if err := c.channel.Send(protocol.Release{SessionID: sessionID}); err != nil {
		// Local state is already released; the reaper and server-side
		// timeouts reconcile the rest.
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// SendMessage sends operator-authored text as the application and appends it
// optimistically to the transcript. Legal only while controlling sessionID
// and after its transcript finished loading.
func (c *Coordinator) SendMessage(sessionID, content string) (transcript.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.controller.Controls(sessionID) {
		return transcript.Message{}, takeover.ErrNotControlling
	}
	if c.buffer == nil || c.buffer.SessionID() != sessionID || !c.buffer.Loaded() {
		return transcript.Message{}, ErrTranscriptLoading
	}
	if err := c.controller.NoteSend(sessionID); err != nil {
		return transcript.Message{}, err
	}
	if err := c.channel.Send(protocol.SendMessage{SessionID: sessionID, Content: content}); err != nil {
		// The command never left, so no rejection notification is coming; a
		// stray "Send failed" must not roll back a send that never happened.
		c.controller.ForgetPending(takeover.ActionSend)
		return transcript.Message{}, fmt.Errorf("send message: %w", err)
	}
	msg := c.buffer.AppendLocal(content, c.clock())
	// An operator speaking counts as session activity; without this a quiet
	// consumer would let the reaper evict a session mid-conversation.
	c.registry.Touch(sessionID)
	c.notify(Update{Kind: UpdateTranscript, SessionID: sessionID})
	return msg, nil
}

// ReapNow runs one reaper pass outside the timer cadence.
func (c *Coordinator) ReapNow() {
	c.reaper.Tick()
}
