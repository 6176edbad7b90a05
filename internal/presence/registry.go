package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oggyb/muzz-connect/internal/async"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/metrics"
)

// Scope decides who hears about a user going online or offline.
type Scope string

const (
	// ScopeMatches notifies only users with a live match.
	ScopeMatches Scope = "matches"
	// ScopeGlobal notifies every connected session.
	ScopeGlobal Scope = "global"
)

const mirrorTimeout = 2 * time.Second

// MembershipChecker answers whether a user belongs to a conversation.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID uint64) (bool, error)
}

// PeerLister returns the users that should see a user's presence changes.
type PeerLister interface {
	ActivePeers(ctx context.Context, userID uint64, now time.Time) ([]uint64, error)
}

// Mirror publishes local presence to a shared store so other instances can
// answer "is this user online".
type Mirror interface {
	MarkSessionOnline(ctx context.Context, userID uint64, sessionID string, at time.Time) error
	MarkSessionOffline(ctx context.Context, userID uint64, sessionID string) error
}

type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Scope        Scope
	Peers        PeerLister
	Mirror       Mirror
	Runner       async.Runner
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Registry tracks the sessions connected to this instance and which
// conversations each has joined. It is a process-local cache: every entry
// disappears with its connection.
type Registry struct {
	members  MembershipChecker
	sessions *sessionTable
	users    *index
	rooms    *index
	typing   *index
	opts     Options
	log      *slog.Logger
}

func NewRegistry(members MembershipChecker, opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Scope == "" {
		opts.Scope = ScopeMatches
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = async.Inline{Log: log}
	}
	return &Registry{
		members:  members,
		sessions: newSessionTable(),
		users:    newIndex(),
		rooms:    newIndex(),
		typing:   newIndex(),
		opts:     opts,
		log:      log.With("component", "presence"),
	}
}

// Connect registers a new session for userID and starts its writer. The first
// session of a user marks them online.
func (r *Registry) Connect(ctx context.Context, userID uint64, sink Sink) *Session {
	s := newSession(uuid.NewString(), userID, sink, r.opts.QueueSize, r.opts.WriteTimeout, func(dead *Session) {
		r.Disconnect(context.Background(), dead.ID)
	})
	now := r.opts.Clock()
	s.lastSeen.Store(now.UnixMilli())

	r.sessions.put(s)
	first := r.users.add(userID, s)
	metrics.ActiveSessions.Inc()
	go s.writeLoop()

	r.log.Debug("session connected", "session", s.ID, "user", userID, "first", first)

	r.mirror(ctx, userID, func(ctx context.Context, m Mirror) error {
		return m.MarkSessionOnline(ctx, userID, s.ID, now)
	})
	if first {
		r.opts.Runner.Go(ctx, "presence.online", func(ctx context.Context) {
			// a disconnect that overtook this task already announced offline
			if r.users.count(userID) == 0 {
				return
			}
			r.broadcastPresence(ctx, userID, EventUserOnline, now)
		})
	}
	return s
}

// Disconnect removes the session, leaves its rooms and, when it was the
// user's last session, marks the user offline. Unknown ids are ignored.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) {
	s, ok := r.sessions.take(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	rooms := make([]uint64, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.rooms = map[uint64]struct{}{}
	s.mu.Unlock()

	for _, conv := range rooms {
		r.leaveRoom(s, conv)
	}
	s.close()

	_, last := r.users.remove(s.UserID, s.ID)
	metrics.ActiveSessions.Dec()
	r.log.Debug("session disconnected", "session", s.ID, "user", s.UserID, "last", last)

	now := r.opts.Clock()
	r.mirror(ctx, s.UserID, func(ctx context.Context, m Mirror) error {
		return m.MarkSessionOffline(ctx, s.UserID, s.ID)
	})
	if last {
		r.opts.Runner.Go(ctx, "presence.offline", func(ctx context.Context) {
			// the user came back before this task ran
			if r.users.count(s.UserID) > 0 {
				return
			}
			r.broadcastPresence(ctx, s.UserID, EventUserOffline, now)
		})
	}
}

// mirror applies a presence mirror update inline, so updates for one session
// land in the order connect and disconnect happened.
func (r *Registry) mirror(ctx context.Context, userID uint64, update func(context.Context, Mirror) error) {
	if r.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := update(ctx, r.opts.Mirror); err != nil {
		r.log.Warn("presence mirror update failed", "user", userID, "err", err)
	}
}

// Touch records a heartbeat.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	s, ok := r.sessions.get(sessionID)
	if !ok {
		return svcErr.NotFound("session not found")
	}
	now := r.opts.Clock()
	s.lastSeen.Store(now.UnixMilli())
	if r.opts.Mirror != nil {
		return r.opts.Mirror.MarkSessionOnline(ctx, s.UserID, s.ID, now)
	}
	return nil
}

// Session looks up a live session.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	return r.sessions.get(sessionID)
}

// JoinConversation subscribes the session to a conversation after checking
// the user is a participant. Joining twice is a no-op.
func (r *Registry) JoinConversation(ctx context.Context, sessionID string, conversationID uint64) error {
	s, ok := r.sessions.get(sessionID)
	if !ok {
		return svcErr.NotFound("session not found")
	}
	member, err := r.members.IsParticipant(ctx, conversationID, s.UserID)
	if err != nil {
		return err
	}
	if !member {
		return svcErr.Forbidden("not a participant of this conversation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return svcErr.NotFound("session not found")
	}
	s.rooms[conversationID] = struct{}{}
	r.rooms.add(conversationID, s)
	return nil
}

// LeaveConversation unsubscribes the session, clearing its typing state.
func (r *Registry) LeaveConversation(_ context.Context, sessionID string, conversationID uint64) error {
	s, ok := r.sessions.get(sessionID)
	if !ok {
		return svcErr.NotFound("session not found")
	}
	s.mu.Lock()
	_, joined := s.rooms[conversationID]
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	if joined {
		r.leaveRoom(s, conversationID)
	}
	return nil
}

func (r *Registry) leaveRoom(s *Session, conversationID uint64) {
	r.rooms.remove(conversationID, s.ID)
	if removed, _ := r.typing.remove(conversationID, s.ID); removed {
		r.PublishToRoom(conversationID, Event{
			Type: EventTypingStopped,
			Data: TypingData{ConversationID: conversationID, UserID: s.UserID},
		}, s.ID)
	}
}

// SetTyping flips the session's typing flag in a joined conversation and
// tells the rest of the room when it actually changed.
func (r *Registry) SetTyping(_ context.Context, sessionID string, conversationID uint64, typing bool) error {
	s, ok := r.sessions.get(sessionID)
	if !ok {
		return svcErr.NotFound("session not found")
	}
	if !r.rooms.has(conversationID, sessionID) {
		return svcErr.InvalidOperation("join the conversation first")
	}

	data := TypingData{ConversationID: conversationID, UserID: s.UserID}
	if typing {
		if r.typing.has(conversationID, sessionID) {
			return nil
		}
		r.typing.add(conversationID, s)
		r.PublishToRoom(conversationID, Event{Type: EventTypingStarted, Data: data}, sessionID)
		return nil
	}
	if removed, _ := r.typing.remove(conversationID, sessionID); removed {
		r.PublishToRoom(conversationID, Event{Type: EventTypingStopped, Data: data}, sessionID)
	}
	return nil
}

// PublishToRoom enqueues ev to every session in the conversation except
// exceptSession. Returns the number of sessions reached.
func (r *Registry) PublishToRoom(conversationID uint64, ev Event, exceptSession string) int {
	return r.publish(r.rooms.snapshot(conversationID), ev, exceptSession)
}

// PublishToUser enqueues ev to every session of the user except exceptSession.
func (r *Registry) PublishToUser(userID uint64, ev Event, exceptSession string) int {
	return r.publish(r.users.snapshot(userID), ev, exceptSession)
}

func (r *Registry) publish(targets []*Session, ev Event, exceptSession string) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := Encode(ev)
	if err != nil {
		r.log.Error("event encode failed", "type", ev.Type, "err", err)
		return 0
	}
	n := 0
	for _, s := range targets {
		if s.ID == exceptSession {
			continue
		}
		if s.enqueue(frame) {
			n++
		}
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Add(float64(n))
	return n
}

// IsOnline reports whether the user has a session on this instance.
func (r *Registry) IsOnline(userID uint64) bool { return r.users.count(userID) > 0 }

// UserInRoom reports whether any session of the user joined the conversation.
func (r *Registry) UserInRoom(userID, conversationID uint64) bool {
	for _, s := range r.users.snapshot(userID) {
		if r.rooms.has(conversationID, s.ID) {
			return true
		}
	}
	return false
}

// RoomSize is the number of sessions joined to the conversation.
func (r *Registry) RoomSize(conversationID uint64) int { return r.rooms.count(conversationID) }

// SessionCount is the number of live sessions on this instance.
func (r *Registry) SessionCount() int { return r.sessions.len() }

// Shutdown disconnects every session.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, s := range r.sessions.all() {
		r.Disconnect(ctx, s.ID)
	}
}

func (r *Registry) broadcastPresence(ctx context.Context, userID uint64, typ EventType, at time.Time) {
	ev := Event{Type: typ, Data: PresenceData{UserID: userID, At: at.UnixMilli()}}

	if r.opts.Scope == ScopeGlobal || r.opts.Peers == nil {
		if r.opts.Scope != ScopeGlobal {
			return
		}
		var targets []*Session
		for _, s := range r.sessions.all() {
			if s.UserID != userID {
				targets = append(targets, s)
			}
		}
		r.publish(targets, ev, "")
		return
	}

	peers, err := r.opts.Peers.ActivePeers(ctx, userID, at)
	if err != nil {
		r.log.Warn("presence peers lookup failed", "user", userID, "err", err)
		return
	}
	for _, peer := range peers {
		r.PublishToUser(peer, ev, "")
	}
}
