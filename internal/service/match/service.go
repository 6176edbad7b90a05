package match

import (
	"context"
	"time"

	"github.com/oggyb/muzz-connect/internal/app"
	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/metrics"
	"github.com/oggyb/muzz-connect/internal/presence"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/utils/pagination"
)

// Reasons carried by match_ended.
const (
	EndedUnmatched = "unmatched"
	EndedExpired   = "expired"
	EndedBlocked   = "blocked"
)

const expireBatch = 500

// CreatedEvent is the payload of match_created, addressed to one participant.
type CreatedEvent struct {
	MatchID        uint64 `json:"match_id,string"`
	ConversationID uint64 `json:"conversation_id,string"`
	PeerID         uint64 `json:"peer_id,string"`
	IsSuperLike    bool   `json:"is_super_like"`
	ExpiresAt      int64  `json:"expires_at"`
}

// EndedEvent is the payload of match_ended.
type EndedEvent struct {
	MatchID        uint64 `json:"match_id,string"`
	ConversationID uint64 `json:"conversation_id,string,omitempty"`
	PeerID         uint64 `json:"peer_id,string"`
	Reason         string `json:"reason"`
}

// View is one row of ListMatches.
type View struct {
	MatchID        uint64 `json:"match_id,string"`
	ConversationID uint64 `json:"conversation_id,string"`
	PeerID         uint64 `json:"peer_id,string"`
	IsSuperLike    bool   `json:"is_super_like"`
	PeerOnline     bool   `json:"peer_online"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

// ConversationView is one row of ListConversations.
type ConversationView struct {
	ConversationID uint64       `json:"conversation_id,string"`
	MatchID        uint64       `json:"match_id,string"`
	PeerID         uint64       `json:"peer_id,string"`
	Unread         int64        `json:"unread"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	LastActivityAt int64        `json:"last_activity_at"`
}

// LastMessage is the preview shown in the conversation list.
type LastMessage struct {
	ID        uint64         `json:"id,string"`
	Seq       uint64         `json:"seq"`
	SenderID  uint64         `json:"sender_id,string"`
	Type      db.MessageType `json:"type"`
	Content   string         `json:"content,omitempty"`
	IsDeleted bool           `json:"is_deleted"`
	CreatedAt int64          `json:"created_at"`
}

// Service owns the match and conversation lifecycle: creation from mutual
// interest, unmatch, expiry and blocking.
type Service struct {
	appCtx   *app.AppContext
	matches  *repository.MatchRepository
	convs    *repository.ConversationRepository
	messages *repository.MessageRepository
	blocks   *repository.BlockRepository
	users    *repository.UserRepository
}

func NewService(appCtx *app.AppContext) *Service {
	return &Service{
		appCtx:   appCtx,
		matches:  repository.NewMatchRepository(appCtx.DB, appCtx.IDs),
		convs:    repository.NewConversationRepository(appCtx.DB),
		messages: repository.NewMessageRepository(appCtx.DB, appCtx.IDs),
		blocks:   repository.NewBlockRepository(appCtx.DB),
		users:    repository.NewUserRepository(appCtx.DB),
	}
}

// CreateForPair creates the active match of a and b, or returns the one that
// already exists.
//
// Behavior:
//   - Exactly one active match per pair: a concurrent loser gets the winner's
//     match with Created=false and publishes nothing.
//   - On creation both users get match_created on every session; users with
//     no live session are notified through the dispatcher.
//   - A past-TTL match of the pair retired on the way publishes match_ended.
func (s *Service) CreateForPair(ctx context.Context, a, b uint64, superLike bool) (*repository.CreateResult, error) {
	now := s.appCtx.Now()
	res, err := s.matches.CreateForPair(ctx, a, b, superLike, now, s.appCtx.Config.Matching.MatchTTL)
	if err != nil {
		return nil, err
	}

	if res.Retired != nil {
		s.publishEnded(ctx, *res.Retired, EndedExpired)
	}
	if !res.Created {
		return res, nil
	}

	metrics.MatchesCreatedTotal.Inc()
	s.appCtx.Logger.Info("match created", "match", res.Match.ID, "conversation", res.Conversation.ID, "user_a", a, "user_b", b, "super_like", superLike)

	m, conv := res.Match, res.Conversation
	for _, user := range []uint64{m.UserAID, m.UserBID} {
		ev := CreatedEvent{
			MatchID:        m.ID,
			ConversationID: conv.ID,
			PeerID:         m.Peer(user),
			IsSuperLike:    m.IsSuperLikeMatch,
			ExpiresAt:      m.ExpiresAt.UnixMilli(),
		}
		delivered := s.appCtx.Registry.PublishToUser(user, presence.Event{Type: presence.EventMatchCreated, Data: ev}, "")
		if delivered == 0 {
			s.notifyOffline(ctx, user, external.NotifyNewMatch, ev)
		}
	}

	s.appCtx.Pool.Go(ctx, "analytics.match_created", func(ctx context.Context) {
		_ = s.appCtx.External.Analytics.Track(ctx, external.AnalyticsEvent{
			Name:       "match.created",
			UserID:     a,
			Properties: map[string]any{"peer_id": b, "super_like": superLike, "match_id": m.ID},
			At:         now,
		})
	})
	return res, nil
}

// ActiveForPair returns the live match of a and b or nil.
func (s *Service) ActiveForPair(ctx context.Context, a, b uint64) (*db.Match, error) {
	return s.matches.GetActiveForPair(ctx, a, b, s.appCtx.Now())
}

// Unmatch ends the match on behalf of one participant.
//
// Behavior:
//   - NotFound for an unknown match; Forbidden when userID is not in it.
//   - Already inactive matches return success without publishing.
//   - A match past its TTL that the sweeper has not reached yet is closed as
//     expired.
func (s *Service) Unmatch(ctx context.Context, userID, matchID uint64) error {
	m, err := s.matches.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.HasParticipant(userID) {
		return svcErr.Forbidden("not a participant of this match")
	}
	status, err := s.matches.Unmatch(ctx, matchID, userID, s.appCtx.Now())
	if err != nil {
		return err
	}
	switch status {
	case db.MatchUnmatched:
		s.appCtx.Logger.Info("match ended", "match", matchID, "by", userID, "reason", EndedUnmatched)
		s.publishEnded(ctx, *m, EndedUnmatched)
	case db.MatchExpired:
		s.publishEnded(ctx, *m, EndedExpired)
	}
	return nil
}

// ExpireDue flips every active match past its expiry to expired and returns
// how many changed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := s.matches.ExpireDue(ctx, s.appCtx.Now(), expireBatch)
		for _, m := range expired {
			s.publishEnded(ctx, m, EndedExpired)
		}
		total += len(expired)
		if err != nil {
			return total, err
		}
		if len(expired) < expireBatch {
			break
		}
	}
	if total > 0 {
		s.appCtx.Logger.Info("matches expired", "count", total)
	}
	return total, nil
}

// ListMatches pages through the user's live matches, newest first, with the
// peer's online flag.
func (s *Service) ListMatches(ctx context.Context, userID uint64, token string, limit int) ([]View, string, error) {
	rows, next, err := s.matches.ListActive(ctx, userID, s.appCtx.Now(), token, pagination.Limit(limit))
	if err != nil {
		return nil, "", err
	}
	out := make([]View, 0, len(rows))
	for _, row := range rows {
		peer := row.Match.Peer(userID)
		out = append(out, View{
			MatchID:        row.Match.ID,
			ConversationID: row.Conversation.ID,
			PeerID:         peer,
			IsSuperLike:    row.Match.IsSuperLikeMatch,
			PeerOnline:     s.isOnline(ctx, peer),
			CreatedAt:      row.Match.CreatedAt.UnixMilli(),
			ExpiresAt:      row.Match.ExpiresAt.UnixMilli(),
		})
	}
	return out, next, nil
}

// ListConversations pages through active conversations by last activity with
// the last message and the unread count.
//
// Behavior:
//   - Unread counts are read from Redis (unread:<conv>:<user>); on a miss the
//     store is counted and the cache filled.
func (s *Service) ListConversations(ctx context.Context, userID uint64, token string, limit int) ([]ConversationView, string, error) {
	convs, next, err := s.convs.ListActive(ctx, userID, s.appCtx.Now(), token, pagination.Limit(limit))
	if err != nil {
		return nil, "", err
	}
	ids := make([]uint64, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	last, err := s.messages.LastMessages(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		unread, err := s.unread(ctx, c.ID, userID)
		if err != nil {
			return nil, "", err
		}
		view := ConversationView{
			ConversationID: c.ID,
			MatchID:        c.MatchID,
			PeerID:         c.Peer(userID),
			Unread:         unread,
			LastActivityAt: c.CreatedAt.UnixMilli(),
		}
		if c.LastMessageAt != nil {
			view.LastActivityAt = c.LastMessageAt.UnixMilli()
		}
		if m, ok := last[c.ID]; ok {
			view.LastMessage = &LastMessage{
				ID:        m.ID,
				Seq:       m.Seq,
				SenderID:  m.SenderID,
				Type:      m.Type,
				Content:   m.Content,
				IsDeleted: m.IsDeleted,
				CreatedAt: m.CreatedAt.UnixMilli(),
			}
		}
		out = append(out, view)
	}
	return out, next, nil
}

func (s *Service) unread(ctx context.Context, conversationID, userID uint64) (int64, error) {
	rc := s.appCtx.RedisCache
	claimed := false
	if rc != nil {
		if n, hit, err := rc.GetUnread(ctx, conversationID, userID); err == nil && hit {
			return n, nil
		}
		claimed, _ = rc.BeginUnreadFill(ctx, conversationID, userID)
	}
	n, err := s.messages.CountUnread(ctx, userID, conversationID)
	if err != nil {
		if claimed {
			_ = rc.Del(ctx, rc.KeyForUnread(conversationID, userID))
		}
		return 0, err
	}
	if claimed {
		_, _ = rc.CommitUnreadFill(ctx, conversationID, userID, n)
	}
	return n, nil
}

// Block hides the pair from each other and ends their live match.
func (s *Service) Block(ctx context.Context, blockerID, blockedID uint64, reason string) error {
	if blockerID == blockedID {
		return svcErr.InvalidOperation("cannot block yourself")
	}
	ok, err := s.users.Exists(ctx, blockerID, blockedID)
	if err != nil {
		return err
	}
	if !ok {
		return svcErr.NotFound("user not found")
	}
	if err := s.blocks.Create(ctx, blockerID, blockedID, reason); err != nil {
		return err
	}

	now := s.appCtx.Now()
	active, err := s.matches.GetActiveForPair(ctx, blockerID, blockedID, now)
	if err != nil {
		return err
	}
	if active != nil {
		status, err := s.matches.Unmatch(ctx, active.ID, blockerID, now)
		if err != nil {
			return err
		}
		switch status {
		case db.MatchUnmatched:
			s.publishEnded(ctx, *active, EndedBlocked)
		case db.MatchExpired:
			s.publishEnded(ctx, *active, EndedExpired)
		}
	}
	s.invalidateLikeCounts(ctx, blockerID, blockedID)
	s.appCtx.Logger.Info("user blocked", "blocker", blockerID, "blocked", blockedID)
	return nil
}

// Unblock lifts a block. Unknown blocks are a no-op.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID uint64) error {
	removed, err := s.blocks.Delete(ctx, blockerID, blockedID)
	if err != nil {
		return err
	}
	if removed {
		s.invalidateLikeCounts(ctx, blockerID, blockedID)
	}
	return nil
}

func (s *Service) invalidateLikeCounts(ctx context.Context, users ...uint64) {
	rc := s.appCtx.RedisCache
	if rc == nil {
		return
	}
	s.appCtx.Pool.Go(ctx, "cache.like_count_invalidate", func(ctx context.Context) {
		for _, u := range users {
			_ = rc.Del(ctx, rc.KeyForLikeCount(u))
		}
	})
}

func (s *Service) publishEnded(ctx context.Context, m db.Match, reason string) {
	metrics.MatchesEndedTotal.WithLabelValues(reason).Inc()

	var convID uint64
	if c, err := s.convs.GetByMatch(ctx, m.ID); err == nil {
		convID = c.ID
	}
	for _, user := range []uint64{m.UserAID, m.UserBID} {
		s.appCtx.Registry.PublishToUser(user, presence.Event{
			Type: presence.EventMatchEnded,
			Data: EndedEvent{MatchID: m.ID, ConversationID: convID, PeerID: m.Peer(user), Reason: reason},
		}, "")
	}
}

func (s *Service) isOnline(ctx context.Context, userID uint64) bool {
	if s.appCtx.Registry.IsOnline(userID) {
		return true
	}
	if s.appCtx.RedisCache == nil {
		return false
	}
	online, err := s.appCtx.RedisCache.IsOnline(ctx, userID)
	return err == nil && online
}

func (s *Service) notifyOffline(ctx context.Context, userID uint64, kind string, payload any) {
	s.appCtx.Pool.Go(ctx, "notify."+kind, func(ctx context.Context) {
		if s.isOnline(ctx, userID) {
			return
		}
		if err := s.appCtx.External.Notifier.Notify(ctx, userID, kind, payload); err != nil {
			s.appCtx.Logger.Warn("notification failed", "user", userID, "kind", kind, "err", err)
		}
	})
}

// Sweep runs ExpireDue every interval until ctx ends.
func (s *Service) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireDue(ctx); err != nil {
				s.appCtx.Logger.Error("match expiry sweep failed", "err", err)
			}
		}
	}
}
