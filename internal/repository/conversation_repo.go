package repository

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/utils/pagination"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(database *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: database}
}

// Get returns a conversation by id. Membership checks depend on it right
// after a match is created, so it reads the primary.
func (r *ConversationRepository) Get(ctx context.Context, id uint64) (*db.Conversation, error) {
	var c db.Conversation
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Write).First(&c, id).Error; err != nil {
		return nil, wrapDBError(err, "conversation")
	}
	return &c, nil
}

// GetByMatch returns the conversation created with the match.
func (r *ConversationRepository) GetByMatch(ctx context.Context, matchID uint64) (*db.Conversation, error) {
	var c db.Conversation
	if err := r.db.WithContext(ctx).Where("match_id = ?", matchID).First(&c).Error; err != nil {
		return nil, wrapDBError(err, "conversation")
	}
	return &c, nil
}

// GetWithMatch returns a conversation and its match.
func (r *ConversationRepository) GetWithMatch(ctx context.Context, id uint64) (*db.Conversation, *db.Match, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var m db.Match
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Write).First(&m, c.MatchID).Error; err != nil {
		return nil, nil, wrapDBError(err, "match")
	}
	return c, &m, nil
}

// ListActive pages through the user's active conversations ordered by last
// activity, newest first. Conversations without messages sort by creation.
func (r *ConversationRepository) ListActive(ctx context.Context, userID uint64, now time.Time, token string, limit int) ([]db.Conversation, string, error) {
	cursor, err := pagination.Decode(token)
	if err != nil {
		return nil, "", invalidCursor(err)
	}

	activity := "COALESCE(c.last_message_at, c.created_at)"
	query := r.db.WithContext(ctx).
		Table("conversations c").
		Select("c.*").
		Joins("JOIN matches m ON m.id = c.match_id").
		Where("(c.user_a_id = ? OR c.user_b_id = ?) AND c.is_active = ?", userID, userID, true).
		Where("m.is_active = ? AND m.expires_at > ?", true, now).
		Order(activity + " DESC, c.id DESC").
		Limit(limit + 1)

	if !cursor.IsZero() {
		ts := time.UnixMilli(cursor.Unix).UTC()
		query = query.Where(
			"("+activity+" < ? OR ("+activity+" = ? AND c.id < ?))",
			ts, ts, cursor.ID,
		)
	}

	var convs []db.Conversation
	if err := query.Find(&convs).Error; err != nil {
		return nil, "", wrapDBError(err, "conversation")
	}

	var next string
	if len(convs) > limit {
		last := convs[limit-1]
		next = pagination.MustEncode(pagination.Cursor{ID: last.ID, Unix: lastActivity(&last).UnixMilli()})
		convs = convs[:limit]
	}
	return convs, next, nil
}

func lastActivity(c *db.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Participants is the immutable membership of a conversation.
type Participants struct {
	ConversationID uint64
	UserA          uint64
	UserB          uint64
}

func (p Participants) Has(userID uint64) bool {
	return p.UserA == userID || p.UserB == userID
}

func (p Participants) Peer(userID uint64) uint64 {
	if p.UserA == userID {
		return p.UserB
	}
	return p.UserA
}

// ConversationDirectory answers membership questions on the hot path (room
// joins, publishes) from an expiring LRU. Membership never changes after a
// conversation is created, so entries never go stale; only the active flag
// does, and that is always read from the store.
type ConversationDirectory struct {
	repo  *ConversationRepository
	cache *expirable.LRU[uint64, Participants]
}

func NewConversationDirectory(repo *ConversationRepository, size int, ttl time.Duration) *ConversationDirectory {
	if size <= 0 {
		size = 10_000
	}
	return &ConversationDirectory{
		repo:  repo,
		cache: expirable.NewLRU[uint64, Participants](size, nil, ttl),
	}
}

// Participants returns the members of a conversation; NotFound when absent.
func (d *ConversationDirectory) Participants(ctx context.Context, conversationID uint64) (Participants, error) {
	if p, ok := d.cache.Get(conversationID); ok {
		return p, nil
	}
	c, err := d.repo.Get(ctx, conversationID)
	if err != nil {
		return Participants{}, err
	}
	p := Participants{ConversationID: c.ID, UserA: c.UserAID, UserB: c.UserBID}
	d.cache.Add(conversationID, p)
	return p, nil
}

// IsParticipant reports membership of userID in the conversation.
func (d *ConversationDirectory) IsParticipant(ctx context.Context, conversationID, userID uint64) (bool, error) {
	p, err := d.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return p.Has(userID), nil
}
