package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/utils/pagination"
)

// MatchRepository owns matches and the conversations created with them.
type MatchRepository struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewMatchRepository(database *gorm.DB, ids *snowflake.Node) *MatchRepository {
	return &MatchRepository{db: database, ids: ids}
}

// CreateResult is the outcome of CreateForPair.
type CreateResult struct {
	Match        db.Match
	Conversation db.Conversation
	// Created is false when another writer already holds the active match.
	Created bool
	// Retired is a past-TTL match of the same pair flipped to expired first.
	Retired *db.Match
}

// CreateForPair creates the active match and its conversation for a and b in
// one transaction.
//
// Behavior:
//   - An active row of the pair past its TTL is expired first so the pair can
//     match again.
//   - The insert uses ON CONFLICT DO NOTHING on the unique active_key; losing
//     a race returns the winner's match with Created=false.
func (r *MatchRepository) CreateForPair(ctx context.Context, a, b uint64, superLike bool, now time.Time, ttl time.Duration) (*CreateResult, error) {
	lo, hi, key := db.PairKey(a, b)
	out := &CreateResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale db.Match
		res := tx.Where("active_key = ? AND expires_at <= ?", key, now).Limit(1).Find(&stale)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			changed, err := deactivate(tx, stale.ID, db.MatchExpired, nil, now)
			if err != nil {
				return err
			}
			if changed {
				stale.IsActive, stale.Status, stale.ActiveKey = false, db.MatchExpired, nil
				out.Retired = &stale
			}
		}

		m := db.Match{
			ID:               uint64(r.ids.Generate().Int64()),
			UserAID:          lo,
			UserBID:          hi,
			ActiveKey:        &key,
			Status:           db.MatchActive,
			IsActive:         true,
			IsSuperLikeMatch: superLike,
			ExpiresAt:        now.Add(ttl),
		}
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			if err := lockedActiveMatch(tx, key, &out.Match).Error; err != nil {
				return err
			}
			return lockedConversation(tx, out.Match.ID, &out.Conversation).Error
		}

		c := db.Conversation{
			ID:       uint64(r.ids.Generate().Int64()),
			MatchID:  m.ID,
			UserAID:  lo,
			UserBID:  hi,
			IsActive: true,
		}
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		out.Match, out.Conversation, out.Created = m, c, true
		return nil
	})
	if err != nil {
		return nil, wrapDBError(err, "match")
	}
	return out, nil
}

// The loser of an insert race reads the winner's rows with FOR SHARE. MySQL
// runs at REPEATABLE READ, where a plain SELECT keeps the snapshot taken by the
// stale lookup and cannot see a row committed after it; a locking read always
// returns the latest committed version. SQLite drops the clause.
func lockedActiveMatch(tx *gorm.DB, key string, m *db.Match) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "SHARE"}).Where("active_key = ?", key).First(m)
}

func lockedConversation(tx *gorm.DB, matchID uint64, c *db.Conversation) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "SHARE"}).Where("match_id = ?", matchID).First(c)
}

// Get returns a match by id from the primary.
func (r *MatchRepository) Get(ctx context.Context, id uint64) (*db.Match, error) {
	var m db.Match
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Write).First(&m, id).Error; err != nil {
		return nil, wrapDBError(err, "match")
	}
	return &m, nil
}

// GetActiveForPair returns the live match of a and b, or nil.
func (r *MatchRepository) GetActiveForPair(ctx context.Context, a, b uint64, now time.Time) (*db.Match, error) {
	_, _, key := db.PairKey(a, b)
	var m db.Match
	res := r.db.WithContext(ctx).
		Clauses(dbresolver.Write).
		Where("active_key = ? AND is_active = ? AND expires_at > ?", key, true, now).
		Limit(1).Find(&m)
	if res.Error != nil {
		return nil, wrapDBError(res.Error, "match")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &m, nil
}

// Unmatch deactivates the match and its conversation and returns the status
// it applied, or "" when the match was already inactive. A match already past
// its expiry is closed as expired, not unmatched.
func (r *MatchRepository) Unmatch(ctx context.Context, matchID, by uint64, now time.Time) (db.MatchStatus, error) {
	var applied db.MatchStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := deactivate(tx, matchID, db.MatchUnmatched, &by, now)
		if err != nil {
			return err
		}
		if changed {
			applied = db.MatchUnmatched
			return nil
		}
		changed, err = deactivate(tx, matchID, db.MatchExpired, nil, now)
		if changed {
			applied = db.MatchExpired
		}
		return err
	})
	return applied, wrapDBError(err, "match")
}

// ExpireDue flips up to limit active matches past their expiry to expired and
// returns the ones this call changed.
func (r *MatchRepository) ExpireDue(ctx context.Context, now time.Time, limit int) ([]db.Match, error) {
	var due []db.Match
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND expires_at <= ?", true, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, wrapDBError(err, "match")
	}

	expired := make([]db.Match, 0, len(due))
	for _, m := range due {
		var changed bool
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			changed, err = deactivate(tx, m.ID, db.MatchExpired, nil, now)
			return err
		})
		if err != nil {
			return expired, wrapDBError(err, "match")
		}
		if changed {
			m.IsActive, m.Status, m.ActiveKey = false, db.MatchExpired, nil
			expired = append(expired, m)
		}
	}
	return expired, nil
}

// deactivate must run inside a transaction. Only a live match can be
// unmatched and only one past its expiry can expire.
func deactivate(tx *gorm.DB, matchID uint64, status db.MatchStatus, by *uint64, now time.Time) (bool, error) {
	updates := map[string]any{
		"is_active":  false,
		"active_key": nil,
		"status":     status,
	}
	query := tx.Model(&db.Match{}).Where("id = ? AND is_active = ?", matchID, true)
	switch status {
	case db.MatchUnmatched:
		updates["unmatched_at"] = now
		updates["unmatched_by"] = by
		query = query.Where("expires_at > ?", now)
	case db.MatchExpired:
		query = query.Where("expires_at <= ?", now)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	err := tx.Model(&db.Conversation{}).
		Where("match_id = ?", matchID).
		Update("is_active", false).Error
	return true, err
}

// ActiveMatch pairs a live match with its conversation.
type ActiveMatch struct {
	Match        db.Match
	Conversation db.Conversation
}

// ListActive pages through the user's live matches, newest first.
func (r *MatchRepository) ListActive(ctx context.Context, userID uint64, now time.Time, token string, limit int) ([]ActiveMatch, string, error) {
	cursor, err := pagination.Decode(token)
	if err != nil {
		return nil, "", invalidCursor(err)
	}

	query := r.db.WithContext(ctx).
		Where("(user_a_id = ? OR user_b_id = ?) AND is_active = ? AND expires_at > ?", userID, userID, true, now).
		Order("id DESC").
		Limit(limit + 1)
	if cursor.ID > 0 {
		query = query.Where("id < ?", cursor.ID)
	}

	var matches []db.Match
	if err := query.Find(&matches).Error; err != nil {
		return nil, "", wrapDBError(err, "match")
	}

	var next string
	if len(matches) > limit {
		next = pagination.MustEncode(pagination.Cursor{ID: matches[limit-1].ID})
		matches = matches[:limit]
	}
	if len(matches) == 0 {
		return nil, next, nil
	}

	ids := make([]uint64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	var convs []db.Conversation
	if err := r.db.WithContext(ctx).Where("match_id IN ?", ids).Find(&convs).Error; err != nil {
		return nil, "", wrapDBError(err, "conversation")
	}
	byMatch := make(map[uint64]db.Conversation, len(convs))
	for _, c := range convs {
		byMatch[c.MatchID] = c
	}

	out := make([]ActiveMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, ActiveMatch{Match: m, Conversation: byMatch[m.ID]})
	}
	return out, next, nil
}

// ActivePeers returns every user with a live match with userID.
func (r *MatchRepository) ActivePeers(ctx context.Context, userID uint64, now time.Time) ([]uint64, error) {
	var matches []db.Match
	err := r.db.WithContext(ctx).
		Select("user_a_id, user_b_id").
		Where("(user_a_id = ? OR user_b_id = ?) AND is_active = ? AND expires_at > ?", userID, userID, true, now).
		Find(&matches).Error
	if err != nil {
		return nil, wrapDBError(err, "match")
	}
	peers := make([]uint64, 0, len(matches))
	for _, m := range matches {
		peers = append(peers, m.Peer(userID))
	}
	return peers, nil
}
