package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/utils/pagination"
)

// SwipeRepository provides data access methods for the SwipeAction model.
// It encapsulates all queries related to likes/passes/super likes between users.
type SwipeRepository struct {
	db *gorm.DB
}

// NewSwipeRepository creates a new repository bound to the given DB connection.
func NewSwipeRepository(database *gorm.DB) *SwipeRepository {
	return &SwipeRepository{db: database}
}

// Insert appends actor → target with the given kind.
//
// Behavior:
//   - Uses INSERT ... ON CONFLICT DO NOTHING on (actor_id, target_id, kind).
//   - Returns inserted=false when the exact edge already existed.
//
// Example:
//
//	repo.Insert(ctx, 1, 2, db.SwipeLike) // user 1 liked user 2
func (r *SwipeRepository) Insert(ctx context.Context, actorID, targetID uint64, kind db.SwipeKind) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.SwipeAction{ActorID: actorID, TargetID: targetID, Kind: kind})
	if res.Error != nil {
		return false, wrapDBError(res.Error, "swipe")
	}
	return res.RowsAffected == 1, nil
}

// HasLiked reports whether actor liked or super-liked target.
// Used for the reciprocal check after a new positive edge is committed, so it
// reads the primary: a lagging replica may miss the other side's edge.
func (r *SwipeRepository) HasLiked(ctx context.Context, actorID, targetID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Clauses(dbresolver.Write).
		Model(&db.SwipeAction{}).
		Where("actor_id = ? AND target_id = ? AND kind IN ?", actorID, targetID, positiveKinds).
		Count(&count).Error
	return count > 0, wrapDBError(err, "swipe")
}

// HasSwiped reports whether actor already has an edge of this kind on target.
func (r *SwipeRepository) HasSwiped(ctx context.Context, actorID, targetID uint64, kind db.SwipeKind) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Clauses(dbresolver.Write).
		Model(&db.SwipeAction{}).
		Where("actor_id = ? AND target_id = ? AND kind = ?", actorID, targetID, kind).
		Count(&count).Error
	return count > 0, wrapDBError(err, "swipe")
}

var positiveKinds = []db.SwipeKind{db.SwipeLike, db.SwipeSuperLike}

// Liker is one row of a "who liked me" listing.
type Liker struct {
	ActorID   uint64
	Kind      db.SwipeKind
	CreatedAt time.Time
}

// GetLikers returns users who liked or super-liked the recipient.
//
// Behavior:
//   - Excludes likers the recipient passed or blocked (either direction).
//   - Ordered by created_at DESC, actor_id DESC.
//   - Supports cursor-based pagination via token.
func (r *SwipeRepository) GetLikers(ctx context.Context, recipientID uint64, token string, limit int) ([]Liker, string, error) {
	return r.likers(ctx, recipientID, token, limit, false)
}

// GetNewLikers is GetLikers restricted to likes the recipient has not returned.
func (r *SwipeRepository) GetNewLikers(ctx context.Context, recipientID uint64, token string, limit int) ([]Liker, string, error) {
	return r.likers(ctx, recipientID, token, limit, true)
}

func (r *SwipeRepository) likers(ctx context.Context, recipientID uint64, token string, limit int, onlyNew bool) ([]Liker, string, error) {
	cursor, err := pagination.Decode(token)
	if err != nil {
		return nil, "", invalidCursor(err)
	}

	query := r.likersQuery(ctx, recipientID).
		Select("s.actor_id, s.kind, s.created_at").
		Order("s.created_at DESC, s.actor_id DESC").
		Limit(limit + 1)

	if onlyNew {
		query = query.Where(`
			NOT EXISTS (
				SELECT 1 FROM swipe_actions s3
				WHERE s3.actor_id = ?
				  AND s3.target_id = s.actor_id
				  AND s3.kind IN ?
			)`, recipientID, positiveKinds)
	}

	// apply cursor
	if !cursor.IsZero() {
		ts := time.UnixMilli(cursor.Unix).UTC()
		query = query.Where(
			"(s.created_at < ? OR (s.created_at = ? AND s.actor_id < ?))",
			ts, ts, cursor.ID,
		)
	}

	var rows []Liker
	if err := query.Scan(&rows).Error; err != nil {
		return nil, "", wrapDBError(err, "swipe")
	}

	// pagination: build next cursor if needed
	var next string
	if len(rows) > limit {
		last := rows[limit-1]
		next = pagination.MustEncode(pagination.Cursor{ID: last.ActorID, Unix: last.CreatedAt.UnixMilli()})
		rows = rows[:limit]
	}
	return rows, next, nil
}

// CountLikers returns how many distinct users liked the recipient, with the
// same exclusions as GetLikers. Redis caches the result.
func (r *SwipeRepository) CountLikers(ctx context.Context, recipientID uint64) (int64, error) {
	var count int64
	err := r.likersQuery(ctx, recipientID).
		Distinct("s.actor_id").
		Count(&count).Error
	return count, wrapDBError(err, "swipe")
}

func (r *SwipeRepository) likersQuery(ctx context.Context, recipientID uint64) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("swipe_actions s").
		Where("s.target_id = ? AND s.kind IN ?", recipientID, positiveKinds).
		// a like shadowed by a super like from the same actor is listed once
		Where(`
			NOT (s.kind = ? AND EXISTS (
				SELECT 1 FROM swipe_actions s4
				WHERE s4.actor_id = s.actor_id
				  AND s4.target_id = s.target_id
				  AND s4.kind = ?
			))`, db.SwipeLike, db.SwipeSuperLike).
		Where(`
			NOT EXISTS (
				SELECT 1 FROM swipe_actions s2
				WHERE s2.actor_id = ?
				  AND s2.target_id = s.actor_id
				  AND s2.kind = ?
			)`, recipientID, db.SwipePass).
		Where(`
			NOT EXISTS (
				SELECT 1 FROM blocks b
				WHERE (b.blocker_id = ? AND b.blocked_id = s.actor_id)
				   OR (b.blocker_id = s.actor_id AND b.blocked_id = ?)
			)`, recipientID, recipientID)
}
