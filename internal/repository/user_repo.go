package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/muzz-connect/internal/db"
)

// UserRepository reads profiles and preferences. Profiles are read-only to
// this service except for quota counters, which live in external.GormQuota.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(database *gorm.DB) *UserRepository {
	return &UserRepository{db: database}
}

// Get returns a user by id; NotFound when absent.
func (r *UserRepository) Get(ctx context.Context, id uint64) (*db.User, error) {
	var u db.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, wrapDBError(err, "user")
	}
	return &u, nil
}

// Exists reports whether every given id has a user row.
func (r *UserRepository) Exists(ctx context.Context, ids ...uint64) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	uniq := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		uniq[id] = struct{}{}
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&db.User{}).Where("id IN ?", ids).Count(&count).Error
	if err != nil {
		return false, wrapDBError(err, "user")
	}
	return count == int64(len(uniq)), nil
}

// GetPreference returns the saved preference or the defaults.
func (r *UserRepository) GetPreference(ctx context.Context, userID uint64) (db.MatchingPreference, error) {
	var p db.MatchingPreference
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&p)
	if res.Error != nil {
		return p, wrapDBError(res.Error, "preference")
	}
	if res.RowsAffected == 0 {
		return db.DefaultPreference(userID), nil
	}
	return p, nil
}

// UpsertPreference writes the whole preference row.
func (r *UserRepository) UpsertPreference(ctx context.Context, p *db.MatchingPreference) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"min_age", "max_age", "max_distance_km", "interested_in", "verified_only", "updated_at"}),
		}).
		Create(p).Error
	return wrapDBError(err, "preference")
}

// CandidateQuery filters the discovery pool. Age bounds are expressed as
// birth date bounds so the filter runs in the store.
type CandidateQuery struct {
	RequesterID  uint64
	MinAge       int
	MaxAge       int
	Gender       string // empty means everyone
	VerifiedOnly bool
	Now          time.Time
	Limit        int
	// Within narrows located users to a box; users without a location pass.
	Within *GeoBox
}

// GeoBox is an inclusive latitude/longitude range in degrees.
type GeoBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// FindCandidates returns eligible, unseen users.
//
// Behavior:
//   - Only active and discoverable users, never the requester.
//   - Excludes anyone the requester already swiped on (any kind).
//   - Excludes blocks in either direction.
//   - With Within set, located users outside the box are skipped before the
//     limit applies.
//   - Boosted users first, then ascending id, at most Limit rows.
func (r *UserRepository) FindCandidates(ctx context.Context, q CandidateQuery) ([]db.User, error) {
	var users []db.User

	// age >= MinAge  <=>  born on or before now-MinAge years
	// age <= MaxAge  <=>  born after now-(MaxAge+1) years
	bornBefore := q.Now.AddDate(-q.MinAge, 0, 0)
	bornAfter := q.Now.AddDate(-(q.MaxAge + 1), 0, 0)

	query := r.db.WithContext(ctx).
		Table("users u").
		Where("u.id <> ? AND u.active = ? AND u.discoverable = ?", q.RequesterID, true, true).
		Where("u.birth_date <= ? AND u.birth_date > ?", bornBefore, bornAfter).
		Where(`
			NOT EXISTS (
				SELECT 1 FROM swipe_actions s
				WHERE s.actor_id = ? AND s.target_id = u.id
			)`, q.RequesterID).
		Where(`
			NOT EXISTS (
				SELECT 1 FROM blocks b
				WHERE (b.blocker_id = ? AND b.blocked_id = u.id)
				   OR (b.blocker_id = u.id AND b.blocked_id = ?)
			)`, q.RequesterID, q.RequesterID).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "CASE WHEN u.boosted_until IS NOT NULL AND u.boosted_until > ? THEN 0 ELSE 1 END, u.id ASC",
			Vars:               []any{q.Now},
			WithoutParentheses: true,
		}}).
		Limit(q.Limit)

	if q.Gender != "" && q.Gender != db.GenderEveryone {
		query = query.Where("u.gender = ?", q.Gender)
	}
	if q.VerifiedOnly {
		query = query.Where("u.verified = ?", true)
	}
	if b := q.Within; b != nil {
		query = query.Where(`
			(u.latitude IS NULL OR u.longitude IS NULL OR
			 (u.latitude BETWEEN ? AND ? AND u.longitude BETWEEN ? AND ?))`,
			b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
	}

	if err := query.Find(&users).Error; err != nil {
		return nil, wrapDBError(err, "user")
	}
	return users, nil
}
