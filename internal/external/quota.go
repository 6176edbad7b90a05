package external

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
)

// GormQuota keeps the counters on the users table and consumes them with a
// conditional decrement, so concurrent consumers can never overdraw.
type GormQuota struct {
	db *gorm.DB
}

func NewGormQuota(database *gorm.DB) *GormQuota {
	return &GormQuota{db: database}
}

func (q *GormQuota) TryConsumeSuperLike(ctx context.Context, userID uint64) (bool, error) {
	res := q.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ? AND super_likes_remaining > 0", userID).
		UpdateColumn("super_likes_remaining", gorm.Expr("super_likes_remaining - 1"))
	if res.Error != nil {
		return false, svcErr.TransientStore(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (q *GormQuota) RefundSuperLike(ctx context.Context, userID uint64) error {
	err := q.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", userID).
		UpdateColumn("super_likes_remaining", gorm.Expr("super_likes_remaining + 1")).Error
	if err != nil {
		return svcErr.TransientStore(err)
	}
	return nil
}

// TryConsumeBoost takes one boost and sets boosted_until in the same statement.
func (q *GormQuota) TryConsumeBoost(ctx context.Context, userID uint64, until time.Time) (bool, error) {
	res := q.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ? AND boosts_remaining > 0", userID).
		UpdateColumns(map[string]any{
			"boosts_remaining": gorm.Expr("boosts_remaining - 1"),
			"boosted_until":    until,
		})
	if res.Error != nil {
		return false, svcErr.TransientStore(res.Error)
	}
	return res.RowsAffected == 1, nil
}
