package swipe

import (
	"context"

	"github.com/oggyb/muzz-connect/internal/app"
	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/metrics"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/utils/pagination"
)

// Matcher creates and looks up matches. Implemented by match.Service.
type Matcher interface {
	CreateForPair(ctx context.Context, a, b uint64, superLike bool) (*repository.CreateResult, error)
	ActiveForPair(ctx context.Context, a, b uint64) (*db.Match, error)
}

// Outcome is the result of a like or super like.
type Outcome struct {
	IsMatch        bool
	MatchID        uint64
	ConversationID uint64
}

// Service records swipes and turns reciprocal interest into matches.
// It contains the business logic on top of repository and cache layers.
type Service struct {
	appCtx  *app.AppContext
	swipes  *repository.SwipeRepository
	users   *repository.UserRepository
	blocks  *repository.BlockRepository
	matcher Matcher
}

// NewService creates a swipe service with dependencies from AppContext.
// Dependencies include:
//   - DB connection (via the swipe, user and block repositories)
//   - RedisCache for liked-you counters
//   - Quota collaborator for super likes
//   - matcher for match creation
func NewService(appCtx *app.AppContext, matcher Matcher) *Service {
	return &Service{
		appCtx:  appCtx,
		swipes:  repository.NewSwipeRepository(appCtx.DB),
		users:   repository.NewUserRepository(appCtx.DB),
		blocks:  repository.NewBlockRepository(appCtx.DB),
		matcher: matcher,
	}
}

// Like records actor → target and reports whether it completed a match.
//
// Behavior:
//   - Liking yourself is InvalidOperation; unknown users are NotFound.
//   - A block between the two in either direction is a silent non-match.
//   - Repeating a like is a no-op that reports the pair's current match.
//
// Example:
//
//	svc.Like(ctx, 1, 2) // user 1 liked user 2
func (s *Service) Like(ctx context.Context, actorID, targetID uint64) (Outcome, error) {
	return s.record(ctx, actorID, targetID, db.SwipeLike)
}

// SuperLike is Like with priority. It consumes one super like from the
// actor's quota, InsufficientQuota when none is left. Repeating it consumes
// nothing.
func (s *Service) SuperLike(ctx context.Context, actorID, targetID uint64) (Outcome, error) {
	return s.record(ctx, actorID, targetID, db.SwipeSuperLike)
}

// Pass records that actor is not interested in target. A pass never matches.
func (s *Service) Pass(ctx context.Context, actorID, targetID uint64) error {
	_, err := s.record(ctx, actorID, targetID, db.SwipePass)
	return err
}

func (s *Service) record(ctx context.Context, actorID, targetID uint64, kind db.SwipeKind) (Outcome, error) {
	s.appCtx.Logger.Debug("swipe called", "actor", actorID, "target", targetID, "kind", kind)

	if actorID == targetID {
		return Outcome{}, svcErr.InvalidOperation("cannot swipe on yourself")
	}
	ok, err := s.users.Exists(ctx, actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, svcErr.NotFound("user not found")
	}

	blocked, err := s.blocks.IsBlocked(ctx, actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if blocked {
		metrics.SwipesTotal.WithLabelValues(string(kind), "blocked").Inc()
		return Outcome{}, nil
	}

	consumed := false
	if kind == db.SwipeSuperLike {
		dup, err := s.swipes.HasSwiped(ctx, actorID, targetID, kind)
		if err != nil {
			return Outcome{}, err
		}
		if dup {
			return s.duplicate(ctx, actorID, targetID, kind)
		}
		ok, err := s.appCtx.External.Quota.TryConsumeSuperLike(ctx, actorID)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			metrics.SwipesTotal.WithLabelValues(string(kind), "no_quota").Inc()
			return Outcome{}, svcErr.InsufficientQuota("no super likes left")
		}
		consumed = true
	}

	inserted, err := s.swipes.Insert(ctx, actorID, targetID, kind)
	if err != nil || !inserted {
		if consumed {
			s.refundSuperLike(ctx, actorID)
		}
		if err != nil {
			return Outcome{}, err
		}
		return s.duplicate(ctx, actorID, targetID, kind)
	}

	s.afterInsert(ctx, actorID, targetID, kind)
	if kind == db.SwipePass {
		metrics.SwipesTotal.WithLabelValues(string(kind), "recorded").Inc()
		return Outcome{}, nil
	}

	// reciprocal check only after our edge is committed, so of two crossing
	// likes at least one sees the other
	mutual, err := s.swipes.HasLiked(ctx, targetID, actorID)
	if err != nil {
		return Outcome{}, err
	}
	if !mutual {
		metrics.SwipesTotal.WithLabelValues(string(kind), "recorded").Inc()
		return Outcome{}, nil
	}

	superLike := kind == db.SwipeSuperLike
	if !superLike {
		if superLike, err = s.swipes.HasSwiped(ctx, targetID, actorID, db.SwipeSuperLike); err != nil {
			return Outcome{}, err
		}
	}
	res, err := s.matcher.CreateForPair(ctx, actorID, targetID, superLike)
	if err != nil {
		return Outcome{}, err
	}
	metrics.SwipesTotal.WithLabelValues(string(kind), "matched").Inc()
	return Outcome{IsMatch: true, MatchID: res.Match.ID, ConversationID: res.Conversation.ID}, nil
}

// duplicate answers a repeated swipe with the pair's current match, without
// re-running match creation.
func (s *Service) duplicate(ctx context.Context, actorID, targetID uint64, kind db.SwipeKind) (Outcome, error) {
	metrics.SwipesTotal.WithLabelValues(string(kind), "duplicate").Inc()
	if kind == db.SwipePass {
		return Outcome{}, nil
	}
	m, err := s.matcher.ActiveForPair(ctx, actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if m == nil {
		return Outcome{}, nil
	}
	out := Outcome{IsMatch: true, MatchID: m.ID}
	if conv, err := repository.NewConversationRepository(s.appCtx.DB).GetByMatch(ctx, m.ID); err == nil {
		out.ConversationID = conv.ID
	}
	return out, nil
}

func (s *Service) refundSuperLike(ctx context.Context, actorID uint64) {
	if err := s.appCtx.External.Quota.RefundSuperLike(context.WithoutCancel(ctx), actorID); err != nil {
		s.appCtx.Logger.Error("super like refund failed", "actor", actorID, "err", err)
	}
}

// afterInsert runs the best-effort side effects of a new edge: like-count
// cache maintenance and analytics.
func (s *Service) afterInsert(ctx context.Context, actorID, targetID uint64, kind db.SwipeKind) {
	now := s.appCtx.Now()
	rc := s.appCtx.RedisCache

	s.appCtx.Pool.Go(ctx, "swipe.like_count", func(ctx context.Context) {
		if rc == nil {
			return
		}
		if kind == db.SwipePass {
			// the actor's own "liked you" set may have shrunk
			_ = rc.Del(ctx, rc.KeyForLikeCount(actorID))
			return
		}
		// unchanged when the actor was already counted or is hidden by a pass
		other := db.SwipeSuperLike
		if kind == db.SwipeSuperLike {
			other = db.SwipeLike
		}
		if had, err := s.swipes.HasSwiped(ctx, actorID, targetID, other); err != nil || had {
			return
		}
		if passed, err := s.swipes.HasSwiped(ctx, targetID, actorID, db.SwipePass); err != nil || passed {
			return
		}
		if err := rc.IncrLikeCount(ctx, targetID); err != nil {
			s.appCtx.Logger.Warn("like count update failed", "target", targetID, "err", err)
		}
	})

	s.appCtx.Pool.Go(ctx, "analytics.swipe", func(ctx context.Context) {
		_ = s.appCtx.External.Analytics.Track(ctx, external.AnalyticsEvent{
			Name:       "swipe.recorded",
			UserID:     actorID,
			Properties: map[string]any{"target_id": targetID, "kind": string(kind)},
			At:         now,
		})
	})
}

// ListLikedYou returns users who liked the recipient.
//
// Behavior:
//   - Excludes users the recipient passed or blocked.
//   - Supports cursor-based pagination with token.
//   - Returns actor_id + timestamp pairs.
func (s *Service) ListLikedYou(ctx context.Context, recipientID uint64, token string, limit int) ([]repository.Liker, string, error) {
	return s.swipes.GetLikers(ctx, recipientID, token, pagination.Limit(limit))
}

// ListNewLikedYou returns users who liked the recipient but have not been
// liked back.
func (s *Service) ListNewLikedYou(ctx context.Context, recipientID uint64, token string, limit int) ([]repository.Liker, string, error) {
	return s.swipes.GetNewLikers(ctx, recipientID, token, pagination.Limit(limit))
}

// CountLikedYou returns how many users liked the recipient.
// Cache-first strategy:
//  1. Attempts to read from Redis (likes:count:userID).
//  2. On a miss falls back to DB via repository.CountLikers.
//  3. On DB fetch, updates Redis with a 1h TTL.
func (s *Service) CountLikedYou(ctx context.Context, recipientID uint64) (int64, error) {
	rc := s.appCtx.RedisCache
	if rc != nil {
		if n, hit, err := rc.GetLikeCount(ctx, recipientID); err == nil && hit {
			return n, nil
		}
	}

	count, err := s.swipes.CountLikers(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	if rc != nil {
		_ = rc.UpdateLikeCount(ctx, recipientID, count)
	}
	return count, nil
}

// LikerView is the wire form of repository.Liker.
type LikerView struct {
	ActorID       uint64 `json:"actor_id,string"`
	Kind          string `json:"kind"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

func likerViews(rows []repository.Liker) []LikerView {
	out := make([]LikerView, 0, len(rows))
	for _, r := range rows {
		out = append(out, LikerView{ActorID: r.ActorID, Kind: string(r.Kind), UnixTimestamp: r.CreatedAt.UnixMilli()})
	}
	return out
}
