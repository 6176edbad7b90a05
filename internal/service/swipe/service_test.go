package swipe_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/service/match"
	"github.com/oggyb/muzz-connect/internal/service/swipe"
	"github.com/oggyb/muzz-connect/internal/testutil"
)

//
// Test helpers
//

// setupService wires a swipe service over an isolated DB + Redis seeded with
// the minimal dataset:
//   - Users: user1 (male, 1 super like), user2 (female, 1 super like), user3 (female)
//   - Swipes: user1 → user2 like, user3 → user1 like, user1 → user3 pass
func setupService(t *testing.T) (*swipe.Service, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	require.NoError(t, db.SeedMinimalTestData(env.DB))
	return swipe.NewService(env.App, match.NewService(env.App)), env
}

func countRows(t *testing.T, env *testutil.Env, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.DB.Model(model).Count(&n).Error)
	return n
}

//
// Tests
//

// TestLike_MutualCreatesMatch ensures that a mutual like is detected when
// user2 likes back user1, who already liked user2 in the seed dataset.
func TestLike_MutualCreatesMatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	out, err := svc.Like(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, out.IsMatch)
	assert.NotZero(t, out.MatchID)
	assert.NotZero(t, out.ConversationID)

	// a repeated like is a no-op reporting the same match
	again, err := svc.Like(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, out, again)

	assert.Equal(t, int64(1), countRows(t, env, &db.Match{}))
	assert.Equal(t, int64(1), countRows(t, env, &db.Conversation{}))
}

func TestLike_OneWayDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	out, err := svc.Like(ctx, 2, 3)
	require.NoError(t, err)
	assert.False(t, out.IsMatch)
	assert.Equal(t, int64(0), countRows(t, env, &db.Match{}))
}

func TestPass_NeverMatches(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	// user2 passes user1 although user1 liked user2
	require.NoError(t, svc.Pass(ctx, 2, 1))
	require.NoError(t, svc.Pass(ctx, 2, 1))
	assert.Equal(t, int64(0), countRows(t, env, &db.Match{}))
}

func TestSwipe_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	_, err := svc.Like(ctx, 1, 1)
	assert.ErrorIs(t, err, svcErr.ErrInvalidOperation)

	_, err = svc.Like(ctx, 1, 99)
	assert.ErrorIs(t, err, svcErr.ErrNotFound)

	err = svc.Pass(ctx, 99, 1)
	assert.ErrorIs(t, err, svcErr.ErrNotFound)
}

func TestSwipe_BlockedIsSilentNoop(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)
	require.NoError(t, env.DB.Create(&db.Block{BlockerID: 1, BlockedID: 2}).Error)

	before := countRows(t, env, &db.SwipeAction{})

	out, err := svc.Like(ctx, 2, 1)
	require.NoError(t, err)
	assert.False(t, out.IsMatch)

	out, err = svc.SuperLike(ctx, 2, 1)
	require.NoError(t, err)
	assert.False(t, out.IsMatch)

	assert.Equal(t, before, countRows(t, env, &db.SwipeAction{}), "no edge persisted")

	var u db.User
	require.NoError(t, env.DB.First(&u, 2).Error)
	assert.Equal(t, 1, u.SuperLikesRemaining, "no quota consumed")
}

func TestSuperLike_QuotaAndIdempotency(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	_, err := svc.SuperLike(ctx, 2, 3)
	require.NoError(t, err)

	// duplicate: success without consuming anything
	_, err = svc.SuperLike(ctx, 2, 3)
	require.NoError(t, err)

	var u db.User
	require.NoError(t, env.DB.First(&u, 2).Error)
	assert.Equal(t, 0, u.SuperLikesRemaining)

	_, err = svc.SuperLike(ctx, 2, 1)
	assert.ErrorIs(t, err, svcErr.ErrInsufficientQuota)

	// user3 never had super likes
	_, err = svc.SuperLike(ctx, 3, 2)
	assert.ErrorIs(t, err, svcErr.ErrInsufficientQuota)
}

func TestSuperLike_FlagsMatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	// user2 super likes user1, who liked user2 in the seed
	out, err := svc.SuperLike(ctx, 2, 1)
	require.NoError(t, err)
	require.True(t, out.IsMatch)

	var m db.Match
	require.NoError(t, env.DB.First(&m, out.MatchID).Error)
	assert.True(t, m.IsSuperLikeMatch)
}

func TestLike_ConcurrentReciprocalLikes(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)
	testutil.CreateUsers(t, env.DB, testutil.User(4, db.GenderMale), testutil.User(5, db.GenderFemale))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []swipe.Outcome
	)
	for _, pair := range [][2]uint64{{4, 5}, {5, 4}} {
		wg.Add(1)
		go func(actor, target uint64) {
			defer wg.Done()
			out, err := svc.Like(ctx, actor, target)
			if assert.NoError(t, err) {
				mu.Lock()
				outcomes = append(outcomes, out)
				mu.Unlock()
			}
		}(pair[0], pair[1])
	}
	wg.Wait()

	require.Len(t, outcomes, 2)
	var matchIDs []uint64
	for _, o := range outcomes {
		if o.IsMatch {
			matchIDs = append(matchIDs, o.MatchID)
		}
	}
	require.NotEmpty(t, matchIDs, "at least one side observes the mutual like")
	for _, id := range matchIDs {
		assert.Equal(t, matchIDs[0], id)
	}
	assert.Equal(t, int64(1), countRows(t, env, &db.Match{}))
	assert.Equal(t, int64(1), countRows(t, env, &db.Conversation{}))
}

// TestListLikedYou checks that only valid likers are returned.
// user3 liked user1 but was passed by user1, so only user2 is listed.
func TestListLikedYou(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	_, err := svc.Like(ctx, 2, 1)
	require.NoError(t, err)

	likers, next, err := svc.ListLikedYou(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, likers, 1)
	assert.Equal(t, uint64(2), likers[0].ActorID)
}

// TestListNewLikedYou: user1 liked user2 and user2 never answered.
func TestListNewLikedYou(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	likers, _, err := svc.ListNewLikedYou(ctx, 2, "", 10)
	require.NoError(t, err)
	require.Len(t, likers, 1)
	assert.Equal(t, uint64(1), likers[0].ActorID)

	_, err = svc.Like(ctx, 2, 1)
	require.NoError(t, err)

	likers, _, err = svc.ListNewLikedYou(ctx, 2, "", 10)
	require.NoError(t, err)
	assert.Empty(t, likers, "reciprocated likes are no longer new")
}

func TestListLikedYou_InvalidCursor(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	_, _, err := svc.ListLikedYou(ctx, 1, "%%%not-a-cursor", 10)
	assert.ErrorIs(t, err, svcErr.ErrInvalidArgument)
}

// TestCountLikedYouCache verifies like counts with cache.
func TestCountLikedYouCache(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	// First call → DB, user1 liked user2
	n, err := svc.CountLikedYou(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cached, err := env.Redis.Get(env.App.RedisCache.KeyForLikeCount(2))
	require.NoError(t, err)
	assert.Equal(t, "1", cached)

	// a new liker bumps the cached counter
	_, err = svc.Like(ctx, 3, 2)
	require.NoError(t, err)
	n, err = svc.CountLikedYou(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a repeated like does not
	_, err = svc.Like(ctx, 3, 2)
	require.NoError(t, err)
	n, err = svc.CountLikedYou(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// passing a liker drops the cached value; the DB recount excludes them
	require.NoError(t, svc.Pass(ctx, 2, 3))
	assert.False(t, env.Redis.Exists(env.App.RedisCache.KeyForLikeCount(2)))
	n, err = svc.CountLikedYou(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
