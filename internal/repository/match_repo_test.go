package repository_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/testutil"
)

const ttl = 30 * 24 * time.Hour

func newMatchRepo(t *testing.T) (*repository.MatchRepository, *gorm.DB) {
	t.Helper()
	gdb := testutil.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return repository.NewMatchRepository(gdb, node), gdb
}

func TestCreateForPair_CanonicalOrderAndConversation(t *testing.T) {
	ctx := context.Background()
	repo, _ := newMatchRepo(t)
	now := testutil.Epoch

	res, err := repo.CreateForPair(ctx, 7, 3, false, now, ttl)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Nil(t, res.Retired)
	assert.Equal(t, uint64(3), res.Match.UserAID)
	assert.Equal(t, uint64(7), res.Match.UserBID)
	assert.Equal(t, now.Add(ttl), res.Match.ExpiresAt)
	assert.Equal(t, res.Match.ID, res.Conversation.MatchID)
	assert.True(t, res.Conversation.IsActive)

	// reversed order finds the same match
	again, err := repo.CreateForPair(ctx, 3, 7, true, now, ttl)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Match.ID, again.Match.ID)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)
}

func TestCreateForPair_ConcurrentCallersShareOneMatch(t *testing.T) {
	ctx := context.Background()
	repo, gdb := newMatchRepo(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[uint64]struct{}{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := uint64(1), uint64(2)
			if i%2 == 1 {
				a, b = b, a
			}
			res, err := repo.CreateForPair(ctx, a, b, false, testutil.Epoch, ttl)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Created {
				created++
			}
			ids[res.Match.ID] = struct{}{}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	var n int64
	require.NoError(t, gdb.Model(&db.Conversation{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestCreateForPair_RetiresExpiredMatch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newMatchRepo(t)

	first, err := repo.CreateForPair(ctx, 1, 2, false, testutil.Epoch, ttl)
	require.NoError(t, err)

	later := testutil.Epoch.Add(ttl + time.Minute)
	second, err := repo.CreateForPair(ctx, 1, 2, false, later, ttl)
	require.NoError(t, err)
	assert.True(t, second.Created)
	require.NotNil(t, second.Retired)
	assert.Equal(t, first.Match.ID, second.Retired.ID)
	assert.Equal(t, db.MatchExpired, second.Retired.Status)
	assert.NotEqual(t, first.Conversation.ID, second.Conversation.ID)

	old, err := repo.Get(ctx, first.Match.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Nil(t, old.ActiveKey)
}

func TestUnmatch(t *testing.T) {
	ctx := context.Background()
	repo, gdb := newMatchRepo(t)
	now := testutil.Epoch

	res, err := repo.CreateForPair(ctx, 1, 2, false, now, ttl)
	require.NoError(t, err)

	status, err := repo.Unmatch(ctx, res.Match.ID, 2, now)
	require.NoError(t, err)
	assert.Equal(t, db.MatchUnmatched, status)

	status, err = repo.Unmatch(ctx, res.Match.ID, 2, now)
	require.NoError(t, err)
	assert.Empty(t, status)

	m, err := repo.Get(ctx, res.Match.ID)
	require.NoError(t, err)
	assert.Equal(t, db.MatchUnmatched, m.Status)
	require.NotNil(t, m.UnmatchedBy)
	assert.Equal(t, uint64(2), *m.UnmatchedBy)

	var conv db.Conversation
	require.NoError(t, gdb.First(&conv, res.Conversation.ID).Error)
	assert.False(t, conv.IsActive)

	active, err := repo.GetActiveForPair(ctx, 1, 2, now)
	require.NoError(t, err)
	assert.Nil(t, active)

	// the pair may match again
	again, err := repo.CreateForPair(ctx, 2, 1, false, now, ttl)
	require.NoError(t, err)
	assert.True(t, again.Created)
}

func TestUnmatch_PastExpiryClosesAsExpired(t *testing.T) {
	ctx := context.Background()
	repo, _ := newMatchRepo(t)

	res, err := repo.CreateForPair(ctx, 1, 2, false, testutil.Epoch, time.Hour)
	require.NoError(t, err)

	// the sweeper has not run yet
	status, err := repo.Unmatch(ctx, res.Match.ID, 1, testutil.Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, db.MatchExpired, status)

	m, err := repo.Get(ctx, res.Match.ID)
	require.NoError(t, err)
	assert.Equal(t, db.MatchExpired, m.Status)
	assert.Nil(t, m.UnmatchedBy)
	assert.Nil(t, m.UnmatchedAt)

	// terminal: neither a later unmatch nor the sweeper changes it
	status, err = repo.Unmatch(ctx, res.Match.ID, 2, testutil.Epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, status)
	expired, err := repo.ExpireDue(ctx, testutil.Epoch.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	repo, _ := newMatchRepo(t)

	short, err := repo.CreateForPair(ctx, 1, 2, false, testutil.Epoch, time.Hour)
	require.NoError(t, err)
	_, err = repo.CreateForPair(ctx, 1, 3, false, testutil.Epoch, ttl)
	require.NoError(t, err)

	expired, err := repo.ExpireDue(ctx, testutil.Epoch.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.Match.ID, expired[0].ID)
	assert.Equal(t, db.MatchExpired, expired[0].Status)

	// a second sweep finds nothing
	expired, err = repo.ExpireDue(ctx, testutil.Epoch.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestListActiveAndPeers(t *testing.T) {
	ctx := context.Background()
	repo, _ := newMatchRepo(t)
	now := testutil.Epoch

	for _, peer := range []uint64{2, 3, 4} {
		_, err := repo.CreateForPair(ctx, 1, peer, false, now, ttl)
		require.NoError(t, err)
	}

	page, next, err := repo.ListActive(ctx, 1, now, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.NotEmpty(t, next)
	for _, am := range page {
		assert.Equal(t, am.Match.ID, am.Conversation.MatchID)
	}

	rest, next, err := repo.ListActive(ctx, 1, now, next, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Empty(t, next)

	peers, err := repo.ActivePeers(ctx, 1, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2, 3, 4}, peers)

	// past expiry nothing is live even before the sweep runs
	peers, err = repo.ActivePeers(ctx, 1, now.Add(ttl))
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestCreateForPair_LoserReadsWinnerWithSharedLock(t *testing.T) {
	// dry run against the MySQL dialect: nothing is sent, only SQL is built
	gdb, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "user:pass@tcp(127.0.0.1:3306)/muzz?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	var m db.Match
	stmt := repository.LockedActiveMatch(gdb, "1:2", &m).Statement
	assert.Contains(t, stmt.SQL.String(), "active_key = ?")
	assert.True(t, strings.HasSuffix(stmt.SQL.String(), "FOR SHARE"), stmt.SQL.String())

	var c db.Conversation
	stmt = repository.LockedConversation(gdb, 42, &c).Statement
	assert.True(t, strings.HasSuffix(stmt.SQL.String(), "FOR SHARE"), stmt.SQL.String())
}
