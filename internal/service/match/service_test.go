package match_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/service/match"
	"github.com/oggyb/muzz-connect/internal/testutil"
)

func setupService(t *testing.T) (*match.Service, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	testutil.CreateUsers(t, env.DB,
		testutil.User(1, db.GenderMale),
		testutil.User(2, db.GenderFemale),
		testutil.User(3, db.GenderFemale),
	)
	return match.NewService(env.App), env
}

func TestCreateForPair_PublishesAndNotifies(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	sink := &testutil.Sink{}
	env.App.Registry.Connect(ctx, 1, sink)

	res, err := svc.CreateForPair(ctx, 2, 1, false)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, uint64(1), res.Match.UserAID)
	assert.Equal(t, res.Match.ID, res.Conversation.MatchID)
	assert.True(t, res.Match.ExpiresAt.Equal(testutil.Epoch.Add(7*24*time.Hour)))

	assert.Eventually(t, func() bool { return len(sink.OfType("match_created")) == 1 }, time.Second, 5*time.Millisecond)
	var ev match.CreatedEvent
	require.NoError(t, json.Unmarshal(sink.OfType("match_created")[0].Data, &ev))
	assert.Equal(t, uint64(2), ev.PeerID)
	assert.Equal(t, res.Conversation.ID, ev.ConversationID)

	// user 2 has no session: push notification instead
	require.Len(t, env.Notifier.For(2), 1)
	assert.Equal(t, external.NotifyNewMatch, env.Notifier.For(2)[0].Kind)
	assert.Empty(t, env.Notifier.For(1))

	again, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Match.ID, again.Match.ID)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)
	assert.Len(t, env.Notifier.For(2), 1, "no second notification")
}

func TestCreateForPair_ConcurrentCallersShareOneMatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[uint64]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := uint64(1), uint64(2)
			if i%2 == 1 {
				a, b = b, a
			}
			res, err := svc.CreateForPair(ctx, a, b, false)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Created {
				created++
			}
			ids[res.Match.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	var matches, convs int64
	require.NoError(t, env.DB.Model(&db.Match{}).Count(&matches).Error)
	require.NoError(t, env.DB.Model(&db.Conversation{}).Count(&convs).Error)
	assert.Equal(t, int64(1), matches)
	assert.Equal(t, int64(1), convs)
}

func TestUnmatch_AfterTTLBeforeSweep(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)
	sink := &testutil.Sink{}
	env.App.Registry.Connect(ctx, 1, sink)

	res, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)
	env.Clock.Advance(env.App.Config.Matching.MatchTTL + time.Minute)

	require.NoError(t, svc.Unmatch(ctx, 2, res.Match.ID))

	var m db.Match
	require.NoError(t, env.DB.First(&m, res.Match.ID).Error)
	assert.Equal(t, db.MatchExpired, m.Status)
	assert.False(t, m.IsActive)
	assert.Nil(t, m.UnmatchedBy)

	assert.Eventually(t, func() bool { return len(sink.OfType("match_ended")) == 1 }, time.Second, 5*time.Millisecond)
	var ev match.EndedEvent
	require.NoError(t, json.Unmarshal(sink.OfType("match_ended")[0].Data, &ev))
	assert.Equal(t, match.EndedExpired, ev.Reason)

	// the sweeper finds nothing left to do
	n, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnmatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	sink1, sink2 := &testutil.Sink{}, &testutil.Sink{}
	env.App.Registry.Connect(ctx, 1, sink1)
	env.App.Registry.Connect(ctx, 2, sink2)

	res, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Unmatch(ctx, 3, res.Match.ID), svcErr.ErrForbidden)
	assert.ErrorIs(t, svc.Unmatch(ctx, 1, 999), svcErr.ErrNotFound)

	require.NoError(t, svc.Unmatch(ctx, 2, res.Match.ID))
	require.NoError(t, svc.Unmatch(ctx, 1, res.Match.ID), "already inactive is success")

	var m db.Match
	require.NoError(t, env.DB.First(&m, res.Match.ID).Error)
	assert.Equal(t, db.MatchUnmatched, m.Status)
	assert.False(t, m.IsActive)
	assert.Nil(t, m.ActiveKey)
	require.NotNil(t, m.UnmatchedBy)
	assert.Equal(t, uint64(2), *m.UnmatchedBy)

	var c db.Conversation
	require.NoError(t, env.DB.First(&c, res.Conversation.ID).Error)
	assert.False(t, c.IsActive)

	assert.Eventually(t, func() bool {
		return len(sink1.OfType("match_ended")) == 1 && len(sink2.OfType("match_ended")) == 1
	}, time.Second, 5*time.Millisecond)
	var ev match.EndedEvent
	require.NoError(t, json.Unmarshal(sink1.OfType("match_ended")[0].Data, &ev))
	assert.Equal(t, match.EndedUnmatched, ev.Reason)
	assert.Equal(t, res.Conversation.ID, ev.ConversationID)

	views, _, err := svc.ListMatches(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, views)

	// the pair can match again
	again, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, res.Match.ID, again.Match.ID)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	res, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)

	n, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.Clock.Advance(7*24*time.Hour + time.Second)

	views, _, err := svc.ListMatches(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, views, "expired matches are hidden before the sweep")

	n, err = svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var m db.Match
	require.NoError(t, env.DB.First(&m, res.Match.ID).Error)
	assert.Equal(t, db.MatchExpired, m.Status)
}

func TestCreateForPair_RetiresStaleMatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	first, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)

	env.Clock.Advance(8 * 24 * time.Hour)

	second, err := svc.CreateForPair(ctx, 1, 2, true)
	require.NoError(t, err)
	assert.True(t, second.Created)
	require.NotNil(t, second.Retired)
	assert.Equal(t, first.Match.ID, second.Retired.ID)
	assert.True(t, second.Match.IsSuperLikeMatch)
}

func TestListMatches_PeerOnline(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	_, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)
	_, err = svc.CreateForPair(ctx, 1, 3, false)
	require.NoError(t, err)

	env.App.Registry.Connect(ctx, 3, &testutil.Sink{})

	views, next, err := svc.ListMatches(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, views, 2)

	online := map[uint64]bool{}
	for _, v := range views {
		online[v.PeerID] = v.PeerOnline
	}
	assert.Equal(t, map[uint64]bool{2: false, 3: true}, online)

	page, next, err := svc.ListMatches(ctx, 1, "", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.NotEmpty(t, next)
	rest, _, err := svc.ListMatches(ctx, 1, next, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.NotEqual(t, page[0].MatchID, rest[0].MatchID)
}

func TestListConversations_UnreadAndLastMessage(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	res, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)

	msgs := repository.NewMessageRepository(env.DB, env.App.IDs)
	for _, text := range []string{"hi", "there"} {
		m := &db.Message{ConversationID: res.Conversation.ID, SenderID: 2, Type: db.MessageText, Content: text}
		require.NoError(t, msgs.Append(ctx, m, env.Clock.Now()))
	}

	views, _, err := svc.ListConversations(ctx, 1, "", 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int64(2), views[0].Unread)
	assert.Equal(t, uint64(2), views[0].PeerID)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, "there", views[0].LastMessage.Content)
	assert.Equal(t, uint64(2), views[0].LastMessage.Seq)

	// the DB count was cached
	cached, err := env.Redis.Get(env.App.RedisCache.KeyForUnread(res.Conversation.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, "2", cached)

	senderView, _, err := svc.ListConversations(ctx, 2, "", 10)
	require.NoError(t, err)
	require.Len(t, senderView, 1)
	assert.Equal(t, int64(0), senderView[0].Unread)
}

func TestBlock_EndsMatch(t *testing.T) {
	ctx := context.Background()
	svc, env := setupService(t)

	sink := &testutil.Sink{}
	env.App.Registry.Connect(ctx, 2, sink)

	res, err := svc.CreateForPair(ctx, 1, 2, false)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Block(ctx, 1, 1, ""), svcErr.ErrInvalidOperation)
	assert.ErrorIs(t, svc.Block(ctx, 1, 42, ""), svcErr.ErrNotFound)

	require.NoError(t, svc.Block(ctx, 1, 2, "spam"))
	require.NoError(t, svc.Block(ctx, 1, 2, "spam"), "blocking twice is a no-op")

	active, err := svc.ActiveForPair(ctx, 1, 2)
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.Eventually(t, func() bool { return len(sink.OfType("match_ended")) == 1 }, time.Second, 5*time.Millisecond)
	var ev match.EndedEvent
	require.NoError(t, json.Unmarshal(sink.OfType("match_ended")[0].Data, &ev))
	assert.Equal(t, match.EndedBlocked, ev.Reason)
	assert.Equal(t, res.Match.ID, ev.MatchID)

	require.NoError(t, svc.Unblock(ctx, 1, 2))
	var blocks int64
	require.NoError(t, env.DB.Model(&db.Block{}).Count(&blocks).Error)
	assert.Equal(t, int64(0), blocks)
}
