package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/testutil"
)

func TestReadAfterWrite_UsesPrimaryWithLaggingReplica(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.NewReplicatedDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	swipes := repository.NewSwipeRepository(gdb)
	matches := repository.NewMatchRepository(gdb, node)
	convs := repository.NewConversationRepository(gdb)
	msgs := repository.NewMessageRepository(gdb, node)

	_, err = swipes.Insert(ctx, 1, 2, db.SwipeLike)
	require.NoError(t, err)

	// an unpinned read lands on the replica, which never saw the edge
	var onReplica int64
	require.NoError(t, gdb.Model(&db.SwipeAction{}).Count(&onReplica).Error)
	require.Zero(t, onReplica)

	liked, err := swipes.HasLiked(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, liked)
	swiped, err := swipes.HasSwiped(ctx, 1, 2, db.SwipeLike)
	require.NoError(t, err)
	assert.True(t, swiped)

	res, err := matches.CreateForPair(ctx, 1, 2, false, testutil.Epoch, ttl)
	require.NoError(t, err)
	active, err := matches.GetActiveForPair(ctx, 2, 1, testutil.Epoch)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, res.Match.ID, active.ID)
	_, err = matches.Get(ctx, res.Match.ID)
	require.NoError(t, err)

	dir := repository.NewConversationDirectory(convs, 16, time.Minute)
	p, err := dir.Participants(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.True(t, p.Has(2))
	_, _, err = convs.GetWithMatch(ctx, res.Conversation.ID)
	require.NoError(t, err)

	m := db.Message{ConversationID: res.Conversation.ID, SenderID: 1, Type: db.MessageText, Content: "hi"}
	require.NoError(t, msgs.Append(ctx, &m, testutil.Epoch))
	got, err := msgs.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
}
