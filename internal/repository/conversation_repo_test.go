package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/testutil"
)

func TestConversationListActive_OrderedByActivity(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	matches := repository.NewMatchRepository(gdb, node)
	msgs := repository.NewMessageRepository(gdb, node)
	convs := repository.NewConversationRepository(gdb)

	var ids []uint64
	for _, peer := range []uint64{2, 3, 4} {
		res, err := matches.CreateForPair(ctx, 1, peer, false, testutil.Epoch, ttl)
		require.NoError(t, err)
		ids = append(ids, res.Conversation.ID)
	}
	// the oldest conversation gets the newest message
	m := db.Message{ConversationID: ids[0], SenderID: 2, Type: db.MessageText, Content: "hey"}
	require.NoError(t, msgs.Append(ctx, &m, time.Now().UTC().Add(time.Hour)))

	page, next, err := convs.ListActive(ctx, 1, testutil.Epoch, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].ID)
	assert.NotEmpty(t, next)

	rest, next, err := convs.ListActive(ctx, 1, testutil.Epoch, next, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Empty(t, next)

	seen := map[uint64]bool{page[0].ID: true, page[1].ID: true, rest[0].ID: true}
	assert.Len(t, seen, 3)

	// the other side sees only its own conversation
	mine, _, err := convs.ListActive(ctx, 3, testutil.Epoch, "", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ids[1], mine[0].ID)
}

func TestConversationDirectory(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	res, err := repository.NewMatchRepository(gdb, node).CreateForPair(ctx, 5, 9, false, testutil.Epoch, ttl)
	require.NoError(t, err)

	dir := repository.NewConversationDirectory(repository.NewConversationRepository(gdb), 16, time.Minute)

	p, err := dir.Participants(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.True(t, p.Has(5))
	assert.Equal(t, uint64(9), p.Peer(5))

	ok, err := dir.IsParticipant(ctx, res.Conversation.ID, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	// membership is served from cache once loaded
	require.NoError(t, gdb.Delete(&db.Conversation{}, res.Conversation.ID).Error)
	ok, err = dir.IsParticipant(ctx, res.Conversation.ID, 9)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = dir.Participants(ctx, 123456)
	assert.ErrorIs(t, err, svcErr.ErrNotFound)
}
