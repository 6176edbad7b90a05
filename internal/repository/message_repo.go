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

// MessageRepository persists messages, read receipts and reactions.
type MessageRepository struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewMessageRepository(database *gorm.DB, ids *snowflake.Node) *MessageRepository {
	return &MessageRepository{db: database, ids: ids}
}

// Append assigns the message an id and the conversation's next seq, then
// stores it.
//
// Behavior:
//   - The conversation row is bumped (last_seq + 1) inside the transaction,
//     which serialises writers of the same conversation in the store.
//   - msg.ID, msg.Seq and msg.CreatedAt are filled in.
func (r *MessageRepository) Append(ctx context.Context, msg *db.Message, now time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"last_seq":        gorm.Expr("last_seq + 1"),
				"last_message_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var conv db.Conversation
		if err := tx.Select("last_seq").First(&conv, msg.ConversationID).Error; err != nil {
			return err
		}

		msg.ID = uint64(r.ids.Generate().Int64())
		msg.Seq = conv.LastSeq
		msg.CreatedAt = now
		msg.UpdatedAt = now
		return tx.Create(msg).Error
	})
	return wrapDBError(err, "conversation")
}

// Get returns a message by id from the primary, so edits and deletes see a
// message sent moments earlier.
func (r *MessageRepository) Get(ctx context.Context, id uint64) (*db.Message, error) {
	var m db.Message
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Write).First(&m, id).Error; err != nil {
		return nil, wrapDBError(err, "message")
	}
	return &m, nil
}

// UpdateContent rewrites the text of a live message. changed is false when
// the message was deleted in the meantime.
func (r *MessageRepository) UpdateContent(ctx context.Context, id uint64, content string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{"content": content, "edited_at": at, "updated_at": at})
	return res.RowsAffected > 0, wrapDBError(res.Error, "message")
}

// Tombstone clears content and media and marks the message deleted. changed
// is false when it was already deleted.
func (r *MessageRepository) Tombstone(ctx context.Context, id uint64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{
			"is_deleted":    true,
			"content":       "",
			"media_url":     "",
			"thumbnail_url": "",
			"removed_at":    at,
			"updated_at":    at,
		})
	return res.RowsAffected > 0, wrapDBError(res.Error, "message")
}

// List pages through a conversation newest first by seq. Tombstones are
// included so clients can render "message deleted".
func (r *MessageRepository) List(ctx context.Context, conversationID uint64, token string, limit int) ([]db.Message, string, error) {
	cursor, err := pagination.Decode(token)
	if err != nil {
		return nil, "", invalidCursor(err)
	}

	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(limit + 1)
	// cursor.ID carries the last seq served
	if cursor.ID > 0 {
		query = query.Where("seq < ?", cursor.ID)
	}

	var msgs []db.Message
	if err := query.Find(&msgs).Error; err != nil {
		return nil, "", wrapDBError(err, "message")
	}

	var next string
	if len(msgs) > limit {
		next = pagination.MustEncode(pagination.Cursor{ID: msgs[limit-1].Seq})
		msgs = msgs[:limit]
	}
	return msgs, next, nil
}

// LastMessages returns the newest message of each conversation, keyed by
// conversation id.
func (r *MessageRepository) LastMessages(ctx context.Context, conversationIDs []uint64) (map[uint64]db.Message, error) {
	out := make(map[uint64]db.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Table("messages m").
		Select("m.*").
		Joins("JOIN conversations c ON c.id = m.conversation_id AND m.seq = c.last_seq").
		Where("c.id IN ?", conversationIDs).
		Find(&msgs).Error
	if err != nil {
		return nil, wrapDBError(err, "message")
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

// MarkRead inserts read rows for the given messages of the conversation.
// Messages authored by the reader, unknown ids and already-read messages are
// skipped. Returns the ids newly marked.
func (r *MessageRepository) MarkRead(ctx context.Context, readerID, conversationID uint64, messageIDs []uint64, at time.Time) ([]uint64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var candidates []uint64
	err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND id IN ?", conversationID, readerID, messageIDs).
		Order("seq ASC").
		Pluck("id", &candidates).Error
	if err != nil {
		return nil, wrapDBError(err, "message")
	}
	return r.insertReads(ctx, readerID, conversationID, candidates, at)
}

// MarkConversationRead marks every unread message the reader did not author.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, readerID, conversationID uint64, at time.Time) ([]uint64, error) {
	var candidates []uint64
	err := r.unreadQuery(ctx, readerID, conversationID).
		Order("m.seq ASC").
		Pluck("m.id", &candidates).Error
	if err != nil {
		return nil, wrapDBError(err, "message")
	}
	return r.insertReads(ctx, readerID, conversationID, candidates, at)
}

func (r *MessageRepository) insertReads(ctx context.Context, readerID, conversationID uint64, ids []uint64, at time.Time) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var marked []uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&db.MessageRead{
				MessageID:      id,
				UserID:         readerID,
				ConversationID: conversationID,
				ReadAt:         at,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				marked = append(marked, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapDBError(err, "read receipt")
	}
	return marked, nil
}

// CountUnread counts live messages in the conversation the user did not
// author and has not read.
func (r *MessageRepository) CountUnread(ctx context.Context, userID, conversationID uint64) (int64, error) {
	var n int64
	err := r.unreadQuery(ctx, userID, conversationID).Count(&n).Error
	return n, wrapDBError(err, "message")
}

func (r *MessageRepository) unreadQuery(ctx context.Context, userID, conversationID uint64) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("messages m").
		Where("m.conversation_id = ? AND m.sender_id <> ? AND m.is_deleted = ?", conversationID, userID, false).
		Where(`
			NOT EXISTS (
				SELECT 1 FROM message_reads mr
				WHERE mr.message_id = m.id AND mr.user_id = ?
			)`, userID)
}

// UpsertReaction sets the user's reaction on a message, replacing any prior one.
func (r *MessageRepository) UpsertReaction(ctx context.Context, messageID, userID uint64, reaction string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"reaction", "created_at"}),
		}).
		Create(&db.MessageReaction{MessageID: messageID, UserID: userID, Reaction: reaction, CreatedAt: at}).Error
	return wrapDBError(err, "reaction")
}

// DeleteReaction removes the user's reaction and returns the removed value.
func (r *MessageRepository) DeleteReaction(ctx context.Context, messageID, userID uint64) (string, bool, error) {
	var existing db.MessageReaction
	var removed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND user_id = ?", messageID, userID).Limit(1).Find(&existing)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		res = tx.Where("message_id = ? AND user_id = ?", messageID, userID).Delete(&db.MessageReaction{})
		removed = res.RowsAffected > 0
		return res.Error
	})
	if err != nil {
		return "", false, wrapDBError(err, "reaction")
	}
	return existing.Reaction, removed, nil
}

// Reactions groups the reactions of the given messages by message id.
func (r *MessageRepository) Reactions(ctx context.Context, messageIDs []uint64) (map[uint64][]db.MessageReaction, error) {
	out := make(map[uint64][]db.MessageReaction)
	if len(messageIDs) == 0 {
		return out, nil
	}
	var rows []db.MessageReaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at ASC, user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDBError(err, "reaction")
	}
	for _, row := range rows {
		out[row.MessageID] = append(out[row.MessageID], row)
	}
	return out, nil
}
