package messaging

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/oggyb/muzz-connect/internal/app"
	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/metrics"
	"github.com/oggyb/muzz-connect/internal/presence"
	"github.com/oggyb/muzz-connect/internal/repository"
	"github.com/oggyb/muzz-connect/internal/utils/pagination"
)

const (
	maxContentRunes  = 4000
	maxReactionRunes = 32
	lockStripes      = 64
)

// Origin identifies who issued a command and from which session. SessionID
// is empty for calls that did not come through a live session.
type Origin struct {
	UserID    uint64
	SessionID string
}

// SendInput is the payload of a new message. Media carries the raw upload
// for image, video and audio; gif content is a URL.
type SendInput struct {
	Type    db.MessageType
	Content string
	Media   []byte
}

// Service persists conversation messages and fans them out to the sessions
// joined to the conversation.
type Service struct {
	appCtx   *app.AppContext
	convs    *repository.ConversationRepository
	messages *repository.MessageRepository
	dir      *repository.ConversationDirectory
	locks    [lockStripes]sync.Mutex
}

func NewService(appCtx *app.AppContext) *Service {
	return &Service{
		appCtx:   appCtx,
		convs:    repository.NewConversationRepository(appCtx.DB),
		messages: repository.NewMessageRepository(appCtx.DB, appCtx.IDs),
		dir:      appCtx.Directory,
	}
}

// lock serialises "allocate seq, persist, enqueue" per conversation so every
// queue receives a conversation's messages in seq order.
func (s *Service) lock(conversationID uint64) func() {
	m := &s.locks[conversationID%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID uint64) error {
	ok, err := s.dir.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return svcErr.Forbidden("not a participant of this conversation")
	}
	return nil
}

// GetMessages pages through a conversation newest first by seq, tombstones
// included, with reactions attached.
func (s *Service) GetMessages(ctx context.Context, userID, conversationID uint64, token string, limit int) ([]MessageView, string, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, "", err
	}
	msgs, next, err := s.messages.List(ctx, conversationID, token, pagination.Limit(limit))
	if err != nil {
		return nil, "", err
	}
	ids := make([]uint64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	reactions, err := s.messages.Reactions(ctx, ids)
	if err != nil {
		return nil, "", err
	}
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, viewOf(&msgs[i], reactions[msgs[i].ID]))
	}
	return out, next, nil
}

// SendMessage stores a message in the conversation and pushes it to the room.
//
// Behavior:
//   - Sender must be a participant (Forbidden); the conversation and its match
//     must be active and unexpired (InvalidOperation).
//   - Media is uploaded before anything is stored (MediaUploadFailed).
//   - Persistence is detached from the caller's cancellation: a sender that
//     disconnects mid-send still gets the message stored.
//   - message_received goes to every joined session except the originating
//     one; the sender's other devices receive it.
//   - The recipient is notified when none of their sessions joined the room.
func (s *Service) SendMessage(ctx context.Context, origin Origin, conversationID uint64, in SendInput) (*MessageView, error) {
	if err := validateSend(in); err != nil {
		return nil, err
	}

	conv, m, err := s.convs.GetWithMatch(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(origin.UserID) {
		return nil, svcErr.Forbidden("not a participant of this conversation")
	}
	now := s.appCtx.Now()
	if !conv.IsActive || !m.IsActive || !m.ExpiresAt.After(now) {
		return nil, svcErr.InvalidOperation("conversation is not active")
	}

	msg := &db.Message{
		ConversationID: conversationID,
		SenderID:       origin.UserID,
		Type:           in.Type,
		Content:        in.Content,
	}
	if in.Type == db.MessageGIF {
		msg.MediaURL = in.Content
	}
	if in.Type.IsMedia() {
		ref, err := s.appCtx.External.Media.UploadMedia(ctx, in.Media, string(in.Type))
		if err != nil {
			s.appCtx.Logger.Warn("media upload failed", "conversation", conversationID, "sender", origin.UserID, "err", err)
			return nil, svcErr.MediaUploadFailed(err)
		}
		msg.MediaURL, msg.ThumbnailURL = ref.URL, ref.ThumbnailURL
	}

	unlock := s.lock(conversationID)
	err = s.messages.Append(context.WithoutCancel(ctx), msg, now)
	var view MessageView
	if err == nil {
		view = viewOf(msg, nil)
		s.appCtx.Registry.PublishToRoom(conversationID, presence.Event{Type: presence.EventMessageReceived, Data: view}, origin.SessionID)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	metrics.MessagesSentTotal.WithLabelValues(string(msg.Type)).Inc()
	s.appCtx.Logger.Debug("message sent", "conversation", conversationID, "message", msg.ID, "seq", msg.Seq, "sender", origin.UserID)

	recipient := conv.Peer(origin.UserID)
	s.appCtx.Pool.Go(ctx, "message.recipient", func(ctx context.Context) {
		if rc := s.appCtx.RedisCache; rc != nil {
			_ = rc.IncrUnread(ctx, conversationID, recipient)
		}
		if s.appCtx.Registry.UserInRoom(recipient, conversationID) {
			return
		}
		payload := map[string]string{
			"conversation_id": strconv.FormatUint(conversationID, 10),
			"message_id":      strconv.FormatUint(msg.ID, 10),
			"sender_id":       strconv.FormatUint(origin.UserID, 10),
		}
		if err := s.appCtx.External.Notifier.Notify(ctx, recipient, external.NotifyNewMessage, payload); err != nil {
			s.appCtx.Logger.Warn("notification failed", "user", recipient, "err", err)
		}
	})
	return &view, nil
}

func validateSend(in SendInput) error {
	switch in.Type {
	case db.MessageText, db.MessageGIF:
		if strings.TrimSpace(in.Content) == "" {
			return svcErr.InvalidArgument("content is required")
		}
	case db.MessageImage, db.MessageVideo, db.MessageAudio:
		if len(in.Media) == 0 {
			return svcErr.InvalidArgument("media is required")
		}
	default:
		return svcErr.InvalidArgument("unknown message type")
	}
	if utf8.RuneCountInString(in.Content) > maxContentRunes {
		return svcErr.InvalidArgument("content is too long")
	}
	return nil
}

// EditMessage rewrites the text of the sender's own message.
//
// Behavior:
//   - Sender only (Forbidden); deleted messages cannot be edited.
//   - Allowed while now - createdAt <= edit window, EditWindowExpired after.
func (s *Service) EditMessage(ctx context.Context, origin Origin, messageID uint64, content string) (*MessageView, error) {
	if strings.TrimSpace(content) == "" {
		return nil, svcErr.InvalidArgument("content is required")
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return nil, svcErr.InvalidArgument("content is too long")
	}

	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != origin.UserID {
		return nil, svcErr.Forbidden("only the sender can edit a message")
	}
	if msg.IsDeleted {
		return nil, svcErr.InvalidOperation("message was deleted")
	}
	if msg.Type != db.MessageText {
		return nil, svcErr.InvalidOperation("only text messages can be edited")
	}
	now := s.appCtx.Now()
	if now.Sub(msg.CreatedAt) > s.appCtx.Config.Matching.EditWindow {
		return nil, svcErr.EditWindowExpired("edit window has passed")
	}

	changed, err := s.messages.UpdateContent(ctx, messageID, content, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, svcErr.InvalidOperation("message was deleted")
	}
	msg.Content, msg.EditedAt = content, &now

	reactions, err := s.messages.Reactions(ctx, []uint64{messageID})
	if err != nil {
		return nil, err
	}
	view := viewOf(msg, reactions[messageID])
	s.appCtx.Registry.PublishToRoom(msg.ConversationID, presence.Event{Type: presence.EventMessageUpdated, Data: view}, origin.SessionID)
	return &view, nil
}

// DeleteMessage tombstones the sender's own message. Deleting twice is a
// no-op; id and seq are kept.
func (s *Service) DeleteMessage(ctx context.Context, origin Origin, messageID uint64) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != origin.UserID {
		return svcErr.Forbidden("only the sender can delete a message")
	}
	changed, err := s.messages.Tombstone(ctx, messageID, s.appCtx.Now())
	if err != nil {
		return err
	}
	if changed {
		s.appCtx.Registry.PublishToRoom(msg.ConversationID, presence.Event{
			Type: presence.EventMessageDeleted,
			Data: DeletedEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, Seq: msg.Seq},
		}, origin.SessionID)
		if rc := s.appCtx.RedisCache; rc != nil {
			// unread excludes tombstones; recount lazily
			s.appCtx.Pool.Go(ctx, "message.unread_invalidate", func(ctx context.Context) {
				for _, u := range s.participants(ctx, msg.ConversationID) {
					_ = rc.Del(ctx, rc.KeyForUnread(msg.ConversationID, u))
				}
			})
		}
	}
	return nil
}

// React sets the caller's reaction on a message, replacing a previous one.
func (s *Service) React(ctx context.Context, origin Origin, messageID uint64, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if reaction == "" || utf8.RuneCountInString(reaction) > maxReactionRunes {
		return svcErr.InvalidArgument("reaction must be 1-32 characters")
	}
	msg, err := s.reactable(ctx, origin.UserID, messageID)
	if err != nil {
		return err
	}
	if err := s.messages.UpsertReaction(ctx, messageID, origin.UserID, reaction, s.appCtx.Now()); err != nil {
		return err
	}
	s.appCtx.Registry.PublishToRoom(msg.ConversationID, presence.Event{
		Type: presence.EventReactionChanged,
		Data: ReactionEvent{MessageID: messageID, ConversationID: msg.ConversationID, UserID: origin.UserID, Reaction: reaction, Action: ReactionAdded},
	}, origin.SessionID)
	return nil
}

// Unreact removes the caller's reaction. Removing a missing reaction is a
// no-op and publishes nothing.
func (s *Service) Unreact(ctx context.Context, origin Origin, messageID uint64) error {
	msg, err := s.reactable(ctx, origin.UserID, messageID)
	if err != nil {
		return err
	}
	reaction, removed, err := s.messages.DeleteReaction(ctx, messageID, origin.UserID)
	if err != nil || !removed {
		return err
	}
	s.appCtx.Registry.PublishToRoom(msg.ConversationID, presence.Event{
		Type: presence.EventReactionChanged,
		Data: ReactionEvent{MessageID: messageID, ConversationID: msg.ConversationID, UserID: origin.UserID, Reaction: reaction, Action: ReactionRemoved},
	}, origin.SessionID)
	return nil
}

func (s *Service) reactable(ctx context.Context, userID, messageID uint64) (*db.Message, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, svcErr.InvalidOperation("message was deleted")
	}
	return msg, nil
}

// MarkRead records read receipts for the given messages. Own messages and
// already-read ones are skipped. read_receipt goes to the room excluding only
// the reader's originating session.
func (s *Service) MarkRead(ctx context.Context, origin Origin, conversationID uint64, messageIDs []uint64) ([]uint64, error) {
	if err := s.requireParticipant(ctx, conversationID, origin.UserID); err != nil {
		return nil, err
	}
	now := s.appCtx.Now()
	marked, err := s.messages.MarkRead(ctx, origin.UserID, conversationID, messageIDs, now)
	if err != nil {
		return nil, err
	}
	s.afterRead(ctx, origin, conversationID, marked, false)
	return marked, nil
}

// MarkConversationRead marks every unread message of the peer as read.
func (s *Service) MarkConversationRead(ctx context.Context, origin Origin, conversationID uint64) ([]uint64, error) {
	if err := s.requireParticipant(ctx, conversationID, origin.UserID); err != nil {
		return nil, err
	}
	marked, err := s.messages.MarkConversationRead(ctx, origin.UserID, conversationID, s.appCtx.Now())
	if err != nil {
		return nil, err
	}
	s.afterRead(ctx, origin, conversationID, marked, true)
	return marked, nil
}

func (s *Service) afterRead(ctx context.Context, origin Origin, conversationID uint64, marked []uint64, all bool) {
	if rc := s.appCtx.RedisCache; rc != nil {
		// invalidate rather than write 0: a send that lands after the mark
		// would otherwise be hidden until the key expires
		if all || len(marked) > 0 {
			s.appCtx.Pool.Go(ctx, "message.unread_reset", func(ctx context.Context) {
				_ = rc.Del(ctx, rc.KeyForUnread(conversationID, origin.UserID))
			})
		}
	}
	if len(marked) == 0 {
		return
	}
	s.appCtx.Registry.PublishToRoom(conversationID, presence.Event{
		Type: presence.EventReadReceipt,
		Data: ReadReceiptEvent{ConversationID: conversationID, ReaderID: origin.UserID, MessageIDs: FormatIDs(marked), ReadAt: s.appCtx.Now().UnixMilli()},
	}, origin.SessionID)
}

// Typing flips the typing indicator of a session that joined the room.
func (s *Service) Typing(ctx context.Context, origin Origin, conversationID uint64, typing bool) error {
	if origin.SessionID == "" {
		return svcErr.InvalidOperation("typing requires a live session")
	}
	return s.appCtx.Registry.SetTyping(ctx, origin.SessionID, conversationID, typing)
}

func invalidID(raw string) error {
	return svcErr.InvalidArgument("invalid message id " + strconv.Quote(raw))
}

func (s *Service) participants(ctx context.Context, conversationID uint64) []uint64 {
	p, err := s.dir.Participants(ctx, conversationID)
	if err != nil {
		return nil
	}
	return []uint64{p.UserA, p.UserB}
}
