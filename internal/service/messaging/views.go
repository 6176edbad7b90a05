package messaging

import "github.com/oggyb/muzz-connect/internal/db"

const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

type ReactionView struct {
	UserID   uint64 `json:"user_id,string"`
	Reaction string `json:"reaction"`
}

// MessageView is the wire form of a message, used by both the gRPC
// responses and the message_received/message_updated events.
type MessageView struct {
	ID             uint64         `json:"id,string"`
	ConversationID uint64         `json:"conversation_id,string"`
	Seq            uint64         `json:"seq"`
	SenderID       uint64         `json:"sender_id,string"`
	Type           string         `json:"type"`
	Content        string         `json:"content,omitempty"`
	MediaURL       string         `json:"media_url,omitempty"`
	ThumbnailURL   string         `json:"thumbnail_url,omitempty"`
	IsDeleted      bool           `json:"is_deleted"`
	EditedAt       *int64         `json:"edited_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	Reactions      []ReactionView `json:"reactions,omitempty"`
}

type DeletedEvent struct {
	MessageID      uint64 `json:"message_id,string"`
	ConversationID uint64 `json:"conversation_id,string"`
	Seq            uint64 `json:"seq"`
}

type ReactionEvent struct {
	MessageID      uint64 `json:"message_id,string"`
	ConversationID uint64 `json:"conversation_id,string"`
	UserID         uint64 `json:"user_id,string"`
	Reaction       string `json:"reaction"`
	Action         string `json:"action"`
}

type ReadReceiptEvent struct {
	ConversationID uint64   `json:"conversation_id,string"`
	ReaderID       uint64   `json:"reader_id,string"`
	MessageIDs     []string `json:"message_ids"`
	ReadAt         int64    `json:"read_at"`
}

func viewOf(m *db.Message, reactions []db.MessageReaction) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Type:           string(m.Type),
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		ThumbnailURL:   m.ThumbnailURL,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if m.EditedAt != nil {
		ms := m.EditedAt.UnixMilli()
		v.EditedAt = &ms
	}
	for _, r := range reactions {
		v.Reactions = append(v.Reactions, ReactionView{UserID: r.UserID, Reaction: r.Reaction})
	}
	return v
}
