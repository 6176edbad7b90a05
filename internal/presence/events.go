package presence

import "encoding/json"

type EventType string

// Server → client push events.
const (
	EventMatchCreated    EventType = "match_created"
	EventMatchEnded      EventType = "match_ended"
	EventMessageReceived EventType = "message_received"
	EventMessageUpdated  EventType = "message_updated"
	EventMessageDeleted  EventType = "message_deleted"
	EventReactionChanged EventType = "reaction_changed"
	EventReadReceipt     EventType = "read_receipt"
	EventTypingStarted   EventType = "typing_started"
	EventTypingStopped   EventType = "typing_stopped"
	EventUserOnline      EventType = "user_online"
	EventUserOffline     EventType = "user_offline"
)

// Event is the envelope every push is wrapped in.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Encode renders an event once so it can be shared by every recipient.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// TypingData is the payload of typing_started and typing_stopped.
type TypingData struct {
	ConversationID uint64 `json:"conversation_id,string"`
	UserID         uint64 `json:"user_id,string"`
}

// PresenceData is the payload of user_online and user_offline.
type PresenceData struct {
	UserID uint64 `json:"user_id,string"`
	At     int64  `json:"at"`
}
