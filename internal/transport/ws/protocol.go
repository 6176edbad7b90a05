package ws

import (
	"encoding/json"

	"github.com/oggyb/muzz-connect/internal/presence"
)

// Client → server command types.
const (
	CmdJoin      = "join"
	CmdLeave     = "leave"
	CmdTyping    = "typing"
	CmdHeartbeat = "heartbeat"
	CmdSend      = "send"
	CmdEdit      = "edit"
	CmdDelete    = "delete"
	CmdReact     = "react"
	CmdUnreact   = "unreact"
	CmdMarkRead  = "mark_read"
)

// Reply frames addressed to the issuing session only.
const (
	FrameAck   presence.EventType = "ack"
	FrameError presence.EventType = "error"
)

// Envelope is an inbound command frame. ID is chosen by the client and echoed
// in the reply.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AckData struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
}

type ErrorData struct {
	ID      string `json:"id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type conversationData struct {
	ConversationID uint64 `json:"conversation_id,string"`
}

type typingData struct {
	ConversationID uint64 `json:"conversation_id,string"`
	Typing         bool   `json:"typing"`
}

type sendData struct {
	ConversationID uint64 `json:"conversation_id,string"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Media          []byte `json:"media,omitempty"`
}

type editData struct {
	MessageID uint64 `json:"message_id,string"`
	Content   string `json:"content"`
}

type messageData struct {
	MessageID uint64 `json:"message_id,string"`
}

type reactData struct {
	MessageID uint64 `json:"message_id,string"`
	Reaction  string `json:"reaction"`
}

// markReadData marks the listed messages, or the whole conversation when
// MessageIDs is empty.
type markReadData struct {
	ConversationID uint64   `json:"conversation_id,string"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

type markReadResult struct {
	MessageIDs []string `json:"message_ids"`
}
