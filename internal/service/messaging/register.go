package messaging

import (
	"context"
	"strconv"

	"google.golang.org/grpc"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/server"
)

// ServiceName is the gRPC service name of the message API.
const ServiceName = "muzz.connect.v1.MessageService"

type GetMessagesRequest struct {
	ConversationID  uint64 `json:"conversation_id,string"`
	PaginationToken string `json:"pagination_token,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type GetMessagesResponse struct {
	Messages            []MessageView `json:"messages"`
	NextPaginationToken string        `json:"next_pagination_token,omitempty"`
}

type SendMessageRequest struct {
	ConversationID uint64 `json:"conversation_id,string"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Media          []byte `json:"media,omitempty"`
}

type EditMessageRequest struct {
	MessageID uint64 `json:"message_id,string"`
	Content   string `json:"content"`
}

type MessageRequest struct {
	MessageID uint64 `json:"message_id,string"`
}

type ReactRequest struct {
	MessageID uint64 `json:"message_id,string"`
	Reaction  string `json:"reaction"`
}

type MarkReadRequest struct {
	ConversationID uint64   `json:"conversation_id,string"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

type MarkReadResponse struct {
	MessageIDs []string `json:"message_ids"`
}

type Ack struct{}

// Registrar ties the message service into the gRPC server
type Registrar struct {
	svc *Service
}

func NewRegistrar(svc *Service) *Registrar {
	return &Registrar{svc: svc}
}

// Register attaches the message service implementation to the gRPC server
func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(server.NewServiceDesc(ServiceName,
		server.Unary(ServiceName, "GetMessages", r.getMessages),
		server.Unary(ServiceName, "SendMessage", r.sendMessage),
		server.Unary(ServiceName, "EditMessage", r.editMessage),
		server.Unary(ServiceName, "DeleteMessage", r.deleteMessage),
		server.Unary(ServiceName, "React", r.react),
		server.Unary(ServiceName, "Unreact", r.unreact),
		server.Unary(ServiceName, "MarkRead", r.markRead),
		server.Unary(ServiceName, "MarkConversationRead", r.markConversationRead),
	), nil)
}

func origin(ctx context.Context) (Origin, error) {
	caller, err := server.RequireCaller(ctx)
	return Origin{UserID: caller}, err
}

func (r *Registrar) getMessages(ctx context.Context, req *GetMessagesRequest) (*GetMessagesResponse, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	msgs, next, err := r.svc.GetMessages(ctx, o.UserID, req.ConversationID, req.PaginationToken, req.Limit)
	if err != nil {
		return nil, err
	}
	return &GetMessagesResponse{Messages: msgs, NextPaginationToken: next}, nil
}

func (r *Registrar) sendMessage(ctx context.Context, req *SendMessageRequest) (*MessageView, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	return r.svc.SendMessage(ctx, o, req.ConversationID, SendInput{
		Type:    db.MessageType(req.Type),
		Content: req.Content,
		Media:   req.Media,
	})
}

func (r *Registrar) editMessage(ctx context.Context, req *EditMessageRequest) (*MessageView, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	return r.svc.EditMessage(ctx, o, req.MessageID, req.Content)
}

func (r *Registrar) deleteMessage(ctx context.Context, req *MessageRequest) (*Ack, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	return &Ack{}, r.svc.DeleteMessage(ctx, o, req.MessageID)
}

func (r *Registrar) react(ctx context.Context, req *ReactRequest) (*Ack, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	return &Ack{}, r.svc.React(ctx, o, req.MessageID, req.Reaction)
}

func (r *Registrar) unreact(ctx context.Context, req *MessageRequest) (*Ack, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	return &Ack{}, r.svc.Unreact(ctx, o, req.MessageID)
}

func (r *Registrar) markRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := ParseIDs(req.MessageIDs)
	if err != nil {
		return nil, err
	}
	marked, err := r.svc.MarkRead(ctx, o, req.ConversationID, ids)
	if err != nil {
		return nil, err
	}
	return &MarkReadResponse{MessageIDs: FormatIDs(marked)}, nil
}

func (r *Registrar) markConversationRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	o, err := origin(ctx)
	if err != nil {
		return nil, err
	}
	marked, err := r.svc.MarkConversationRead(ctx, o, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &MarkReadResponse{MessageIDs: FormatIDs(marked)}, nil
}

// ParseIDs converts decimal id strings from the wire.
func ParseIDs(raw []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, invalidID(s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func FormatIDs(ids []uint64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}
