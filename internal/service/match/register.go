package match

import (
	"context"

	"google.golang.org/grpc"

	"github.com/oggyb/muzz-connect/internal/server"
)

// ServiceName is the gRPC service name of the match API.
const ServiceName = "muzz.connect.v1.MatchService"

type UnmatchRequest struct {
	MatchID uint64 `json:"match_id,string"`
}

type ListRequest struct {
	PaginationToken string `json:"pagination_token,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type ListMatchesResponse struct {
	Matches             []View `json:"matches"`
	NextPaginationToken string `json:"next_pagination_token,omitempty"`
}

type ListConversationsResponse struct {
	Conversations       []ConversationView `json:"conversations"`
	NextPaginationToken string             `json:"next_pagination_token,omitempty"`
}

type BlockRequest struct {
	UserID uint64 `json:"user_id,string"`
	Reason string `json:"reason,omitempty"`
}

type Ack struct{}

// Registrar ties the match service into the gRPC server.
type Registrar struct {
	svc *Service
}

func NewRegistrar(svc *Service) *Registrar {
	return &Registrar{svc: svc}
}

func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(server.NewServiceDesc(ServiceName,
		server.Unary(ServiceName, "Unmatch", r.unmatch),
		server.Unary(ServiceName, "ListMatches", r.listMatches),
		server.Unary(ServiceName, "ListConversations", r.listConversations),
		server.Unary(ServiceName, "Block", r.block),
		server.Unary(ServiceName, "Unblock", r.unblock),
	), nil)
}

func (r *Registrar) unmatch(ctx context.Context, req *UnmatchRequest) (*Ack, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.svc.Unmatch(ctx, caller, req.MatchID); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func (r *Registrar) listMatches(ctx context.Context, req *ListRequest) (*ListMatchesResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	views, next, err := r.svc.ListMatches(ctx, caller, req.PaginationToken, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListMatchesResponse{Matches: views, NextPaginationToken: next}, nil
}

func (r *Registrar) listConversations(ctx context.Context, req *ListRequest) (*ListConversationsResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	views, next, err := r.svc.ListConversations(ctx, caller, req.PaginationToken, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListConversationsResponse{Conversations: views, NextPaginationToken: next}, nil
}

func (r *Registrar) block(ctx context.Context, req *BlockRequest) (*Ack, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.svc.Block(ctx, caller, req.UserID, req.Reason); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func (r *Registrar) unblock(ctx context.Context, req *BlockRequest) (*Ack, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.svc.Unblock(ctx, caller, req.UserID); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}
