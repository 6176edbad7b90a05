package swipe

import (
	"context"

	"google.golang.org/grpc"

	"github.com/oggyb/muzz-connect/internal/server"
)

// ServiceName is the gRPC service name of the swipe API.
const ServiceName = "muzz.connect.v1.SwipeService"

type SwipeRequest struct {
	TargetUserID uint64 `json:"target_user_id,string"`
}

type SwipeResponse struct {
	IsMatch        bool   `json:"is_match"`
	MatchID        uint64 `json:"match_id,string,omitempty"`
	ConversationID uint64 `json:"conversation_id,string,omitempty"`
}

type ListLikedYouRequest struct {
	PaginationToken string `json:"pagination_token,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type ListLikedYouResponse struct {
	Likers              []LikerView `json:"likers"`
	NextPaginationToken string      `json:"next_pagination_token,omitempty"`
}

type CountLikedYouRequest struct{}

type CountLikedYouResponse struct {
	Count uint64 `json:"count"`
}

// Registrar ties the swipe service into the gRPC server
type Registrar struct {
	svc *Service
}

// NewRegistrar creates a new Registrar for the swipe service
func NewRegistrar(svc *Service) *Registrar {
	return &Registrar{svc: svc}
}

// Register attaches the swipe service implementation to the gRPC server
func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(server.NewServiceDesc(ServiceName,
		server.Unary(ServiceName, "Like", r.like),
		server.Unary(ServiceName, "SuperLike", r.superLike),
		server.Unary(ServiceName, "Pass", r.pass),
		server.Unary(ServiceName, "ListLikedYou", r.listLikedYou),
		server.Unary(ServiceName, "ListNewLikedYou", r.listNewLikedYou),
		server.Unary(ServiceName, "CountLikedYou", r.countLikedYou),
	), nil)
}

func (r *Registrar) like(ctx context.Context, req *SwipeRequest) (*SwipeResponse, error) {
	return r.positive(ctx, req, r.svc.Like)
}

func (r *Registrar) superLike(ctx context.Context, req *SwipeRequest) (*SwipeResponse, error) {
	return r.positive(ctx, req, r.svc.SuperLike)
}

func (r *Registrar) positive(ctx context.Context, req *SwipeRequest, fn func(context.Context, uint64, uint64) (Outcome, error)) (*SwipeResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, caller, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	return &SwipeResponse{IsMatch: out.IsMatch, MatchID: out.MatchID, ConversationID: out.ConversationID}, nil
}

func (r *Registrar) pass(ctx context.Context, req *SwipeRequest) (*SwipeResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.svc.Pass(ctx, caller, req.TargetUserID); err != nil {
		return nil, err
	}
	return &SwipeResponse{}, nil
}

func (r *Registrar) listLikedYou(ctx context.Context, req *ListLikedYouRequest) (*ListLikedYouResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	rows, next, err := r.svc.ListLikedYou(ctx, caller, req.PaginationToken, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListLikedYouResponse{Likers: likerViews(rows), NextPaginationToken: next}, nil
}

func (r *Registrar) listNewLikedYou(ctx context.Context, req *ListLikedYouRequest) (*ListLikedYouResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	rows, next, err := r.svc.ListNewLikedYou(ctx, caller, req.PaginationToken, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListLikedYouResponse{Likers: likerViews(rows), NextPaginationToken: next}, nil
}

func (r *Registrar) countLikedYou(ctx context.Context, _ *CountLikedYouRequest) (*CountLikedYouResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	n, err := r.svc.CountLikedYou(ctx, caller)
	if err != nil {
		return nil, err
	}
	return &CountLikedYouResponse{Count: uint64(n)}, nil
}
