package discovery

import (
	"context"

	"google.golang.org/grpc"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/server"
)

// ServiceName is the gRPC service name of the discovery API.
const ServiceName = "muzz.connect.v1.DiscoveryService"

type DiscoverRequest struct {
	Count int `json:"count"`
}

type CandidateView struct {
	UserID     uint64    `json:"user_id,string"`
	Age        int       `json:"age"`
	Gender     string    `json:"gender"`
	Verified   bool      `json:"verified"`
	Boosted    bool      `json:"boosted"`
	DistanceKm *float64  `json:"distance_km,omitempty"`
	Score      float64   `json:"score"`
	Breakdown  Breakdown `json:"breakdown"`
}

type DiscoverResponse struct {
	Candidates []CandidateView `json:"candidates"`
}

type Preferences struct {
	MinAge        int      `json:"min_age"`
	MaxAge        int      `json:"max_age"`
	MaxDistanceKm *float64 `json:"max_distance_km,omitempty"`
	InterestedIn  string   `json:"interested_in"`
	VerifiedOnly  bool     `json:"verified_only"`
}

type GetPreferencesRequest struct{}

type BoostRequest struct{}

type BoostResponse struct {
	BoostedUntil int64 `json:"boosted_until"`
}

// Registrar ties the discovery service into the gRPC server
type Registrar struct {
	svc *Service
}

func NewRegistrar(svc *Service) *Registrar {
	return &Registrar{svc: svc}
}

// Register attaches the discovery service implementation to the gRPC server
func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(server.NewServiceDesc(ServiceName,
		server.Unary(ServiceName, "Discover", r.discover),
		server.Unary(ServiceName, "GetPreferences", r.getPreferences),
		server.Unary(ServiceName, "UpsertPreferences", r.upsertPreferences),
		server.Unary(ServiceName, "Boost", r.boost),
	), nil)
}

func (r *Registrar) discover(ctx context.Context, req *DiscoverRequest) (*DiscoverResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	cands, err := r.svc.Discover(ctx, caller, req.Count)
	if err != nil {
		return nil, err
	}
	resp := &DiscoverResponse{Candidates: make([]CandidateView, 0, len(cands))}
	for _, c := range cands {
		resp.Candidates = append(resp.Candidates, CandidateView(c))
	}
	return resp, nil
}

func (r *Registrar) getPreferences(ctx context.Context, _ *GetPreferencesRequest) (*Preferences, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := r.svc.GetPreferences(ctx, caller)
	if err != nil {
		return nil, err
	}
	return preferencesView(p), nil
}

func (r *Registrar) upsertPreferences(ctx context.Context, req *Preferences) (*Preferences, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := r.svc.UpsertPreferences(ctx, db.MatchingPreference{
		UserID:        caller,
		MinAge:        req.MinAge,
		MaxAge:        req.MaxAge,
		MaxDistanceKm: req.MaxDistanceKm,
		InterestedIn:  req.InterestedIn,
		VerifiedOnly:  req.VerifiedOnly,
	})
	if err != nil {
		return nil, err
	}
	return preferencesView(p), nil
}

func (r *Registrar) boost(ctx context.Context, _ *BoostRequest) (*BoostResponse, error) {
	caller, err := server.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	until, err := r.svc.Boost(ctx, caller)
	if err != nil {
		return nil, err
	}
	return &BoostResponse{BoostedUntil: until.UnixMilli()}, nil
}

func preferencesView(p db.MatchingPreference) *Preferences {
	return &Preferences{
		MinAge:        p.MinAge,
		MaxAge:        p.MaxAge,
		MaxDistanceKm: p.MaxDistanceKm,
		InterestedIn:  p.InterestedIn,
		VerifiedOnly:  p.VerifiedOnly,
	}
}
