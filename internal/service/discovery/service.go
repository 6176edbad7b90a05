package discovery

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oggyb/muzz-connect/internal/app"
	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/metrics"
	"github.com/oggyb/muzz-connect/internal/repository"
)

const (
	MaxCount = 100

	bioConcurrency = 8
	bioTimeout     = 2 * time.Second
)

// Candidate is one ranked profile.
type Candidate struct {
	UserID     uint64
	Age        int
	Gender     string
	Verified   bool
	Boosted    bool
	DistanceKm *float64
	Score      float64
	Breakdown  Breakdown
}

// Service ranks unseen, eligible users for a requester and manages the
// requester's discovery preferences.
type Service struct {
	appCtx *app.AppContext
	users  *repository.UserRepository
}

func NewService(appCtx *app.AppContext) *Service {
	return &Service{
		appCtx: appCtx,
		users:  repository.NewUserRepository(appCtx.DB),
	}
}

// Discover returns up to count candidates, best first.
//
// Behavior:
//   - Requester must exist and be active (NotFound); count must be positive
//     and is capped at MaxCount.
//   - Already swiped, blocked (either way) and the requester are never returned.
//   - Over-fetches count * overFetchFactor rows, boosted users first.
//   - Candidates beyond the requester's max distance are dropped; a missing
//     location on either side skips the check.
//   - Sorted by score desc, ties by user id asc.
//
// Example:
//
//	svc.Discover(ctx, 1, 10)
func (s *Service) Discover(ctx context.Context, userID uint64, count int) ([]Candidate, error) {
	if count <= 0 {
		return nil, svcErr.InvalidArgument("count must be positive")
	}
	if count > MaxCount {
		count = MaxCount
	}

	me, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !me.Active {
		return nil, svcErr.NotFound("user not found")
	}
	pref, err := s.users.GetPreference(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.appCtx.Now()
	factor := s.appCtx.Config.Matching.OverFetchFactor
	if factor < 1 {
		factor = 1
	}
	q := repository.CandidateQuery{
		RequesterID:  userID,
		MinAge:       pref.MinAge,
		MaxAge:       pref.MaxAge,
		Gender:       pref.InterestedIn,
		VerifiedOnly: pref.VerifiedOnly,
		Now:          now,
		Limit:        count * factor,
	}
	// the box prunes far users in the store so they cannot crowd the
	// over-fetch; the exact distance is checked below
	if pref.MaxDistanceKm != nil && me.Latitude != nil && me.Longitude != nil {
		box := BoundingBox(*me.Latitude, *me.Longitude, *pref.MaxDistanceKm)
		q.Within = &box
	}
	pool, err := s.users.FindCandidates(ctx, q)
	if err != nil {
		return nil, err
	}

	eligible := make([]*db.User, 0, len(pool))
	distances := make([]*float64, 0, len(pool))
	for i := range pool {
		d := DistanceKm(me, &pool[i])
		if d != nil && pref.MaxDistanceKm != nil && *d > *pref.MaxDistanceKm {
			continue
		}
		eligible = append(eligible, &pool[i])
		distances = append(distances, d)
	}

	bios := s.bioScores(ctx, me, eligible)

	out := make([]Candidate, len(eligible))
	for i, u := range eligible {
		b := Score(me, u, now, bios[i])
		out[i] = Candidate{
			UserID:     u.ID,
			Age:        u.Age(now),
			Gender:     u.Gender,
			Verified:   u.Verified,
			Boosted:    u.BoostedUntil != nil && u.BoostedUntil.After(now),
			DistanceKm: distances[i],
			Score:      b.Total(),
			Breakdown:  b,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > count {
		out = out[:count]
	}

	metrics.DiscoveryCandidates.Observe(float64(len(out)))
	s.appCtx.Logger.Debug("discovery served", "user", userID, "pool", len(pool), "returned", len(out))

	s.appCtx.Pool.Go(ctx, "analytics.discovery", func(ctx context.Context) {
		ids := make([]uint64, len(out))
		for i, c := range out {
			ids[i] = c.UserID
		}
		_ = s.appCtx.External.Analytics.Track(ctx, external.AnalyticsEvent{
			Name:       "discovery.served",
			UserID:     userID,
			Properties: map[string]any{"count": len(out), "candidate_ids": ids},
			At:         now,
		})
	})
	return out, nil
}

// bioScores asks the bio scorer about each candidate with bounded
// concurrency. Failures and missing bios score Neutral.
func (s *Service) bioScores(ctx context.Context, me *db.User, candidates []*db.User) []float64 {
	scores := make([]float64, len(candidates))
	for i := range scores {
		scores[i] = Neutral
	}
	scorer := s.appCtx.External.Bio
	if scorer == nil || me.Bio == "" {
		return scores
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bioConcurrency)
	for i, c := range candidates {
		if c.Bio == "" {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, bioTimeout)
			defer cancel()
			v, err := scorer.ScoreBio(cctx, me.Bio, c.Bio)
			if err != nil {
				s.appCtx.Logger.Debug("bio scoring failed", "candidate", c.ID, "err", err)
				return nil
			}
			scores[i] = clamp(v)
			return nil
		})
	}
	_ = g.Wait()
	return scores
}

// GetPreferences returns the saved preferences or the defaults.
func (s *Service) GetPreferences(ctx context.Context, userID uint64) (db.MatchingPreference, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return db.MatchingPreference{}, err
	}
	return s.users.GetPreference(ctx, userID)
}

// UpsertPreferences validates and stores the whole preference row.
func (s *Service) UpsertPreferences(ctx context.Context, p db.MatchingPreference) (db.MatchingPreference, error) {
	if err := validatePreference(&p); err != nil {
		return p, err
	}
	if err := s.requireUser(ctx, p.UserID); err != nil {
		return p, err
	}
	p.UpdatedAt = s.appCtx.Now()
	if err := s.users.UpsertPreference(ctx, &p); err != nil {
		return p, err
	}
	return p, nil
}

func validatePreference(p *db.MatchingPreference) error {
	if p.InterestedIn == "" {
		p.InterestedIn = db.GenderEveryone
	}
	switch {
	case p.MinAge < 18:
		return svcErr.InvalidArgument("min_age must be at least 18")
	case p.MaxAge > 99:
		return svcErr.InvalidArgument("max_age must be at most 99")
	case p.MinAge > p.MaxAge:
		return svcErr.InvalidArgument("min_age must not exceed max_age")
	case p.MaxDistanceKm != nil && *p.MaxDistanceKm <= 0:
		return svcErr.InvalidArgument("max_distance_km must be positive")
	}
	switch p.InterestedIn {
	case db.GenderMale, db.GenderFemale, db.GenderEveryone:
	default:
		return svcErr.InvalidArgument("interested_in must be male, female or everyone")
	}
	return nil
}

// Boost spends one boost and puts the user first in other users' discovery
// until the returned instant.
func (s *Service) Boost(ctx context.Context, userID uint64) (time.Time, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return time.Time{}, err
	}
	until := s.appCtx.Now().Add(s.appCtx.Config.Matching.BoostDuration)
	ok, err := s.appCtx.External.Quota.TryConsumeBoost(ctx, userID, until)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, svcErr.InsufficientQuota("no boosts left")
	}
	s.appCtx.Logger.Info("boost activated", "user", userID, "until", until)
	return until, nil
}

func (s *Service) requireUser(ctx context.Context, userID uint64) error {
	ok, err := s.users.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return svcErr.NotFound("user not found")
	}
	return nil
}
