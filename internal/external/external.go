// Package external holds the collaborators the core consumes but does not
// own: identity, quota, notification dispatch, media storage, analytics and
// bio scoring.
package external

import (
	"context"
	"errors"
	"time"
)

// Identity resolves an opaque credential to a user id.
type Identity interface {
	Authenticate(ctx context.Context, token string) (uint64, error)
}

// Quota guards the consumable counters on a user's subscription.
type Quota interface {
	TryConsumeSuperLike(ctx context.Context, userID uint64) (bool, error)
	RefundSuperLike(ctx context.Context, userID uint64) error
	TryConsumeBoost(ctx context.Context, userID uint64, until time.Time) (bool, error)
}

// Notification kinds sent to offline users.
const (
	NotifyNewMatch   = "new_match"
	NotifyNewMessage = "new_message"
)

// Notifier dispatches push notifications. Callers treat it as fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, userID uint64, kind string, payload any) error
}

// MediaRef locates uploaded media.
type MediaRef struct {
	URL          string
	ThumbnailURL string
}

// MediaStore uploads message attachments.
type MediaStore interface {
	UploadMedia(ctx context.Context, data []byte, kind string) (MediaRef, error)
}

// BioScorer rates two free-text bios for compatibility in [0,1].
type BioScorer interface {
	ScoreBio(ctx context.Context, bioA, bioB string) (float64, error)
}

// AnalyticsEvent is one fire-and-forget tracking record.
type AnalyticsEvent struct {
	Name       string         `json:"name"`
	UserID     uint64         `json:"user_id,string"`
	Properties map[string]any `json:"properties,omitempty"`
	At         time.Time      `json:"at"`
}

// Analytics sinks tracking events.
type Analytics interface {
	Track(ctx context.Context, ev AnalyticsEvent) error
}

// NopNotifier drops notifications. Used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, uint64, string, any) error { return nil }

// ErrMediaUnavailable is returned when no media store is configured.
var ErrMediaUnavailable = errors.New("media store not configured")

// UnavailableMedia rejects every upload.
type UnavailableMedia struct{}

func (UnavailableMedia) UploadMedia(context.Context, []byte, string) (MediaRef, error) {
	return MediaRef{}, ErrMediaUnavailable
}

// NopAnalytics drops events.
type NopAnalytics struct{}

func (NopAnalytics) Track(context.Context, AnalyticsEvent) error { return nil }
