package db

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

const (
	GenderMale     = "male"
	GenderFemale   = "female"
	GenderEveryone = "everyone"
)

// Lifestyle holds the profile habits compared by discovery scoring.
// Empty fields mean "not answered" and are skipped.
type Lifestyle struct {
	Smoking  string `json:"smoking,omitempty"`
	Drinking string `json:"drinking,omitempty"`
	Exercise string `json:"exercise,omitempty"`
	Diet     string `json:"diet,omitempty"`
	Pets     string `json:"pets,omitempty"`
}

// User table
type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	Active       bool   `gorm:"not null;index:idx_users_discovery,priority:1"`
	Discoverable bool   `gorm:"not null;index:idx_users_discovery,priority:2"`
	Verified     bool   `gorm:"not null"`
	LastLoginAt  *time.Time
	Gender       string    `gorm:"size:16;not null;index:idx_users_discovery,priority:3"`
	BirthDate    time.Time `gorm:"not null"`
	Latitude     *float64
	Longitude    *float64

	Bio       string                        `gorm:"size:1000"`
	Interests datatypes.JSONSlice[string]   `gorm:"type:json"`
	Values    datatypes.JSONSlice[string]   `gorm:"column:core_values;type:json"`
	Lifestyle datatypes.JSONType[Lifestyle] `gorm:"type:json"`
	Career    string                        `gorm:"size:128"`
	Education string                        `gorm:"size:128"`

	SuperLikesRemaining int        `gorm:"not null"`
	BoostsRemaining     int        `gorm:"not null"`
	BoostedUntil        *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Age in whole years at the given instant.
func (u *User) Age(now time.Time) int {
	years := now.Year() - u.BirthDate.Year()
	if now.Month() < u.BirthDate.Month() ||
		(now.Month() == u.BirthDate.Month() && now.Day() < u.BirthDate.Day()) {
		years--
	}
	return years
}

// MatchingPreference is a user's discovery filter. At most one row per user.
type MatchingPreference struct {
	UserID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	MinAge        int    `gorm:"not null"`
	MaxAge        int    `gorm:"not null"`
	MaxDistanceKm *float64
	InterestedIn  string    `gorm:"size:16;not null"`
	VerifiedOnly  bool      `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// DefaultPreference is applied when a user never saved preferences.
func DefaultPreference(userID uint64) MatchingPreference {
	return MatchingPreference{UserID: userID, MinAge: 18, MaxAge: 99, InterestedIn: GenderEveryone}
}

type SwipeKind string

const (
	SwipeLike      SwipeKind = "like"
	SwipePass      SwipeKind = "pass"
	SwipeSuperLike SwipeKind = "super_like"
)

// SwipeAction is an append-only interest edge.
//
// Composite PK: (ActorID, TargetID, Kind)
//   - An actor can act at most once per kind on a target; duplicates are
//     absorbed with ON CONFLICT DO NOTHING.
//
// Indexes:
//   - idx_swipe_target_kind_created(target_id, kind, created_at DESC, actor_id)
//     serves "who liked me" listings with pagination.
type SwipeAction struct {
	ActorID   uint64    `gorm:"primaryKey;autoIncrement:false"`
	TargetID  uint64    `gorm:"primaryKey;autoIncrement:false;index:idx_swipe_target_kind_created,priority:1"`
	Kind      SwipeKind `gorm:"primaryKey;size:16;index:idx_swipe_target_kind_created,priority:2"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_swipe_target_kind_created,priority:3,sort:desc"`
}

// Block hides two users from each other in both directions.
type Block struct {
	BlockerID uint64    `gorm:"primaryKey;autoIncrement:false"`
	BlockedID uint64    `gorm:"primaryKey;autoIncrement:false;index"`
	Reason    string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

type MatchStatus string

const (
	MatchActive    MatchStatus = "active"
	MatchExpired   MatchStatus = "expired"
	MatchUnmatched MatchStatus = "unmatched"
)

// Match between two users, UserAID < UserBID.
//
// ActiveKey is "<lo>:<hi>" while the match is active and NULL afterwards.
// Its unique index allows at most one active match per unordered pair while
// letting the pair match again after expiry or unmatch.
type Match struct {
	ID               uint64      `gorm:"primaryKey;autoIncrement:false"`
	UserAID          uint64      `gorm:"not null;index"`
	UserBID          uint64      `gorm:"not null;index"`
	ActiveKey        *string     `gorm:"size:64;uniqueIndex"`
	Status           MatchStatus `gorm:"size:16;not null"`
	IsActive         bool        `gorm:"not null;index:idx_match_active_expires,priority:1"`
	IsSuperLikeMatch bool        `gorm:"not null"`
	ExpiresAt        time.Time   `gorm:"not null;index:idx_match_active_expires,priority:2"`
	UnmatchedAt      *time.Time
	UnmatchedBy      *uint64
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// PairKey is the canonical unordered key of two users.
func PairKey(a, b uint64) (lo, hi uint64, key string) {
	lo, hi = a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, fmt.Sprintf("%d:%d", lo, hi)
}

// Peer returns the other participant.
func (m *Match) Peer(userID uint64) uint64 {
	if m.UserAID == userID {
		return m.UserBID
	}
	return m.UserAID
}

func (m *Match) HasParticipant(userID uint64) bool {
	return m.UserAID == userID || m.UserBID == userID
}

// Conversation is created together with its match and shares its lifetime.
// LastSeq is the per-conversation message sequence allocator.
type Conversation struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement:false"`
	MatchID       uint64 `gorm:"not null;uniqueIndex"`
	UserAID       uint64 `gorm:"not null;index"`
	UserBID       uint64 `gorm:"not null;index"`
	IsActive      bool   `gorm:"not null"`
	LastSeq       uint64 `gorm:"not null"`
	LastMessageAt *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (c *Conversation) HasParticipant(userID uint64) bool {
	return c.UserAID == userID || c.UserBID == userID
}

func (c *Conversation) Peer(userID uint64) uint64 {
	if c.UserAID == userID {
		return c.UserBID
	}
	return c.UserAID
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageGIF   MessageType = "gif"
)

// IsMedia reports whether the type carries an uploaded attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio:
		return true
	}
	return false
}

// Message is append-only. Deletion is a tombstone: content and media are
// cleared, ID and Seq stay.
type Message struct {
	ID             uint64      `gorm:"primaryKey;autoIncrement:false"`
	ConversationID uint64      `gorm:"not null;uniqueIndex:idx_message_conv_seq,priority:1"`
	Seq            uint64      `gorm:"not null;uniqueIndex:idx_message_conv_seq,priority:2"`
	SenderID       uint64      `gorm:"not null;index"`
	Type           MessageType `gorm:"size:16;not null"`
	Content        string      `gorm:"type:text"`
	MediaURL       string      `gorm:"size:512"`
	ThumbnailURL   string      `gorm:"size:512"`
	IsDeleted      bool        `gorm:"not null"`
	EditedAt       *time.Time
	RemovedAt      *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// MessageRead records that a user read a message. Insert-once.
type MessageRead struct {
	MessageID      uint64    `gorm:"primaryKey;autoIncrement:false"`
	UserID         uint64    `gorm:"primaryKey;autoIncrement:false;index:idx_read_user_conv,priority:1"`
	ConversationID uint64    `gorm:"not null;index:idx_read_user_conv,priority:2"`
	ReadAt         time.Time `gorm:"not null"`
}

// MessageReaction keeps one reaction per (message, user); a new one replaces it.
type MessageReaction struct {
	MessageID uint64    `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint64    `gorm:"primaryKey;autoIncrement:false"`
	Reaction  string    `gorm:"size:32;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&User{},
		&MatchingPreference{},
		&SwipeAction{},
		&Block{},
		&Match{},
		&Conversation{},
		&Message{},
		&MessageRead{},
		&MessageReaction{},
	}
}
