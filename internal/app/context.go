package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-connect/internal/async"
	"github.com/oggyb/muzz-connect/internal/cache"
	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/presence"
	"github.com/oggyb/muzz-connect/internal/repository"
)

// Collaborators are the services this process talks to but does not own.
// Bio may be nil; discovery then scores bios as neutral.
type Collaborators struct {
	Quota     external.Quota
	Notifier  external.Notifier
	Media     external.MediaStore
	Bio       external.BioScorer
	Analytics external.Analytics
}

// AppContext holds shared dependencies (DB, Redis, Logger, etc.)
type AppContext struct {
	Config     *config.Config
	DB         *gorm.DB
	RedisCache *cache.RedisCache
	Logger     *slog.Logger
	IDs        *snowflake.Node
	Pool       async.Runner
	Clock      func() time.Time

	External  Collaborators
	Directory *repository.ConversationDirectory
	Registry  *presence.Registry
}

// New creates a new AppContext.
//
// Behavior:
//   - Builds the snowflake node from cfg.App.NodeID.
//   - Wires the presence registry to the conversation directory, the match
//     store (presence peers) and Redis (presence mirror).
//   - Collaborators default to the DB-backed quota, no-op notifier and
//     analytics and a media store that rejects uploads; cmd/server replaces
//     them with the Kafka/MinIO ones.
func New(cfg *config.Config, database *gorm.DB, rdb *cache.RedisCache, logger *slog.Logger, pool async.Runner) (*AppContext, error) {
	node, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.App.NodeID, err)
	}
	if pool == nil {
		pool = async.Inline{Log: logger}
	}

	a := &AppContext{
		Config:     cfg,
		DB:         database,
		RedisCache: rdb,
		Logger:     logger,
		IDs:        node,
		Pool:       pool,
		Clock:      Now,
		External: Collaborators{
			Quota:     external.NewGormQuota(database),
			Notifier:  external.NopNotifier{},
			Media:     external.UnavailableMedia{},
			Analytics: external.NopAnalytics{},
		},
	}

	a.Directory = repository.NewConversationDirectory(repository.NewConversationRepository(database), 10_000, time.Minute)

	opts := presence.Options{
		QueueSize:    cfg.Matching.SessionQueueSize,
		WriteTimeout: 5 * time.Second,
		Scope:        presence.Scope(cfg.Matching.PresenceScope),
		Peers:        repository.NewMatchRepository(database, node),
		Runner:       pool,
		Logger:       logger,
		Clock:        a.Now,
	}
	if rdb != nil {
		opts.Mirror = rdb
	}
	a.Registry = presence.NewRegistry(a.Directory, opts)
	return a, nil
}

// Now returns the application clock reading.
func (a *AppContext) Now() time.Time {
	if a.Clock == nil {
		return Now()
	}
	return a.Clock()
}

// Now is the default clock: UTC at millisecond precision, matching what the
// store persists.
func Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
