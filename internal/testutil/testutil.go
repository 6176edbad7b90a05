// Package testutil builds isolated test environments: an in-memory SQLite
// store, a miniredis instance and recording fakes for every collaborator.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-connect/internal/app"
	"github.com/oggyb/muzz-connect/internal/async"
	"github.com/oggyb/muzz-connect/internal/cache"
	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/logger"
)

// Epoch is the fixed start time of every test clock.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Config returns a configuration pointing at SQLite and no external brokers.
func Config(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.App.ENV = "test"
	cfg.App.NodeID = 1
	cfg.Log.SQLLevel = "silent"
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.DB.Replicas = nil
	cfg.DB.MaxOpen = 1
	cfg.DB.MaxIdle = 1
	cfg.Kafka.Brokers = nil
	cfg.Matching.PresenceScope = "matches"
	return cfg
}

// NewDB opens a migrated in-memory database private to the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	return newDB(t, Config(t))
}

// NewReplicatedDB opens a primary with one read replica. The replica is
// migrated but never receives writes, so any read routed to it sees an empty
// store.
func NewReplicatedDB(t *testing.T) *gorm.DB {
	t.Helper()
	replica := Config(t)
	replica.DB.DSN = strings.Replace(replica.DB.DSN, "?", "_replica?", 1)
	newDB(t, replica)

	cfg := Config(t)
	cfg.DB.Replicas = []string{replica.DB.DSN}
	return newDB(t, cfg)
}

func newDB(t *testing.T, cfg *config.Config) *gorm.DB {
	t.Helper()
	gdb, err := db.NewDB(cfg)
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

// NewRedis starts a miniredis and returns a cache bound to it.
func NewRedis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	rc := cache.NewRedisCache(cfg)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

// Env is a fully wired AppContext plus handles on its fakes.
type Env struct {
	App       *app.AppContext
	DB        *gorm.DB
	Redis     *miniredis.Miniredis
	Clock     *Clock
	Notifier  *Notifier
	Analytics *Analytics
	Media     *MediaStore
}

// NewEnv wires an AppContext with synchronous side effects and a fixed clock.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	cfg := Config(t)
	gdb := newDB(t, cfg)
	rc, mr := NewRedis(t)
	log := logger.Nop()

	appCtx, err := app.New(cfg, gdb, rc, log, async.Inline{Log: log})
	require.NoError(t, err)

	env := &Env{
		App:       appCtx,
		DB:        gdb,
		Redis:     mr,
		Clock:     NewClock(Epoch),
		Notifier:  &Notifier{},
		Analytics: &Analytics{},
		Media:     &MediaStore{},
	}
	appCtx.Clock = env.Clock.Now
	appCtx.External.Notifier = env.Notifier
	appCtx.External.Analytics = env.Analytics
	appCtx.External.Media = env.Media
	t.Cleanup(func() { appCtx.Registry.Shutdown(context.Background()) })
	return env
}

// User fills the fields a test rarely cares about.
func User(id uint64, gender string) db.User {
	return db.User{
		ID:           id,
		Username:     fmt.Sprintf("user%d", id),
		Email:        fmt.Sprintf("u%d@test.com", id),
		PasswordHash: "x",
		Gender:       gender,
		BirthDate:    time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:       true,
		Discoverable: true,
	}
}

// CreateUsers inserts users or fails the test.
func CreateUsers(t *testing.T, gdb *gorm.DB, users ...db.User) {
	t.Helper()
	require.NoError(t, gdb.Create(&users).Error)
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Notification is one recorded Notify call.
type Notification struct {
	UserID  uint64
	Kind    string
	Payload any
}

type Notifier struct {
	mu    sync.Mutex
	calls []Notification
	Err   error
}

func (n *Notifier) Notify(_ context.Context, userID uint64, kind string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, Notification{UserID: userID, Kind: kind, Payload: payload})
	return n.Err
}

func (n *Notifier) Calls() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.calls...)
}

// For returns the notifications sent to userID.
func (n *Notifier) For(userID uint64) []Notification {
	var out []Notification
	for _, c := range n.Calls() {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

type Analytics struct {
	mu     sync.Mutex
	events []external.AnalyticsEvent
	Err    error
}

func (a *Analytics) Track(_ context.Context, ev external.AnalyticsEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return a.Err
}

func (a *Analytics) Events() []external.AnalyticsEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]external.AnalyticsEvent(nil), a.events...)
}

type MediaStore struct {
	mu      sync.Mutex
	uploads int
	Err     error
}

func (m *MediaStore) UploadMedia(_ context.Context, data []byte, kind string) (external.MediaRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return external.MediaRef{}, m.Err
	}
	m.uploads++
	url := fmt.Sprintf("https://media.test/%s/%d", kind, m.uploads)
	return external.MediaRef{URL: url, ThumbnailURL: url + "/thumb"}, nil
}

func (m *MediaStore) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// BioScorer returns a fixed score or error.
type BioScorer struct {
	Score float64
	Err   error
}

func (b BioScorer) ScoreBio(context.Context, string, string) (float64, error) {
	return b.Score, b.Err
}

// Sink records frames written to a presence session.
type Sink struct {
	mu     sync.Mutex
	frames []json.RawMessage
	closed bool
}

func (s *Sink) WriteFrame(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append(json.RawMessage(nil), frame...))
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frame is a decoded push event.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Sink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, 0, len(s.frames))
	for _, raw := range s.frames {
		var f Frame
		_ = json.Unmarshal(raw, &f)
		out = append(out, f)
	}
	return out
}

// OfType returns the frames with the given event type.
func (s *Sink) OfType(typ string) []Frame {
	var out []Frame
	for _, f := range s.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// Deferred is an async.Runner that holds tasks until the test runs them, so
// side effects can be applied in any order.
type Deferred struct {
	mu    sync.Mutex
	tasks []deferredTask
}

type deferredTask struct {
	name string
	fn   func(ctx context.Context)
}

func (d *Deferred) Go(_ context.Context, name string, task func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, deferredTask{name: name, fn: task})
}

// Pending lists the queued task names in submission order.
func (d *Deferred) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.tasks))
	for i, t := range d.tasks {
		out[i] = t.name
	}
	return out
}

// Run runs and removes the oldest queued task with the given name. It
// reports false when none is queued.
func (d *Deferred) Run(ctx context.Context, name string) bool {
	d.mu.Lock()
	var fn func(ctx context.Context)
	for i, t := range d.tasks {
		if t.name == name {
			fn = t.fn
			d.tasks = append(d.tasks[:i], d.tasks[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ctx)
	return true
}
