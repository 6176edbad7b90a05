package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/logger"
)

func TestJWTIdentity_RoundTrip(t *testing.T) {
	ctx := context.Background()
	id := NewJWTIdentity("s3cret", "muzz")

	token, err := id.Issue(42, time.Minute)
	require.NoError(t, err)

	userID, err := id.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), userID)
}

func TestJWTIdentity_Rejects(t *testing.T) {
	ctx := context.Background()
	id := NewJWTIdentity("s3cret", "muzz")

	other, _ := NewJWTIdentity("different", "muzz").Issue(42, time.Minute)
	expired, _ := id.Issue(42, -time.Minute)
	wrongIssuer, _ := NewJWTIdentity("s3cret", "someone-else").Issue(42, time.Minute)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong secret": other,
		"expired":      expired,
		"wrong issuer": wrongIssuer,
	} {
		_, err := id.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthenticated, name)
	}
}

func setupQuotaDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func TestGormQuota_SuperLike(t *testing.T) {
	ctx := context.Background()
	gdb := setupQuotaDB(t)
	require.NoError(t, gdb.Create(&db.User{ID: 1, Username: "a", Email: "a@x", PasswordHash: "x", Gender: "male", SuperLikesRemaining: 1}).Error)
	q := NewGormQuota(gdb)

	ok, err := q.TryConsumeSuperLike(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.TryConsumeSuperLike(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "counter is exhausted")

	require.NoError(t, q.RefundSuperLike(ctx, 1))
	ok, _ = q.TryConsumeSuperLike(ctx, 1)
	assert.True(t, ok)
}

func TestGormQuota_Boost(t *testing.T) {
	ctx := context.Background()
	gdb := setupQuotaDB(t)
	require.NoError(t, gdb.Create(&db.User{ID: 1, Username: "a", Email: "a@x", PasswordHash: "x", Gender: "male", BoostsRemaining: 1}).Error)
	q := NewGormQuota(gdb)

	until := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Millisecond)
	ok, err := q.TryConsumeBoost(ctx, 1, until)
	require.NoError(t, err)
	assert.True(t, ok)

	var u db.User
	require.NoError(t, gdb.First(&u, 1).Error)
	assert.Equal(t, 0, u.BoostsRemaining)
	require.NotNil(t, u.BoostedUntil)
	assert.True(t, u.BoostedUntil.Equal(until))

	ok, _ = q.TryConsumeBoost(ctx, 1, until)
	assert.False(t, ok)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_Publishes(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{pub: newKafkaPublisher(w, "test", logger.Nop())}

	require.NoError(t, n.Notify(context.Background(), 7, NotifyNewMatch, map[string]string{"match_id": "9"}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
	assert.Equal(t, "7", body["user_id"])
	assert.Equal(t, NotifyNewMatch, body["kind"])
}

func TestKafkaPublisher_BreakerOpens(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	a := &KafkaAnalytics{pub: newKafkaPublisher(w, "test", logger.Nop())}

	for i := 0; i < 5; i++ {
		assert.Error(t, a.Track(context.Background(), AnalyticsEvent{Name: "x", UserID: 1}))
	}
	err := a.Track(context.Background(), AnalyticsEvent{Name: "x", UserID: 1})
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

type fakePutter struct {
	objects map[string][]byte
	err     error
}

func (p *fakePutter) PutObject(_ context.Context, _, object string, r *bytes.Reader, _ int64, _ string) error {
	if p.err != nil {
		return p.err
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(r)
	p.objects[object] = buf.Bytes()
	return nil
}

func TestMinioMediaStore_Upload(t *testing.T) {
	put := &fakePutter{objects: map[string][]byte{}}
	s := newMediaStore(put, "media", "http://cdn.local/media/", time.Second, logger.Nop())

	ref, err := s.UploadMedia(context.Background(), []byte("\x89PNG\r\n\x1a\nrest"), "image")
	require.NoError(t, err)
	assert.Contains(t, ref.URL, "http://cdn.local/media/messages/image/")
	assert.Equal(t, ref.URL, ref.ThumbnailURL)
	assert.Len(t, put.objects, 1)

	_, err = s.UploadMedia(context.Background(), nil, "image")
	assert.Error(t, err)
}

func TestMinioMediaStore_UploadFailure(t *testing.T) {
	put := &fakePutter{err: errors.New("s3 unavailable")}
	s := newMediaStore(put, "media", "http://cdn.local/media", time.Second, logger.Nop())

	_, err := s.UploadMedia(context.Background(), []byte("abc"), "audio")
	assert.Error(t, err)
}
