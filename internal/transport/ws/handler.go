// Package ws is the WebSocket session transport: it authenticates the
// handshake, binds each connection to a presence session and turns inbound
// command frames into calls on the messaging core.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/presence"
	"github.com/oggyb/muzz-connect/internal/service/messaging"
)

// Commands is the messaging surface reachable from a live session.
// Implemented by messaging.Service.
type Commands interface {
	SendMessage(ctx context.Context, origin messaging.Origin, conversationID uint64, in messaging.SendInput) (*messaging.MessageView, error)
	EditMessage(ctx context.Context, origin messaging.Origin, messageID uint64, content string) (*messaging.MessageView, error)
	DeleteMessage(ctx context.Context, origin messaging.Origin, messageID uint64) error
	React(ctx context.Context, origin messaging.Origin, messageID uint64, reaction string) error
	Unreact(ctx context.Context, origin messaging.Origin, messageID uint64) error
	MarkRead(ctx context.Context, origin messaging.Origin, conversationID uint64, messageIDs []uint64) ([]uint64, error)
	MarkConversationRead(ctx context.Context, origin messaging.Origin, conversationID uint64) ([]uint64, error)
	Typing(ctx context.Context, origin messaging.Origin, conversationID uint64, typing bool) error
}

type Options struct {
	// FramesPerSecond and FrameBurst bound inbound frames per connection.
	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
	PongWait        time.Duration
	PingPeriod      time.Duration
	CommandQueue    int
	CommandTimeout  time.Duration
	CheckOrigin     func(*http.Request) bool
	Logger          *slog.Logger
}

func (o *Options) withDefaults() {
	if o.FramesPerSecond <= 0 {
		o.FramesPerSecond = 20
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 40
	}
	if o.MaxFrameBytes <= 0 {
		// base64 media rides inside send frames
		o.MaxFrameBytes = 16 << 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.CommandQueue <= 0 {
		o.CommandQueue = 32
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 15 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Handler serves GET /ws.
type Handler struct {
	registry *presence.Registry
	identity external.Identity
	cmds     Commands
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(registry *presence.Registry, identity external.Identity, cmds Commands, opts Options) *Handler {
	opts.withDefaults()
	return &Handler{
		registry: registry,
		identity: identity,
		cmds:     cmds,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		log: opts.Logger.With("component", "ws"),
	}
}

// ServeHTTP authenticates before upgrading, so a bad token is a plain HTTP
// 401 rather than a closed socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeHTTPError(w, http.StatusUnauthorized, "missing token")
		return
	}
	userID, err := h.identity.Authenticate(r.Context(), token)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, "token invalid or expired")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		h.log.Warn("websocket upgrade failed", "user", userID, "err", err)
		return
	}
	h.serve(conn, userID)
}

func (h *Handler) serve(conn *websocket.Conn, userID uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := h.registry.Connect(ctx, userID, &connSink{conn: conn})
	c := &client{
		h:        h,
		conn:     conn,
		sess:     sess,
		origin:   messaging.Origin{UserID: userID, SessionID: sess.ID},
		limiter:  rate.NewLimiter(rate.Limit(h.opts.FramesPerSecond), h.opts.FrameBurst),
		commands: make(chan Envelope, h.opts.CommandQueue),
		log:      h.log.With("session", sess.ID, "user", userID),
	}
	c.log.Info("websocket connected")

	go c.pingLoop(ctx)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		c.work(ctx)
	}()
	c.readLoop()

	// leave every room first so nothing fans out to the dead session, then
	// let work finish the commands it already accepted
	h.registry.Disconnect(context.Background(), sess.ID)
	close(c.commands)
	<-drained
	c.log.Info("websocket disconnected")
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("token")
}

func writeHTTPError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg})
}
