package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/oggyb/muzz-connect/internal/db"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/presence"
	"github.com/oggyb/muzz-connect/internal/service/messaging"
)

const (
	kindRateLimited = "rate_limited"
	kindBusy        = "busy"
)

// connSink adapts a gorilla connection to presence.Sink. Only the session's
// writer calls WriteFrame; pings go through WriteControl, which gorilla
// allows concurrently.
type connSink struct {
	conn *websocket.Conn
}

func (s *connSink) WriteFrame(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *connSink) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// client owns one connection.
//
//   - readLoop parses and rate limits frames, never touching the store;
//   - work runs commands one at a time, in arrival order, and drains the
//     queue after the connection is gone;
//   - replies and pushes share the session queue, so they stay ordered.
type client struct {
	h        *Handler
	conn     *websocket.Conn
	sess     *presence.Session
	origin   messaging.Origin
	limiter  *rate.Limiter
	commands chan Envelope
	log      *slog.Logger
}

func (c *client) readLoop() {
	opts := c.h.opts
	c.conn.SetReadLimit(opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))

		if !c.limiter.Allow() {
			c.replyError("", kindRateLimited, "too many frames")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.replyError("", string(svcErr.KindInvalidArgument), "invalid frame format")
			continue
		}

		select {
		case c.commands <- env:
		default:
			c.replyError(env.ID, kindBusy, "too many commands in flight")
		}
	}
}

// work runs until readLoop has returned and serve closed the queue. Commands
// already queued when the peer goes away still run: writes complete, session
// scoped ones are dropped.
func (c *client) work(ctx context.Context) {
	for env := range c.commands {
		if c.gone() && !persists(env.Type) {
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *client) gone() bool {
	select {
	case <-c.sess.Done():
		return true
	default:
		return false
	}
}

// persists reports whether a command writes to the store.
func persists(cmd string) bool {
	switch cmd {
	case CmdSend, CmdEdit, CmdDelete, CmdReact, CmdUnreact, CmdMarkRead:
		return true
	}
	return false
}

func (c *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.h.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sess.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.opts.PongWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) dispatch(ctx context.Context, env Envelope) {
	if persists(env.Type) {
		ctx = context.WithoutCancel(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.h.opts.CommandTimeout)
	defer cancel()

	result, err := c.run(ctx, env)
	if err != nil {
		if svcErr.KindOf(err) == svcErr.KindTransientStoreFailure || svcErr.KindOf(err) == svcErr.KindInternal {
			c.log.Error("command failed", "command", env.Type, "err", err)
		}
		c.replyError(env.ID, string(svcErr.KindOf(err)), svcErr.MessageOf(err))
		return
	}
	c.reply(presence.Event{Type: FrameAck, Data: AckData{ID: env.ID, Command: env.Type, Result: result}})
}

func (c *client) run(ctx context.Context, env Envelope) (any, error) {
	reg := c.h.registry
	switch env.Type {
	case CmdHeartbeat:
		return nil, reg.Touch(ctx, c.sess.ID)

	case CmdJoin, CmdLeave:
		var d conversationData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		if env.Type == CmdJoin {
			return nil, reg.JoinConversation(ctx, c.sess.ID, d.ConversationID)
		}
		return nil, reg.LeaveConversation(ctx, c.sess.ID, d.ConversationID)

	case CmdTyping:
		var d typingData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return nil, c.h.cmds.Typing(ctx, c.origin, d.ConversationID, d.Typing)

	case CmdSend:
		var d sendData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return c.h.cmds.SendMessage(ctx, c.origin, d.ConversationID, messaging.SendInput{
			Type:    db.MessageType(d.Type),
			Content: d.Content,
			Media:   d.Media,
		})

	case CmdEdit:
		var d editData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return c.h.cmds.EditMessage(ctx, c.origin, d.MessageID, d.Content)

	case CmdDelete:
		var d messageData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return nil, c.h.cmds.DeleteMessage(ctx, c.origin, d.MessageID)

	case CmdReact:
		var d reactData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return nil, c.h.cmds.React(ctx, c.origin, d.MessageID, d.Reaction)

	case CmdUnreact:
		var d messageData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return nil, c.h.cmds.Unreact(ctx, c.origin, d.MessageID)

	case CmdMarkRead:
		var d markReadData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		var (
			marked []uint64
			err    error
		)
		if len(d.MessageIDs) == 0 {
			marked, err = c.h.cmds.MarkConversationRead(ctx, c.origin, d.ConversationID)
		} else {
			ids, perr := messaging.ParseIDs(d.MessageIDs)
			if perr != nil {
				return nil, perr
			}
			marked, err = c.h.cmds.MarkRead(ctx, c.origin, d.ConversationID, ids)
		}
		if err != nil {
			return nil, err
		}
		return markReadResult{MessageIDs: messaging.FormatIDs(marked)}, nil
	}
	return nil, svcErr.InvalidArgument("unsupported command " + env.Type)
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return svcErr.InvalidArgument(env.Type + " requires data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return svcErr.InvalidArgument("invalid " + env.Type + " data")
	}
	return nil
}

func (c *client) replyError(id, kind, msg string) {
	c.reply(presence.Event{Type: FrameError, Data: ErrorData{ID: id, Kind: kind, Message: msg}})
}

// reply enqueues a frame for this session only. A full queue closes the
// session like any other slow consumer.
func (c *client) reply(ev presence.Event) {
	frame, err := presence.Encode(ev)
	if err != nil {
		c.log.Warn("reply encoding failed", "type", ev.Type, "err", err)
		return
	}
	c.sess.Send(frame)
}
