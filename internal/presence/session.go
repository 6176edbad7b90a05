package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oggyb/muzz-connect/internal/metrics"
)

// Sink is the transport side of a session: one ordered, bidirectional
// connection. WriteFrame is only ever called from the session's writer.
type Sink interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Session is one connected device of a user.
//
//   - queue buffers outbound frames so publishers never block on the network;
//   - a single writer goroutine drains it, which keeps per-session FIFO order;
//   - done is the close signal, closed exactly once.
type Session struct {
	ID     string
	UserID uint64

	sink         Sink
	queue        chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
	onDead       func(*Session)

	mu     sync.Mutex
	closed bool
	rooms  map[uint64]struct{}

	lastSeen atomic.Int64
}

func newSession(id string, userID uint64, sink Sink, queueSize int, writeTimeout time.Duration, onDead func(*Session)) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		sink:         sink,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		onDead:       onDead,
		rooms:        make(map[uint64]struct{}),
	}
}

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastSeen is the last heartbeat or connect time.
func (s *Session) LastSeen() time.Time { return time.UnixMilli(s.lastSeen.Load()) }

// Rooms returns the conversations the session has joined.
func (s *Session) Rooms() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// InRoom reports whether the session joined the conversation.
func (s *Session) InRoom(conversationID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversationID]
	return ok
}

// enqueue never blocks. A full queue means the client cannot keep up: the
// session is closed and the frame dropped.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- frame:
		return true
	default:
		metrics.SlowConsumersTotal.Inc()
		s.kill()
		return false
	}
}

// Send enqueues a frame addressed to this session only, such as a command
// acknowledgement.
func (s *Session) Send(frame []byte) bool { return s.enqueue(frame) }

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := s.sink.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				s.kill()
				return
			}
		}
	}
}

// close stops the writer and the transport. Idempotent.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.sink.Close()
	})
}

// kill closes the session and asks the registry to forget it.
func (s *Session) kill() {
	select {
	case <-s.done:
		return
	default:
	}
	s.close()
	if s.onDead != nil {
		go s.onDead(s)
	}
}
