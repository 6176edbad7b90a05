package external

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaPublisher writes JSON records keyed by user id behind a circuit
// breaker, so a dead broker costs one fast failure instead of a timeout per
// call.
type kafkaPublisher struct {
	w   messageWriter
	cb  *gobreaker.CircuitBreaker
	log *slog.Logger
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

func newKafkaPublisher(w messageWriter, name string, log *slog.Logger) *kafkaPublisher {
	return &kafkaPublisher{w: w, cb: newBreaker(name, log), log: log}
}

func (p *kafkaPublisher) publish(ctx context.Context, key uint64, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(strconv.FormatUint(key, 10)),
			Value: body,
			Time:  time.Now(),
		})
	})
	return err
}

func (p *kafkaPublisher) Close() error { return p.w.Close() }

// KafkaNotifier hands notifications to the push pipeline through a topic.
type KafkaNotifier struct {
	pub *kafkaPublisher
}

type notification struct {
	UserID  uint64 `json:"user_id,string"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
	At      int64  `json:"at"`
}

func NewKafkaNotifier(brokers []string, topic string, log *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{pub: newKafkaPublisher(newKafkaWriter(brokers, topic), "kafka-notifier", log)}
}

func (n *KafkaNotifier) Notify(ctx context.Context, userID uint64, kind string, payload any) error {
	return n.pub.publish(ctx, userID, notification{
		UserID:  userID,
		Kind:    kind,
		Payload: payload,
		At:      time.Now().UnixMilli(),
	})
}

func (n *KafkaNotifier) Close() error { return n.pub.Close() }

// KafkaAnalytics streams tracking events to a topic.
type KafkaAnalytics struct {
	pub *kafkaPublisher
}

func NewKafkaAnalytics(brokers []string, topic string, log *slog.Logger) *KafkaAnalytics {
	return &KafkaAnalytics{pub: newKafkaPublisher(newKafkaWriter(brokers, topic), "kafka-analytics", log)}
}

func (a *KafkaAnalytics) Track(ctx context.Context, ev AnalyticsEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return a.pub.publish(ctx, ev.UserID, ev)
}

func (a *KafkaAnalytics) Close() error { return a.pub.Close() }

// ErrBreakerOpen is returned while a collaborator's breaker is open.
var ErrBreakerOpen = gobreaker.ErrOpenState

func newBreaker(name string, log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
