package tdfs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AlertSink forwards an accepted alert to an external system.
type AlertSink interface {
	Publish(ctx context.Context, alert Alert) error
	Close() error
}

const sinkTimeout = 3 * time.Second

// AlertLog is the NameNode's append-only, in-memory alert list.
type AlertLog struct {
	mu     sync.Mutex
	alerts []Alert
	sinks  []AlertSink
	log    zerolog.Logger
	now    func() time.Time
}

func NewAlertLog(log zerolog.Logger, sinks ...AlertSink) *AlertLog {
	return &AlertLog{log: log, sinks: sinks, now: time.Now}
}

// Append stamps a with an id and the server time, stores it and forwards it to
// every sink. Sink failures are logged and never reject the alert.
func (l *AlertLog) Append(ctx context.Context, a Alert) Alert {
	a.ID = uuid.NewString()
	a.Timestamp = l.now().UTC()
	if a.DownNodes == nil {
		a.DownNodes = []string{}
	}
	if a.MissingBlocks == nil {
		a.MissingBlocks = []string{}
	}

	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()

	for _, sink := range l.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := sink.Publish(sctx, a); err != nil {
			l.log.Warn().Err(err).Str("alert", a.ID).Msg("alert sink publish failed")
		}
		cancel()
	}
	l.log.Warn().
		Str("alert", a.ID).
		Str("user", a.User).
		Str("filename", a.Filename).
		Strs("down_nodes", a.DownNodes).
		Int("missing", len(a.MissingBlocks)).
		Msg(a.Reason)
	return a
}

// List returns a copy of all alerts in arrival order.
func (l *AlertLog) List() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

func (l *AlertLog) Close() error {
	var first error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RedisAlertSink pushes alerts as JSON onto a Redis list.
type RedisAlertSink struct {
	client *redis.Client
	key    string
}

func NewRedisAlertSink(ctx context.Context, addr, key string) (*RedisAlertSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisAlertSink{client: client, key: key}, nil
}

func (s *RedisAlertSink) Publish(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key, body).Err()
}

func (s *RedisAlertSink) Close() error {
	return s.client.Close()
}

// AMQPAlertSink publishes alerts as persistent JSON messages to a durable queue.
type AMQPAlertSink struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

func NewAMQPAlertSink(url, queue string) (*AMQPAlertSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPAlertSink{conn: conn, channel: ch, queue: queue}, nil
}

func (s *AMQPAlertSink) Publish(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	// a channel must not be used by two publishers at once
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    alert.ID,
		Timestamp:    alert.Timestamp,
		Body:         body,
	})
}

func (s *AMQPAlertSink) Close() error {
	s.channel.Close()
	return s.conn.Close()
}
