// Package subscription streams remote board changes from Redis pub/sub.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/session"
)

// Channel returns the pub/sub channel carrying changes of one table of a
// board.
func Channel(boardID, table string) string {
	return fmt.Sprintf("board:%s:%s", boardID, table)
}

// Channels returns every channel a board's changes are published on.
func Channels(boardID string) []string {
	return []string{Channel(boardID, domain.TableColumns), Channel(boardID, domain.TableTasks)}
}

// Backoff bounds the delay between resubscribe attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Initial
	}
	d *= 2
	if d > b.Max {
		return b.Max
	}
	return d
}

// Option configures a RedisStream.
type Option func(*RedisStream)

// WithBackoff sets the resubscribe delays.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *RedisStream) {
		if initial > 0 {
			s.backoff.Initial = initial
		}
		if max >= s.backoff.Initial {
			s.backoff.Max = max
		}
	}
}

// RedisStream is a session.ChangeStream over Redis pub/sub.
type RedisStream struct {
	rc      *redis.Client
	logger  *log.Logger
	backoff Backoff
}

var _ session.ChangeStream = (*RedisStream)(nil)

// NewRedisStream creates a change stream backed by rc.
func NewRedisStream(rc *redis.Client, logger *log.Logger, opts ...Option) *RedisStream {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &RedisStream{
		rc:      rc,
		logger:  logger,
		backoff: Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops delivery and waits until the last delivered change has been
// handed over.
func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Subscribe starts delivering changes for boardID. The first subscription
// must be confirmed by Redis; later connection losses are retried in the
// background until Close.
func (s *RedisStream) Subscribe(ctx context.Context, boardID string, deliver func(domain.Change)) (session.Subscription, error) {
	channels := Channels(boardID)
	ps := s.rc.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	logger := s.logger.WithFields(log.Fields{"board": boardID, "channels": channels})
	logger.Info("subscribed")
	go s.run(runCtx, ps, channels, logger, deliver, sub.done)
	return sub, nil
}

func (s *RedisStream) run(ctx context.Context, ps *redis.PubSub, channels []string, logger *log.Entry, deliver func(domain.Change), done chan struct{}) {
	defer close(done)
	var delay time.Duration
	for {
		if ps != nil {
			s.consume(ctx, ps, logger, deliver)
			_ = ps.Close()
			ps = nil
		}
		if ctx.Err() != nil {
			logger.Info("subscription closed")
			return
		}

		delay = s.backoff.next(delay)
		logger.WithField("retry_in", delay.String()).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			logger.Info("subscription closed")
			return
		case <-time.After(delay):
		}

		next := s.rc.Subscribe(ctx, channels...)
		if _, err := next.Receive(ctx); err != nil {
			_ = next.Close()
			logger.WithError(err).Error("resubscribe failed")
			continue
		}
		logger.Info("resubscribed")
		ps, delay = next, 0
	}
}

func (s *RedisStream) consume(ctx context.Context, ps *redis.PubSub, logger *log.Entry, deliver func(domain.Change)) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			change, err := domain.ParseChange([]byte(msg.Payload))
			if err != nil {
				logger.WithError(err).WithField("channel", msg.Channel).Error("dropping invalid change")
				continue
			}
			deliver(change)
		}
	}
}
