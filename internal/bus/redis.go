// Package bus provides the cross-instance fan-out path for rooms: when the
// sync server runs behind a load balancer with more than one replica, a
// room's members may be split across pods. Service republishes local
// broadcasts to every other pod subscribed to the same room channel over
// Redis, wrapped in a circuit breaker so a Redis outage degrades to
// single-pod delivery instead of taking the room down.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/epicenterhq/sync-core/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// PubSubPayload is the envelope moved between pods over a room channel.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Update   json.RawMessage `json:"update"`   // an encoded wire frame (SYNC or AWARENESS body)
	SenderID string          `json:"senderId"` // session that originated the update, to prevent echo
}

// Service wraps a Redis client with the circuit breaker the teacher applies
// to every Redis call, so a broken Redis instance fails open rather than
// blocking room broadcasts.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

// Client returns the underlying Redis client, nil-safe for single-instance
// mode where Service itself is nil.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials Redis and verifies connectivity before returning, the
// same eager-ping behavior the teacher's bus uses to fail fast at startup.
func NewService(addr, password string, log *zap.Logger) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	log.Info("connected to redis pub/sub", zap.String("addr", addr))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st), log: log}, nil
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("sync:room:%s", roomID)
}

// Publish republishes a locally-applied update to every other pod watching
// roomID. senderID lets subscribers drop their own echo.
func (s *Service) Publish(ctx context.Context, roomID string, update []byte, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(update)
		if err != nil {
			return nil, fmt.Errorf("marshal update: %w", err)
		}
		msg := PubSubPayload{RoomID: roomID, Update: innerBytes, SenderID: senderID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("publish", "circuit_open").Inc()
			s.log.Warn("redis circuit breaker open: dropping publish", zap.String("roomId", roomID))
			return nil // graceful degradation: local broadcast already happened
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		s.log.Error("redis publish failed", zap.String("roomId", roomID), zap.Error(err))
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Subscribe starts a background goroutine forwarding messages published by
// other pods for roomID to handler, until ctx is cancelled. wg, if non-nil,
// is used by the caller to wait for the listener to exit during shutdown.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		s.log.Info("subscribed to redis channel", zap.String("channel", channel))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.log.Warn("redis subscription channel closed", zap.String("channel", channel))
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					s.log.Error("failed to unmarshal redis message", zap.Error(err))
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Ping verifies Redis connectivity for the health handler.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close releases the underlying Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
