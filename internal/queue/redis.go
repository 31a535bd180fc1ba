package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TaskQueueName     = "calcrunner:tasks"
	TombstoneSetName  = "calcrunner:tombstones"
	RevocationChannel = "calcrunner:revocations"

	processingKeyPrefix = "calcrunner:processing:"
	heartbeatKeyPrefix  = "calcrunner:heartbeat:"
)

// RedisClient implements Client using Redis. Each client is a single
// consumer identified by ID; dequeueing moves the message into a
// per-consumer processing list in the same Redis command, so it is always
// in exactly one recoverable structure. A heartbeat key guards the
// processing list so that another process can recover it if this one dies.
type RedisClient struct {
	ID     string
	client *redis.Client

	heartbeatInterval time.Duration
	publishRetries    int
	subscribed        atomic.Bool
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int, heartbeatIntervalSec, publishRetries int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &RedisClient{
		ID:                uuid.New().String(),
		client:            client,
		heartbeatInterval: time.Duration(heartbeatIntervalSec) * time.Second,
		publishRetries:    publishRetries,
	}, nil
}

// Publish sends a task message to the back of the queue. Transient backend
// errors are retried with exponential backoff up to the configured number of
// attempts, after which the error is surfaced to the caller.
func (r *RedisClient) Publish(ctx context.Context, message TaskMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= r.publishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(100<<attempt) * time.Millisecond):
			}
		}

		if lastErr = r.client.RPush(ctx, TaskQueueName, data).Err(); lastErr == nil {
			return nil
		}
		log.Warn().
			Err(lastErr).
			Str("task_id", message.TaskID).
			Int("attempt", attempt+1).
			Msg("Could not publish message, backing off")
	}

	return fmt.Errorf("could not publish message after %d attempts: %w", r.publishRetries+1, lastErr)
}

// Subscribe starts listening for messages and processes them with the
// handler. One client can only be subscribed once.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(TaskMessage) error) error {
	if !r.subscribed.CompareAndSwap(false, true) {
		return errors.New("client is already subscribed")
	}
	defer r.subscribed.Store(false)

	r.beat(ctx)
	go r.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, raw, err := r.getNewMessage(ctx)
			if err != nil {
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				continue
			}
			if message == nil {
				continue
			}

			tombstoned, err := r.client.SIsMember(ctx, TombstoneSetName, message.TaskID).Result()
			if err != nil {
				log.Error().Err(err).Str("task_id", message.TaskID).Msg("Could not check tombstone")
			}
			if tombstoned {
				r.client.SRem(ctx, TombstoneSetName, message.TaskID)
			} else if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Str("task_id", message.TaskID).
					Msg("Error encountered when processing message")
			}

			// Acknowledge by removing the parked copy. Retries are
			// re-published explicitly by the worker, never by replaying it.
			if err := r.client.LRem(ctx, r.processingKey(), 1, raw).Err(); err != nil {
				log.Error().Err(err).Str("task_id", message.TaskID).Msg("Could not acknowledge message")
			}
		}
	}
}

// getNewMessage pops the next message and parks it in this consumer's
// processing list in a single atomic BLMOVE, so a crash can never leave a
// message outside both structures.
func (r *RedisClient) getNewMessage(ctx context.Context) (*TaskMessage, string, error) {
	raw, err := r.client.BLMove(ctx, TaskQueueName, r.processingKey(), "LEFT", "RIGHT", 1*time.Second).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("BLMOVE from redis queue went bad. %w", err)
	}

	var message TaskMessage
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		// Drop the poison message from the processing list so it is not
		// recovered and re-parsed forever
		r.client.LRem(ctx, r.processingKey(), 1, raw)
		return nil, "", fmt.Errorf("could not parse message into TaskMessage. %w", err)
	}
	return &message, raw, nil
}

func processMessage(handler func(TaskMessage) error, message TaskMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Str("task_id", message.TaskID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(message)
}

// Tombstone marks the task id so a future dequeue skips it
func (r *RedisClient) Tombstone(ctx context.Context, taskID string) error {
	return r.client.SAdd(ctx, TombstoneSetName, taskID).Err()
}

// Interrupt broadcasts a revocation signal for the task id
func (r *RedisClient) Interrupt(ctx context.Context, taskID string) error {
	return r.client.Publish(ctx, RevocationChannel, taskID).Err()
}

// SubscribeRevocations blocks and feeds revoked task ids to the handler
func (r *RedisClient) SubscribeRevocations(ctx context.Context, handler func(taskID string)) error {
	pubsub := r.client.Subscribe(ctx, RevocationChannel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close revocation subscription")
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Payload)
		}
	}
}

// RecoverStale finds processing lists whose owner's heartbeat has lapsed
// and moves their messages back onto the queue. Recovered messages re-enter
// at the back, so ordering across redeliveries is not preserved.
func (r *RedisClient) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0

	iter := r.client.Scan(ctx, 0, processingKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		workerID := strings.TrimPrefix(key, processingKeyPrefix)

		alive, err := r.client.Exists(ctx, heartbeatKeyPrefix+workerID).Result()
		if err != nil {
			return recovered, err
		}
		if alive > 0 {
			continue
		}

		entries, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return recovered, err
		}
		for _, raw := range entries {
			if err := r.client.RPush(ctx, TaskQueueName, raw).Err(); err != nil {
				return recovered, err
			}
			recovered++
		}
		if len(entries) > 0 {
			log.Info().
				Int("count", len(entries)).
				Str("worker_id", workerID).
				Msg("Recovered stale tasks")
		}

		if err := r.client.Del(ctx, key).Err(); err != nil {
			return recovered, err
		}
	}
	if err := iter.Err(); err != nil {
		return recovered, err
	}

	return recovered, nil
}

// sendHeartbeat refreshes this consumer's liveness key so other processes
// know its parked messages are still being worked on. The key's TTL is three
// heartbeat intervals; once it lapses, RecoverStale may reclaim the work.
func (r *RedisClient) sendHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *RedisClient) beat(ctx context.Context) {
	if err := r.client.Set(ctx, heartbeatKeyPrefix+r.ID, "1", 3*r.heartbeatInterval).Err(); err != nil {
		log.Error().
			Err(err).
			Str("worker_id", r.ID).
			Msg("Could not update heartbeat")
	}
}

func (r *RedisClient) processingKey() string {
	return processingKeyPrefix + r.ID
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
