package queue

import (
	"context"
	"time"

	"calcrunner/internal/models"
)

// TaskMessage represents a message sent to the queue
type TaskMessage struct {
	TaskID     string           `json:"task_id"`
	Operation  models.Operation `json:"operation"`
	A          float64          `json:"a"`
	B          float64          `json:"b"`
	Timeout    int              `json:"timeout_seconds"`
	MaxRetries int              `json:"max_retries"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Client defines the interface for task queue operations. Delivery is
// at-least-once: a message handed to a subscriber that dies before
// acknowledging is put back on the queue by RecoverStale.
type Client interface {
	// Publish places a message at the back of the queue, retrying transient
	// backend errors with bounded exponential backoff before failing
	Publish(ctx context.Context, message TaskMessage) error

	// Subscribe blocks and feeds messages to the handler one at a time. A
	// client can only be subscribed once. Tombstoned tasks are acknowledged
	// and skipped without invoking the handler.
	Subscribe(ctx context.Context, handler func(TaskMessage) error) error

	// Tombstone marks a task id so that a future dequeue of it is a no-op
	Tombstone(ctx context.Context, taskID string) error

	// Interrupt broadcasts a best-effort revocation signal for the task id
	// to all subscribed workers
	Interrupt(ctx context.Context, taskID string) error

	// SubscribeRevocations blocks and invokes the handler with each revoked
	// task id broadcast via Interrupt
	SubscribeRevocations(ctx context.Context, handler func(taskID string)) error

	// RecoverStale re-enqueues messages held by consumers whose heartbeat
	// has lapsed, returning the number of messages recovered
	RecoverStale(ctx context.Context) (int, error)

	Close() error
}
