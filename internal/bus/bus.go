package bus

import (
	"context"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error negatively acknowledges it and triggers
// redelivery according to the message's retry policy.
type Handler func(ctx context.Context, msg *models.AgentMessage) error

// Unsubscribe stops a subscription and releases its resources.
type Unsubscribe func()

// Bus is the messaging substrate between agents. Delivery is at-least-once:
// consumers must be idempotent with respect to the task id carried by the
// message. No ordering is guaranteed across topics; within a single task's
// chain, ordering follows from results only being emitted after the
// triggering request was processed.
type Bus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, msg *models.AgentMessage) error

	// Subscribe registers a handler for a topic within a consumer group.
	// Subscribers in the same group share the topic's messages; distinct
	// groups each receive every message.
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Unsubscribe, error)

	// Close shuts the bus down. Active subscriptions are stopped.
	Close() error
}

// DeadLetter records a message that exhausted its retry policy.
type DeadLetter struct {
	Message  *models.AgentMessage `json:"message"`
	Topic    string               `json:"topic"`
	Reason   string               `json:"reason"`
	FailedAt time.Time            `json:"failedAt"`
}

// retryPolicyOrDefault returns the message's retry policy, falling back to
// three attempts with a one-second base delay.
func retryPolicyOrDefault(msg *models.AgentMessage) models.RetryPolicy {
	if msg.RetryPolicy != nil {
		return *msg.RetryPolicy
	}
	return models.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 1000, Multiplier: 2.0, CapMs: 30000}
}

// retryDelay computes the delay before the given attempt (1-based retry count).
func retryDelay(policy models.RetryPolicy, retry int) time.Duration {
	delay := float64(policy.BaseDelayMs)
	for i := 1; i < retry; i++ {
		delay *= policy.Multiplier
		if policy.CapMs > 0 && delay >= float64(policy.CapMs) {
			delay = float64(policy.CapMs)
			break
		}
	}
	return time.Duration(delay) * time.Millisecond
}

// handlerTimeout returns the per-delivery processing timeout for a message,
// zero when the message does not require acknowledgment within a deadline.
func handlerTimeout(msg *models.AgentMessage) time.Duration {
	if msg.RequiresAck && msg.TimeoutMs > 0 {
		return time.Duration(msg.TimeoutMs) * time.Millisecond
	}
	return 0
}
