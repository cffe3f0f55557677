package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// MemoryBus is an in-process Bus with the same delivery contract as the Kafka
// implementation: at-least-once delivery, per-message retry policies, and a
// dead-letter channel after retries are exhausted. It backs the test harness
// and single-process local runs.
type MemoryBus struct {
	eventsTopic string

	mutex       sync.Mutex
	groups      map[string]map[string]*memoryGroup // topic -> group -> subscribers
	deadLetters []DeadLetter
	closed      bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// memoryGroup shares a topic's messages among its subscribers round-robin,
// mirroring a Kafka consumer group.
type memoryGroup struct {
	handlers []Handler
	next     int
}

// NewMemoryBus creates a MemoryBus. Dead-lettered messages trigger a
// task-failed-permanently broadcast on eventsTopic, matching the Kafka bus.
func NewMemoryBus(eventsTopic string) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		eventsTopic: eventsTopic,
		groups:      make(map[string]map[string]*memoryGroup),
		rootCtx:     ctx,
		cancel:      cancel,
	}
}

// Publish dispatches the message asynchronously to one subscriber per group.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg *models.AgentMessage) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus is closed")
	}

	for group := range b.groups[topic] {
		copied := *msg
		b.wg.Add(1)
		go b.deliver(topic, group, &copied)
	}
	return nil
}

// Subscribe registers a handler in the topic's consumer group.
func (b *MemoryBus) Subscribe(_ context.Context, topic, group string, handler Handler) (Unsubscribe, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory bus is closed")
	}

	if b.groups[topic] == nil {
		b.groups[topic] = make(map[string]*memoryGroup)
	}
	g := b.groups[topic][group]
	if g == nil {
		g = &memoryGroup{}
		b.groups[topic][group] = g
	}
	g.handlers = append(g.handlers, handler)
	idx := len(g.handlers) - 1

	unsubscribed := false
	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		if unsubscribed {
			return
		}
		unsubscribed = true
		g.handlers[idx] = nil
	}, nil
}

// deliver runs the handler with the message's retry policy. Each attempt is
// routed through the group again, so a redelivery may land on a different
// subscriber, the way a rebalanced consumer group would behave.
func (b *MemoryBus) deliver(topic, group string, msg *models.AgentMessage) {
	defer b.wg.Done()

	policy := retryPolicyOrDefault(msg)
	for {
		handler := b.pickHandler(topic, group)
		if handler == nil {
			return
		}

		hctx := b.rootCtx
		var hcancel context.CancelFunc
		if timeout := handlerTimeout(msg); timeout > 0 {
			hctx, hcancel = context.WithTimeout(b.rootCtx, timeout)
		}
		err := handler(hctx, msg)
		if hcancel != nil {
			hcancel()
		}
		if err == nil {
			return
		}
		if b.rootCtx.Err() != nil {
			return
		}
		if policy.MaxAttempts > 0 && msg.Attempt >= policy.MaxAttempts {
			b.deadLetter(topic, msg, err)
			return
		}
		msg.Attempt++
		select {
		case <-time.After(retryDelay(policy, msg.Attempt-1)):
		case <-b.rootCtx.Done():
			return
		}
	}
}

// pickHandler selects the next live subscriber of the group round-robin.
func (b *MemoryBus) pickHandler(topic, group string) Handler {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	g := b.groups[topic][group]
	if g == nil || len(g.handlers) == 0 {
		return nil
	}
	for i := 0; i < len(g.handlers); i++ {
		h := g.handlers[g.next%len(g.handlers)]
		g.next++
		if h != nil {
			return h
		}
	}
	return nil
}

// deadLetter records the message and broadcasts the permanent failure.
func (b *MemoryBus) deadLetter(topic string, msg *models.AgentMessage, cause error) {
	b.mutex.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Message:  msg,
		Topic:    topic,
		Reason:   cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	b.mutex.Unlock()

	if b.eventsTopic == "" || topic == b.eventsTopic {
		return
	}
	status := models.NewMessage(models.MessageTypeStatusUpdate, "bus", models.TargetBroadcast)
	status.TaskID = msg.TaskID
	status.CorrelationID = msg.CorrelationID
	if err := status.WithPayload(map[string]interface{}{
		"kind":   models.StatusKindTaskFailedPermanently,
		"taskID": msg.TaskID,
		"reason": cause.Error(),
	}); err == nil {
		_ = b.Publish(context.Background(), b.eventsTopic, status)
	}
}

// DeadLetters returns a snapshot of the messages that exhausted retries.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Close stops all in-flight deliveries and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	b.mutex.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
