package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	dbkafka "github.com/helloemzy/personal-brand-dna-sub000/internal/database/kafka"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
)

// KafkaBus implements Bus on top of Kafka. Consumer-group offsets provide the
// at-least-once guarantee across process restarts: a message is committed only
// after the handler acknowledged it or it was routed to the dead-letter topic.
type KafkaBus struct {
	client *dbkafka.Client
	logger *logger.Logger

	// baseCtx outlives every subscription context. Handlers and commits run
	// on it so cancelling a subscription stops intake without aborting
	// in-flight work.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mutex   sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewKafkaBus creates a KafkaBus using the shared Kafka client.
func NewKafkaBus(client *dbkafka.Client, log *logger.Logger) *KafkaBus {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &KafkaBus{client: client, logger: log, baseCtx: baseCtx, baseCancel: baseCancel}
}

// messageReader is the slice of kafka.Reader the consume loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publish marshals the message and writes it to the topic. The task id is
// used as the partition key so one task's messages stay ordered.
func (b *KafkaBus) Publish(ctx context.Context, topic string, msg *models.AgentMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := msg.TaskID
	if key == "" {
		key = msg.ID
	}
	return b.client.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// Subscribe starts a consumer-group reader for the topic and dispatches each
// fetched message to the handler.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Unsubscribe, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.client.Config.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	fetchCtx, cancel := context.WithCancel(ctx)
	b.mutex.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mutex.Unlock()

	b.wg.Add(1)
	go b.consume(fetchCtx, reader, topic, handler)

	return func() { cancel() }, nil
}

// consume fetches on fetchCtx but executes handlers and commits on the bus
// base context. A cancelled subscription therefore drains its current message
// before the goroutine exits.
func (b *KafkaBus) consume(fetchCtx context.Context, reader messageReader, topic string, handler Handler) {
	defer b.wg.Done()
	defer reader.Close()
	for {
		kmsg, err := reader.FetchMessage(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil || b.baseCtx.Err() != nil {
				b.logger.Info("Stopping Kafka subscription for topic " + topic)
				return
			}
			b.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error fetching message from Kafka")
			continue
		}

		b.deliver(b.baseCtx, topic, kmsg.Value, handler)

		if err := reader.CommitMessages(b.baseCtx, kmsg); err != nil && b.baseCtx.Err() == nil {
			b.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to commit Kafka message")
		}
	}
}

// deliver runs the handler with the message's retry policy. Handler errors are
// retried in-process with backoff; once the policy is exhausted the message is
// routed to the dead-letter topic and the failure is broadcast.
func (b *KafkaBus) deliver(ctx context.Context, topic string, value []byte, handler Handler) {
	var msg models.AgentMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		b.logger.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{
			"topic": topic,
		}).Error("Dropping undecodable bus message")
		return
	}

	policy := retryPolicyOrDefault(&msg)
	var lastErr error
	for {
		hctx := ctx
		var hcancel context.CancelFunc
		if timeout := handlerTimeout(&msg); timeout > 0 {
			hctx, hcancel = context.WithTimeout(ctx, timeout)
		}
		lastErr = handler(hctx, &msg)
		if hcancel != nil {
			hcancel()
		}
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			// Shutting down before the message was acknowledged; the offset
			// stays uncommitted so the group redelivers after restart.
			return
		}
		if policy.MaxAttempts > 0 && msg.Attempt >= policy.MaxAttempts {
			b.deadLetter(ctx, topic, &msg, lastErr)
			return
		}
		msg.Attempt++
		select {
		case <-time.After(retryDelay(policy, msg.Attempt-1)):
		case <-ctx.Done():
			return
		}
	}
}

// deadLetter writes the message to the dead-letter topic and broadcasts a
// task-failed-permanently status so the orchestrator gains visibility.
func (b *KafkaBus) deadLetter(ctx context.Context, topic string, msg *models.AgentMessage, cause error) {
	metrics.BusDeadLetters.WithLabelValues(topic).Inc()
	b.logger.WithError(models.ErrorInfo{Message: cause.Error(), TaskID: msg.TaskID}).WithPayload(map[string]interface{}{
		"topic":      topic,
		"message_id": msg.ID,
		"attempts":   msg.Attempt,
	}).Error("Message exhausted retries, moving to dead-letter topic")

	dl := DeadLetter{Message: msg, Topic: topic, Reason: cause.Error(), FailedAt: time.Now().UTC()}
	value, err := json.Marshal(dl)
	if err == nil {
		err = b.client.Writer.WriteMessages(ctx, kafka.Message{
			Topic: b.client.Config.DeadLetterTopic,
			Key:   []byte(msg.ID),
			Value: value,
		})
	}
	if err != nil {
		b.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to write dead-letter record")
	}

	status := models.NewMessage(models.MessageTypeStatusUpdate, "bus", models.TargetBroadcast)
	status.TaskID = msg.TaskID
	status.CorrelationID = msg.CorrelationID
	if err := status.WithPayload(map[string]interface{}{
		"kind":   models.StatusKindTaskFailedPermanently,
		"taskID": msg.TaskID,
		"reason": cause.Error(),
	}); err == nil {
		if err := b.Publish(ctx, b.client.Config.EventsTopic, status); err != nil {
			b.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to broadcast dead-letter status")
		}
	}
}

// Close stops all subscriptions and waits for their readers to exit.
// The shared writer is owned by the Kafka client and closed with it.
func (b *KafkaBus) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.mutex.Unlock()

	b.baseCancel()
	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
	return nil
}
