package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

func fastRetryMessage(taskID string) *models.AgentMessage {
	msg := models.NewMessage(models.MessageTypeTaskRequest, "test", "worker")
	msg.TaskID = taskID
	msg.RetryPolicy = &models.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 1, Multiplier: 1.0, CapMs: 5}
	return msg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPublishReachesEverySubscribedGroup(t *testing.T) {
	b := NewMemoryBus("events")
	defer b.Close()

	var groupA, groupB int64
	_, err := b.Subscribe(context.Background(), "topic", "a", func(context.Context, *models.AgentMessage) error {
		atomic.AddInt64(&groupA, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "topic", "b", func(context.Context, *models.AgentMessage) error {
		atomic.AddInt64(&groupB, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic", fastRetryMessage("t1")))

	waitFor(t, func() bool {
		return atomic.LoadInt64(&groupA) == 1 && atomic.LoadInt64(&groupB) == 1
	}, "both groups should receive the message exactly once")
}

func TestGroupSharesMessagesRoundRobin(t *testing.T) {
	b := NewMemoryBus("events")
	defer b.Close()

	var first, second int64
	_, err := b.Subscribe(context.Background(), "topic", "workers", func(context.Context, *models.AgentMessage) error {
		atomic.AddInt64(&first, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "topic", "workers", func(context.Context, *models.AgentMessage) error {
		atomic.AddInt64(&second, 1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "topic", fastRetryMessage("t")))
	}

	waitFor(t, func() bool {
		return atomic.LoadInt64(&first)+atomic.LoadInt64(&second) == 4
	}, "group should consume all four messages")
	assert.Equal(t, int64(2), atomic.LoadInt64(&first))
	assert.Equal(t, int64(2), atomic.LoadInt64(&second))
}

func TestNackTriggersRedelivery(t *testing.T) {
	b := NewMemoryBus("events")
	defer b.Close()

	var attempts int64
	_, err := b.Subscribe(context.Background(), "topic", "workers", func(_ context.Context, msg *models.AgentMessage) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic", fastRetryMessage("t1")))

	waitFor(t, func() bool { return atomic.LoadInt64(&attempts) == 3 }, "message should be redelivered until acked")
	assert.Empty(t, b.DeadLetters())
}

func TestExhaustedRetriesDeadLetterAndBroadcast(t *testing.T) {
	b := NewMemoryBus("events")
	defer b.Close()

	var mu sync.Mutex
	var broadcasts []*models.AgentMessage
	_, err := b.Subscribe(context.Background(), "events", "observer", func(_ context.Context, msg *models.AgentMessage) error {
		mu.Lock()
		broadcasts = append(broadcasts, msg)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe(context.Background(), "topic", "workers", func(context.Context, *models.AgentMessage) error {
		return errors.New("permanent trouble")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic", fastRetryMessage("task-9")))

	waitFor(t, func() bool { return len(b.DeadLetters()) == 1 }, "message should be dead-lettered")

	dl := b.DeadLetters()[0]
	assert.Equal(t, "topic", dl.Topic)
	assert.Equal(t, "task-9", dl.Message.TaskID)
	assert.Equal(t, "permanent trouble", dl.Reason)
	assert.Equal(t, 3, dl.Message.Attempt)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(broadcasts) == 1
	}, "dead-letter should broadcast a status update")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.MessageTypeStatusUpdate, broadcasts[0].Type)
	assert.Equal(t, "task-9", broadcasts[0].TaskID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus("events")
	defer b.Close()

	var count int64
	unsub, err := b.Subscribe(context.Background(), "topic", "workers", func(context.Context, *models.AgentMessage) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)
	unsub()

	require.NoError(t, b.Publish(context.Background(), "topic", fastRetryMessage("t1")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&count))
}

func TestCloseRejectsFurtherPublishes(t *testing.T) {
	b := NewMemoryBus("events")
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "topic", fastRetryMessage("t1")))
}
