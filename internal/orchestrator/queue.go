package orchestrator

import (
	"container/heap"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// queueItem wraps a pending task waiting for assignment.
type queueItem struct {
	task       *models.AgentTask
	notBefore  time.Time // earliest eligible assignment time, zero means now
	enqueuedAt time.Time
	index      int
}

// taskQueue is a priority queue of pending tasks for one agent type.
// Lower priority value wins; equal priorities fall back to creation order.
// Enqueueing the same task id twice is a no-op, which makes re-enqueueing
// after duplicate bus deliveries safe.
type taskQueue struct {
	items itemHeap
	byID  map[string]*queueItem
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*queueItem)}
}

func (q *taskQueue) Len() int { return len(q.items) }

// Enqueue adds a task unless it is already queued. notBefore delays
// eligibility, used for backoff after a transient failure.
func (q *taskQueue) Enqueue(task *models.AgentTask, notBefore time.Time) bool {
	if _, ok := q.byID[task.ID]; ok {
		return false
	}
	item := &queueItem{task: task, notBefore: notBefore, enqueuedAt: time.Now().UTC()}
	q.byID[task.ID] = item
	heap.Push(&q.items, item)
	return true
}

// PopReady removes and returns the highest priority task whose notBefore has
// passed. Eligibility is checked item by item because a delayed high priority
// task must not block an eligible lower priority one.
func (q *taskQueue) PopReady(now time.Time) (*models.AgentTask, bool) {
	best := -1
	for i, item := range q.items {
		if item.notBefore.After(now) {
			continue
		}
		if best == -1 || q.items.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	item := heap.Remove(&q.items, best).(*queueItem)
	delete(q.byID, item.task.ID)
	return item.task, true
}

// Remove drops a task from the queue, for cancellations.
func (q *taskQueue) Remove(taskID string) bool {
	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return true
}

// Elevate raises the priority of every task queued longer than maxWait.
// Raising means decrementing, smaller values are served first.
func (q *taskQueue) Elevate(now time.Time, maxWait time.Duration) int {
	if maxWait <= 0 {
		return 0
	}
	elevated := 0
	for _, item := range q.items {
		if now.Sub(item.enqueuedAt) >= maxWait && item.task.Priority > 0 {
			item.task.Priority--
			item.enqueuedAt = now
			elevated++
		}
	}
	if elevated > 0 {
		heap.Init(&q.items)
	}
	return elevated
}

// itemHeap implements heap.Interface over queue items.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
