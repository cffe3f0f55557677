package publisher

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/ratelimiter"
)

// Scheduler holds queued publishing jobs and decides when each may go out.
// Every (user, platform) pair gets its own sliding-window limiter stack; a
// job that would break any window is deferred to the earliest instant all
// windows allow, never dropped.
type Scheduler struct {
	mu       sync.Mutex
	limits   map[models.Platform][]ratelimiter.WindowLimit
	limiters map[string]*ratelimiter.MultiWindow
	queue    jobHeap
	queued   map[string]bool
}

// NewScheduler builds a scheduler from the per-platform window configuration.
func NewScheduler(cfg config.PublisherConfig) *Scheduler {
	limits := make(map[models.Platform][]ratelimiter.WindowLimit)
	for name, platform := range cfg.Platforms {
		var windows []ratelimiter.WindowLimit
		for _, w := range platform.Windows {
			windows = append(windows, ratelimiter.WindowLimit{
				Limit:  w.Limit,
				Window: config.ParseDuration(w.Window, time.Hour),
			})
		}
		limits[models.Platform(name)] = windows
	}
	return &Scheduler{
		limits:   limits,
		limiters: make(map[string]*ratelimiter.MultiWindow),
		queued:   make(map[string]bool),
	}
}

// Enqueue adds a job to the queue. Re-enqueueing the same task id is a no-op,
// which makes redelivered publishing tasks harmless.
func (s *Scheduler) Enqueue(job *models.PublishingJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[job.TaskID] {
		return false
	}
	s.queued[job.TaskID] = true
	heap.Push(&s.queue, job)
	return true
}

// Due pops every job whose scheduled time has arrived and whose rate windows
// all have room. Jobs blocked by a full window are pushed back with their
// schedule moved to the earliest eligible instant.
func (s *Scheduler) Due(now time.Time) []*models.PublishingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.PublishingJob
	var deferred []*models.PublishingJob
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.ScheduledFor.After(now) {
			break
		}
		job := heap.Pop(&s.queue).(*models.PublishingJob)

		limiter := s.limiterFor(job.UserID, job.Platform)
		if limiter.AllowAt(now) {
			delete(s.queued, job.TaskID)
			due = append(due, job)
			continue
		}

		job.ScheduledFor = limiter.NextEligible(now)
		metrics.PublishDeferred.WithLabelValues(string(job.Platform)).Inc()
		deferred = append(deferred, job)
	}
	for _, job := range deferred {
		heap.Push(&s.queue, job)
	}
	return due
}

// Defer puts a job back in the queue for a later attempt.
func (s *Scheduler) Defer(job *models.PublishingJob, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[job.TaskID] {
		return
	}
	job.ScheduledFor = until
	s.queued[job.TaskID] = true
	heap.Push(&s.queue, job)
}

// Len returns the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) limiterFor(userID string, platform models.Platform) *ratelimiter.MultiWindow {
	key := fmt.Sprintf("%s|%s", userID, platform)
	limiter, ok := s.limiters[key]
	if !ok {
		windows := s.limits[platform]
		if len(windows) == 0 {
			// Unconfigured platforms get a conservative default.
			windows = []ratelimiter.WindowLimit{{Limit: 3, Window: time.Hour}}
		}
		limiter = ratelimiter.NewMultiWindow(windows...)
		s.limiters[key] = limiter
	}
	return limiter
}

// jobHeap orders jobs by scheduled time, earliest first.
type jobHeap []*models.PublishingJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return h[i].ScheduledFor.Before(h[j].ScheduledFor) }

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*models.PublishingJob)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
