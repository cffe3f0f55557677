package publisher

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/database/mysql"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// JobStore persists publishing jobs so the queue survives restarts and every
// publish attempt leaves an audit trail.
type JobStore interface {
	// Save upserts a job keyed by task id.
	Save(ctx context.Context, job *models.PublishingJob) error
	// Get returns the job for a task id, nil when absent.
	Get(ctx context.Context, taskID string) (*models.PublishingJob, error)
	// OpenJobs returns jobs that still need dispatching, for replay on start.
	OpenJobs(ctx context.Context) ([]*models.PublishingJob, error)
}

// GormJobStore keeps jobs in the publishing_jobs MySQL table.
type GormJobStore struct {
	db *gorm.DB
}

func NewGormJobStore(cfg *config.MySQLConfig) (*GormJobStore, error) {
	db, err := mysql.GetDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&models.PublishingJob{}); err != nil {
		return nil, err
	}
	return &GormJobStore{db: db}, nil
}

func (s *GormJobStore) Save(ctx context.Context, job *models.PublishingJob) error {
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	return s.db.WithContext(ctx).Save(job).Error
}

func (s *GormJobStore) Get(ctx context.Context, taskID string) (*models.PublishingJob, error) {
	var job models.PublishingJob
	err := s.db.WithContext(ctx).First(&job, "task_id = ?", taskID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *GormJobStore) OpenJobs(ctx context.Context) ([]*models.PublishingJob, error) {
	var jobs []*models.PublishingJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobStatusQueued, models.JobStatusPublishing}).
		Order("scheduled_for asc").
		Find(&jobs).Error
	return jobs, err
}

// MemoryJobStore is the in-process variant used by tests.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.PublishingJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*models.PublishingJob)}
}

func (s *MemoryJobStore) Save(_ context.Context, job *models.PublishingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	cp := *job
	s.jobs[job.TaskID] = &cp
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, taskID string) (*models.PublishingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[taskID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) OpenJobs(_ context.Context) ([]*models.PublishingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.PublishingJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusQueued || job.Status == models.JobStatusPublishing {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}
