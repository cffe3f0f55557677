package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	pkghttp "github.com/helloemzy/personal-brand-dna-sub000/pkg/http"
)

// HTTPPlatformPublisher posts content to a platform gateway over HTTP.
// The gateway owns the platform-specific OAuth dance; this side only speaks
// a small JSON contract.
type HTTPPlatformPublisher struct {
	platform models.Platform
	endpoint string
	client   *pkghttp.Client
}

func NewHTTPPlatformPublisher(platform models.Platform, endpoint string, client *pkghttp.Client) *HTTPPlatformPublisher {
	return &HTTPPlatformPublisher{platform: platform, endpoint: endpoint, client: client}
}

func (p *HTTPPlatformPublisher) Platform() models.Platform { return p.platform }

func (p *HTTPPlatformPublisher) Publish(ctx context.Context, job *models.PublishingJob) (string, error) {
	body, err := json.Marshal(map[string]string{
		"userID":      job.UserID,
		"contentType": job.ContentType,
		"body":        job.Body,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err := fmt.Errorf("platform %s returned status %d", p.platform, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The platform rejected the content itself; resubmitting the same
			// body cannot succeed.
			return "", agent.Permanent(err)
		}
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode platform %s response: %w", p.platform, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("platform %s returned no post id", p.platform)
	}
	return out.ID, nil
}

// StubPublisher fakes a platform for tests and local runs. It records every
// accepted job and can be told to fail the next N calls.
type StubPublisher struct {
	platform models.Platform

	mu        sync.Mutex
	published []string
	failNext  int
	failWith  error
}

func NewStubPublisher(platform models.Platform) *StubPublisher {
	return &StubPublisher{platform: platform}
}

func (p *StubPublisher) Platform() models.Platform { return p.platform }

// FailNext makes the next n Publish calls return err.
func (p *StubPublisher) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failWith = err
}

func (p *StubPublisher) Publish(_ context.Context, job *models.PublishingJob) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return "", p.failWith
	}
	p.published = append(p.published, job.TaskID)
	return fmt.Sprintf("%s-%s", p.platform, uuid.NewString()[:8]), nil
}

// Published returns the task ids accepted so far.
func (p *StubPublisher) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	copy(out, p.published)
	return out
}
