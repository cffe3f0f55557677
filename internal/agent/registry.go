package agent

import (
	"sync"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
)

// Registry is the orchestrator's live view of agent instances, fed entirely
// by heartbeats. An instance appears on its first heartbeat and is declared
// dead after missing missThreshold consecutive ones.
type Registry struct {
	mu            sync.Mutex
	agents        map[string]*models.AgentRegistration
	interval      time.Duration
	missThreshold int
}

// NewRegistry builds a registry. interval is the expected heartbeat cadence.
func NewRegistry(interval time.Duration, missThreshold int) *Registry {
	if missThreshold <= 0 {
		missThreshold = 3
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{
		agents:        make(map[string]*models.AgentRegistration),
		interval:      interval,
		missThreshold: missThreshold,
	}
}

// Observe folds one heartbeat into the registry. A heartbeat from a
// previously dead instance resurrects it.
func (r *Registry) Observe(hb models.HeartbeatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.agents[hb.AgentID]
	if !ok {
		reg = &models.AgentRegistration{AgentID: hb.AgentID, AgentType: hb.AgentType}
		r.agents[hb.AgentID] = reg
	}
	reg.Capacity = hb.Capacity
	reg.CurrentLoad = hb.CurrentLoad
	reg.LastHeartbeatAt = hb.SentAt
	if reg.LastHeartbeatAt.IsZero() {
		reg.LastHeartbeatAt = time.Now().UTC()
	}
	if hb.State == string(StateDraining) || hb.State == string(StateStopped) {
		reg.Status = models.AgentHealthDegraded
	} else if hb.CurrentLoad >= hb.Capacity {
		reg.Status = models.AgentHealthDegraded
	} else {
		reg.Status = models.AgentHealthHealthy
	}
	metrics.AgentLoad.WithLabelValues(hb.AgentID, string(hb.AgentType)).Set(float64(hb.CurrentLoad))
}

// Seed pre-registers instances found through service discovery so the
// orchestrator can assign work before their first heartbeat lands. An
// instance the registry already observed keeps its live state.
func (r *Registry) Seed(t models.AgentType, agentIDs []string, capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range agentIDs {
		if _, ok := r.agents[id]; ok {
			continue
		}
		r.agents[id] = &models.AgentRegistration{
			AgentID:         id,
			AgentType:       t,
			Capacity:        capacity,
			LastHeartbeatAt: now,
			Status:          models.AgentHealthHealthy,
		}
	}
}

// PickAgent selects the least loaded available instance of the given type,
// breaking ties toward the instance that has been idle longest. The picked
// instance's load is bumped optimistically; the next heartbeat corrects it.
func (r *Registry) PickAgent(t models.AgentType) (*models.AgentRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *models.AgentRegistration
	for _, reg := range r.agents {
		if reg.AgentType != t || !reg.Available() {
			continue
		}
		if best == nil ||
			reg.CurrentLoad < best.CurrentLoad ||
			(reg.CurrentLoad == best.CurrentLoad && reg.LastHeartbeatAt.Before(best.LastHeartbeatAt)) {
			best = reg
		}
	}
	if best == nil {
		return nil, false
	}
	best.CurrentLoad++
	if best.CurrentLoad >= best.Capacity {
		best.Status = models.AgentHealthDegraded
	}
	cp := *best
	return &cp, true
}

// ReportDone lowers the optimistic load count when a task owned by the
// instance reaches a terminal state or is requeued.
func (r *Registry) ReportDone(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return
	}
	if reg.CurrentLoad > 0 {
		reg.CurrentLoad--
	}
	if reg.Status == models.AgentHealthDegraded && reg.CurrentLoad < reg.Capacity {
		reg.Status = models.AgentHealthHealthy
	}
}

// SweepDead marks instances whose heartbeats stopped and returns the ids
// that just transitioned to dead, so the caller can reassign their tasks.
func (r *Registry) SweepDead(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Duration(r.missThreshold) * r.interval)
	var dead []string
	for id, reg := range r.agents {
		if reg.Status == models.AgentHealthDead {
			continue
		}
		if reg.LastHeartbeatAt.Before(cutoff) {
			reg.Status = models.AgentHealthDead
			reg.CurrentLoad = 0
			dead = append(dead, id)
		}
	}
	return dead
}

// Snapshot returns a copy of every known registration, for the HTTP API.
func (r *Registry) Snapshot() []models.AgentRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, *reg)
	}
	return out
}
