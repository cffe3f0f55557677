package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

func heartbeat(id string, t models.AgentType, load, capacity int, sentAt time.Time) models.HeartbeatPayload {
	return models.HeartbeatPayload{
		Kind:        models.StatusKindHeartbeat,
		AgentID:     id,
		AgentType:   t,
		Capacity:    capacity,
		CurrentLoad: load,
		State:       string(StateReady),
		SentAt:      sentAt,
	}
}

func TestPickAgentPrefersLeastLoaded(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("busy", models.AgentTypePublisher, 2, 4, now))
	r.Observe(heartbeat("idle", models.AgentTypePublisher, 0, 4, now))

	picked, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, "idle", picked.AgentID)
	assert.Equal(t, 1, picked.CurrentLoad)
}

func TestSeedMakesInstancesAssignableBeforeFirstHeartbeat(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)

	r.Seed(models.AgentTypePublisher, []string{"pub-1", "pub-2"}, 2)

	picked, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, models.AgentTypePublisher, picked.AgentType)
	assert.Equal(t, 2, picked.Capacity)
	assert.Equal(t, 1, picked.CurrentLoad)
}

func TestSeedDoesNotOverwriteObservedInstance(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("pub-1", models.AgentTypePublisher, 3, 4, now))
	r.Seed(models.AgentTypePublisher, []string{"pub-1"}, 1)

	picked, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, 4, picked.Capacity, "the heartbeat state must win over the seed")
	assert.Equal(t, 4, picked.CurrentLoad)
}

func TestPickAgentTieBreaksOnOldestHeartbeat(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("recent", models.AgentTypePublisher, 1, 4, now))
	r.Observe(heartbeat("stale", models.AgentTypePublisher, 1, 4, now.Add(-5*time.Second)))

	picked, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, "stale", picked.AgentID)
}

func TestPickAgentSkipsOtherTypesAndFullInstances(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("full", models.AgentTypePublisher, 2, 2, now))
	r.Observe(heartbeat("wrong-type", models.AgentTypeLearning, 0, 4, now))

	_, ok := r.PickAgent(models.AgentTypePublisher)
	assert.False(t, ok)
}

func TestPickAgentBumpsLoadUntilReportDone(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("a", models.AgentTypePublisher, 0, 2, now))

	_, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	picked, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, 2, picked.CurrentLoad)

	// Optimistic load reached capacity, no slot left.
	_, ok = r.PickAgent(models.AgentTypePublisher)
	assert.False(t, ok)

	r.ReportDone("a")
	picked, ok = r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, "a", picked.AgentID)
}

func TestObserveMarksDrainingAsDegraded(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	hb := heartbeat("a", models.AgentTypePublisher, 0, 4, time.Now().UTC())
	hb.State = string(StateDraining)
	r.Observe(hb)

	_, ok := r.PickAgent(models.AgentTypePublisher)
	assert.False(t, ok)
}

func TestSweepDeadAndResurrection(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("gone", models.AgentTypePublisher, 1, 4, now.Add(-time.Minute)))
	r.Observe(heartbeat("alive", models.AgentTypePublisher, 0, 4, now))

	dead := r.SweepDead(now)
	require.Equal(t, []string{"gone"}, dead)

	// Already dead instances are not reported twice.
	assert.Empty(t, r.SweepDead(now))

	_, ok := r.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)

	// A fresh heartbeat resurrects the instance.
	r.Observe(heartbeat("gone", models.AgentTypePublisher, 0, 4, now))
	snapshot := r.Snapshot()
	for _, reg := range snapshot {
		if reg.AgentID == "gone" {
			assert.Equal(t, models.AgentHealthHealthy, reg.Status)
		}
	}
}

func TestSweepDeadZeroesLoad(t *testing.T) {
	r := NewRegistry(10*time.Second, 3)
	now := time.Now().UTC()

	r.Observe(heartbeat("gone", models.AgentTypePublisher, 3, 4, now.Add(-time.Minute)))
	r.SweepDead(now)

	for _, reg := range r.Snapshot() {
		if reg.AgentID == "gone" {
			assert.Equal(t, models.AgentHealthDead, reg.Status)
			assert.Zero(t, reg.CurrentLoad)
		}
	}
}
