package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	mongodb "github.com/helloemzy/personal-brand-dna-sub000/internal/database/mongo"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// MongoStore persists tasks in a MongoDB collection. Status transitions use
// FindOneAndUpdate with the expected status in the filter, so the CAS is
// enforced server side in a single round trip.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore builds a store over the shared Mongo client.
func NewMongoStore(cfg *config.MongoConfig) (*MongoStore, error) {
	client, err := mongodb.GetClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MongoStore{coll: client.Database(cfg.Database).Collection(cfg.Collection)}, nil
}

func (s *MongoStore) CreateTask(ctx context.Context, task *models.AgentTask) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, task)
	if mongo.IsDuplicateKeyError(err) {
		return ErrTaskExists
	}
	return err
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (*models.AgentTask, error) {
	var task models.AgentTask
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err == mongo.ErrNoDocuments {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *MongoStore) UpdateTaskStatus(ctx context.Context, id string, expected, next models.TaskStatus, fields TaskFields) error {
	set := bson.M{
		"status":     next,
		"updated_at": time.Now().UTC(),
	}
	unset := bson.M{}
	if fields.OwnerAgentID != nil {
		set["owner_agent_id"] = *fields.OwnerAgentID
	}
	if fields.Result != nil {
		set["result"] = fields.Result
	}
	if fields.Error != nil {
		set["error"] = *fields.Error
	}
	if fields.RetryCount != nil {
		set["retry_count"] = *fields.RetryCount
	}
	if fields.Priority != nil {
		set["priority"] = *fields.Priority
	}
	if fields.StartedAt != nil {
		set["started_at"] = *fields.StartedAt
	}
	if fields.ClearStarted {
		unset["started_at"] = ""
	}
	if fields.CompletedAt != nil {
		set["completed_at"] = *fields.CompletedAt
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": expected}, update)
	if res.Err() == mongo.ErrNoDocuments {
		// Distinguish a missing task from a lost race.
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return ErrStatusMismatch
	}
	return res.Err()
}

func (s *MongoStore) QueryPendingTasks(ctx context.Context) ([]*models.AgentTask, error) {
	return s.find(ctx, bson.M{"status": models.TaskStatusPending})
}

func (s *MongoStore) QueryStuckTasks(ctx context.Context, olderThan time.Time) ([]*models.AgentTask, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []models.TaskStatus{models.TaskStatusAssigned, models.TaskStatusRunning}},
		"updated_at": bson.M{"$lt": olderThan},
	}
	return s.find(ctx, filter)
}

func (s *MongoStore) QueryTasksByOwner(ctx context.Context, agentID string) ([]*models.AgentTask, error) {
	filter := bson.M{
		"owner_agent_id": agentID,
		"status":         bson.M{"$in": []models.TaskStatus{models.TaskStatusAssigned, models.TaskStatusRunning}},
	}
	return s.find(ctx, filter)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]*models.AgentTask, error) {
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var tasks []*models.AgentTask
	for cur.Next(ctx) {
		var task models.AgentTask
		if err := cur.Decode(&task); err != nil {
			return nil, err
		}
		tasks = append(tasks, &task)
	}
	return tasks, cur.Err()
}
