package contentgen

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	mongodb "github.com/helloemzy/personal-brand-dna-sub000/internal/database/mongo"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

const profileCollection = "voice_profiles"

// MongoProfileSource reads voice profiles from MongoDB. A missing profile is
// not an error; the caller falls back to the neutral default.
type MongoProfileSource struct {
	coll *mongo.Collection
}

func NewMongoProfileSource(cfg *config.MongoConfig) (*MongoProfileSource, error) {
	client, err := mongodb.GetClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MongoProfileSource{coll: client.Database(cfg.Database).Collection(profileCollection)}, nil
}

func (s *MongoProfileSource) VoiceProfile(ctx context.Context, userID string) (*models.VoiceProfile, error) {
	var profile models.VoiceProfile
	err := s.coll.FindOne(ctx, bson.M{"userid": userID}).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
