package profile

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agrobid/auction-ledger/internal/model"
)

// Collection is the MongoDB collection holding profile documents.
const Collection = "profiles"

// MongoStore implements Store on a MongoDB collection keyed by user ID.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore returns a store over db's profiles collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(Collection)}
}

// EnsureIndexes creates the role index used by Counts.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "role", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("profile indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return &p, nil
}

func (s *MongoStore) Upsert(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	update := bson.M{
		"$set": bson.M{
			"role":       p.Role,
			"name":       p.Name,
			"phone":      p.Phone,
			"location":   p.Location,
			"upi_id":     p.UPIID,
			"updated_at": p.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"is_verified": false,
			"created_at":  p.UpdatedAt,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var out model.Profile
	if err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": p.UserID}, update, opts).Decode(&out); err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", p.UserID, err)
	}
	return &out, nil
}

func (s *MongoStore) List(ctx context.Context) ([]model.Profile, error) {
	cur, err := s.coll.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := []model.Profile{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Counts(ctx context.Context) (model.UserCounts, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$role"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return model.UserCounts{}, fmt.Errorf("count profiles: %w", err)
	}
	var rows []struct {
		Role model.Role `bson:"_id"`
		N    int64      `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return model.UserCounts{}, fmt.Errorf("count profiles: %w", err)
	}

	var c model.UserCounts
	for _, r := range rows {
		c.Add(r.Role, r.N)
	}
	return c, nil
}

func (s *MongoStore) Names(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("profile names: %w", err)
	}
	var rows []struct {
		UserID string `bson:"_id"`
		Name   string `bson:"name"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("profile names: %w", err)
	}
	for _, r := range rows {
		out[r.UserID] = r.Name
	}
	return out, nil
}
