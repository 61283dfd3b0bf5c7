package identity

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mappingDocument is the stored shape: _id is the raw data, uuid the token.
type mappingDocument struct {
	ID    string `bson:"_id"`
	Token string `bson:"uuid"`
}

// MongoStore persists one mapping table in MongoDB.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a store over the table's mapping collection.
func NewMongoStore(db *mongo.Database, table string) *MongoStore {
	return &MongoStore{
		collection: db.Collection(fmt.Sprintf("tables/%s/mappings", table)),
	}
}

// GetOrCreate returns the stored token for data, atomically inserting
// candidate if no mapping exists. The $setOnInsert upsert guarantees an
// existing mapping is never overwritten, even under concurrent resolvers.
func (s *MongoStore) GetOrCreate(ctx context.Context, data, candidate string) (string, bool, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc mappingDocument
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": data},
		bson.M{"$setOnInsert": bson.M{"uuid": candidate}},
		opts,
	).Decode(&doc)
	if err != nil {
		return "", false, fmt.Errorf("failed to get or create mapping: %w", err)
	}

	return doc.Token, doc.Token == candidate, nil
}

// FindByToken reverse-reads the mapping for token.
func (s *MongoStore) FindByToken(ctx context.Context, token string) (string, error) {
	var doc mappingDocument
	err := s.collection.FindOne(ctx, bson.M{"uuid": token}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to find mapping by token: %w", err)
	}
	return doc.ID, nil
}

// StreamAll iterates every stored mapping.
func (s *MongoStore) StreamAll(ctx context.Context, fn func(data, token string) error) error {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to stream mappings: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc mappingDocument
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode mapping: %w", err)
		}
		if err := fn(doc.ID, doc.Token); err != nil {
			return err
		}
	}
	return cursor.Err()
}
