package opinion

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationsCollection    = "nook_conversation_shards/shard-0/conversations"
	suggestedRepliesCollection = "suggestedReplies"
)

// MongoRepo persists conversations and suggested replies in MongoDB.
type MongoRepo struct {
	conversations    *mongo.Collection
	suggestedReplies *mongo.Collection
}

// NewMongoRepo creates a repo over db.
func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		conversations:    db.Collection(conversationsCollection),
		suggestedReplies: db.Collection(suggestedRepliesCollection),
	}
}

type conversationDocument struct {
	ID           string `bson:"_id"`
	Conversation `bson:",inline"`
}

// GetConversation returns the stored conversation, or ErrNotFound.
func (r *MongoRepo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var doc conversationDocument
	err := r.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &doc.Conversation, nil
}

// PutConversation upserts conv under id.
func (r *MongoRepo) PutConversation(ctx context.Context, id string, conv *Conversation) error {
	doc := conversationDocument{ID: id, Conversation: *conv}
	_, err := r.conversations.ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to put conversation: %w", err)
	}
	return nil
}

// PutSuggestedReply upserts reply under id.
func (r *MongoRepo) PutSuggestedReply(ctx context.Context, id string, reply map[string]any) error {
	doc := bson.M{"_id": id}
	for k, v := range reply {
		doc[k] = v
	}
	_, err := r.suggestedReplies.ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to put suggested reply: %w", err)
	}
	return nil
}
