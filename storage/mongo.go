package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionName = "conversations"
	maxTokensMongo = 20000
)

type MongoStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *slog.Logger
}

func NewMongoStorage(uri, database string, log *slog.Logger) (*MongoStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	collection := client.Database(database).Collection(collectionName)

	// Create index on session_id for faster lookups
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Warn("creating index", slog.String("error", err.Error()))
	}

	return &MongoStorage{
		client:     client,
		collection: collection,
		log:        log,
	}, nil
}

func (m *MongoStorage) GetHistory(sessionId string) (*Conversation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conversation Conversation
	err := m.collection.FindOne(ctx, bson.M{"session_id": sessionId}).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding conversation: %w", err)
	}
	return &conversation, nil
}

func (m *MongoStorage) AppendMessage(sessionId string, message Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	message.Tokens = len([]rune(message.Content))
	message.Timestamp = time.Now()

	existing, err := m.GetHistory(sessionId)
	if err != nil {
		return err
	}

	if existing == nil {
		conversation := &Conversation{
			SessionId: sessionId,
			Messages:  []Message{message},
			Tokens:    message.Tokens,
			UpdatedAt: time.Now(),
		}
		_, err = m.collection.InsertOne(ctx, conversation)
		return err
	}

	existing.Tokens += message.Tokens

	for existing.Tokens > maxTokensMongo && len(existing.Messages) > 0 {
		tokensToRemove := existing.Messages[0].Tokens
		existing.Messages = existing.Messages[1:]
		existing.Tokens -= tokensToRemove
	}

	existing.Messages = append(existing.Messages, message)
	existing.UpdatedAt = time.Now()

	_, err = m.collection.ReplaceOne(ctx, bson.M{"session_id": sessionId}, existing)
	return err
}

func (m *MongoStorage) ClearHistory(sessionId string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.collection.DeleteOne(ctx, bson.M{"session_id": sessionId})
	return err
}

func (m *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
