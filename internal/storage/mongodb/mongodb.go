package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	usersCollection           = "users"
	refreshTokensCollection   = "refresh_tokens"
	activationCodesCollection = "activation_codes"
	requestLogsCollection     = "request_logs"
)

type Storage struct {
	client          *mongo.Client
	database        *mongo.Database
	users           *mongo.Collection
	tokens          *mongo.Collection
	activationCodes *mongo.Collection
	requestLogs     *mongo.Collection
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:          client,
		database:        db,
		users:           db.Collection(usersCollection),
		tokens:          db.Collection(refreshTokensCollection),
		activationCodes: db.Collection(activationCodesCollection),
		requestLogs:     db.Collection(requestLogsCollection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// users.email unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// Documents keyed by the raw token predate token_hash. The old unique
	// index would reject every new document, so it goes if present.
	_ = s.tokens.Indexes().DropOne(ctx, "token_1")

	// refresh_tokens.token_hash unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token_hash index: %w", err)
	}

	// Expired tokens are kept for replay detection, so there is no TTL index here.
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.user_id_device_id index: %w", err)
	}

	_, err = s.activationCodes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "code", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("activation_codes.code index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
