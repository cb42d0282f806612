package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type userDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	FullName  string        `bson:"full_name"`
	Username  string        `bson:"username"`
	Email     string        `bson:"email"`
	PassHash  []byte        `bson:"pass_hash"`
	Roles     []string      `bson:"roles"`
	Devices   []string      `bson:"devices"`
	IsActive  bool          `bson:"is_active"`
	IsBanned  bool          `bson:"is_banned"`
	IsDeleted bool          `bson:"is_deleted"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
	UpdatedBy string        `bson:"updated_by"`
}

func (d *userDoc) model() *models.User {
	return &models.User{
		ID:        d.ID.Hex(),
		FullName:  d.FullName,
		Username:  d.Username,
		Email:     d.Email,
		PassHash:  d.PassHash,
		Roles:     nonNil(d.Roles),
		Devices:   nonNil(d.Devices),
		IsActive:  d.IsActive,
		IsBanned:  d.IsBanned,
		IsDeleted: d.IsDeleted,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// SaveUser saves a new user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, user models.User) (string, error) {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:        bson.NewObjectID(),
		FullName:  user.FullName,
		Username:  user.Username,
		Email:     user.Email,
		PassHash:  user.PassHash,
		Roles:     nonNil(user.Roles),
		Devices:   nonNil(user.Devices),
		IsActive:  user.IsActive,
		IsBanned:  user.IsBanned,
		IsDeleted: user.IsDeleted,
		CreatedAt: utc(user.CreatedAt),
		UpdatedAt: utc(user.UpdatedAt),
		UpdatedBy: "system",
	}

	_, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return doc.ID.Hex(), nil
}

// UserByEmail retrieves a non-deleted user by email.
func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.UserByEmail"

	filter := bson.D{
		{Key: "email", Value: email},
		{Key: "is_deleted", Value: false},
	}

	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.model(), nil
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"

	id, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	var doc userDoc
	if err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.model(), nil
}

// AddUserDevice adds deviceID to the user's device set.
func (s *Storage) AddUserDevice(ctx context.Context, userID, deviceID string) error {
	const op = "storage.mongodb.AddUserDevice"

	return s.updateUser(ctx, op, userID, bson.D{
		{Key: "$addToSet", Value: bson.D{{Key: "devices", Value: deviceID}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now().UTC()}}},
	})
}

func (s *Storage) ActivateUser(ctx context.Context, userID string) error {
	const op = "storage.mongodb.ActivateUser"

	return s.updateUser(ctx, op, userID, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "is_active", Value: true},
			{Key: "updated_at", Value: time.Now().UTC()},
		}},
	})
}

func (s *Storage) updateUser(ctx context.Context, op, userID string, update bson.D) error {
	id, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	res, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}
