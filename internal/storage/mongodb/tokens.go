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
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type refreshTokenDoc struct {
	TokenHash string    `bson:"token_hash"`
	UserID    string    `bson:"user_id"`
	DeviceID  string    `bson:"device_id"`
	IP        string    `bson:"ip"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
	UsedAt    time.Time `bson:"used_at,omitempty"`
	Used      bool      `bson:"used"`
	Revoked   bool      `bson:"revoked"`
}

func (d *refreshTokenDoc) model() *models.RefreshToken {
	return &models.RefreshToken{
		TokenHash: d.TokenHash,
		UserID:    d.UserID,
		DeviceID:  d.DeviceID,
		IP:        d.IP,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		UsedAt:    d.UsedAt,
		Used:      d.Used,
		Revoked:   d.Revoked,
	}
}

// validFilter matches a token that can still be exchanged at now.
func validFilter(tokenHash string, now time.Time) bson.D {
	return bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "used", Value: false},
		{Key: "revoked", Value: false},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now.UTC()}}},
	}
}

// SaveRefreshToken always inserts a new document, never upserts.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	doc := refreshTokenDoc{
		TokenHash: token.TokenHash,
		UserID:    token.UserID,
		DeviceID:  token.DeviceID,
		IP:        token.IP,
		CreatedAt: utc(token.CreatedAt),
		ExpiresAt: utc(token.ExpiresAt),
		Used:      token.Used,
		Revoked:   token.Revoked,
	}

	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ValidRefreshToken retrieves the token bound to deviceID if it is unused,
// unrevoked and unexpired.
func (s *Storage) ValidRefreshToken(ctx context.Context, tokenHash, deviceID string, now time.Time) (*models.RefreshToken, error) {
	const op = "storage.mongodb.ValidRefreshToken"

	filter := append(validFilter(tokenHash, now), bson.E{Key: "device_id", Value: deviceID})

	return s.findRefreshToken(ctx, op, filter)
}

// RefreshToken retrieves a refresh token regardless of its state.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	return s.findRefreshToken(ctx, op, bson.D{{Key: "token_hash", Value: tokenHash}})
}

func (s *Storage) findRefreshToken(ctx context.Context, op string, filter bson.D) (*models.RefreshToken, error) {
	var doc refreshTokenDoc
	if err := s.tokens.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.model(), nil
}

// MarkRefreshTokenUsed sets used and used_at on a still-valid token. The
// validity filter is part of the update, so only one concurrent caller can
// match.
func (s *Storage) MarkRefreshTokenUsed(ctx context.Context, tokenHash string, now time.Time) error {
	const op = "storage.mongodb.MarkRefreshTokenUsed"

	res, err := s.tokens.UpdateOne(ctx,
		validFilter(tokenHash, now),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "used", Value: true},
			{Key: "used_at", Value: now.UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotFound)
	}

	return nil
}

// RevokeDeviceRefreshTokens revokes all unrevoked tokens of a user on a device.
func (s *Storage) RevokeDeviceRefreshTokens(ctx context.Context, userID, deviceID string) (int64, error) {
	const op = "storage.mongodb.RevokeDeviceRefreshTokens"

	res, err := s.tokens.UpdateMany(ctx,
		bson.D{
			{Key: "user_id", Value: userID},
			{Key: "device_id", Value: deviceID},
			{Key: "revoked", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked", Value: true}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount, nil
}

type activationCodeDoc struct {
	Code      int       `bson:"code"`
	UserID    string    `bson:"user_id"`
	ExpiresAt time.Time `bson:"expires_at"`
	Expired   bool      `bson:"expired"`
	CreatedAt time.Time `bson:"created_at"`
	UsedAt    time.Time `bson:"used_at,omitempty"`
}

func (s *Storage) SaveActivationCode(ctx context.Context, code models.ActivationCode) error {
	const op = "storage.mongodb.SaveActivationCode"

	_, err := s.activationCodes.InsertOne(ctx, activationCodeDoc{
		Code:      code.Code,
		UserID:    code.UserID,
		ExpiresAt: utc(code.ExpiresAt),
		Expired:   code.Expired,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ActivationCode returns the newest outstanding code with the given value.
func (s *Storage) ActivationCode(ctx context.Context, code int, now time.Time) (*models.ActivationCode, error) {
	const op = "storage.mongodb.ActivationCode"

	filter := bson.D{
		{Key: "code", Value: code},
		{Key: "expired", Value: false},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now.UTC()}}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var doc activationCodeDoc
	if err := s.activationCodes.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrActivationCodeNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.ActivationCode{
		Code:      doc.Code,
		UserID:    doc.UserID,
		ExpiresAt: doc.ExpiresAt,
		Expired:   doc.Expired,
	}, nil
}

func (s *Storage) ExpireActivationCodes(ctx context.Context, userID string) error {
	const op = "storage.mongodb.ExpireActivationCodes"

	_, err := s.activationCodes.UpdateMany(ctx,
		bson.D{{Key: "user_id", Value: userID}, {Key: "expired", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "expired", Value: true},
			{Key: "used_at", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

type requestLogDoc struct {
	CreatedAt  time.Time `bson:"created_at"`
	Method     string    `bson:"method"`
	Path       string    `bson:"path"`
	StatusCode int       `bson:"status_code"`
	UserID     string    `bson:"user_id,omitempty"`
	IP         string    `bson:"ip_address,omitempty"`
	DeviceID   string    `bson:"device_id,omitempty"`
}

func (s *Storage) SaveRequestLog(ctx context.Context, entry models.RequestLog) error {
	const op = "storage.mongodb.SaveRequestLog"

	_, err := s.requestLogs.InsertOne(ctx, requestLogDoc{
		CreatedAt:  utc(entry.CreatedAt),
		Method:     entry.Method,
		Path:       entry.Path,
		StatusCode: entry.StatusCode,
		UserID:     entry.UserID,
		IP:         entry.IP,
		DeviceID:   entry.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
