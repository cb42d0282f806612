package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/metrics"
	"aniyuu/internal/lib/requestctx"
	"aniyuu/internal/storage"
)

const refreshTokenBytes = 32

var (
	ErrRefreshTokenNotFoundOrExpired = errors.New("refresh token not found or expired")
	ErrRefreshTokenStoreWriteFailed  = errors.New("refresh token store write failed")
	ErrDeviceMismatch                = errors.New("refresh token issued for another device")
	ErrRefreshTokenReused            = errors.New("refresh token already used")
	ErrUserNotFound                  = errors.New("user not found")
	ErrUserBanned                    = errors.New("user banned")
)

type UserProvider interface {
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

// RefreshTokenStore looks tokens up by their hash, see HashRefreshToken.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	ValidRefreshToken(ctx context.Context, tokenHash, deviceID string, now time.Time) (*models.RefreshToken, error)
	RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	MarkRefreshTokenUsed(ctx context.Context, tokenHash string, now time.Time) error
	RevokeDeviceRefreshTokens(ctx context.Context, userID, deviceID string) (int64, error)
}

type AccessTokenIssuer interface {
	Issue(claims models.AccessClaims, ttl time.Duration) (string, error)
}

type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// RevokeOnReuse revokes the whole user+device family when a used
	// refresh token is presented again.
	RevokeOnReuse bool

	// ReuseGracePeriod is how long after redemption a replay still counts as
	// a concurrent duplicate of the winning request rather than reuse.
	ReuseGracePeriod time.Duration

	// TokenPepper is mixed into the stored hash of every refresh token.
	TokenPepper string
}

type Service struct {
	log     *slog.Logger
	users   UserProvider
	store   RefreshTokenStore
	codec   AccessTokenIssuer
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

// New returns a new instance of the token service.
func New(
	log *slog.Logger,
	users UserProvider,
	store RefreshTokenStore,
	codec AccessTokenIssuer,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	return &Service{
		log:     log,
		users:   users,
		store:   store,
		codec:   codec,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for refresh token expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueAccessToken loads the current identity snapshot of the user and signs
// an access token for it.
func (s *Service) IssueAccessToken(ctx context.Context, userID string) (string, error) {
	const op = "tokens.IssueAccessToken"
	log := s.log.With(slog.String("op", op), slog.String("user_id", userID))

	user, err := s.users.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if user.IsDeleted {
		log.Warn("user deleted")
		return "", fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}
	if user.IsBanned {
		log.Warn("user banned")
		return "", fmt.Errorf("%s: %w", op, ErrUserBanned)
	}

	token, err := s.codec.Issue(models.AccessClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Roles:    user.Roles,
	}, s.cfg.AccessTokenTTL)
	if err != nil {
		log.Error("failed to sign access token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// IssueRefreshToken creates and persists a new refresh token bound to deviceID.
func (s *Service) IssueRefreshToken(ctx context.Context, userID, deviceID, clientIP string) (*models.RefreshToken, error) {
	const op = "tokens.IssueRefreshToken"
	log := s.log.With(
		slog.String("op", op),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
	)

	value, err := generateRefreshToken()
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	token := models.RefreshToken{
		Token:     value,
		TokenHash: HashRefreshToken(value, s.cfg.TokenPepper),
		UserID:    userID,
		DeviceID:  deviceID,
		IP:        clientIP,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}

	if err := s.store.SaveRefreshToken(ctx, token); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w: %w", op, ErrRefreshTokenStoreWriteFailed, err)
	}

	return &token, nil
}

// RenewTokens redeems a refresh token for a new access and refresh token pair.
// A token can be redeemed once: the mark-used step is a conditional update,
// so of several concurrent renewals with the same value only one succeeds.
func (s *Service) RenewTokens(ctx context.Context, refreshToken, deviceID string) (*models.TokenPair, error) {
	const op = "tokens.RenewTokens"
	log := s.log.With(slog.String("op", op), slog.String("device_id", deviceID))

	now := s.now()
	tokenHash := HashRefreshToken(refreshToken, s.cfg.TokenPepper)

	old, err := s.store.ValidRefreshToken(ctx, tokenHash, deviceID, now)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			err = s.classifyMiss(ctx, log, tokenHash, deviceID, now)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultError).Inc()
		log.Error("failed to get refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("user_id", old.UserID))

	accessToken, err := s.IssueAccessToken(ctx, old.UserID)
	if err != nil {
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.store.MarkRefreshTokenUsed(ctx, tokenHash, now); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.metrics.TokenRenewals.WithLabelValues(metrics.ResultInvalid).Inc()
			log.Warn("refresh token redeemed concurrently")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenNotFoundOrExpired)
		}
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultError).Inc()
		log.Error("failed to mark refresh token used", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The old token is spent; finish the rotation even if the caller gave up.
	ctx = context.WithoutCancel(ctx)

	clientIP := requestctx.Client(ctx).IP
	if clientIP == "" {
		clientIP = old.IP
	}

	next, err := s.IssueRefreshToken(ctx, old.UserID, old.DeviceID, clientIP)
	if err != nil {
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.TokenRenewals.WithLabelValues(metrics.ResultOK).Inc()
	log.Info("tokens renewed")

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: next.Token,
	}, nil
}

// classifyMiss explains why a token failed the validity filter. Every result
// matches ErrRefreshTokenNotFoundOrExpired.
func (s *Service) classifyMiss(ctx context.Context, log *slog.Logger, tokenHash, deviceID string, now time.Time) error {
	raw, err := s.store.RefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.metrics.TokenRenewals.WithLabelValues(metrics.ResultInvalid).Inc()
			log.Warn("refresh token not found")
			return ErrRefreshTokenNotFoundOrExpired
		}
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultError).Inc()
		log.Error("failed to get refresh token", sl.Err(err))
		return err
	}

	log = log.With(slog.String("user_id", raw.UserID))

	switch {
	case raw.Used && !raw.UsedAt.IsZero() && now.Sub(raw.UsedAt) < s.cfg.ReuseGracePeriod:
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultInvalid).Inc()
		log.Warn("refresh token redeemed concurrently", slog.Time("used_at", raw.UsedAt))
		return ErrRefreshTokenNotFoundOrExpired
	case raw.Used:
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultReused).Inc()
		s.metrics.RefreshTokenReuse.Inc()
		log.Warn("used refresh token presented again", slog.String("issued_device_id", raw.DeviceID))

		if s.cfg.RevokeOnReuse {
			n, err := s.store.RevokeDeviceRefreshTokens(ctx, raw.UserID, raw.DeviceID)
			if err != nil {
				log.Error("failed to revoke token family", sl.Err(err))
			} else {
				log.Warn("token family revoked", slog.Int64("revoked", n))
			}
		}

		return fmt.Errorf("%w: %w", ErrRefreshTokenReused, ErrRefreshTokenNotFoundOrExpired)
	case raw.DeviceID != deviceID:
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultInvalid).Inc()
		log.Warn("refresh token presented from another device", slog.String("issued_device_id", raw.DeviceID))
		return fmt.Errorf("%w: %w", ErrDeviceMismatch, ErrRefreshTokenNotFoundOrExpired)
	default:
		s.metrics.TokenRenewals.WithLabelValues(metrics.ResultInvalid).Inc()
		log.Info("refresh token expired or revoked")
		return ErrRefreshTokenNotFoundOrExpired
	}
}

// RevokeAllTokens revokes every live refresh token of the user on deviceID and
// reports whether any record changed.
func (s *Service) RevokeAllTokens(ctx context.Context, userID, deviceID string) (bool, error) {
	const op = "tokens.RevokeAllTokens"
	log := s.log.With(
		slog.String("op", op),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
	)

	n, err := s.store.RevokeDeviceRefreshTokens(ctx, userID, deviceID)
	if err != nil {
		log.Error("failed to revoke refresh tokens", sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("refresh tokens revoked", slog.Int64("revoked", n))

	return n > 0, nil
}

// HashRefreshToken is the form a refresh token is stored and looked up in.
func HashRefreshToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + pepper))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateRefreshToken returns 256 random bits, base64 encoded.
func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
