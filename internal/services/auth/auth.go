package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/metrics"
	"aniyuu/internal/services/tokens"
	"aniyuu/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

const passwordCost = 12

type Auth struct {
	log       *slog.Logger
	userSaver UserSaver
	users     UserProvider
	codes     ActivationCodeStore
	tokens    TokenService
	publisher Publisher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

type UserSaver interface {
	SaveUser(ctx context.Context, user models.User) (string, error)
	AddUserDevice(ctx context.Context, userID, deviceID string) error
	ActivateUser(ctx context.Context, userID string) error
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
}

type ActivationCodeStore interface {
	SaveActivationCode(ctx context.Context, code models.ActivationCode) error
	ActivationCode(ctx context.Context, code int, now time.Time) (*models.ActivationCode, error)
	ExpireActivationCodes(ctx context.Context, userID string) error
}

type TokenService interface {
	IssueAccessToken(ctx context.Context, userID string) (string, error)
	IssueRefreshToken(ctx context.Context, userID, deviceID, clientIP string) (*models.RefreshToken, error)
	RenewTokens(ctx context.Context, refreshToken, deviceID string) (*models.TokenPair, error)
	RevokeAllTokens(ctx context.Context, userID, deviceID string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type Config struct {
	ActivationCodeTTL time.Duration
	EmailSubject      string
}

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrUserExists             = errors.New("user already exists")
	ErrUserNotFound           = errors.New("user not found")
	ErrUserBanned             = errors.New("user banned")
	ErrActivationCodeNotFound = errors.New("activation code not found or expired")
	ErrInvalidRefreshToken    = errors.New("invalid refresh token")
)

type RegisterInput struct {
	FullName string
	Username string
	Email    string
	Password string
}

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	userSaver UserSaver,
	users UserProvider,
	codes ActivationCodeStore,
	tokenService TokenService,
	publisher Publisher,
	m *metrics.Metrics,
	cfg Config,
) *Auth {
	return &Auth{
		log:       log,
		userSaver: userSaver,
		users:     users,
		codes:     codes,
		tokens:    tokenService,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Register creates an inactive account and mails its activation code.
func (a *Auth) Register(ctx context.Context, in RegisterInput, client models.ClientInfo) (string, error) {
	const op = "auth.Register"
	log := a.log.With(
		slog.String("op", op),
		slog.String("email", in.Email),
	)
	log.Info("register request")

	_, err := a.users.UserByEmail(ctx, in.Email)
	switch {
	case err == nil:
		log.Warn("user already exists")
		return "", fmt.Errorf("%s: %w", op, ErrUserExists)
	case !errors.Is(err, storage.ErrUserNotFound):
		log.Error("failed to get user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), passwordCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	devices := []string{}
	if client.DeviceID != "" {
		devices = append(devices, client.DeviceID)
	}

	now := a.now()
	userID, err := a.userSaver.SaveUser(ctx, models.User{
		FullName:  in.FullName,
		Username:  in.Username,
		Email:     in.Email,
		PassHash:  passHash,
		Roles:     []string{models.RoleUser},
		Devices:   devices,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("user_id", userID))

	a.sendActivationCode(ctx, log, userID, in.Email, in.Username, models.TemplateWelcomeEmail, "Welcome to Aniyuu!")

	return userID, nil
}

// Login checks credentials and issues a token pair bound to the client device.
func (a *Auth) Login(ctx context.Context, email, password string, client models.ClientInfo) (*models.TokenPair, error) {
	const op = "auth.Login"
	log := a.log.With(
		slog.String("op", op),
		slog.String("device_id", client.DeviceID),
	)
	log.Info("login request", slog.String("email", email))

	user, err := a.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			a.metrics.Logins.WithLabelValues(metrics.ResultInvalid).Inc()
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		a.metrics.Logins.WithLabelValues(metrics.ResultError).Inc()
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("user_id", user.ID))

	if user.IsBanned {
		a.metrics.Logins.WithLabelValues(metrics.ResultBanned).Inc()
		log.Warn("user is banned")
		return nil, fmt.Errorf("%s: %w", op, ErrUserBanned)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		a.metrics.Logins.WithLabelValues(metrics.ResultInvalid).Inc()
		log.Warn("invalid password", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	accessToken, err := a.tokens.IssueAccessToken(ctx, user.ID)
	if err != nil {
		a.metrics.Logins.WithLabelValues(metrics.ResultError).Inc()
		log.Error("failed to issue access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := a.tokens.IssueRefreshToken(ctx, user.ID, client.DeviceID, client.IP)
	if err != nil {
		a.metrics.Logins.WithLabelValues(metrics.ResultError).Inc()
		log.Error("failed to issue refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if client.DeviceID != "" && !user.HasDevice(client.DeviceID) {
		if err := a.userSaver.AddUserDevice(ctx, user.ID, client.DeviceID); err != nil {
			log.Error("failed to add user device", sl.Err(err))
		}
	}

	a.metrics.Logins.WithLabelValues(metrics.ResultOK).Inc()
	log.Info("user logged in")

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken.Token,
	}, nil
}

// Logout revokes the refresh tokens of the caller's current device.
func (a *Auth) Logout(ctx context.Context, identity *models.Identity, client models.ClientInfo) error {
	const op = "auth.Logout"
	log := a.log.With(
		slog.String("op", op),
		slog.String("user_id", identity.UserID),
		slog.String("device_id", client.DeviceID),
	)

	revoked, err := a.tokens.RevokeAllTokens(ctx, identity.UserID, client.DeviceID)
	if err != nil {
		log.Error("failed to revoke tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out", slog.Bool("revoked", revoked))

	return nil
}

// Refresh exchanges a refresh token for a new pair.
func (a *Auth) Refresh(ctx context.Context, refreshToken string, client models.ClientInfo) (*models.TokenPair, error) {
	const op = "auth.Refresh"
	log := a.log.With(
		slog.String("op", op),
		slog.String("device_id", client.DeviceID),
	)

	pair, err := a.tokens.RenewTokens(ctx, refreshToken, client.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrRefreshTokenNotFoundOrExpired):
			log.Warn("refresh rejected", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		case errors.Is(err, tokens.ErrUserBanned):
			log.Warn("refresh rejected", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrUserBanned)
		case errors.Is(err, tokens.ErrUserNotFound):
			log.Warn("refresh rejected", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("failed to renew tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return pair, nil
}

// ActivateUser redeems an activation code.
func (a *Auth) ActivateUser(ctx context.Context, code int) error {
	const op = "auth.ActivateUser"
	log := a.log.With(slog.String("op", op))

	activation, err := a.codes.ActivationCode(ctx, code, a.now())
	if err != nil {
		if errors.Is(err, storage.ErrActivationCodeNotFound) {
			log.Warn("activation code not found", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrActivationCodeNotFound)
		}
		log.Error("failed to get activation code", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("user_id", activation.UserID))

	if err := a.userSaver.ActivateUser(ctx, activation.UserID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrActivationCodeNotFound)
		}
		log.Error("failed to activate user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.codes.ExpireActivationCodes(ctx, activation.UserID); err != nil {
		log.Error("failed to expire activation codes", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user activated")

	return nil
}

// ResendActivationCode expires outstanding codes and mails a fresh one.
func (a *Auth) ResendActivationCode(ctx context.Context, email string) error {
	const op = "auth.ResendActivationCode"
	log := a.log.With(slog.String("op", op), slog.String("email", email))

	user, err := a.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if user.IsActive {
		log.Warn("user already active")
		return fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	if err := a.codes.ExpireActivationCodes(ctx, user.ID); err != nil {
		log.Error("failed to expire activation codes", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	a.sendActivationCode(ctx, log, user.ID, user.Email, user.Username, models.TemplateActivationCodeEmail, "Verify your Aniyuu account")

	return nil
}

// sendActivationCode stores a new code and publishes the email carrying it.
// Failures are logged only: the user can always ask for another code.
func (a *Auth) sendActivationCode(ctx context.Context, log *slog.Logger, userID, email, username, template, subject string) {
	code, err := generateActivationCode()
	if err != nil {
		log.Error("failed to generate activation code", sl.Err(err))
		return
	}

	err = a.codes.SaveActivationCode(ctx, models.ActivationCode{
		Code:      code,
		UserID:    userID,
		ExpiresAt: a.now().Add(a.cfg.ActivationCodeTTL),
	})
	if err != nil {
		log.Error("failed to save activation code", sl.Err(err))
		return
	}

	err = a.publisher.Publish(ctx, a.cfg.EmailSubject, models.EmailMessage{
		To:           email,
		Subject:      subject,
		TemplateName: template,
		Placeholders: map[string]string{
			"username": username,
			"email":    email,
			"code":     strconv.Itoa(code),
		},
	})
	if err != nil {
		log.Error("failed to publish email", sl.Err(err), slog.String("template", template))
	}
}

// generateActivationCode returns a uniformly random six-digit code.
func generateActivationCode() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()) + 100000, nil
}
