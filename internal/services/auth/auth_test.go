package auth_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/lib/jwt"
	"aniyuu/internal/lib/handlers/slogdiscard"
	"aniyuu/internal/lib/metrics"
	"aniyuu/internal/services/auth"
	"aniyuu/internal/services/tokens"
	"aniyuu/internal/storage/sqlite"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	emailSubject   = "aniyuu.email"
	passDefaultLen = 10
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, subject string, v any) error {
	return m.Called(ctx, subject, v).Error(0)
}

// lastEmail returns the most recently published email message.
func (m *publisherMock) lastEmail(t *testing.T) models.EmailMessage {
	t.Helper()

	require.NotEmpty(t, m.Calls)
	msg, ok := m.Calls[len(m.Calls)-1].Arguments.Get(2).(models.EmailMessage)
	require.True(t, ok)

	return msg
}

type suite struct {
	auth      *auth.Auth
	store     *sqlite.Storage
	codec     *jwt.Codec
	publisher *publisherMock
	metrics   *metrics.Metrics
}

func newSuite(t *testing.T) *suite {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	codec, err := jwt.New("0123456789abcdef0123456789abcdef", "aniyuu", "aniyuu-clients")
	require.NoError(t, err)

	log := slogdiscard.NewDiscardLogger()
	m := metrics.New(prometheus.NewRegistry())

	tokenService := tokens.New(log, store, store, codec, m, tokens.Config{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		RevokeOnReuse:   true,
	})

	pub := &publisherMock{}

	return &suite{
		auth: auth.New(log, store, store, store, tokenService, pub, m, auth.Config{
			ActivationCodeTTL: time.Hour,
			EmailSubject:      emailSubject,
		}),
		store:     store,
		codec:     codec,
		publisher: pub,
		metrics:   m,
	}
}

func client(deviceID string) models.ClientInfo {
	return models.ClientInfo{DeviceID: deviceID, IP: "10.0.0.1"}
}

func randomInput() auth.RegisterInput {
	return auth.RegisterInput{
		FullName: gofakeit.Name(),
		Username: gofakeit.Username(),
		Email:    gofakeit.Email(),
		Password: gofakeit.Password(true, true, true, true, false, passDefaultLen),
	}
}

func TestRegister(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	s.publisher.On("Publish", mock.Anything, emailSubject, mock.Anything).Return(nil)

	in := randomInput()
	userID, err := s.auth.Register(ctx, in, client("device-A"))
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	user, err := s.store.UserByEmail(ctx, in.Email)
	require.NoError(t, err)
	assert.Equal(t, userID, user.ID)
	assert.False(t, user.IsActive)
	assert.Equal(t, []string{models.RoleUser}, user.Roles)
	assert.Equal(t, []string{"device-A"}, user.Devices)
	assert.NoError(t, bcrypt.CompareHashAndPassword(user.PassHash, []byte(in.Password)))

	cost, err := bcrypt.Cost(user.PassHash)
	require.NoError(t, err)
	assert.Equal(t, 12, cost)

	msg := s.publisher.lastEmail(t)
	assert.Equal(t, in.Email, msg.To)
	assert.Equal(t, models.TemplateWelcomeEmail, msg.TemplateName)
	assert.Len(t, msg.Placeholders["code"], 6)

	_, err = s.auth.Register(ctx, in, client("device-B"))
	assert.ErrorIs(t, err, auth.ErrUserExists)
}

func TestRegister_PublishFailureIsNotFatal(t *testing.T) {
	s := newSuite(t)
	s.publisher.On("Publish", mock.Anything, emailSubject, mock.Anything).Return(errors.New("nats: no responders"))

	_, err := s.auth.Register(context.Background(), randomInput(), client("device-A"))
	assert.NoError(t, err)
	s.publisher.AssertExpectations(t)
}

func TestLogin(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	s.publisher.On("Publish", mock.Anything, emailSubject, mock.Anything).Return(nil)

	in := randomInput()
	userID, err := s.auth.Register(ctx, in, client("device-A"))
	require.NoError(t, err)

	pair, err := s.auth.Login(ctx, in.Email, in.Password, client("device-B"))
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := s.codec.Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, in.Email, claims.Email)
	assert.Equal(t, in.Username, claims.Username)

	user, err := s.store.UserByID(ctx, userID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"device-A", "device-B"}, user.Devices)

	rt, err := s.store.ValidRefreshToken(ctx, tokens.HashRefreshToken(pair.RefreshToken, ""), "device-B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", rt.IP)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Logins.WithLabelValues(metrics.ResultOK)))
}

func TestLogin_FailCases(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	s.publisher.On("Publish", mock.Anything, emailSubject, mock.Anything).Return(nil)

	in := randomInput()
	_, err := s.auth.Register(ctx, in, client("device-A"))
	require.NoError(t, err)

	banned := randomInput()
	hash, err := bcrypt.GenerateFromPassword([]byte(banned.Password), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = s.store.SaveUser(ctx, models.User{
		Username:  banned.Username,
		Email:     banned.Email,
		PassHash:  hash,
		Roles:     []string{models.RoleUser},
		IsBanned:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{
			name:     "unknown email",
			email:    gofakeit.Email(),
			password: in.Password,
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name:     "wrong password",
			email:    in.Email,
			password: in.Password + "x",
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name:     "banned user",
			email:    banned.Email,
			password: banned.Password,
			wantErr:  auth.ErrUserBanned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.auth.Login(ctx, tt.email, tt.password, client("device-A"))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLogoutAndRefresh(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	s.publisher.On("Publish", mock.Anything, emailSubject, mock.Anything).Return(nil)

	in := randomInput()
	userID, err := s.auth.Register(ctx, in, client("device-A"))
	require.NoError(t, err)

	pair, err := s.auth.Login(ctx, in.Email, in.Password, client("device-A"))
	require.NoError(t, err)

	renewed, err := s.auth.Refresh(ctx, pair.RefreshToken, client("device-A"))
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, renewed.RefreshToken)

	_, err = s.auth.Refresh(ctx, renewed.RefreshToken, client("device-B"))
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	identity := &models.Identity{UserID: userID}
	require.NoError(t, s.auth.Logout(ctx, identity, client("device-A")))

	_, err = s.auth.Refresh(ctx, renewed.RefreshToken, client("device-A"))
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestActivation(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	s.publisher.On("Publish", mock.Anything, emailSubject, mock.Anything).Return(nil)

	in := randomInput()
	userID, err := s.auth.Register(ctx, in, client("device-A"))
	require.NoError(t, err)

	first, err := strconv.Atoi(s.publisher.lastEmail(t).Placeholders["code"])
	require.NoError(t, err)

	require.NoError(t, s.auth.ResendActivationCode(ctx, in.Email))

	msg := s.publisher.lastEmail(t)
	assert.Equal(t, models.TemplateActivationCodeEmail, msg.TemplateName)
	second, err := strconv.Atoi(msg.Placeholders["code"])
	require.NoError(t, err)

	if first != second {
		err = s.auth.ActivateUser(ctx, first)
		assert.ErrorIs(t, err, auth.ErrActivationCodeNotFound)
	}

	require.NoError(t, s.auth.ActivateUser(ctx, second))

	user, err := s.store.UserByID(ctx, userID)
	require.NoError(t, err)
	assert.True(t, user.IsActive)

	err = s.auth.ActivateUser(ctx, second)
	assert.ErrorIs(t, err, auth.ErrActivationCodeNotFound)

	err = s.auth.ResendActivationCode(ctx, in.Email)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	err = s.auth.ResendActivationCode(ctx, gofakeit.Email())
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}
