package auth_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aniyuu/internal/domain/models"
	handlers "aniyuu/internal/http-server/handlers/auth"
	"aniyuu/internal/lib/handlers/slogdiscard"
	"aniyuu/internal/lib/requestctx"
	"aniyuu/internal/services/auth"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type authMock struct {
	mock.Mock
}

func (m *authMock) Register(ctx context.Context, in auth.RegisterInput, client models.ClientInfo) (string, error) {
	args := m.Called(ctx, in, client)
	return args.String(0), args.Error(1)
}

func (m *authMock) Login(ctx context.Context, email, password string, client models.ClientInfo) (*models.TokenPair, error) {
	args := m.Called(ctx, email, password, client)
	pair, _ := args.Get(0).(*models.TokenPair)
	return pair, args.Error(1)
}

func (m *authMock) Logout(ctx context.Context, identity *models.Identity, client models.ClientInfo) error {
	return m.Called(ctx, identity, client).Error(0)
}

func (m *authMock) Refresh(ctx context.Context, refreshToken string, client models.ClientInfo) (*models.TokenPair, error) {
	args := m.Called(ctx, refreshToken, client)
	pair, _ := args.Get(0).(*models.TokenPair)
	return pair, args.Error(1)
}

func (m *authMock) ActivateUser(ctx context.Context, code int) error {
	return m.Called(ctx, code).Error(0)
}

func (m *authMock) ResendActivationCode(ctx context.Context, email string) error {
	return m.Called(ctx, email).Error(0)
}

var (
	client   = models.ClientInfo{DeviceID: "device-A", IP: "10.0.0.1"}
	identity = &models.Identity{UserID: "u1", Username: "kaito", Email: "kaito@example.com", Roles: []string{models.RoleUser}}
)

// newRouter mounts the handler behind a stand-in for the authn middleware.
func newRouter(a handlers.Auth, id *models.Identity) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := &models.RequestContext{Client: client, Identity: id, Location: "Turkey, Istanbul"}
			next.ServeHTTP(w, r.WithContext(requestctx.With(r.Context(), rc)))
		})
	})
	handlers.New(slogdiscard.NewDiscardLogger(), a).Routes(r)
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "created",
			body:       `{"full_name":"Kaito Kid","username":"kaito","email":"Kaito@Example.com","password":"secret-password"}`,
			wantStatus: http.StatusCreated,
			wantBody:   `{"user_id":"u1"}`,
		},
		{
			name:       "duplicate",
			body:       `{"full_name":"Kaito Kid","username":"kaito","email":"kaito@example.com","password":"secret-password"}`,
			err:        fmt.Errorf("auth.Register: %w", auth.ErrUserExists),
			wantStatus: http.StatusConflict,
			wantBody:   `{"error":"user already exists"}`,
		},
		{
			name:       "store failure",
			body:       `{"full_name":"Kaito Kid","username":"kaito","email":"kaito@example.com","password":"secret-password"}`,
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &authMock{}
			m.On("Register", mock.Anything, auth.RegisterInput{
				FullName: "Kaito Kid",
				Username: "kaito",
				Email:    "kaito@example.com",
				Password: "secret-password",
			}, client).Return("u1", tt.err).Once()

			rec := serve(newRouter(m, nil), http.MethodPost, "/auth/register", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			m.AssertExpectations(t)
		})
	}
}

func TestRegister_BadRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantBody string
	}{
		{name: "empty body", body: "", wantBody: `{"error":"invalid request body"}`},
		{name: "malformed", body: `{"email":`, wantBody: `{"error":"invalid request body"}`},
		{name: "unknown field", body: `{"email":"a@b.co","admin":true}`, wantBody: `{"error":"invalid request body"}`},
		{
			name:     "validation",
			body:     `{"username":"kaito","email":"not-an-email","password":"short"}`,
			wantBody: `{"error":"full_name is required, email must be a valid email, password must be min 8 characters"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &authMock{}

			rec := serve(newRouter(m, nil), http.MethodPost, "/auth/register", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			m.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestLogin(t *testing.T) {
	body := `{"email":"kaito@example.com","password":"secret-password"}`

	tests := []struct {
		name       string
		pair       *models.TokenPair
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "ok",
			pair:       &models.TokenPair{AccessToken: "access", RefreshToken: "refresh"},
			wantStatus: http.StatusOK,
			wantBody:   `{"access_token":"access","refresh_token":"refresh"}`,
		},
		{
			name:       "invalid credentials",
			err:        fmt.Errorf("auth.Login: %w", auth.ErrInvalidCredentials),
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"invalid email or password"}`,
		},
		{
			name:       "banned",
			err:        fmt.Errorf("auth.Login: %w", auth.ErrUserBanned),
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"user is banned"}`,
		},
		{
			name:       "store failure",
			err:        errors.New("timeout"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &authMock{}
			m.On("Login", mock.Anything, "kaito@example.com", "secret-password", client).Return(tt.pair, tt.err).Once()

			rec := serve(newRouter(m, nil), http.MethodPost, "/auth/login", body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			m.AssertExpectations(t)
		})
	}
}

func TestRefresh(t *testing.T) {
	body := `{"refresh_token":"old"}`

	tests := []struct {
		name       string
		pair       *models.TokenPair
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "rotated",
			pair:       &models.TokenPair{AccessToken: "access", RefreshToken: "new"},
			wantStatus: http.StatusOK,
			wantBody:   `{"access_token":"access","refresh_token":"new"}`,
		},
		{
			name:       "invalid",
			err:        auth.ErrInvalidRefreshToken,
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"unauthenticated"}`,
		},
		{
			name:       "banned",
			err:        auth.ErrUserBanned,
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"unauthenticated"}`,
		},
		{
			name:       "store failure",
			err:        errors.New("write failed"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &authMock{}
			m.On("Refresh", mock.Anything, "old", client).Return(tt.pair, tt.err).Once()

			rec := serve(newRouter(m, nil), http.MethodPost, "/auth/refresh-token", body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			m.AssertExpectations(t)
		})
	}
}

func TestLogout(t *testing.T) {
	m := &authMock{}
	m.On("Logout", mock.Anything, identity, client).Return(nil).Once()

	rec := serve(newRouter(m, identity), http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = serve(newRouter(m, nil), http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	m.AssertExpectations(t)
}

func TestActivation(t *testing.T) {
	m := &authMock{}
	m.On("ActivateUser", mock.Anything, 123456).Return(nil).Once()
	m.On("ActivateUser", mock.Anything, 654321).Return(auth.ErrActivationCodeNotFound).Once()
	m.On("ResendActivationCode", mock.Anything, "kaito@example.com").Return(nil).Once()
	m.On("ResendActivationCode", mock.Anything, "ghost@example.com").Return(auth.ErrUserNotFound).Once()

	h := newRouter(m, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "activate", method: http.MethodPut, path: "/activation/activate-user?code=123456", wantStatus: http.StatusOK},
		{name: "unknown code", method: http.MethodPut, path: "/activation/activate-user?code=654321", wantStatus: http.StatusNotFound},
		{name: "short code", method: http.MethodPut, path: "/activation/activate-user?code=123", wantStatus: http.StatusBadRequest},
		{name: "missing code", method: http.MethodPut, path: "/activation/activate-user", wantStatus: http.StatusBadRequest},
		{name: "resend", method: http.MethodGet, path: "/activation/resend-activation?email=Kaito@example.com", wantStatus: http.StatusOK},
		{name: "resend unknown", method: http.MethodGet, path: "/activation/resend-activation?email=ghost@example.com", wantStatus: http.StatusNotFound},
		{name: "resend invalid email", method: http.MethodGet, path: "/activation/resend-activation?email=nope", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.method, tt.path, "")
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	m.AssertExpectations(t)
}

func TestMe(t *testing.T) {
	rec := serve(newRouter(&authMock{}, identity), http.MethodGet, "/users/me", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"user_id": "u1",
		"username": "kaito",
		"email": "kaito@example.com",
		"roles": ["user"],
		"device_id": "device-A",
		"ip": "10.0.0.1",
		"browser": "",
		"os": "",
		"location": "Turkey, Istanbul"
	}`, rec.Body.String())

	rec = serve(newRouter(&authMock{}, nil), http.MethodGet, "/users/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
