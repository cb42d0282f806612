package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/http-server/middleware/authz"
	"aniyuu/internal/lib/api/response"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/requestctx"
	"aniyuu/internal/services/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Auth interface {
	Register(ctx context.Context, in auth.RegisterInput, client models.ClientInfo) (string, error)
	Login(ctx context.Context, email, password string, client models.ClientInfo) (*models.TokenPair, error)
	Logout(ctx context.Context, identity *models.Identity, client models.ClientInfo) error
	Refresh(ctx context.Context, refreshToken string, client models.ClientInfo) (*models.TokenPair, error)
	ActivateUser(ctx context.Context, code int) error
	ResendActivationCode(ctx context.Context, email string) error
}

type Handler struct {
	log      *slog.Logger
	auth     Auth
	validate *validator.Validate
}

type RegisterRequest struct {
	FullName string `json:"full_name" validate:"required,min=2,max=100"`
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type TokensResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type MeResponse struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	DeviceID string   `json:"device_id"`
	IP       string   `json:"ip"`
	Browser  string   `json:"browser"`
	OS       string   `json:"os"`
	Location string   `json:"location,omitempty"`
}

func New(log *slog.Logger, a Auth) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})

	return &Handler{
		log:      log,
		auth:     a,
		validate: v,
	}
}

// Routes mounts the auth, activation and user endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh-token", h.Refresh)
		r.With(authz.RequireAuth).Post("/logout", h.Logout)
	})

	r.Route("/activation", func(r chi.Router) {
		r.Put("/activate-user", h.ActivateUser)
		r.Get("/resend-activation", h.ResendActivation)
	})

	r.With(authz.RequireAuth).Get("/users/me", h.Me)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Register"
	log := h.log.With(slog.String("op", op))

	var req RegisterRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	userID, err := h.auth.Register(r.Context(), auth.RegisterInput{
		FullName: strings.TrimSpace(req.FullName),
		Username: strings.TrimSpace(req.Username),
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Password: req.Password,
	}, requestctx.Client(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			response.Error(w, http.StatusConflict, "user already exists")
			return
		}
		log.Error("failed to register user", sl.Err(err))
		response.Error(w, http.StatusInternalServerError, response.MsgInternal)
		return
	}

	response.JSON(w, http.StatusCreated, RegisterResponse{UserID: userID})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Login"
	log := h.log.With(slog.String("op", op))

	var req LoginRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	pair, err := h.auth.Login(
		r.Context(),
		strings.ToLower(strings.TrimSpace(req.Email)),
		req.Password,
		requestctx.Client(r.Context()),
	)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			response.Error(w, http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, auth.ErrUserBanned):
			response.Error(w, http.StatusUnauthorized, "user is banned")
		default:
			log.Error("failed to login", sl.Err(err))
			response.Error(w, http.StatusInternalServerError, response.MsgInternal)
		}
		return
	}

	response.JSON(w, http.StatusOK, TokensResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Logout"
	log := h.log.With(slog.String("op", op))

	identity, _ := requestctx.Identity(r.Context())

	if err := h.auth.Logout(r.Context(), identity, requestctx.Client(r.Context())); err != nil {
		log.Error("failed to logout", sl.Err(err))
		response.Error(w, http.StatusInternalServerError, response.MsgInternal)
		return
	}

	response.Success(w)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Refresh"
	log := h.log.With(slog.String("op", op))

	var req RefreshRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken, requestctx.Client(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) || errors.Is(err, auth.ErrUserBanned) {
			response.Error(w, http.StatusUnauthorized, response.MsgUnauthenticated)
			return
		}
		log.Error("failed to refresh tokens", sl.Err(err))
		response.Error(w, http.StatusInternalServerError, response.MsgInternal)
		return
	}

	response.JSON(w, http.StatusOK, TokensResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *Handler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.ActivateUser"
	log := h.log.With(slog.String("op", op))

	code, err := strconv.Atoi(r.URL.Query().Get("code"))
	if err != nil || code < 100000 || code > 999999 {
		response.Error(w, http.StatusBadRequest, "code must be a six digit number")
		return
	}

	if err := h.auth.ActivateUser(r.Context(), code); err != nil {
		if errors.Is(err, auth.ErrActivationCodeNotFound) {
			response.Error(w, http.StatusNotFound, "code not found or expired")
			return
		}
		log.Error("failed to activate user", sl.Err(err))
		response.Error(w, http.StatusInternalServerError, response.MsgInternal)
		return
	}

	response.Success(w)
}

func (h *Handler) ResendActivation(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.ResendActivation"
	log := h.log.With(slog.String("op", op))

	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if err := h.validate.Var(email, "required,email"); err != nil {
		response.Error(w, http.StatusBadRequest, "valid email is required")
		return
	}

	if err := h.auth.ResendActivationCode(r.Context(), email); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.Error(w, http.StatusNotFound, "user is not found")
			return
		}
		log.Error("failed to resend activation code", sl.Err(err))
		response.Error(w, http.StatusInternalServerError, response.MsgInternal)
		return
	}

	response.Success(w)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	rc := requestctx.From(r.Context())

	response.JSON(w, http.StatusOK, MeResponse{
		UserID:   rc.Identity.UserID,
		Username: rc.Identity.Username,
		Email:    rc.Identity.Email,
		Roles:    rc.Identity.Roles,
		DeviceID: rc.Client.DeviceID,
		IP:       rc.Client.IP,
		Browser:  rc.Client.Browser(),
		OS:       rc.Client.OS(),
		Location: rc.Location,
	})
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger, dest any) bool {
	if err := response.DecodeJSON(r, dest); err != nil {
		log.Debug("failed to decode request body", sl.Err(err))
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	if err := h.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			response.Error(w, http.StatusBadRequest, validationMessage(verrs))
			return false
		}
		response.Error(w, http.StatusBadRequest, "invalid request")
		return false
	}

	return true
}

func validationMessage(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "min", "max":
			msgs = append(msgs, field+" must be "+e.Tag()+" "+e.Param()+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}
