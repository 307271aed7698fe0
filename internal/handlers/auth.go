package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/hotline/internal/apperrors"
	"github.com/nkiryanov/hotline/internal/handlers/render"
	"github.com/nkiryanov/hotline/internal/handlers/userctx"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/models"
)

type authService interface {
	// Register user with username and password
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Login user with username and password
	// Has to return apperrors.ErrUserNotFound if user not found or password is wrong
	Login(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Trade refresh token for a new pair
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	// Revoke the session credential or every credential of the user
	Logout(ctx context.Context, session models.Session) error
	LogoutAll(ctx context.Context, userID uuid.UUID) error

	// Get request and return session if it authenticated or error
	Authenticate(ctx context.Context, r *http.Request) (models.Session, error)

	// Set auth tokens (access, refresh) to response
	SetTokens(w http.ResponseWriter, pair models.TokenPair)

	// Get refresh token from request
	GetRefresh(r *http.Request) (string, error)
}

type AuthHandler struct {
	authService authService
	logger      logger.Logger
}

func NewAuth(auth authService, l logger.Logger) *AuthHandler {
	return &AuthHandler{authService: auth, logger: l}
}

// Handler serves unauthenticated routes; logout routes need the auth middleware in front
func (h *AuthHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /refresh", h.refresh)

	return mux
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Login    string `json:"login" validate:"required,username,min=2,max=50"`
		Password string `json:"password" validate:"required,min=8"`
	}
	type RegisterSuccessResponse struct {
		Message string `json:"message"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.authService.Register(r.Context(), data.Login, data.Password)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		default:
			h.logger.Error("Register failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authService.SetTokens(w, pair)
	render.JSON(w, RegisterSuccessResponse{Message: "User registered successfully"})
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Login    string `json:"login" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	type LoginSuccessResponse struct {
		Message string `json:"message"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.authService.Login(r.Context(), data.Login, data.Password)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.Unauthorized(w, "User not found")
		default:
			h.logger.Error("Login failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authService.SetTokens(w, pair)
	render.JSON(w, LoginSuccessResponse{Message: "User logged in successfully"})
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshSuccessResponse struct {
		Message string `json:"message"`
	}

	refresh, err := h.authService.GetRefresh(r)
	if err != nil {
		render.Unauthorized(w, "Refresh token not found")
		return
	}

	pair, err := h.authService.Refresh(r.Context(), refresh)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrTokenExpired):
			render.Unauthorized(w, "Refresh token expired")
		case errors.Is(err, apperrors.ErrCredentialRevoked), errors.Is(err, apperrors.ErrStampMismatch):
			render.Unauthorized(w, "Refresh token revoked")
		case errors.Is(err, apperrors.ErrCredentialInactive):
			render.Unauthorized(w, "Refresh token used")
		case errors.Is(err, apperrors.ErrTokenInvalid),
			errors.Is(err, apperrors.ErrTokenKind),
			errors.Is(err, apperrors.ErrCredentialNotFound),
			errors.Is(err, apperrors.ErrUserNotFound):
			render.Unauthorized(w, "Refresh token not found")
		default:
			h.logger.Error("Refresh failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authService.SetTokens(w, pair)
	render.JSON(w, RefreshSuccessResponse{Message: "Tokens refreshed successfully"})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutSuccessResponse struct {
		Message string `json:"message"`
	}

	session, _ := userctx.FromContext(r.Context())

	err := h.authService.Logout(r.Context(), session)
	if err != nil && !errors.Is(err, apperrors.ErrCredentialNotFound) {
		h.logger.Error("Logout failed", "error", err, "token_uid", session.TokenUID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, LogoutSuccessResponse{Message: "Logged out"})
}

func (h *AuthHandler) logoutAll(w http.ResponseWriter, r *http.Request) {
	type LogoutSuccessResponse struct {
		Message string `json:"message"`
	}

	session, _ := userctx.FromContext(r.Context())

	err := h.authService.LogoutAll(r.Context(), session.User.ID)
	if err != nil {
		h.logger.Error("Logout everywhere failed", "error", err, "user_id", session.User.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, LogoutSuccessResponse{Message: "Logged out everywhere"})
}
