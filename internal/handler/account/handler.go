// Package account exposes registration, login and logout over HTTP.
package account

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/solace/backend/internal/middleware"
	"github.com/zhouzirui/solace/backend/internal/model/user"
	"github.com/zhouzirui/solace/backend/internal/store"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

// Users 账号存储。
type Users interface {
	CreateUser(ctx context.Context, u *user.User) error
	GetUser(ctx context.Context, username string) (*user.User, error)
}

// Tokens 签发、校验与吊销令牌。
type Tokens interface {
	middleware.TokenValidator
	Issue(ctx context.Context, subject string) (string, error)
	Revoke(ctx context.Context, token string) error
	TTL() time.Duration
}

// Handler 账号相关的HTTP处理器
type Handler struct {
	users  Users
	tokens Tokens
	cost   int
	logger *slog.Logger
}

// New 创建账号处理器
func New(users Users, tokens Tokens) *Handler {
	return &Handler{
		users:  users,
		tokens: tokens,
		cost:   bcrypt.DefaultCost,
		logger: slog.Default().With("component", "account"),
	}
}

// RegisterRoutes 注册账号路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/token", h.handleLogin)
		r.With(middleware.Bearer(h.tokens)).Post("/logout", h.handleLogout)
	})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleRegister 注册并签发令牌
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload.Username = strings.TrimSpace(payload.Username)
	payload.Email = strings.TrimSpace(payload.Email)
	if !usernamePattern.MatchString(payload.Username) {
		utils.RespondError(w, http.StatusBadRequest, "username must be 3-64 letters, digits, dots, dashes or underscores")
		return
	}
	if at := strings.Index(payload.Email, "@"); at < 1 || at == len(payload.Email)-1 {
		utils.RespondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(payload.Password) < minPasswordLength {
		utils.RespondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), h.cost)
	if err != nil {
		h.logger.Error("hash password failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	u := &user.User{
		Username:     payload.Username,
		Email:        payload.Email,
		PasswordHash: string(hash),
	}
	if err := h.users.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			utils.RespondError(w, http.StatusConflict, "username or email already registered")
			return
		}
		h.logger.Error("create user failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("user registered", "username", u.Username)
	h.respondToken(w, r, http.StatusCreated, u.Username)
}

// handleLogin 校验密码并签发令牌
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.users.GetUser(r.Context(), strings.TrimSpace(payload.Username))
	if err != nil {
		h.logger.Error("lookup user failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(payload.Password)) != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	h.respondToken(w, r, http.StatusOK, u.Username)
}

// handleLogout 吊销当前令牌
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromContext(r.Context())
	if err := h.tokens.Revoke(r.Context(), token); err != nil {
		h.logger.Error("revoke token failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.Info("user logged out", "username", middleware.SubjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondToken(w http.ResponseWriter, r *http.Request, status int, subject string) {
	token, err := h.tokens.Issue(r.Context(), subject)
	if err != nil {
		h.logger.Error("issue token failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	utils.RespondJSON(w, status, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.tokens.TTL().Seconds()),
	})
}
