// Package progress serves the caller's progress history.
package progress

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/solace/backend/internal/middleware"
	model "github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/service/notification"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// History 读取主体的进度记录。
type History interface {
	History(ctx context.Context, subject string) ([]model.Record, error)
}

// Handler 进度查询处理器
type Handler struct {
	history   History
	validator middleware.TokenValidator
	logger    *slog.Logger
}

// New 创建进度处理器
func New(history History, validator middleware.TokenValidator) *Handler {
	return &Handler{
		history:   history,
		validator: validator,
		logger:    slog.Default().With("component", "progress-api"),
	}
}

// RegisterRoutes 注册进度路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.Bearer(h.validator)).Get("/progress", h.handleList)
}

type listResponse struct {
	Records     []model.Record `json:"records"`
	Improvement int            `json:"improvement"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	records, err := h.history.History(r.Context(), subject)
	if err != nil {
		h.logger.Error("list progress failed", "subject", subject, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	utils.RespondJSON(w, http.StatusOK, listResponse{
		Records:     records,
		Improvement: notification.Improvement(records),
	})
}
