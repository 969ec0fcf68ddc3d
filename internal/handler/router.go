package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/solace/backend/internal/handler/account"
	progressHandler "github.com/zhouzirui/solace/backend/internal/handler/progress"
	"github.com/zhouzirui/solace/backend/internal/handler/realtime"
	middlewarePkg "github.com/zhouzirui/solace/backend/internal/middleware"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes 汇总路由依赖。
type Routes struct {
	Users          account.Users
	Tokens         account.Tokens
	Progress       progressHandler.History
	Realtime       *realtime.Handler
	Store          Pinger
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))
	r.Use(middlewarePkg.CORS(routes.AllowedOrigins))

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := routes.Store.Ping(ctx); err != nil {
			utils.RespondError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	routes.Realtime.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		account.New(routes.Users, routes.Tokens).RegisterRoutes(api)
		progressHandler.New(routes.Progress, routes.Tokens).RegisterRoutes(api)
	})

	return r
}
