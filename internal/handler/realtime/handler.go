// Package realtime serves the dialogue websocket: handshake, per-event
// authentication and ordered dispatch to the dialogue services.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/solace/backend/internal/auth"
	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/model/user"
	"github.com/zhouzirui/solace/backend/internal/service/dialogue"
	"github.com/zhouzirui/solace/backend/internal/service/session"
	"github.com/zhouzirui/solace/backend/internal/service/speech"
)

// DefaultNotification is sent when the welcome notification cannot be composed in time.
const DefaultNotification = "Welcome back. Take a breath and tell me how you are doing today."

const internalErrorMessage = "Internal server error"

// queueSize bounds events read ahead of the worker.
const queueSize = 32

// errUnregistered rejects a token whose subject has no account.
var errUnregistered = fmt.Errorf("%w: subject is not a registered user", auth.ErrUnauthenticated)

// Authenticator 校验每个事件携带的令牌。
type Authenticator interface {
	Validate(ctx context.Context, token string) (auth.Claims, error)
}

// UserLookup 查询令牌主体对应的账号。
type UserLookup interface {
	GetUser(ctx context.Context, username string) (*user.User, error)
}

// Sessions 解析主体的活跃会话。
type Sessions interface {
	GetOrCreate(ctx context.Context, subject string) (string, bool, error)
	Lookup(ctx context.Context, subject string) (string, error)
}

// Dialogue 生成回复。
type Dialogue interface {
	Converse(ctx context.Context, sessionID, text string) (string, error)
	Regenerate(ctx context.Context, sessionID string) (string, error)
	OneShot(ctx context.Context, text string) (string, error)
}

// Finalizer 结束会话并写入进度。
type Finalizer interface {
	EndSession(ctx context.Context, subject string, metrics progress.Metrics) (*progress.Record, error)
}

// Notifier 组装握手后的欢迎通知。
type Notifier interface {
	Compose(ctx context.Context, subject string) string
}

// Transcriber 将语音转写为文本。
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Dependencies 汇总处理器依赖。Notifier 与 Speech 可为空。
type Dependencies struct {
	Auth     Authenticator
	Users    UserLookup
	Sessions Sessions
	Dialogue Dialogue
	Progress Finalizer
	Notifier Notifier
	Speech   Transcriber
}

// Handler WebSocket 对话处理器
type Handler struct {
	deps     Dependencies
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	closing  bool
	shutdown chan struct{}
	conns    sync.WaitGroup
}

// New 创建处理器。allowedOrigins 为空或包含 "*" 时接受任意来源。
func New(deps Dependencies, cfg config.RealtimeConfig, allowedOrigins []string) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = 8 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4 << 20
	}

	return &Handler{
		deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:   slog.Default().With("component", "realtime"),
		shutdown: make(chan struct{}),
	}
}

// Shutdown closes every live connection with CloseGoingAway and waits for
// their handlers to return or ctx to end. New upgrades are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closing {
		h.closing = true
		close(h.shutdown)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns.Add(1)
	return true
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

type queued struct {
	event inboundEvent
	err   error
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	conn := newConnection(uuid.NewString(), ws, h.logger)
	defer conn.close(websocket.CloseNormalClosure, "")

	// r.Context() is not cancelled when a hijacked socket goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.shutdown:
			conn.close(websocket.CloseGoingAway, "server shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn.logger.Info("connection opened", "remote", r.RemoteAddr)

	if !h.handshake(ctx, conn) {
		return
	}

	go conn.pingLoop(ctx)

	events := make(chan queued, queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.work(ctx, conn, events)
	}()

	h.readLoop(ctx, conn, events)
	close(events)
	cancel()
	<-done
}

// readLoop decodes frames onto the worker queue until the socket fails.
// Returning cancels the connection context.
func (h *Handler) readLoop(ctx context.Context, conn *connection, events chan<- queued) {
	for {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				conn.logger.Warn("read error", "error", err)
			}
			return
		}

		ev, err := decodeEvent(frame)
		select {
		case events <- queued{event: ev, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// handshake waits for the connect event and emits the welcome notification.
// It reports whether the connection may proceed.
func (h *Handler) handshake(ctx context.Context, conn *connection) bool {
	conn.ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, frame, err := conn.ws.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			conn.logger.Info("handshake timed out")
			h.rejectAuth(conn, http.StatusUnauthorized, "Handshake timeout")
		}
		return false
	}

	ev, err := decodeEvent(frame)
	connect, ok := ev.(*connectEvent)
	if err != nil || !ok {
		conn.logger.Info("first event is not a handshake", "error", err)
		h.rejectAuth(conn, http.StatusUnauthorized, "Unauthorized")
		return false
	}

	claims, err := h.deps.Auth.Validate(ctx, connect.credential())
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			conn.logger.Info("handshake rejected", "error", err)
			h.rejectAuth(conn, http.StatusUnauthorized, "Unauthorized")
		} else {
			conn.logger.Error("handshake failed", "error", err)
			h.rejectAuth(conn, http.StatusInternalServerError, internalErrorMessage)
		}
		return false
	}

	conn.authenticated(claims.Subject)
	conn.logger.Info("connection authenticated", "subject", claims.Subject)

	conn.emit(EventFirstNotification, map[string]string{
		"notification": h.welcome(ctx, claims.Subject),
	})
	conn.setState(StateActive)
	return true
}

func (h *Handler) welcome(ctx context.Context, subject string) string {
	if h.deps.Notifier == nil {
		return DefaultNotification
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.NotificationTimeout)
	defer cancel()

	result := make(chan string, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("notification panicked", "panic", rec)
				result <- ""
			}
		}()
		result <- h.deps.Notifier.Compose(ctx, subject)
	}()

	select {
	case msg := <-result:
		if strings.TrimSpace(msg) == "" {
			return DefaultNotification
		}
		return msg
	case <-ctx.Done():
		h.logger.Warn("notification timed out", "subject", subject)
		return DefaultNotification
	}
}

func (h *Handler) rejectAuth(conn *connection, code int, message string) {
	conn.emit(EventAuthError, map[string]any{"code": code, "message": message})
	conn.close(websocket.ClosePolicyViolation, message)
}

// work handles queued events one at a time in arrival order.
func (h *Handler) work(ctx context.Context, conn *connection, events <-chan queued) {
	for item := range events {
		if ctx.Err() != nil {
			return
		}
		if !h.process(ctx, conn, item) {
			conn.close(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// process runs one event and reports whether the connection stays open.
func (h *Handler) process(ctx context.Context, conn *connection, item queued) (keep bool) {
	defer func() {
		if rec := recover(); rec != nil {
			conn.logger.Error("event handler panicked", "panic", rec, "stack", string(debug.Stack()))
			conn.emit(EventError, errorPayload(http.StatusInternalServerError, internalErrorMessage))
			keep = false
		}
	}()

	if item.err != nil {
		conn.emit(EventError, errorPayload(http.StatusBadRequest, item.err.Error()))
		return true
	}

	started := time.Now()
	err := h.dispatch(ctx, conn, item.event)
	if err == nil {
		conn.logger.Debug("event handled", "event", item.event.name(), "elapsed", time.Since(started))
		return true
	}
	return h.fail(ctx, conn, item.event.name(), err)
}

// dispatch authenticates ev and routes it to its service.
func (h *Handler) dispatch(ctx context.Context, conn *connection, ev inboundEvent) error {
	claims, err := h.deps.Auth.Validate(ctx, ev.credential())
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case *connectEvent:
		// a repeated handshake only refreshes authentication
		return nil

	case *userMessageEvent:
		text := e.Text
		if e.IsVoice {
			if text, err = h.transcribe(ctx, e.Audio, e.Format); err != nil {
				return err
			}
		}
		reply, err := h.deps.Dialogue.OneShot(ctx, text)
		if err != nil {
			return err
		}
		conn.emit(EventAIResponse, map[string]string{"response": reply})
		return nil

	case *trackedMessageEvent:
		if err := h.requireUser(ctx, claims.Subject); err != nil {
			return err
		}
		sessionID, created, err := h.deps.Sessions.GetOrCreate(ctx, claims.Subject)
		if err != nil {
			return err
		}
		if created {
			conn.logger.Info("tracked session started", "subject", claims.Subject, "session_id", sessionID)
		}
		reply, err := h.deps.Dialogue.Converse(ctx, sessionID, e.Text)
		if err != nil {
			return err
		}
		conn.emit(EventAIResponse, map[string]string{"response": reply})
		return nil

	case *retryEvent:
		if err := h.requireUser(ctx, claims.Subject); err != nil {
			return err
		}
		sessionID, err := h.deps.Sessions.Lookup(ctx, claims.Subject)
		if err != nil {
			return err
		}
		reply, err := h.deps.Dialogue.Regenerate(ctx, sessionID)
		if err != nil {
			return err
		}
		conn.emit(EventAIResponse, map[string]string{"response": reply})
		return nil

	case *endSessionEvent:
		if err := h.requireUser(ctx, claims.Subject); err != nil {
			return err
		}
		record, err := h.deps.Progress.EndSession(ctx, claims.Subject, e.Metrics)
		if err != nil {
			return err
		}
		conn.emit(EventSessionEnded, map[string]any{
			"message":  "Session ended successfully",
			"progress": record,
		})
		return nil

	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

func (h *Handler) requireUser(ctx context.Context, subject string) error {
	u, err := h.deps.Users.GetUser(ctx, subject)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		return errUnregistered
	}
	return nil
}

func (h *Handler) transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: voice message carries no audio", errMalformed)
	}
	if h.deps.Speech == nil {
		return "", speech.ErrUnavailable
	}
	return h.deps.Speech.Transcribe(ctx, audio, format)
}

// fail maps err to an outbound event and reports whether the connection stays open.
func (h *Handler) fail(ctx context.Context, conn *connection, event string, err error) bool {
	log := conn.logger.With("event", event, "error", err)

	switch {
	case ctx.Err() != nil:
		// client went away mid-event
		log.Debug("event abandoned after disconnect")
		return false

	case errors.Is(err, auth.ErrUnauthenticated):
		log.Info("event rejected")
		h.rejectAuth(conn, http.StatusUnauthorized, "Unauthorized")
		return false

	case errors.Is(err, session.ErrNoActiveSession):
		conn.emit(EventSessionError, map[string]string{"message": "No active session found"})
		return true

	case errors.Is(err, errMalformed),
		errors.Is(err, dialogue.ErrEmptyMessage),
		errors.Is(err, progress.ErrInvalidMetrics):
		conn.emit(EventError, errorPayload(http.StatusBadRequest, err.Error()))
		return true

	case errors.Is(err, dialogue.ErrNothingToRetry):
		conn.emit(EventError, errorPayload(http.StatusConflict, "Nothing to retry"))
		return true

	case errors.Is(err, speech.ErrUnintelligible):
		conn.emit(EventError, errorPayload(http.StatusUnprocessableEntity, "Could not understand the audio"))
		return true

	case errors.Is(err, speech.ErrUnavailable):
		log.Warn("transcription failed")
		conn.emit(EventError, errorPayload(http.StatusServiceUnavailable, "Speech recognition unavailable"))
		return true

	case errors.Is(err, dialogue.ErrGenerationFailed):
		log.Warn("generation failed")
		conn.emit(EventError, errorPayload(http.StatusBadGateway, "Failed to generate a response"))
		return true

	default:
		log.Error("event failed")
		conn.emit(EventError, errorPayload(http.StatusInternalServerError, internalErrorMessage))
		return false
	}
}

func errorPayload(code int, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}
