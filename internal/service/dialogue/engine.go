// Package dialogue turns user messages into assistant replies over a
// persisted session history.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zhouzirui/solace/backend/internal/analysis/emotion"
	"github.com/zhouzirui/solace/backend/internal/keylock"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
)

var (
	ErrGenerationFailed = errors.New("generation failed")
	errNoGenerator      = fmt.Errorf("%w: no text generation backend configured", ErrGenerationFailed)
	ErrNothingToRetry   = errors.New("no unanswered user message to retry")
	ErrEmptyMessage     = errors.New("message text is empty")
)

// Generator produces assistant text.
type Generator interface {
	Reply(ctx context.Context, system string, history []chat.Turn, query string) (string, error)
	Once(ctx context.Context, system, query string) (string, error)
}

// Store is the turn persistence the engine needs.
type Store interface {
	AppendTurn(ctx context.Context, turn *chat.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]chat.Turn, error)
}

// Options tune prompts, the history window and the generation deadline.
type Options struct {
	Instruction        string
	OneShotInstruction string
	HistoryTurns       int
	HistoryChars       int
	Timeout            time.Duration
}

// Engine runs tracked and one-shot dialogue. Calls on one session run one
// at a time, from the user turn through the recorded reply.
type Engine struct {
	store     Store
	generator Generator
	opts      Options
	sessions  *keylock.Locker
	logger    *slog.Logger
}

// NewEngine creates an engine. Zero options fall back to 20 turns, 12000 chars and 45s.
// A nil generator makes every generation fail with ErrGenerationFailed.
func NewEngine(store Store, generator Generator, opts Options) *Engine {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 20
	}
	if opts.HistoryChars <= 0 {
		opts.HistoryChars = 12000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	return &Engine{
		store:     store,
		generator: generator,
		opts:      opts,
		sessions:  keylock.New(),
		logger:    slog.Default().With("component", "dialogue"),
	}
}

// Converse records text as a user turn, generates a reply over the session
// history and records the reply. The reply is not recorded if ctx is done by
// the time generation returns.
func (e *Engine) Converse(ctx context.Context, sessionID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	unlock, err := e.sessions.Lock(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	mood := emotion.Detect(text)
	userTurn := &chat.Turn{
		SessionID: sessionID,
		Role:      chat.RoleUser,
		Content:   text,
		Mood:      string(mood.Mood),
	}
	if err := e.store.AppendTurn(ctx, userTurn); err != nil {
		return "", fmt.Errorf("append user turn: %w", err)
	}

	turns, err := e.store.ListTurns(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	return e.generate(ctx, sessionID, turns)
}

// Regenerate retries generation when the newest turn is an unanswered user turn.
func (e *Engine) Regenerate(ctx context.Context, sessionID string) (string, error) {
	unlock, err := e.sessions.Lock(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	turns, err := e.store.ListTurns(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != chat.RoleUser {
		return "", ErrNothingToRetry
	}
	return e.generate(ctx, sessionID, turns)
}

// OneShot answers text without a session.
func (e *Engine) OneShot(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	if e.generator == nil {
		return "", errNoGenerator
	}

	genCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	reply, err := e.generator.Once(genCtx, e.opts.OneShotInstruction, text)
	if err != nil {
		return "", e.generationError(ctx, err)
	}
	return reply, nil
}

func (e *Engine) generate(ctx context.Context, sessionID string, turns []chat.Turn) (string, error) {
	if e.generator == nil {
		return "", errNoGenerator
	}
	history, query := Window(turns, e.opts.HistoryTurns, e.opts.HistoryChars)

	system := e.opts.Instruction
	if hint := emotion.Hint(emotion.Label(query.Mood)); hint != "" {
		system = system + "\n\n" + hint
	}

	genCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	started := time.Now()
	reply, err := e.generator.Reply(genCtx, system, history, query.Content)
	if err != nil {
		return "", e.generationError(ctx, err)
	}

	if err := ctx.Err(); err != nil {
		e.logger.Info("dropping reply for abandoned request", "session_id", sessionID)
		return "", err
	}

	assistantTurn := &chat.Turn{SessionID: sessionID, Role: chat.RoleAssistant, Content: reply}
	if err := e.store.AppendTurn(ctx, assistantTurn); err != nil {
		return "", fmt.Errorf("append assistant turn: %w", err)
	}

	e.logger.Debug("reply generated",
		"session_id", sessionID,
		"history_turns", len(history),
		"duration", time.Since(started))
	return reply, nil
}

// generationError maps generator failures; a cancelled caller context is
// returned as is so callers can tell abandonment from failure.
func (e *Engine) generationError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	e.logger.Warn("generation failed", "error", err)
	return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
}

// Window returns the newest turns that fit maxTurns and maxChars. query is
// the final turn, which must be a user turn and is always kept; history is
// what precedes it, oldest first. Eviction drops the oldest turns.
func Window(turns []chat.Turn, maxTurns, maxChars int) (history []chat.Turn, query chat.Turn) {
	if len(turns) == 0 {
		return nil, chat.Turn{}
	}

	query = turns[len(turns)-1]
	budget := maxChars - len(query.Content)
	remaining := maxTurns - 1

	start := len(turns) - 1
	for i := len(turns) - 2; i >= 0 && remaining > 0; i-- {
		size := len(turns[i].Content)
		if size > budget {
			break
		}
		budget -= size
		remaining--
		start = i
	}

	return turns[start : len(turns)-1], query
}
