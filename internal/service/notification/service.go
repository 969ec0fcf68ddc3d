// Package notification builds the greeting sent when a connection is authenticated.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zhouzirui/solace/backend/internal/model/progress"
)

// ProgressLister reads a subject's records oldest first.
type ProgressLister interface {
	ListProgress(ctx context.Context, subject string) ([]progress.Record, error)
}

// Recommender answers a single prompt; dialogue.Engine satisfies it.
type Recommender interface {
	OneShot(ctx context.Context, text string) (string, error)
}

// Texts are the fixed parts of a notification.
type Texts struct {
	Welcome        string
	Encouragement  string
	Recommendation string // format string with one %d
}

type tier struct {
	min     int
	message string
}

// Ordered from highest threshold down.
var tiers = []tier{
	{100, "You reached your goal. Your stress level is down all the way from where you started. Take a moment to celebrate that."},
	{75, "Your stress level is down by more than three quarters since you started. That is remarkable progress, keep going."},
	{50, "You are more than halfway there. The work you have been putting in is clearly paying off."},
	{25, "A quarter of the way already. Small steady efforts are adding up."},
	{10, "You have made a real start. Keep building on the habits that are helping."},
	{1, "You have taken the first steps, which are often the hardest. Every bit counts."},
}

// Service composes greeting notifications.
type Service struct {
	progress    ProgressLister
	recommender Recommender
	texts       Texts
	timeout     time.Duration
	logger      *slog.Logger
}

// NewService creates a notification service; recommender may be nil.
func NewService(lister ProgressLister, recommender Recommender, texts Texts, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Service{
		progress:    lister,
		recommender: recommender,
		texts:       texts,
		timeout:     timeout,
		logger:      slog.Default().With("component", "notification"),
	}
}

// Improvement returns the percentage drop from the first to the latest stress level.
func Improvement(records []progress.Record) int {
	if len(records) == 0 {
		return 0
	}
	initial := records[0].StressLevel
	latest := records[len(records)-1].StressLevel
	if initial <= 0 {
		return 0
	}
	return (initial - latest) * 100 / initial
}

// Motivation picks the message for an improvement percentage.
func (s *Service) Motivation(improvement int) string {
	for _, t := range tiers {
		if improvement >= t.min {
			return t.message
		}
	}
	return s.texts.Encouragement
}

// Compose returns the greeting for subject. It never fails: a progress
// lookup error falls back to the welcome text and a recommendation failure
// drops the recommendation.
func (s *Service) Compose(ctx context.Context, subject string) string {
	records, err := s.progress.ListProgress(ctx, subject)
	if err != nil {
		s.logger.Warn("progress lookup failed", "subject", subject, "error", err)
		return s.texts.Welcome
	}
	if len(records) == 0 {
		return s.texts.Welcome
	}

	improvement := Improvement(records)
	message := s.Motivation(improvement)

	if recommendation := s.recommend(ctx, improvement); recommendation != "" {
		message = message + "\n" + recommendation
	}
	return message
}

func (s *Service) recommend(ctx context.Context, improvement int) string {
	if s.recommender == nil || s.texts.Recommendation == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.recommender.OneShot(ctx, fmt.Sprintf(s.texts.Recommendation, improvement))
	if err != nil {
		s.logger.Warn("recommendation unavailable", "error", err)
		return ""
	}
	return strings.TrimSpace(reply)
}
