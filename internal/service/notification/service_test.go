package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/solace/backend/internal/model/progress"
)

type stubLister struct {
	records []progress.Record
	err     error
}

func (s stubLister) ListProgress(context.Context, string) ([]progress.Record, error) {
	return s.records, s.err
}

type stubRecommender struct {
	reply string
	err   error
	delay time.Duration
	asked string
}

func (r *stubRecommender) OneShot(ctx context.Context, text string) (string, error) {
	r.asked = text
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.reply, r.err
}

var testTexts = Texts{
	Welcome:        "welcome",
	Encouragement:  "keep going",
	Recommendation: "improved %d%%",
}

func stress(levels ...int) []progress.Record {
	records := make([]progress.Record, len(levels))
	for i, level := range levels {
		records[i] = progress.Record{Metrics: progress.Metrics{StressLevel: level}}
	}
	return records
}

func TestImprovement(t *testing.T) {
	cases := []struct {
		levels []int
		want   int
	}{
		{nil, 0},
		{[]int{8}, 0},
		{[]int{8, 4}, 50},
		{[]int{10, 7, 1}, 90},
		{[]int{4, 6}, -50},
		{[]int{0, 3}, 0},
	}
	for _, tc := range cases {
		if got := Improvement(stress(tc.levels...)); got != tc.want {
			t.Fatalf("Improvement(%v) = %d, want %d", tc.levels, got, tc.want)
		}
	}
}

func TestComposeWelcomeWithoutProgress(t *testing.T) {
	rec := &stubRecommender{reply: "try journaling"}
	svc := NewService(stubLister{}, rec, testTexts, time.Second)

	if got := svc.Compose(context.Background(), "alice"); got != "welcome" {
		t.Fatalf("expected welcome, got %q", got)
	}
	if rec.asked != "" {
		t.Fatal("no recommendation should be requested without progress")
	}
}

func TestComposeWithRecommendation(t *testing.T) {
	rec := &stubRecommender{reply: " try journaling "}
	svc := NewService(stubLister{records: stress(10, 5)}, rec, testTexts, time.Second)

	got := svc.Compose(context.Background(), "alice")
	if !strings.HasSuffix(got, "\ntry journaling") {
		t.Fatalf("expected recommendation appended, got %q", got)
	}
	if rec.asked != "improved 50%" {
		t.Fatalf("unexpected recommendation prompt: %q", rec.asked)
	}
}

func TestComposeRecommendationFailures(t *testing.T) {
	cases := map[string]*stubRecommender{
		"error":   {err: errors.New("down")},
		"timeout": {reply: "late", delay: time.Second},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewService(stubLister{records: stress(10, 10)}, rec, testTexts, 20*time.Millisecond)
			if got := svc.Compose(context.Background(), "alice"); got != "keep going" {
				t.Fatalf("expected bare motivation, got %q", got)
			}
		})
	}
}

func TestComposeLookupFailure(t *testing.T) {
	svc := NewService(stubLister{err: errors.New("db gone")}, nil, testTexts, time.Second)
	if got := svc.Compose(context.Background(), "alice"); got != "welcome" {
		t.Fatalf("expected welcome fallback, got %q", got)
	}
}

func TestMotivationTiers(t *testing.T) {
	svc := NewService(stubLister{}, nil, testTexts, time.Second)
	if svc.Motivation(0) != "keep going" || svc.Motivation(-20) != "keep going" {
		t.Fatal("non-positive improvement should use encouragement")
	}
	if svc.Motivation(100) == svc.Motivation(60) {
		t.Fatal("expected distinct tiers")
	}
}
