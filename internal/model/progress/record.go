package progress

import (
	"errors"
	"time"
)

// ErrInvalidMetrics is returned when a metric is negative.
var ErrInvalidMetrics = errors.New("progress metrics must be non-negative")

// Metrics are the outcome values a client reports when ending a session.
type Metrics struct {
	StressLevel               int `json:"stress_level"`
	NegativeThoughtsReduction int `json:"negative_thoughts_reduction"`
	PositiveThoughtsIncrease  int `json:"positive_thoughts_increase"`
}

// Validate rejects negative metrics.
func (m Metrics) Validate() error {
	if m.StressLevel < 0 || m.NegativeThoughtsReduction < 0 || m.PositiveThoughtsIncrease < 0 {
		return ErrInvalidMetrics
	}
	return nil
}

// Record is one snapshot of outcome metrics for a subject.
type Record struct {
	ID         int64     `json:"id"`
	Subject    string    `json:"subject"`
	SessionID  string    `json:"sessionId,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
	Metrics
}
