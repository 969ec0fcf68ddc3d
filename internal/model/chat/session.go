package chat

import "time"

// Session captures one tracked dialogue owned by a subject. It is never
// deleted; closing sets EndedAt and Completed.
type Session struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Completed bool       `json:"completed"`
}

// Active reports whether the session has not been closed yet.
func (s Session) Active() bool {
	return s.EndedAt == nil
}
