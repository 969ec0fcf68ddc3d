package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/solace/backend/internal/model/progress"
)

// 客户端事件名
const (
	EventConnect             = "connect"
	EventUserMessage         = "user_message"
	EventUserMessageAdvanced = "user_message_advanced"
	EventRetryGeneration     = "retry_generation"
	EventEndSession          = "end_session"
)

// 服务端事件名
const (
	EventFirstNotification = "first_notification"
	EventAIResponse        = "ai_response"
	EventAuthError         = "auth_error"
	EventSessionEnded      = "session_ended"
	EventSessionError      = "session_error"
	EventError             = "error"
)

// errMalformed marks a frame that cannot be decoded into a known event.
var errMalformed = errors.New("malformed event")

// envelope 是双向通用的消息外壳。
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inboundEvent is the closed set of client events; only this package implements it.
type inboundEvent interface {
	name() string
	credential() string
}

// connectEvent 握手事件。
type connectEvent struct {
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

// userMessageEvent 单轮对话，不持久化。Audio 为 base64 编码的语音。
type userMessageEvent struct {
	Text    string `json:"text"`
	IsVoice bool   `json:"is_voice"`
	Audio   []byte `json:"audio,omitempty"`
	Format  string `json:"format,omitempty"`
	Token   string `json:"token"`
}

// trackedMessageEvent 会话内对话。
type trackedMessageEvent struct {
	Text  string `json:"text"`
	Token string `json:"token"`
}

type retryEvent struct {
	Token string `json:"token"`
}

// endSessionEvent 结束会话并上报指标。
type endSessionEvent struct {
	Token   string
	Metrics progress.Metrics
}

func (e *connectEvent) name() string       { return EventConnect }
func (e *connectEvent) credential() string { return e.Auth.Token }

func (e *userMessageEvent) name() string       { return EventUserMessage }
func (e *userMessageEvent) credential() string { return e.Token }

func (e *trackedMessageEvent) name() string       { return EventUserMessageAdvanced }
func (e *trackedMessageEvent) credential() string { return e.Token }

func (e *retryEvent) name() string       { return EventRetryGeneration }
func (e *retryEvent) credential() string { return e.Token }

func (e *endSessionEvent) name() string       { return EventEndSession }
func (e *endSessionEvent) credential() string { return e.Token }

func (e *endSessionEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Token                     string `json:"token"`
		StressLevel               *int   `json:"stress_level"`
		NegativeThoughtsReduction *int   `json:"negative_thoughts_reduction"`
		PositiveThoughtsIncrease  *int   `json:"positive_thoughts_increase"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.StressLevel == nil || raw.NegativeThoughtsReduction == nil || raw.PositiveThoughtsIncrease == nil {
		return errors.New("stress_level, negative_thoughts_reduction and positive_thoughts_increase are required")
	}
	e.Token = raw.Token
	e.Metrics = progress.Metrics{
		StressLevel:               *raw.StressLevel,
		NegativeThoughtsReduction: *raw.NegativeThoughtsReduction,
		PositiveThoughtsIncrease:  *raw.PositiveThoughtsIncrease,
	}
	return nil
}

// decodeEvent parses one frame. Every failure wraps errMalformed.
func decodeEvent(frame []byte) (inboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	var ev inboundEvent
	switch strings.TrimSpace(env.Event) {
	case EventConnect:
		ev = &connectEvent{}
	case EventUserMessage:
		ev = &userMessageEvent{}
	case EventUserMessageAdvanced:
		ev = &trackedMessageEvent{}
	case EventRetryGeneration:
		ev = &retryEvent{}
	case EventEndSession:
		ev = &endSessionEvent{}
	case "":
		return nil, fmt.Errorf("%w: missing event name", errMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", errMalformed, env.Event)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s has no data", errMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errMalformed, env.Event, err)
	}
	return ev, nil
}
