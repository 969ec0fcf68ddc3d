package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
)

type fakeChatModel struct {
	reply string
	err   error
	input []*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestReplyBuildsWindowedPrompt(t *testing.T) {
	fake := &fakeChatModel{reply: "That sounds hard."}
	svc, err := NewServiceWithModel(context.Background(), fake)
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	history := []chat.Turn{
		{Role: chat.RoleUser, Content: "I feel stuck"},
		{Role: chat.RoleAssistant, Content: "Tell me more"},
	}
	got, err := svc.Reply(context.Background(), "be kind", history, "work is {stressful}")
	if err != nil {
		t.Fatalf("Reply err: %v", err)
	}
	if got != "That sounds hard." {
		t.Fatalf("unexpected reply: %q", got)
	}

	if len(fake.input) != 4 {
		t.Fatalf("expected 4 prompt messages, got %d", len(fake.input))
	}
	wantRoles := []schema.RoleType{schema.System, schema.User, schema.Assistant, schema.User}
	for i, role := range wantRoles {
		if fake.input[i].Role != role {
			t.Fatalf("message %d: expected role %s, got %s", i, role, fake.input[i].Role)
		}
	}
	if fake.input[0].Content != "be kind" {
		t.Fatalf("unexpected system content: %q", fake.input[0].Content)
	}
	if fake.input[3].Content != "work is {stressful}" {
		t.Fatalf("user text must pass through verbatim, got %q", fake.input[3].Content)
	}
}

func TestOnceUsesNoHistory(t *testing.T) {
	fake := &fakeChatModel{reply: "Try a short walk."}
	svc, err := NewServiceWithModel(context.Background(), fake)
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	if _, err := svc.Once(context.Background(), "one shot", "I can't focus"); err != nil {
		t.Fatalf("Once err: %v", err)
	}
	if len(fake.input) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(fake.input))
	}
}

func TestReplyErrors(t *testing.T) {
	boom := errors.New("upstream down")
	svc, err := NewServiceWithModel(context.Background(), &fakeChatModel{err: boom})
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}
	if _, err := svc.Reply(context.Background(), "s", nil, "q"); err == nil || errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	empty, err := NewServiceWithModel(context.Background(), &fakeChatModel{reply: "  "})
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}
	if _, err := empty.Once(context.Background(), "s", "q"); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}
