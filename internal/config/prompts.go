package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts 汇总系统指令与通知文案，可由 PROMPTS_FILE 覆盖。
type Prompts struct {
	// Conversation is the system instruction for tracked sessions.
	Conversation string `yaml:"conversation"`
	// OneShot frames a single message with no history.
	OneShot string `yaml:"one_shot"`
	// Welcome greets a subject with no recorded progress.
	Welcome string `yaml:"welcome"`
	// Encouragement is used when no progress tier matches.
	Encouragement string `yaml:"encouragement"`
	// Recommendation asks the model for suggestions; %d is the improvement percentage.
	Recommendation string `yaml:"recommendation"`
}

// DefaultPrompts 返回内置文案。
func DefaultPrompts() Prompts {
	return Prompts{
		Conversation: "You are a virtual therapist. Use the conversation history to reflect on " +
			"what the user has already shared, but never repeat the history back to them. " +
			"Build on their latest message without repeating yourself. Offer empathetic, " +
			"supportive and actionable guidance once there is enough context, and summarize " +
			"the key points before making suggestions.",
		OneShot: "You are a virtual therapist. Respond to the single message below with warmth " +
			"and practical guidance. Keep the answer focused and brief.",
		Welcome: "Welcome! Reaching out for support takes courage, and you do not have to carry " +
			"this alone. We can look at what is weighing on you one step at a time. Be patient " +
			"with yourself; healing takes time.",
		Encouragement:  "Keep going! Every bit of progress counts.",
		Recommendation: "My stress level has improved by %d%%. Can you share a short motivational note and a few practices I could try next?",
	}
}

// LoadPrompts 读取 YAML 文件并覆盖非空字段；path 为空时返回默认值。
func LoadPrompts(path string) (Prompts, error) {
	prompts := DefaultPrompts()
	if path == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read PROMPTS_FILE: %w", err)
	}

	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Prompts{}, fmt.Errorf("parse PROMPTS_FILE %s: %w", path, err)
	}

	merge := func(dst *string, src string) {
		if s := strings.TrimSpace(src); s != "" {
			*dst = s
		}
	}
	merge(&prompts.Conversation, override.Conversation)
	merge(&prompts.OneShot, override.OneShot)
	merge(&prompts.Welcome, override.Welcome)
	merge(&prompts.Encouragement, override.Encouragement)
	merge(&prompts.Recommendation, override.Recommendation)

	if strings.Count(prompts.Recommendation, "%d") != 1 {
		return Prompts{}, fmt.Errorf("PROMPTS_FILE recommendation must contain exactly one %%d")
	}
	return prompts, nil
}
