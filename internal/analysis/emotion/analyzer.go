// Package emotion tags user messages with a coarse mood label from keyword heuristics.
package emotion

import (
	"strings"
	"unicode"
)

// Label 表示用户消息的情绪标签。
type Label string

const (
	Neutral     Label = "neutral"
	Hopeful     Label = "hopeful"
	Calm        Label = "calm"
	Sad         Label = "sad"
	Anxious     Label = "anxious"
	Angry       Label = "angry"
	Overwhelmed Label = "overwhelmed"
)

// Decision 给出情绪识别结果以及强度（1-5）。
type Decision struct {
	Mood      Label
	Intensity float32
	Score     int
}

type bucket struct {
	label    Label
	keywords []string
}

// Buckets are checked in order; the first label with the top score wins ties.
var keywordBuckets = []bucket{
	{Overwhelmed, []string{
		"overwhelmed", "too much", "can't cope", "cannot cope", "exhausted", "burned out", "burnt out",
		"drowning", "falling apart", "breaking down", "no energy", "can't keep up",
	}},
	{Anxious, []string{
		"anxious", "anxiety", "worried", "worry", "nervous", "panic", "panicking", "scared", "afraid",
		"fear", "stressed", "stress", "tense", "restless", "overthinking", "can't sleep", "dread",
	}},
	{Sad, []string{
		"sad", "unhappy", "depressed", "down", "cry", "crying", "lonely", "alone", "hopeless", "empty",
		"hurt", "grief", "miss", "heartbroken", "worthless", "upset", "lost",
	}},
	{Angry, []string{
		"angry", "furious", "mad", "annoyed", "irritated", "frustrated", "hate", "rage", "fed up",
		"sick of", "pissed",
	}},
	{Hopeful, []string{
		"better", "hopeful", "hope", "grateful", "thankful", "thanks", "thank you", "happy", "glad",
		"excited", "proud", "progress", "improving", "good day", "looking forward",
	}},
	{Calm, []string{
		"calm", "relaxed", "peaceful", "okay", "fine", "rested", "steady", "at ease", "breathe",
	}},
}

// Detect 根据用户话语推断情绪。
func Detect(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Mood: Neutral, Intensity: 1}
	}

	words := tokenize(normalized)
	bestLabel := Neutral
	bestScore := 0
	for _, b := range keywordBuckets {
		score := 0
		for _, keyword := range b.keywords {
			if matches(normalized, words, keyword) {
				score += 3
			}
		}
		if score > bestScore {
			bestScore = score
			bestLabel = b.label
		}
	}

	if bestScore == 0 {
		return Decision{Mood: Neutral, Intensity: 1}
	}

	// 感叹号与全大写加强强度
	boost := strings.Count(text, "!")
	if isShouting(text) {
		boost += 2
	}

	intensity := 1 + float32(bestScore+boost)/4
	if intensity > 5 {
		intensity = 5
	}
	return Decision{Mood: bestLabel, Intensity: intensity, Score: bestScore}
}

// Hint describes how a reply should meet the mood; empty for Neutral.
func Hint(label Label) string {
	switch label {
	case Overwhelmed:
		return "The user sounds overwhelmed. Slow down, acknowledge the load, and suggest one small manageable step."
	case Anxious:
		return "The user sounds anxious. Be steady and reassuring and keep suggestions concrete."
	case Sad:
		return "The user sounds low. Respond gently and validate their feelings before offering guidance."
	case Angry:
		return "The user sounds frustrated. Stay calm and non-judgmental and help them name what is driving it."
	case Hopeful:
		return "The user sounds hopeful. Reinforce the progress they describe."
	case Calm:
		return "The user sounds calm. Keep a clear and natural tone."
	default:
		return ""
	}
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// matches uses whole-word matching for single words and substring matching for phrases.
func matches(normalized string, words map[string]struct{}, keyword string) bool {
	if strings.ContainsRune(keyword, ' ') {
		return strings.Contains(normalized, keyword)
	}
	_, ok := words[keyword]
	return ok
}

func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && upper == letters
}
