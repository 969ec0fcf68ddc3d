package emotion

import "testing"

func TestDetectAnxious(t *testing.T) {
	decision := Detect("I'm so worried about work, I can't sleep")
	if decision.Mood != Anxious {
		t.Fatalf("expected anxious mood, got %s", decision.Mood)
	}
	if decision.Intensity < 1 || decision.Intensity > 5 {
		t.Fatalf("intensity out of range: %f", decision.Intensity)
	}
}

func TestDetectOverwhelmedBeatsAnxiousOnTie(t *testing.T) {
	decision := Detect("Everything is too much and I'm stressed")
	if decision.Mood != Overwhelmed {
		t.Fatalf("expected overwhelmed mood, got %s", decision.Mood)
	}
}

func TestDetectWholeWords(t *testing.T) {
	// "made" must not match "mad", "download" must not match "down"
	decision := Detect("I made a download list")
	if decision.Mood != Neutral {
		t.Fatalf("expected neutral mood, got %s", decision.Mood)
	}
}

func TestDetectShoutingBoostsIntensity(t *testing.T) {
	quiet := Detect("i am angry")
	loud := Detect("I AM SO ANGRY!!")
	if loud.Mood != Angry || quiet.Mood != Angry {
		t.Fatalf("expected angry moods, got %s and %s", quiet.Mood, loud.Mood)
	}
	if loud.Intensity <= quiet.Intensity {
		t.Fatalf("expected boosted intensity, got %f <= %f", loud.Intensity, quiet.Intensity)
	}
}

func TestDetectEmpty(t *testing.T) {
	if decision := Detect("   "); decision.Mood != Neutral {
		t.Fatalf("expected neutral for empty text, got %s", decision.Mood)
	}
}

func TestHint(t *testing.T) {
	if Hint(Neutral) != "" {
		t.Fatal("neutral should have no hint")
	}
	if Hint(Sad) == "" {
		t.Fatal("sad should have a hint")
	}
}
