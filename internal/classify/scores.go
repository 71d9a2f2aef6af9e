package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// EmotionScores holds a sentence's intensity on each target emotion,
// each in [0, 1].
type EmotionScores struct {
	Contempt float64 `json:"contempt"`
	Anger    float64 `json:"anger"`
	Disgust  float64 `json:"disgust"`
}

// NeutralScores is the fallback when the model's output cannot be parsed
// after all retries.
var NeutralScores = EmotionScores{}

// ScoreEmotions asks the model to rate one sentence on contempt, anger,
// and disgust. Unparseable output falls back to neutral scores rather
// than failing the batch.
func (c *Client) ScoreEmotions(ctx context.Context, sentence string) (EmotionScores, error) {
	raw, err := c.chat(ctx, emotionSystemPrompt, sentence, 0.1)
	if err != nil {
		return NeutralScores, fmt.Errorf("emotion scoring: %w", err)
	}

	scores, err := parseScores(raw)
	if err != nil {
		slog.Warn("unparseable emotion scores, using neutral", "raw", raw, "error", err)
		return NeutralScores, nil
	}
	return scores, nil
}

// parseScores extracts the JSON score object, tolerating surrounding
// prose and code fences.
func parseScores(raw string) (EmotionScores, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return EmotionScores{}, fmt.Errorf("no JSON object in response")
	}

	var scores EmotionScores
	if err := json.Unmarshal([]byte(raw[start:end+1]), &scores); err != nil {
		return EmotionScores{}, fmt.Errorf("parse scores: %w", err)
	}
	for _, v := range []float64{scores.Contempt, scores.Anger, scores.Disgust} {
		if v < 0 || v > 1 {
			return EmotionScores{}, fmt.Errorf("score %v out of range", v)
		}
	}
	return scores, nil
}
