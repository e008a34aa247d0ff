package patrol

import (
	"context"
	"strings"
)

// Classifier labels the sentiment of a post's visible text.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Sentiment labels produced by LexiconClassifier.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// LexiconClassifier counts positive and negative cue words.
type LexiconClassifier struct {
	Positive []string
	Negative []string
}

// DefaultLexicon is a small bilingual cue list.
func DefaultLexicon() LexiconClassifier {
	return LexiconClassifier{
		Positive: []string{"love", "great", "amazing", "good", "thanks", "best", "happy", "讚", "喜歡", "推薦", "好棒"},
		Negative: []string{"hate", "bad", "awful", "worst", "scam", "angry", "sad", "爛", "討厭", "失望", "詐騙"},
	}
}

func (l LexiconClassifier) Classify(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lower := strings.ToLower(text)
	score := 0
	for _, w := range l.Positive {
		score += strings.Count(lower, w)
	}
	for _, w := range l.Negative {
		score -= strings.Count(lower, w)
	}
	switch {
	case score > 0:
		return SentimentPositive, nil
	case score < 0:
		return SentimentNegative, nil
	default:
		return SentimentNeutral, nil
	}
}
