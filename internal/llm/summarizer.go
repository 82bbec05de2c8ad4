package llm

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

const (
	subjectPrompt = "Write a support ticket subject of at most ten words for the conversation below. " +
		"Reply with the subject only, without quotes or a trailing period."

	// Subjects longer than this are truncated.
	maxSubjectLength = 150
	maxPromptLength  = 8000
)

// Summarizer turns conversation text into a ticket subject.
type Summarizer struct {
	client Client
	logger *logger.Logger
}

// NewSummarizer creates a Summarizer backed by client.
func NewSummarizer(client Client, log *logger.Logger) *Summarizer {
	return &Summarizer{client: client, logger: log.Named("llm.summarizer")}
}

// Summarize returns a one-line subject for text.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("nothing to summarize")
	}
	if len(text) > maxPromptLength {
		text = truncate(text, maxPromptLength)
	}

	resp, err := s.client.Complete(ctx, &CompletionRequest{
		System:      subjectPrompt,
		Messages:    []ChatMessage{{Role: "user", Content: text}},
		MaxTokens:   64,
		Temperature: 0.2,
	})
	if err != nil {
		s.logger.Warn("summary request failed", zap.String("provider", s.client.Name()), zap.Error(err))
		return "", err
	}

	subject := cleanSubject(resp.Content)
	s.logger.Debug("summarized conversation",
		zap.String("provider", s.client.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	if subject == "" {
		return "", errors.New("empty summary")
	}
	return subject, nil
}

func cleanSubject(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Subject:")
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	s = strings.TrimSuffix(s, ".")
	return truncate(strings.TrimSpace(s), maxSubjectLength)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
