package ai

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer produces a prose summary of document text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

const summarySystemPrompt = "You are a precise technical summarizer. " +
	"Summarize the provided document in 3-5 paragraphs of plain prose. " +
	"Do not include preamble, headings, or bullet points."

// Input cap keeps prompts inside common context windows.
const maxSummaryInputRunes = 24000

// Low temperature keeps summaries close to the source text.
const summaryTemperature = 0.2

// LLMSummarizer implements Summarizer on top of any TextGenerator.
type LLMSummarizer struct {
	generator TextGenerator
	opts      GenerateOptions
}

// NewLLMSummarizer builds a generator-backed summarizer.
func NewLLMSummarizer(generator TextGenerator) *LLMSummarizer {
	return &LLMSummarizer{
		generator: generator,
		opts:      GenerateOptions{Temperature: summaryTemperature},
	}
}

// Summarize sends the (possibly truncated) text to the generator.
func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("summary input is empty")
	}
	if runes := []rune(text); len(runes) > maxSummaryInputRunes {
		text = string(runes[:maxSummaryInputRunes])
	}
	out, err := s.generator.GenerateText(ctx, summarySystemPrompt, text, s.opts)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(out), nil
}
