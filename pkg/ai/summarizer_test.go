package ai

import (
	"context"
	"strings"
	"testing"
)

type recordingGenerator struct {
	systemPrompt string
	userPrompt   string
	opts         GenerateOptions
	reply        string
}

func (g *recordingGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (string, error) {
	g.systemPrompt = systemPrompt
	g.userPrompt = userPrompt
	g.opts = opts
	return g.reply, nil
}

func TestSummarizeThreadsGenerateOptions(t *testing.T) {
	gen := &recordingGenerator{reply: "  a summary  "}
	s := NewLLMSummarizer(gen)

	out, err := s.Summarize(context.Background(), "document body")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "a summary" {
		t.Errorf("summary = %q, want trimmed reply", out)
	}
	if gen.systemPrompt != summarySystemPrompt {
		t.Errorf("system prompt = %q", gen.systemPrompt)
	}
	if gen.opts.Temperature != summaryTemperature {
		t.Errorf("temperature = %v, want %v", gen.opts.Temperature, summaryTemperature)
	}
}

func TestSummarizeTruncatesLongInput(t *testing.T) {
	gen := &recordingGenerator{reply: "ok"}
	s := NewLLMSummarizer(gen)

	long := strings.Repeat("x", maxSummaryInputRunes+500)
	if _, err := s.Summarize(context.Background(), long); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got := len([]rune(gen.userPrompt)); got != maxSummaryInputRunes {
		t.Errorf("prompt length = %d, want %d", got, maxSummaryInputRunes)
	}
}

func TestExtractTagsThreadsGenerateOptions(t *testing.T) {
	gen := &recordingGenerator{reply: "go\nqueues"}
	tagger := NewLLMTagExtractor(gen)

	tags, err := tagger.ExtractTags(context.Background(), "document body", "a summary")
	if err != nil {
		t.Fatalf("ExtractTags: %v", err)
	}
	if len(tags) != 2 || tags[0] != "go" || tags[1] != "queues" {
		t.Errorf("tags = %v", tags)
	}
	if gen.systemPrompt != tagSystemPrompt {
		t.Errorf("system prompt = %q", gen.systemPrompt)
	}
	if gen.opts != tagGenerateOptions {
		t.Errorf("options = %+v, want %+v", gen.opts, tagGenerateOptions)
	}
	if !strings.Contains(gen.userPrompt, "Summary:\na summary") {
		t.Errorf("prompt missing summary section: %q", gen.userPrompt)
	}
}
