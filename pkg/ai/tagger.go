package ai

import (
	"context"
	"fmt"
	"strings"
)

// TagExtractor proposes candidate tags for a document given its text and
// summary. Candidates are raw model output; callers normalize them.
type TagExtractor interface {
	ExtractTags(ctx context.Context, text, summary string) ([]string, error)
}

const tagSystemPrompt = "You label documents for a search index. " +
	"Given a document and its summary, reply with up to 10 short topical tags, " +
	"one per line, no numbering and no commentary."

const maxTagInputRunes = 8000

// Tag lists are short and should be near-deterministic.
var tagGenerateOptions = GenerateOptions{Temperature: 0.1, MaxTokens: 256}

// LLMTagExtractor implements TagExtractor on top of any TextGenerator.
type LLMTagExtractor struct {
	generator TextGenerator
}

// NewLLMTagExtractor builds a generator-backed tag extractor.
func NewLLMTagExtractor(generator TextGenerator) *LLMTagExtractor {
	return &LLMTagExtractor{generator: generator}
}

// ExtractTags asks the generator for tags and splits its reply into
// candidate strings.
func (t *LLMTagExtractor) ExtractTags(ctx context.Context, text, summary string) ([]string, error) {
	text = strings.TrimSpace(text)
	summary = strings.TrimSpace(summary)
	if text == "" && summary == "" {
		return nil, fmt.Errorf("tag extraction input is empty")
	}
	if runes := []rune(text); len(runes) > maxTagInputRunes {
		text = string(runes[:maxTagInputRunes])
	}
	var prompt strings.Builder
	if summary != "" {
		prompt.WriteString("Summary:\n")
		prompt.WriteString(summary)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Document:\n")
	prompt.WriteString(text)

	out, err := t.generator.GenerateText(ctx, tagSystemPrompt, prompt.String(), tagGenerateOptions)
	if err != nil {
		return nil, fmt.Errorf("extract tags: %w", err)
	}
	return SplitTagList(out), nil
}

// SplitTagList parses model output into candidate tag strings. It accepts
// newline- or comma-separated lists and strips common bullet prefixes.
func SplitTagList(out string) []string {
	fields := strings.FieldsFunc(out, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		f = strings.TrimLeft(f, "-*•0123456789. ")
		f = strings.Trim(f, `"'`)
		if f == "" {
			continue
		}
		tags = append(tags, f)
	}
	return tags
}
