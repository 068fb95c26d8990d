package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAICompatGenerateTextSendsOptions(t *testing.T) {
	var got oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL, "", "default-model")
	out, err := g.GenerateText(context.Background(), "sys", "user", GenerateOptions{
		Model:       "override-model",
		Temperature: 0.2,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}
	if got.Model != "override-model" {
		t.Errorf("model = %q, want override", got.Model)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", got.Temperature)
	}
	if got.MaxTokens != 64 {
		t.Errorf("max_tokens = %d, want 64", got.MaxTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestOpenAICompatGenerateTextDefaultsOmitted(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL, "", "default-model")
	if _, err := g.GenerateText(context.Background(), "", "user", GenerateOptions{}); err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if _, ok := raw["temperature"]; ok {
		t.Error("temperature should be omitted when unset")
	}
	if _, ok := raw["max_tokens"]; ok {
		t.Error("max_tokens should be omitted when unset")
	}
	var model string
	if err := json.Unmarshal(raw["model"], &model); err != nil || model != "default-model" {
		t.Errorf("model = %q, want configured default", model)
	}
}
