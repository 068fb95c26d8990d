package domain

import (
	"reflect"
	"testing"
)

func TestNormalizeTag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Machine Learning!!", "machine-learning"},
		{"machine-learning", "machine-learning"},
		{"  Deep   Learning  ", "deep-learning"},
		{"C++", "c"},
		{"GPT-4o", "gpt-4o"},
		{"___", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTag(tc.in); got != tc.want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeTagIdempotent(t *testing.T) {
	for _, raw := range []string{"Machine Learning!!", "Neural.Networks", "a b c"} {
		once := NormalizeTag(raw)
		if twice := NormalizeTag(once); twice != once {
			t.Errorf("NormalizeTag not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	}
}

func TestNormalizeTagsDedupesAndCaps(t *testing.T) {
	in := []string{
		"Machine Learning", "machine-learning!", "AI", "x", // dup + too-short dropped
		"one", "two", "three", "four", "five", "six", "seven", "eight",
	}
	got := NormalizeTags(in)
	if len(got) != MaxTagsPerDocument {
		t.Fatalf("expected %d tags, got %d: %v", MaxTagsPerDocument, len(got), got)
	}
	want := []string{"machine-learning", "ai", "one", "two", "three", "four", "five", "six"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
}

func TestNormalizeTagsEmpty(t *testing.T) {
	if got := NormalizeTags(nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
	if got := NormalizeTags([]string{"!", "?", "x"}); len(got) != 0 {
		t.Fatalf("expected all candidates dropped, got %v", got)
	}
}
