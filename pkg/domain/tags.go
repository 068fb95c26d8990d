package domain

import "strings"

// MaxTagsPerDocument caps how many tags a single generation pass may attach.
const MaxTagsPerDocument = 8

// minTagLength drops degenerate tags after normalization.
const minTagLength = 2

// NormalizeTag lowers the tag and collapses every non-alphanumeric run into a
// single hyphen. Normalization is idempotent: an already-normalized tag comes
// back unchanged.
func NormalizeTag(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingHyphen = b.Len() > 0
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeTags normalizes candidate tags, drops those shorter than two
// characters, dedupes preserving first-seen order, and caps the result at
// MaxTagsPerDocument.
func NormalizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, MaxTagsPerDocument)
	for _, candidate := range raw {
		tag := NormalizeTag(candidate)
		if len(tag) < minTagLength {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == MaxTagsPerDocument {
			break
		}
	}
	return out
}
