package db

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"
)

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or their lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func terms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// lexicalRank is the share of distinct query terms that occur in content,
// nudged by how often they occur. It stays within [0,1).
func lexicalRank(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	freq := map[string]int{}
	words := terms(content)
	for _, w := range words {
		freq[w]++
	}

	seen := map[string]bool{}
	matched, occurrences, distinct := 0, 0, 0
	for _, t := range queryTerms {
		if seen[t] {
			continue
		}
		seen[t] = true
		distinct++
		if n := freq[t]; n > 0 {
			matched++
			occurrences += n
		}
	}
	if matched == 0 {
		return 0
	}

	coverage := float64(matched) / float64(distinct)
	density := float64(occurrences) / float64(len(words)+1)
	return coverage * (0.9 + 0.1*density)
}
