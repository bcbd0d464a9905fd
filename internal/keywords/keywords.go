// Package keywords is the seam for the prohibited-keyword lexicon. The
// lexicon itself is maintained externally; this package only loads it and
// applies it to product text before persistence.
package keywords

import (
	"encoding/json"
	"os"
	"strings"
)

// Filter removes prohibited keywords from product text.
type Filter interface {
	Clean(text string) string
}

// ListFilter strips every occurrence of each configured keyword.
type ListFilter struct {
	words []string
}

// NewListFilter builds a filter over the given keywords.
func NewListFilter(words []string) *ListFilter {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return &ListFilter{words: out}
}

// Load reads ng_keywords.json, a JSON array of strings.
func Load(path string) (*ListFilter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewListFilter(nil), nil
		}
		return nil, err
	}
	var words []string
	if err := json.Unmarshal(raw, &words); err != nil {
		return nil, err
	}
	return NewListFilter(words), nil
}

// Clean strips prohibited keywords line by line, collapsing only the
// whitespace a removal left behind. Untouched lines pass through verbatim,
// so newline-shaped descriptions keep their shape.
func (f *ListFilter) Clean(text string) string {
	if text == "" || len(f.words) == 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		cleaned := line
		for _, w := range f.words {
			cleaned = strings.ReplaceAll(cleaned, w, "")
		}
		if cleaned != line {
			cleaned = strings.Join(strings.Fields(cleaned), " ")
		}
		lines[i] = cleaned
	}
	return strings.Join(lines, "\n")
}

// Noop passes text through unchanged.
type Noop struct{}

func (Noop) Clean(text string) string { return text }
