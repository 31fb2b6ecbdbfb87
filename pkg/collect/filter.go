package collect

import "strings"

// Filter keeps text that mentions any keyword and none of the excluded ones.
// A filter without keywords keeps everything not excluded.
type Filter struct {
	keywords []string
	exclude  []string
}

// NewFilter creates a case-insensitive filter.
func NewFilter(keywords, exclude []string) *Filter {
	return &Filter{keywords: lowerAll(keywords), exclude: lowerAll(exclude)}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// Match reports whether text passes the filter. A nil filter matches everything.
func (f *Filter) Match(text string) bool {
	if f == nil {
		return true
	}
	lower := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	if len(f.keywords) == 0 {
		return true
	}
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
