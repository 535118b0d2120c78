package highlight

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var ansiCSI = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

type Result struct {
	Text  string
	Count int
}

// Terms wraps every case-insensitive occurrence of any term in input.
// Escape sequences are passed through untouched and matches never span them.
// Overlapping matches of different terms are merged into one span.
func Terms(input string, terms []string, wrap func(string) string) Result {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return Result{Text: input}
	}
	if wrap == nil {
		wrap = func(s string) string { return s }
	}

	indices := ansiCSI.FindAllStringIndex(input, -1)
	var out strings.Builder
	total := 0
	pos := 0
	for _, idx := range indices {
		if idx[0] > pos {
			plain, count := applyToPlain(input[pos:idx[0]], terms, wrap)
			out.WriteString(plain)
			total += count
		}
		out.WriteString(input[idx[0]:idx[1]])
		pos = idx[1]
	}
	if pos < len(input) {
		plain, count := applyToPlain(input[pos:], terms, wrap)
		out.WriteString(plain)
		total += count
	}
	return Result{Text: out.String(), Count: total}
}

// Matches reports whether s contains every term, ignoring case.
func Matches(s string, terms []string) bool {
	terms = normalizeTerms(terms)
	lower, _ := fold(s)
	for _, t := range terms {
		if !strings.Contains(lower, t) {
			return false
		}
	}
	return len(terms) > 0
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t, _ = fold(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

type span struct{ start, end int }

// fold lowercases s one rune at a time. origin maps each rune offset in the
// folded string, and its length, back to the byte offset in s.
func fold(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	origin := make([]int, 0, len(s)+1)
	for i, r := range s {
		n := b.Len()
		b.WriteRune(unicode.ToLower(r))
		for range b.Len() - n {
			origin = append(origin, i)
		}
	}
	origin = append(origin, len(s))
	return b.String(), origin
}

func applyToPlain(s string, terms []string, wrap func(string) string) (string, int) {
	if s == "" {
		return s, 0
	}
	lower, origin := fold(s)

	var spans []span
	for _, t := range terms {
		start := 0
		for {
			rel := strings.Index(lower[start:], t)
			if rel < 0 {
				break
			}
			idx := start + rel
			spans = append(spans, span{origin[idx], origin[idx+len(t)]})
			start = idx + len(t)
		}
	}
	if len(spans) == 0 {
		return s, 0
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var out strings.Builder
	pos := 0
	for _, sp := range merged {
		out.WriteString(s[pos:sp.start])
		out.WriteString(wrap(s[sp.start:sp.end]))
		pos = sp.end
	}
	out.WriteString(s[pos:])
	return out.String(), len(merged)
}
