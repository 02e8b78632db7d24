package cortex

import "strings"

// Resolution classifies the outcome of identifier resolution.
type Resolution int

const (
	// ResolveNone means no candidate matched.
	ResolveNone Resolution = iota
	// ResolveUnique means exactly one candidate matched.
	ResolveUnique
	// ResolveMultiple means several candidates matched equally well. The
	// caller must report the ambiguity; it is never silently disambiguated.
	ResolveMultiple
)

// ResolveIdentifier matches an identifier against candidate titles. Exact
// matches (case-insensitive, filename-style normalization) win outright;
// otherwise candidates are scored fuzzily and the best scorers returned.
func ResolveIdentifier(id string, candidates []string) (Resolution, []string) {
	if len(candidates) == 0 {
		return ResolveNone, nil
	}

	norm := normalizeIdentifier(id)

	var exact []string
	for _, c := range candidates {
		if normalizeIdentifier(c) == norm {
			exact = append(exact, c)
		}
	}
	switch len(exact) {
	case 1:
		return ResolveUnique, exact
	default:
		if len(exact) > 1 {
			return ResolveMultiple, exact
		}
	}

	// Fuzzy pass: subsequence-based scoring with a minimum threshold so
	// unrelated identifiers resolve to none rather than to noise.
	best := 0
	var matches []string
	for _, c := range candidates {
		score := fuzzyScore(norm, normalizeIdentifier(c))
		if score == 0 {
			continue
		}
		if score > best {
			best = score
			matches = []string{c}
		} else if score == best {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return ResolveNone, nil
	case 1:
		return ResolveUnique, matches
	default:
		return ResolveMultiple, matches
	}
}

// normalizeIdentifier lowercases and strips filename decorations so
// "My Brain", "my-brain" and "my_brain.ts" all compare equal.
func normalizeIdentifier(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, ext := range []string{".json", ".toml", ".go", ".ts", ".js"} {
		s = strings.TrimSuffix(s, ext)
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '-', '_', '.':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fuzzyScore counts the longest run-weighted subsequence of id inside
// candidate. Contiguous matches score quadratically so "stepone" prefers
// "step-one" over "s-t-e-p-o-n-e". Returns 0 when id is not a subsequence.
func fuzzyScore(id, candidate string) int {
	if id == "" {
		return 0
	}
	score, run := 0, 0
	j := 0
	for i := 0; i < len(candidate) && j < len(id); i++ {
		if candidate[i] == id[j] {
			j++
			run++
			score += run
		} else {
			run = 0
		}
	}
	if j < len(id) {
		return 0
	}
	// Prefer tighter candidates: a long candidate with the same subsequence
	// ranks below a short one.
	if penalty := len(candidate) - len(id); penalty < score {
		score -= penalty
	} else {
		score = 1
	}
	return score
}
