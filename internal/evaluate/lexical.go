// Package evaluate scores transcribed answers against a card's expected
// answer without calling the card source.
//
// The card source's LLM is the authority on correctness, but it is a remote
// collaborator that can fail mid-review. The lexical matcher gives the
// session a local fallback judgment: Double Metaphone phonetic overlap plus
// Jaro-Winkler similarity between the transcript and the expected answer.
// Phonetic overlap matters because speech recognition errors are usually
// sound-preserving ("la pom" for "la pomme"), not spelling-preserving.
package evaluate

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// defaultMatchThreshold is the Jaro-Winkler score at which an answer
	// counts as correct when the answers overlap phonetically.
	defaultMatchThreshold = 0.70

	// defaultStrictThreshold applies when there is no phonetic overlap, so
	// pure string similarity has to carry the judgment alone.
	defaultStrictThreshold = 0.85
)

// Result is the lexical judgment of one answer.
type Result struct {
	// Score is the best Jaro-Winkler similarity found, in [0, 1].
	Score float64

	// Phonetic reports whether the answer and expected answer share at
	// least one Double Metaphone code.
	Phonetic bool

	// IsMatch is the overall verdict at the matcher's thresholds.
	IsMatch bool
}

// Option is a functional option for configuring a Matcher.
type Option func(*Matcher)

// WithMatchThreshold sets the minimum Jaro-Winkler score required when the
// answers overlap phonetically. Default: 0.70.
func WithMatchThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.matchThreshold = threshold
	}
}

// WithStrictThreshold sets the minimum Jaro-Winkler score required when no
// phonetic overlap exists. Default: 0.85.
func WithStrictThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.strictThreshold = threshold
	}
}

// Matcher scores answers lexically. All methods are safe for concurrent use;
// the Matcher is read-only after construction.
type Matcher struct {
	matchThreshold  float64
	strictThreshold float64
}

// New returns a new Matcher configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		matchThreshold:  defaultMatchThreshold,
		strictThreshold: defaultStrictThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Compare scores answer against expected. Both strings are normalized to
// lowercase with punctuation stripped before comparison. An empty answer or
// expected answer yields a zero Result.
func (m *Matcher) Compare(answer, expected string) Result {
	answerTokens := normalize(answer)
	expectedTokens := normalize(expected)
	if len(answerTokens) == 0 || len(expectedTokens) == 0 {
		return Result{}
	}

	answerFull := strings.Join(answerTokens, " ")
	expectedFull := strings.Join(expectedTokens, " ")

	phonetic := codesOverlap(codesForTokens(answerTokens), codesForTokens(expectedTokens))
	score := bestJWScore(answerTokens, expectedTokens, answerFull, expectedFull)

	threshold := m.strictThreshold
	if phonetic {
		threshold = m.matchThreshold
	}
	return Result{
		Score:    score,
		Phonetic: phonetic,
		IsMatch:  score >= threshold,
	}
}

// normalize lowercases s, strips everything but letters, digits, and spaces,
// and splits it into tokens.
func normalize(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// answer and the expected answer using three strategies: full strings,
// space-stripped strings, and the best pairwise token score.
func bestJWScore(answerTokens, expectedTokens []string, answerFull, expectedFull string) float64 {
	score := matchr.JaroWinkler(answerFull, expectedFull, false)

	if len(answerTokens) > 1 || len(expectedTokens) > 1 {
		concat1 := strings.Join(answerTokens, "")
		concat2 := strings.Join(expectedTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, at := range answerTokens {
		for _, et := range expectedTokens {
			if s := matchr.JaroWinkler(at, et, false); s > score {
				score = s
			}
		}
	}

	return score
}
