// Package phonetic confirms wake phrases in recognized text using phonetic
// and fuzzy string matching.
//
// Speech recognizers rarely emit a wake phrase verbatim: "hey aria" comes
// back as "hey area", "hey arya", or split and re-joined across tokens. The
// matcher compares candidate token windows against the configured phrases in
// two stages. Double Metaphone codes gate windows in which every phrase
// token has a sound-alike, and Jaro-Winkler similarity ranks them.
// Candidates that pass the phonetic gate match at a lower similarity
// threshold than purely fuzzy ones, so sound-alike transcription errors are
// forgiven while phrases sharing only a filler word ("hey there" against
// "hey aria") are not.
package phonetic

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
)

// Default similarity thresholds. Phonetically confirmed candidates match at
// a lower bar because the sound-alike gate already filtered coincidental
// string overlap.
const (
	DefaultPhoneticThreshold = 0.70
	DefaultFuzzyThreshold    = 0.85
)

// Option configures a Matcher.
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for candidates
// whose tokens phonetically cover a phrase. Values outside (0, 1] are
// ignored.
func WithPhoneticThreshold(t float64) Option {
	return func(m *Matcher) {
		if t > 0 && t <= 1 {
			m.phoneticThreshold = t
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for candidates with
// no phonetic coverage. Values outside (0, 1] are ignored.
func WithFuzzyThreshold(t float64) Option {
	return func(m *Matcher) {
		if t > 0 && t <= 1 {
			m.fuzzyThreshold = t
		}
	}
}

// phrase is one configured wake phrase with per-token phonetic codes
// precomputed at construction.
type phrase struct {
	canonical  string
	tokens     []string
	tokenCodes []map[string]struct{}
}

// Matcher scores recognized text against a fixed phrase list. It is
// read-only after construction and safe for concurrent use.
type Matcher struct {
	phrases           []phrase
	phoneticThreshold float64
	fuzzyThreshold    float64
}

var _ wake.PhraseMatcher = (*Matcher)(nil)

// New creates a Matcher for the given wake phrases. Blank phrases are
// skipped; at least one usable phrase is required.
func New(phrases []string, opts ...Option) (*Matcher, error) {
	m := &Matcher{
		phoneticThreshold: DefaultPhoneticThreshold,
		fuzzyThreshold:    DefaultFuzzyThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, raw := range phrases {
		tokens := tokenize(raw)
		if len(tokens) == 0 {
			continue
		}
		codes := make([]map[string]struct{}, len(tokens))
		for i, tok := range tokens {
			codes[i] = codesForToken(tok)
		}
		m.phrases = append(m.phrases, phrase{
			canonical:  strings.Join(tokens, " "),
			tokens:     tokens,
			tokenCodes: codes,
		})
	}
	if len(m.phrases) == 0 {
		return nil, fmt.Errorf("phonetic: no usable wake phrases configured")
	}
	return m, nil
}

// Match scans text for the best-scoring wake phrase. It slides token windows
// sized to each phrase (give or take one token, to absorb recognizer splits
// and merges) and returns the canonical phrase, its similarity score, and
// whether any candidate cleared its threshold.
func (m *Matcher) Match(text string) (string, float64, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return "", 0, false
	}

	var (
		bestPhrase   string
		bestScore    float64
		bestPhonetic bool
	)
	for _, p := range m.phrases {
		for _, size := range windowSizes(len(p.tokens), len(tokens)) {
			for i := 0; i+size <= len(tokens); i++ {
				window := tokens[i : i+size]
				score := bestJWScore(window, p)
				phonetic := codesCover(window, p)
				if !better(score, phonetic, bestScore, bestPhonetic) {
					continue
				}
				bestPhrase = p.canonical
				bestScore = score
				bestPhonetic = phonetic
			}
		}
	}

	threshold := m.fuzzyThreshold
	if bestPhonetic {
		threshold = m.phoneticThreshold
	}
	if bestScore < threshold {
		return "", 0, false
	}
	return bestPhrase, bestScore, true
}

// better reports whether a new candidate outranks the current best.
// Phonetically covered candidates win over fuzzy-only ones; within a tier
// the higher score wins.
func better(score float64, phonetic bool, bestScore float64, bestPhonetic bool) bool {
	if phonetic != bestPhonetic {
		return phonetic
	}
	return score > bestScore
}

// windowSizes returns the candidate window lengths for a phrase of n tokens,
// clamped to the text length.
func windowSizes(n, limit int) []int {
	sizes := make([]int, 0, 3)
	for _, s := range []int{n - 1, n, n + 1} {
		if s >= 1 && s <= limit {
			sizes = append(sizes, s)
		}
	}
	return sizes
}

// tokenize lowercases and splits text on whitespace, stripping punctuation
// that recognizers attach to words.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// codesForToken returns the Double Metaphone codes (primary and secondary)
// of one token.
func codesForToken(tok string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(tok)
	if primary != "" {
		codes[primary] = struct{}{}
	}
	if secondary != "" {
		codes[secondary] = struct{}{}
	}
	return codes
}

// codesCover reports whether every token of the phrase has a sound-alike in
// the window. Any-token overlap is too loose for multi-word phrases: a
// shared filler word would phonetically qualify unrelated text.
func codesCover(window []string, p phrase) bool {
	windowCodes := make(map[string]struct{}, len(window)*2)
	for _, tok := range window {
		for code := range codesForToken(tok) {
			windowCodes[code] = struct{}{}
		}
	}
	for _, tokCodes := range p.tokenCodes {
		if len(tokCodes) == 0 {
			continue
		}
		if !codesOverlap(tokCodes, windowCodes) {
			return false
		}
	}
	return true
}

// codesOverlap reports whether the two code sets share any element.
func codesOverlap(a, b map[string]struct{}) bool {
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

// bestJWScore computes the strongest Jaro-Winkler similarity between a
// window and a phrase across three comparisons: the joined strings, the
// space-stripped concatenations (catches splits like "jar vis"), and the
// average per-phrase-token best alignment (catches reordering without
// rewarding a single shared token).
func bestJWScore(window []string, p phrase) float64 {
	candidate := strings.Join(window, " ")
	best := matchr.JaroWinkler(candidate, p.canonical, false)

	joinedA := strings.ReplaceAll(candidate, " ", "")
	joinedB := strings.ReplaceAll(p.canonical, " ", "")
	if joinedA != candidate || joinedB != p.canonical {
		if s := matchr.JaroWinkler(joinedA, joinedB, false); s > best {
			best = s
		}
	}

	if s := alignmentScore(window, p.tokens); s > best {
		best = s
	}
	return best
}

// alignmentScore averages, over the phrase tokens, the best Jaro-Winkler
// match among the window tokens.
func alignmentScore(window, phraseTokens []string) float64 {
	if len(phraseTokens) == 0 {
		return 0
	}
	var sum float64
	for _, pt := range phraseTokens {
		var tokBest float64
		for _, wt := range window {
			if s := matchr.JaroWinkler(wt, pt, false); s > tokBest {
				tokBest = s
			}
		}
		sum += tokBest
	}
	return sum / float64(len(phraseTokens))
}
