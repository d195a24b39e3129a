// Package lexicon spots filler interjections in transcripts by sound rather
// than spelling. Recognisers write the same hesitation as "um", "umm",
// "ummm" or "uhm"; exact string matching catches only some of them.
//
// A transcript word is compared with every lexicon word in two stages:
//
//  1. Runs of repeated letters are collapsed ("ummmm" becomes "um"). A
//     collapsed word equal to a collapsed lexicon word matches with score 1.
//
//  2. Otherwise the Double Metaphone codes of both words must overlap and
//     their Jaro-Winkler similarity must reach the threshold (default 0.85).
//
// Words longer than [MaxWordLen] letters are never interjections, and
// single-letter words only match exactly.
package lexicon

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultThreshold = 0.85

	// MaxWordLen bounds the collapsed length of a candidate word.
	MaxWordLen = 5
)

// DefaultWords is the built-in filler vocabulary.
var DefaultWords = []string{"um", "uh", "uhm", "hmm", "mhm", "mm", "er", "erm", "ah", "ahm", "eh", "ehm"}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum Jaro-Winkler score for a phonetic match.
// Default: 0.85.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

type entry struct {
	word      string
	collapsed string
	codes     map[string]struct{}
}

// Matcher finds interjections in transcript text. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	threshold float64
	words     []entry
}

// New returns a [Matcher] over words. A nil or empty words uses [DefaultWords].
func New(words []string, opts ...Option) *Matcher {
	if len(words) == 0 {
		words = DefaultWords
	}
	m := &Matcher{threshold: defaultThreshold}
	for _, o := range opts {
		o(m)
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		c := collapse(w)
		m.words = append(m.words, entry{word: w, collapsed: c, codes: codes(c)})
	}
	return m
}

// Default is a [Matcher] over [DefaultWords].
var Default = New(nil)

// Match reports the lexicon word that word sounds like. When matched is false,
// the returned word is empty and score is 0.
func (m *Matcher) Match(word string) (lexWord string, score float64, matched bool) {
	w := collapse(strings.ToLower(strings.TrimFunc(word, notLetter)))
	n := len([]rune(w))
	if n == 0 || n > MaxWordLen {
		return "", 0, false
	}
	wc := codes(w)

	var best entry
	for _, e := range m.words {
		if e.collapsed == w {
			return e.word, 1, true
		}
		// Single letters ("a", "i") are too short to compare by sound.
		if n < 2 || !overlap(wc, e.codes) {
			continue
		}
		if s := matchr.JaroWinkler(w, e.collapsed, false); s >= m.threshold && s > score {
			best, score = e, s
		}
	}
	if best.word == "" {
		return "", 0, false
	}
	return best.word, score, true
}

// Scan returns the words of text that match the lexicon, in order of
// appearance and as written (lower-cased).
func (m *Matcher) Scan(text string) []string {
	var found []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), notLetter) {
		if _, _, ok := m.Match(w); ok {
			found = append(found, w)
		}
	}
	return found
}

func notLetter(r rune) bool { return !unicode.IsLetter(r) }

// collapse squeezes runs of the same letter into one.
func collapse(w string) string {
	var b strings.Builder
	b.Grow(len(w))
	var prev rune
	for i, r := range w {
		if i > 0 && r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// codes returns the non-empty Double Metaphone codes of w.
func codes(w string) map[string]struct{} {
	set := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(w)
	if p != "" {
		set[p] = struct{}{}
	}
	if s != "" {
		set[s] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
