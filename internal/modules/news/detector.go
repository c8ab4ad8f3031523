package news

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wojtczak/sygnal/internal/domain"
)

// Detector finds universe stocks mentioned in article text. Matching is
// case-insensitive on whole words, so symbol "ALE" never fires inside
// "dalej". Boundaries are checked per rune because Polish letters fall
// outside the ASCII word class.
type Detector struct {
	entries []detectorEntry
}

type detectorEntry struct {
	symbol  string
	phrases []string // lower-cased
}

// NewDetector builds a detector from the monitored universe. Each stock
// matches on its symbol and its company name; a trailing legal-form suffix
// (S.A., SA, SE) also yields the bare name as a phrase.
func NewDetector(stocks []domain.Stock) *Detector {
	d := &Detector{entries: make([]detectorEntry, 0, len(stocks))}

	for _, stock := range stocks {
		if stock.Symbol == "" {
			continue
		}
		entry := detectorEntry{
			symbol:  stock.Symbol,
			phrases: []string{strings.ToLower(stock.Symbol)},
		}
		if name := strings.TrimSpace(stock.Name); name != "" {
			entry.phrases = append(entry.phrases, strings.ToLower(name))
			if bare := trimLegalSuffix(name); bare != name {
				entry.phrases = append(entry.phrases, strings.ToLower(bare))
			}
		}
		d.entries = append(d.entries, entry)
	}

	return d
}

// Detect returns the sorted symbols mentioned in text.
func (d *Detector) Detect(text string) []string {
	if text == "" {
		return nil
	}
	lowered := strings.ToLower(text)

	var found []string
	for _, entry := range d.entries {
		for _, phrase := range entry.phrases {
			if containsWord(lowered, phrase) {
				found = append(found, entry.symbol)
				break
			}
		}
	}

	sort.Strings(found)
	return found
}

var legalSuffixes = []string{" s.a.", " sa", " se", " spolka akcyjna", " spółka akcyjna"}

// trimLegalSuffix returns the lower-cased name without a trailing legal
// form, or the name unchanged when no suffix matches.
func trimLegalSuffix(name string) string {
	lowered := strings.ToLower(name)
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(lowered, suffix) {
			return strings.TrimSpace(strings.TrimSuffix(lowered, suffix))
		}
	}
	return name
}

// containsWord reports whether phrase occurs in text with non-letter,
// non-digit runes (or the text edge) on both sides. Both arguments must
// already be lower-cased.
func containsWord(text, phrase string) bool {
	if phrase == "" {
		return false
	}

	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start

		if boundaryBefore(text, i) && boundaryAfter(text, i+len(phrase)) {
			return true
		}
		start = i + 1
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
