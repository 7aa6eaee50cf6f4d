package keyword

import (
	"sort"
	"strings"
	"sync"
)

// Suggestion represents a spelling suggestion with its score.
type Suggestion struct {
	Term      string  // The suggested term
	Distance  int     // Edit distance from the original term
	Frequency int     // Document frequency (popularity)
	Score     float64 // Combined score for ranking
}

// SpellCheckResult contains the result of spell checking a query.
type SpellCheckResult struct {
	OriginalQuery   string
	CorrectedQuery  string
	HasCorrections  bool
	MisspelledTerms []string
}

// SpellChecker suggests corrections for query terms missing from a TermDictionary.
// The term list is cached until Invalidate is called.
type SpellChecker struct {
	dictionary     TermDictionary
	maxDistance    int
	minFreq        int
	maxSuggestions int

	mu      sync.RWMutex
	terms   []string
	termSet map[string]struct{}
	valid   bool
}

// SpellCheckerOption is a functional option for configuring SpellChecker.
type SpellCheckerOption func(*SpellChecker)

// WithMaxDistance sets the maximum edit distance for suggestions.
func WithMaxDistance(d int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency sets the minimum document frequency for suggestions.
func WithMinFrequency(f int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if f >= 0 {
			s.minFreq = f
		}
	}
}

// NewSpellChecker creates a new SpellChecker with the given dictionary.
func NewSpellChecker(dict TermDictionary, opts ...SpellCheckerOption) *SpellChecker {
	s := &SpellChecker{
		dictionary:     dict,
		maxDistance:    2,
		minFreq:        1,
		maxSuggestions: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invalidate marks the cached term list stale; the next check reloads it.
func (s *SpellChecker) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

func (s *SpellChecker) snapshot() ([]string, map[string]struct{}, error) {
	s.mu.RLock()
	if s.valid {
		terms, set := s.terms, s.termSet
		s.mu.RUnlock()
		return terms, set, nil
	}
	s.mu.RUnlock()

	terms, err := s.dictionary.GetAllTerms()
	if err != nil {
		return nil, nil, err
	}
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[strings.ToLower(t)] = struct{}{}
	}

	s.mu.Lock()
	s.terms, s.termSet, s.valid = terms, set, true
	s.mu.Unlock()
	return terms, set, nil
}

// Check checks a query for unknown terms and builds a corrected query from the best suggestions.
func (s *SpellChecker) Check(query string) (*SpellCheckResult, error) {
	terms, set, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	words := tokenizeQuery(query)
	result := &SpellCheckResult{OriginalQuery: query}
	corrected := make([]string, 0, len(words))
	for _, word := range words {
		if _, ok := set[word]; ok {
			corrected = append(corrected, word)
			continue
		}
		suggestions := s.suggest(word, terms)
		if len(suggestions) == 0 {
			corrected = append(corrected, word)
			continue
		}
		result.HasCorrections = true
		result.MisspelledTerms = append(result.MisspelledTerms, word)
		corrected = append(corrected, suggestions[0].Term)
	}
	result.CorrectedQuery = strings.Join(corrected, " ")
	return result, nil
}

// Suggest returns spelling suggestions for a single term, best first.
func (s *SpellChecker) Suggest(term string) []Suggestion {
	terms, _, err := s.snapshot()
	if err != nil {
		return nil
	}
	return s.suggest(strings.ToLower(term), terms)
}

func (s *SpellChecker) suggest(term string, terms []string) []Suggestion {
	suggestions := make([]Suggestion, 0)
	for _, dictTerm := range terms {
		if dictTerm == term {
			continue
		}
		// length difference is a lower bound on edit distance
		lenDiff := len(dictTerm) - len(term)
		if lenDiff < 0 {
			lenDiff = -lenDiff
		}
		if lenDiff > s.maxDistance {
			continue
		}

		distance := EditDistance(term, dictTerm)
		if distance > s.maxDistance {
			continue
		}
		freq, err := s.dictionary.GetTermFrequency(dictTerm)
		if err != nil || freq < s.minFreq {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Term:      dictTerm,
			Distance:  distance,
			Frequency: freq,
			Score:     float64(freq) / float64(distance+1),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].Term < suggestions[j].Term
	})
	if len(suggestions) > s.maxSuggestions {
		suggestions = suggestions[:s.maxSuggestions]
	}
	return suggestions
}
