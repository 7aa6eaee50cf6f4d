// Package keyword provides full-text lookup over cached questions.
//
// It is an auxiliary view for operators browsing the cache; the semantic
// decision never consults it.
package keyword

import "context"

// SearchOptions optional parameters for question search. Nil means use defaults.
type SearchOptions struct {
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 2 when FuzzyEnabled is true.
	Fuzziness int
}

// QuestionIndex indexes question text by cache position.
type QuestionIndex interface {
	Add(ctx context.Context, position int, question string) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Match, error)
	// Suggest returns a corrected query when some term is unknown, or "" when nothing better exists.
	Suggest(query string) string
	Count() (uint64, error)
	// Reset drops every indexed question.
	Reset() error
	Close() error
}

// Match is a single question search hit.
type Match struct {
	Position int
	Score    float64
}

// TermDictionary provides access to the term dictionary for spell checking.
type TermDictionary interface {
	// GetAllTerms returns all unique terms in the index.
	GetAllTerms() ([]string, error)
	// GetTermFrequency returns the document frequency for a term.
	GetTermFrequency(term string) (int, error)
}
