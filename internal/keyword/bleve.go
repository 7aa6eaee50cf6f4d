package keyword

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

const questionField = "question"

type questionDoc struct {
	Question string `json:"question"`
}

// BleveIndex implements QuestionIndex with an in-memory Bleve index.
// It is rebuilt from the store on every load, so nothing is written to disk.
type BleveIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	spell *SpellChecker
}

// NewBleveIndex creates an empty in-memory index.
func NewBleveIndex() (*BleveIndex, error) {
	index, err := newMemIndex()
	if err != nil {
		return nil, err
	}
	b := &BleveIndex{index: index}
	b.spell = NewSpellChecker(b)
	return b, nil
}

func buildMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// standard analyzer: lowercase + tokenize, no stemming, so "refunds" does not match "refund"
	// by accident and fuzzy matching handles the typos instead
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(questionField, textFieldMapping)
	im.AddDocumentMapping("question", docMapping)
	im.DefaultType = "question"
	im.DefaultMapping = docMapping
	return im
}

func newMemIndex() (bleve.Index, error) {
	index, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return index, nil
}

// Add indexes question under position.
func (b *BleveIndex) Add(ctx context.Context, position int, question string) error {
	b.mu.RLock()
	err := b.index.Index(strconv.Itoa(position), questionDoc{Question: question})
	b.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("index question %d: %w", position, err)
	}
	b.spell.Invalidate()
	return nil
}

// Search runs a match (or fuzzy) query and returns up to limit positions by score.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Match, error) {
	if limit <= 0 {
		return nil, nil
	}
	fuzzy := false
	fuzziness := 2
	if opts != nil {
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	var q blevequery.Query
	if fuzzy {
		q = buildFuzzyQuery(query, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(questionField)
		q = mq
	}
	req := bleve.NewSearchRequest(q)
	req.Size = limit

	b.mu.RLock()
	results, err := b.index.SearchInContext(ctx, req)
	b.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	out := make([]*Match, 0, len(results.Hits))
	for _, hit := range results.Hits {
		pos, err := strconv.Atoi(hit.ID)
		if err != nil {
			continue
		}
		out = append(out, &Match{Position: pos, Score: hit.Score})
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms, filtering out empty strings.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries, one per query term.
func buildFuzzyQuery(queryStr string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(questionField)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(questionField)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Suggest returns a spelling-corrected query, or "" when every term is known
// or no correction exists.
func (b *BleveIndex) Suggest(query string) string {
	result, err := b.spell.Check(query)
	if err != nil || !result.HasCorrections {
		return ""
	}
	return result.CorrectedQuery
}

// Count returns the number of indexed questions.
func (b *BleveIndex) Count() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.DocCount()
}

// Reset replaces the index with an empty one.
func (b *BleveIndex) Reset() error {
	fresh, err := newMemIndex()
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := b.index
	b.index = fresh
	b.mu.Unlock()
	b.spell.Invalidate()
	return old.Close()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}

// GetAllTerms returns all unique terms from the question field dictionary.
func (b *BleveIndex) GetAllTerms() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dict, err := b.index.FieldDict(questionField)
	if err != nil {
		return nil, fmt.Errorf("read term dictionary: %w", err)
	}
	defer dict.Close()

	terms := make([]string, 0)
	for {
		entry, err := dict.Next()
		if err != nil || entry == nil {
			break
		}
		terms = append(terms, entry.Term)
	}
	return terms, nil
}

// GetTermFrequency returns the number of questions containing term.
func (b *BleveIndex) GetTermFrequency(term string) (int, error) {
	tq := bleve.NewTermQuery(strings.ToLower(term))
	tq.SetField(questionField)
	req := bleve.NewSearchRequest(tq)
	req.Size = 0

	b.mu.RLock()
	defer b.mu.RUnlock()
	results, err := b.index.Search(req)
	if err != nil {
		return 0, fmt.Errorf("failed to search for term frequency: %w", err)
	}
	return int(results.Total), nil
}
