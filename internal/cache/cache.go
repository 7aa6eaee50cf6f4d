// Package cache implements the semantic answer cache.
//
// A question is embedded, the nearest stored question is found by exact squared-L2
// search, and when it lies within the threshold its stored answer is returned.
// Otherwise the answer provider is called and the new entry is committed to the
// vector index and the store as one unit, so positions in both stay aligned.
//
// Embedding and generation run without holding the cache lock. Probe and commit
// are exclusive. A miss registers an in-flight reservation while it generates;
// a concurrent question whose embedding falls within the threshold of a pending
// reservation waits for that answer instead of generating a duplicate.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/answer"
	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

// DefaultThreshold is the reference squared-L2 hit cutoff. It depends on the
// embedding model's geometry and should be tuned per model.
const DefaultThreshold = 0.3

var (
	// ErrEmptyQuestion is reported as an embedding failure for blank input.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrNoQuestionIndex means text search was requested but no question index is configured.
	ErrNoQuestionIndex = errors.New("question index is not configured")
)

// Result is the outcome of one Ask.
type Result struct {
	ResponseText string
	// Hit is true when the answer came from the cache, including coalesced waits.
	Hit bool
	// Coalesced is true when the call waited on a concurrent miss for a similar question.
	Coalesced bool
	// Position of the entry that supplied or now stores the answer.
	Position int
	// Distance to the nearest entry at decision time; -1 when there was none.
	Distance float64
	// Persisted is false when the entry was committed in memory but the durable write failed.
	Persisted bool
}

// Option configures a SemanticCache.
type Option func(*SemanticCache)

// WithLogger sets the logger. Nil means no logging.
func WithLogger(l *zap.Logger) Option {
	return func(c *SemanticCache) { c.logger = utils.OrNop(l) }
}

// WithThreshold sets the hit cutoff. Zero keeps DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(c *SemanticCache) {
		if t != 0 {
			c.initThreshold = t
		}
	}
}

// WithEmbedTimeout bounds each embedding call. Zero means no extra bound.
func WithEmbedTimeout(d time.Duration) Option {
	return func(c *SemanticCache) { c.embedTimeout = d }
}

// WithGenerateTimeout bounds each answer provider call. Zero means no extra bound.
func WithGenerateTimeout(d time.Duration) Option {
	return func(c *SemanticCache) { c.generateTimeout = d }
}

// WithQuestionIndex attaches a full-text index over cached questions.
func WithQuestionIndex(q keyword.QuestionIndex) Option {
	return func(c *SemanticCache) { c.questions = q }
}

// flight is a miss currently waiting on the answer provider.
type flight struct {
	embedding []float32
	done      chan struct{}
	result    *Result
	err       error
}

// SemanticCache owns its vector index and store; nothing else may mutate them.
type SemanticCache struct {
	embedder  embedding.Embedder
	provider  answer.Provider
	index     vector.VectorIndex
	store     storage.Store
	questions keyword.QuestionIndex
	logger    *zap.Logger

	dims            int
	initThreshold   float64
	threshold       atomic.Uint64 // math.Float64bits
	embedTimeout    time.Duration
	generateTimeout time.Duration

	// mu guards probe, reservation and commit over index, store and flights.
	mu      sync.Mutex
	flights map[*flight]struct{}

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

// New builds a cache over the given collaborators. The index and embedder must agree
// on the dimension. Call Load (or Clear) before serving.
func New(embedder embedding.Embedder, provider answer.Provider, index vector.VectorIndex, store storage.Store, opts ...Option) (*SemanticCache, error) {
	if embedder == nil || provider == nil || index == nil || store == nil {
		return nil, fmt.Errorf("embedder, provider, index and store are required")
	}
	c := &SemanticCache{
		embedder:      embedder,
		provider:      provider,
		index:         index,
		store:         store,
		logger:        zap.NewNop(),
		dims:          index.Dimensions(),
		initThreshold: DefaultThreshold,
		flights:       make(map[*flight]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if embedder.Dimensions() != c.dims {
		return nil, &cacheerr.DimensionError{Got: embedder.Dimensions(), Want: c.dims}
	}
	if err := c.SetThreshold(c.initThreshold); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the store and rebuilds the vector index from the stored embeddings
// in order. A corrupt store is returned as-is; the cache must not serve then.
func (c *SemanticCache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if err := c.index.Reset(); err != nil {
		return fmt.Errorf("reset vector index: %w", err)
	}
	for i, e := range entries {
		pos, err := c.index.Insert(ctx, e.Embedding)
		if err != nil {
			return &cacheerr.CorruptStoreError{Path: c.store.Path(), Reason: fmt.Sprintf("rebuild index at entry %d", i), Err: err}
		}
		if pos != i {
			return fmt.Errorf("vector index assigned position %d to entry %d", pos, i)
		}
	}
	c.rebuildQuestionsLocked(ctx, entries)

	c.logger.Info("cache loaded",
		zap.String("store", c.store.Path()),
		zap.Int("entries", len(entries)),
		zap.String("index", c.index.Type()))
	return nil
}

func (c *SemanticCache) rebuildQuestionsLocked(ctx context.Context, entries []*models.CacheEntry) {
	if c.questions == nil {
		return
	}
	if err := c.questions.Reset(); err != nil {
		c.logger.Warn("question index reset failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if err := c.questions.Add(ctx, e.Position, e.Question); err != nil {
			c.logger.Warn("question index add failed", zap.Int("position", e.Position), zap.Error(err))
		}
	}
}

// Clear drops every entry from the store and the index. Memory is cleared even when
// persisting the empty state fails; that failure is returned as a PersistenceError.
func (c *SemanticCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	storeErr := c.store.Clear(ctx)
	if err := c.index.Reset(); err != nil {
		return fmt.Errorf("reset vector index: %w", err)
	}
	if c.questions != nil {
		if err := c.questions.Reset(); err != nil {
			c.logger.Warn("question index reset failed", zap.Error(err))
		}
	}
	if storeErr != nil {
		c.logger.Error("persisting cleared cache failed", zap.Error(storeErr))
		return storeErr
	}
	c.logger.Info("cache cleared", zap.String("store", c.store.Path()))
	return nil
}

// Ask answers question from the cache when a stored question is within the threshold,
// otherwise from the answer provider, committing the new entry.
//
// When the answer was committed but could not be persisted, both the Result and a
// PersistenceError are returned.
func (c *SemanticCache) Ask(ctx context.Context, question string) (*Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, &cacheerr.EmbeddingError{Err: ErrEmptyQuestion}
	}
	vec, err := c.embed(ctx, question)
	if err != nil {
		return nil, err
	}
	if err := cacheerr.CheckVector(vec, c.dims); err != nil {
		return nil, err
	}

	for {
		c.mu.Lock()
		nearest, err := c.index.SearchNearest(ctx, vec)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		threshold := c.Threshold()
		if nearest != nil && nearest.Distance <= threshold {
			entry, ok := c.store.Entry(nearest.Position)
			c.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("vector index returned position %d with no stored entry", nearest.Position)
			}
			c.hits.Add(1)
			c.logger.Debug("cache hit",
				zap.Int("position", nearest.Position),
				zap.Float64("distance", nearest.Distance))
			return &Result{
				ResponseText: entry.ResponseText,
				Hit:          true,
				Position:     nearest.Position,
				Distance:     nearest.Distance,
				Persisted:    true,
			}, nil
		}

		if pending := c.pendingLocked(vec, threshold); pending != nil {
			c.mu.Unlock()
			res, err := c.wait(ctx, pending, vec)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
			// leader failed; probe again and possibly lead
			continue
		}

		f := &flight{embedding: vec, done: make(chan struct{})}
		c.flights[f] = struct{}{}
		c.mu.Unlock()

		distance := -1.0
		if nearest != nil {
			distance = nearest.Distance
		}
		c.misses.Add(1)
		return c.generateAndCommit(ctx, f, question, vec, distance)
	}
}

// pendingLocked returns the closest in-flight miss within threshold of vec, if any.
func (c *SemanticCache) pendingLocked(vec []float32, threshold float64) *flight {
	var best *flight
	bestDist := math.Inf(1)
	for f := range c.flights {
		if d := vector.SquaredL2(vec, f.embedding); d <= threshold && d < bestDist {
			best, bestDist = f, d
		}
	}
	return best
}

// wait blocks on a leader's flight. It returns (nil, nil) when the leader failed.
func (c *SemanticCache) wait(ctx context.Context, f *flight, vec []float32) (*Result, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, cacheerr.NewGenerationError(fmt.Errorf("waiting for in-flight answer: %w", ctx.Err()))
	}
	if f.err != nil {
		return nil, nil
	}
	c.coalesced.Add(1)
	res := *f.result
	res.Hit = true
	res.Coalesced = true
	res.Distance = vector.SquaredL2(vec, f.embedding)
	c.logger.Debug("coalesced with in-flight miss", zap.Int("position", res.Position))
	return &res, nil
}

func (c *SemanticCache) generateAndCommit(ctx context.Context, f *flight, question string, vec []float32, distance float64) (*Result, error) {
	ans, err := c.generate(ctx, question)
	if err != nil {
		c.mu.Lock()
		c.finishLocked(f, nil, err)
		c.mu.Unlock()
		c.logger.Warn("answer generation failed",
			zap.String("question", utils.Truncate(question, 80)),
			zap.Bool("transient", cacheerr.IsTransient(err)),
			zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a client hanging up after the answer arrived must not abort the durable write
	res, err := c.commitLocked(context.WithoutCancel(ctx), question, vec, ans, distance)
	if res != nil {
		c.finishLocked(f, res, nil)
	} else {
		c.finishLocked(f, nil, err)
	}
	return res, err
}

// commitLocked inserts into the index and appends to the store as one unit.
func (c *SemanticCache) commitLocked(ctx context.Context, question string, vec []float32, ans *models.Answer, distance float64) (*Result, error) {
	if err := cacheerr.CheckVector(vec, c.dims); err != nil {
		return nil, err
	}
	expected := c.store.Len()
	if size := c.index.Size(); size != expected {
		return nil, fmt.Errorf("vector index size %d does not match %d stored entries", size, expected)
	}
	pos, err := c.index.Insert(ctx, vec)
	if err != nil {
		return nil, err
	}
	if pos != expected {
		c.logger.Error("vector index position mismatch", zap.Int("position", pos), zap.Int("expected", expected))
		return nil, fmt.Errorf("vector index assigned position %d, expected %d", pos, expected)
	}

	entry := &models.CacheEntry{
		Position:     pos,
		Question:     question,
		Embedding:    append([]float32(nil), vec...),
		Answer:       ans.Payload,
		ResponseText: ans.ResponseText,
		CreatedAt:    time.Now().UTC(),
	}
	persistErr := c.store.Append(ctx, entry)

	if c.questions != nil {
		if err := c.questions.Add(ctx, pos, question); err != nil {
			c.logger.Warn("question index add failed", zap.Int("position", pos), zap.Error(err))
		}
	}

	res := &Result{
		ResponseText: ans.ResponseText,
		Position:     pos,
		Distance:     distance,
		Persisted:    persistErr == nil,
	}
	if persistErr != nil {
		c.logger.Error("cache entry not persisted",
			zap.Int("position", pos),
			zap.String("store", c.store.Path()),
			zap.Error(persistErr))
		return res, persistErr
	}
	c.logger.Debug("cache miss committed", zap.Int("position", pos), zap.Float64("nearest_distance", distance))
	return res, nil
}

func (c *SemanticCache) finishLocked(f *flight, res *Result, err error) {
	if res != nil {
		r := *res
		f.result = &r
	}
	f.err = err
	delete(c.flights, f)
	close(f.done)
}

func (c *SemanticCache) embed(ctx context.Context, question string) ([]float32, error) {
	if c.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.embedTimeout)
		defer cancel()
	}
	vec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		var embErr *cacheerr.EmbeddingError
		if errors.As(err, &embErr) {
			return nil, err
		}
		return nil, cacheerr.NewEmbeddingError(err)
	}
	return vec, nil
}

func (c *SemanticCache) generate(ctx context.Context, question string) (*models.Answer, error) {
	if c.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.generateTimeout)
		defer cancel()
	}
	ans, err := c.provider.Generate(ctx, question)
	if err != nil {
		var genErr *cacheerr.GenerationError
		if errors.As(err, &genErr) {
			return nil, err
		}
		return nil, cacheerr.NewGenerationError(err)
	}
	if ans == nil || ans.ResponseText == "" {
		return nil, &cacheerr.GenerationError{Err: answer.ErrMalformedPayload}
	}
	return ans, nil
}

// Threshold returns the current squared-L2 hit cutoff.
func (c *SemanticCache) Threshold() float64 {
	return math.Float64frombits(c.threshold.Load())
}

// SetThreshold changes the hit cutoff for subsequent probes.
func (c *SemanticCache) SetThreshold(t float64) error {
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("euclidean threshold must be a finite non-negative number, got %v", t)
	}
	c.threshold.Store(math.Float64bits(t))
	return nil
}

// Dimensions returns the embedding dimension D.
func (c *SemanticCache) Dimensions() int {
	return c.dims
}

// Stats returns current sizes and counters.
func (c *SemanticCache) Stats() models.CacheStats {
	c.mu.Lock()
	entries := c.store.Len()
	indexSize := c.index.Size()
	inFlight := len(c.flights)
	c.mu.Unlock()

	return models.CacheStats{
		Entries:    entries,
		IndexSize:  indexSize,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Coalesced:  c.coalesced.Load(),
		Threshold:  c.Threshold(),
		Dimensions: c.dims,
		IndexType:  c.index.Type(),
		StorePath:  c.store.Path(),
		InFlight:   inFlight,
	}
}

// Entry returns a copy of the entry at position.
func (c *SemanticCache) Entry(position int) (*models.CacheEntry, bool) {
	e, ok := c.store.Entry(position)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Entries returns copies of up to limit entries starting at offset, and the total count.
func (c *SemanticCache) Entries(offset, limit int) ([]*models.CacheEntry, int) {
	all := c.store.Entries()
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []*models.CacheEntry{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*models.CacheEntry, 0, end-offset)
	for _, e := range all[offset:end] {
		out = append(out, e.Clone())
	}
	return out, total
}

// SearchQuestions finds cached entries whose question text matches q.
// When nothing matches, the list carries a spelling suggestion if one exists.
func (c *SemanticCache) SearchQuestions(ctx context.Context, q models.EntryListQuery) (*models.EntryList, error) {
	if c.questions == nil {
		return nil, ErrNoQuestionIndex
	}
	q.Normalize()
	matches, err := c.questions.Search(ctx, q.Query, q.Offset+q.Limit, &keyword.SearchOptions{FuzzyEnabled: q.Fuzzy})
	if err != nil {
		return nil, err
	}

	list := &models.EntryList{Total: len(matches), Entries: []*models.CacheEntry{}}
	if len(matches) == 0 {
		list.Suggestion = c.questions.Suggest(q.Query)
		return list, nil
	}
	if q.Offset >= len(matches) {
		return list, nil
	}
	for _, m := range matches[q.Offset:] {
		if e, ok := c.Entry(m.Position); ok {
			list.Entries = append(list.Entries, e)
		}
	}
	return list, nil
}

// Close releases the index, store and question index. The embedder and provider
// belong to the caller.
func (c *SemanticCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if err := c.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close vector index: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if c.questions != nil {
		if err := c.questions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close question index: %w", err))
		}
	}
	return errors.Join(errs...)
}
