package cache

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hyperjump/kioku/internal/answer"
	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

func TestMain(m *testing.M) {
	// bleve starts its analysis workers when the package is initialised
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/blevesearch/bleve_index_api.AnalysisWorker"))
}

const testDims = 4

const (
	qFrance      = "What is the capital of France?"
	qFranceAlt   = "What's the capital city of France?"
	qAppleCEO    = "Who is the CEO of Apple?"
	qFacebookCEO = "Who is the CEO of Facebook?"
)

// tableEmbedder maps known questions to fixed vectors.
type tableEmbedder struct {
	vecs  map[string][]float32
	dims  int
	calls atomic.Int64
}

func newTableEmbedder() *tableEmbedder {
	return &tableEmbedder{
		dims: testDims,
		vecs: map[string][]float32{
			qFrance:      {1, 0, 0, 0},
			qFranceAlt:   {0.9, 0.1, 0, 0},
			qAppleCEO:    {0, 1, 0, 0},
			qFacebookCEO: {0, 0.8, 0.6, 0},
			"origin":     {0, 0, 0, 0},
			"edge":       {0.5, 0, 0, 0},
			"beyond":     {0.75, 0, 0, 0},
			"short":      {1, 0, 0},
			"nan":        {float32(math.NaN()), 0, 0, 0},
		},
	}
}

func (e *tableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.calls.Add(1)
	v, ok := e.vecs[text]
	if !ok {
		return nil, errors.New("no vector for " + text)
	}
	return append([]float32(nil), v...), nil
}

func (e *tableEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *tableEmbedder) Dimensions() int { return e.dims }
func (e *tableEmbedder) Close() error    { return nil }

// fakeQuestions records added questions and matches by exact text.
type fakeQuestions struct {
	mu    sync.Mutex
	added map[int]string
}

func newFakeQuestions() *fakeQuestions {
	return &fakeQuestions{added: map[int]string{}}
}

func (f *fakeQuestions) Add(_ context.Context, position int, question string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[position] = question
	return nil
}

func (f *fakeQuestions) Search(_ context.Context, q string, limit int, _ *keyword.SearchOptions) ([]*keyword.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*keyword.Match
	for pos := 0; pos < len(f.added) && len(out) < limit; pos++ {
		if f.added[pos] == q {
			out = append(out, &keyword.Match{Position: pos, Score: 1})
		}
	}
	return out, nil
}

func (f *fakeQuestions) Suggest(q string) string {
	if q == "capitol" {
		return "capital"
	}
	return ""
}

func (f *fakeQuestions) Count() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.added)), nil
}

func (f *fakeQuestions) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = map[int]string{}
	return nil
}

func (f *fakeQuestions) Close() error { return nil }

func newTestCache(t *testing.T, path string, provider answer.Provider, opts ...Option) *SemanticCache {
	t.Helper()
	idx, err := vector.NewMemoryIndex(testDims)
	require.NoError(t, err)
	c, err := New(newTableEmbedder(), provider, idx, storage.NewJSONStore(path, testDims), opts...)
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAsk_Scenarios(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")
	provider := answer.NewMockProvider()
	c := newTestCache(t, path, provider)

	// empty cache: miss
	first, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.False(t, first.Hit)
	assert.Equal(t, -1.0, first.Distance)
	assert.Equal(t, 0, first.Position)
	assert.True(t, first.Persisted)
	assert.Equal(t, int64(1), provider.Calls())
	assert.Equal(t, 1, c.Stats().Entries)

	// same question: hit, no provider call
	again, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.True(t, again.Hit)
	assert.Equal(t, 0.0, again.Distance)
	assert.Equal(t, first.ResponseText, again.ResponseText)
	assert.Equal(t, int64(1), provider.Calls())
	assert.Equal(t, 1, c.Stats().Entries)

	// unrelated question: miss
	apple, err := c.Ask(ctx, qAppleCEO)
	require.NoError(t, err)
	assert.False(t, apple.Hit)
	assert.Greater(t, apple.Distance, c.Threshold())
	assert.Equal(t, 1, apple.Position)
	assert.Equal(t, 2, c.Stats().Entries)

	// decided by measured distance only
	fb, err := c.Ask(ctx, qFacebookCEO)
	require.NoError(t, err)
	measured := vector.SquaredL2([]float32{0, 0.8, 0.6, 0}, []float32{0, 1, 0, 0})
	assert.InDelta(t, measured, fb.Distance, 1e-9)
	assert.Equal(t, measured <= c.Threshold(), fb.Hit)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, stats.Entries, stats.IndexSize)
	assert.Equal(t, 0, stats.InFlight)

	// restart from durable state
	require.NoError(t, c.Close())
	restartedProvider := answer.NewMockProvider()
	restarted := newTestCache(t, path, restartedProvider)
	assert.Equal(t, stats.Entries, restarted.Stats().Entries)
	assert.Equal(t, stats.Entries, restarted.Stats().IndexSize)

	reasked, err := restarted.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.True(t, reasked.Hit)
	assert.Equal(t, first.ResponseText, reasked.ResponseText)
	assert.Equal(t, int64(0), restartedProvider.Calls())
}

func TestAsk_NearDuplicateHits(t *testing.T) {
	ctx := context.Background()
	provider := answer.NewMockProvider()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	_, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	res, err := c.Ask(ctx, qFranceAlt)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.InDelta(t, 0.02, res.Distance, 1e-6)
	assert.Equal(t, "Mock answer: "+qFrance, res.ResponseText)
	assert.Equal(t, int64(1), provider.Calls())
}

func TestAsk_ThresholdBoundaryIsHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider(), WithThreshold(0.25))

	_, err := c.Ask(ctx, "origin")
	require.NoError(t, err)

	edge, err := c.Ask(ctx, "edge")
	require.NoError(t, err)
	assert.Equal(t, 0.25, edge.Distance)
	assert.True(t, edge.Hit, "distance equal to threshold is a hit")

	beyond, err := c.Ask(ctx, "beyond")
	require.NoError(t, err)
	assert.False(t, beyond.Hit)
}

func TestAsk_QuestionStoredVerbatim(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider())

	_, err := c.Ask(ctx, qAppleCEO)
	require.NoError(t, err)
	e, ok := c.Entry(0)
	require.True(t, ok)
	assert.Equal(t, qAppleCEO, e.Question)
	assert.Equal(t, "Mock answer: "+qAppleCEO, e.ResponseText)
	assert.JSONEq(t, `{"response_text":"Mock answer: `+qAppleCEO+`","query":"`+qAppleCEO+`","source":"mock"}`, string(e.Answer))
	assert.Equal(t, []float32{0, 1, 0, 0}, e.Embedding)

	// returned entries are copies
	e.Embedding[0] = 42
	again, _ := c.Entry(0)
	assert.Equal(t, float32(0), again.Embedding[0])
}

func TestAsk_EmptyQuestion(t *testing.T) {
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider())
	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := c.Ask(context.Background(), q)
		assert.ErrorIs(t, err, cacheerr.ErrEmbeddingFailure)
		assert.ErrorIs(t, err, ErrEmptyQuestion)
	}
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestAsk_EmbeddingFailure(t *testing.T) {
	provider := answer.NewMockProvider()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	_, err := c.Ask(context.Background(), "unknown question")
	assert.ErrorIs(t, err, cacheerr.ErrEmbeddingFailure)
	assert.Equal(t, int64(0), provider.Calls())
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestAsk_DimensionMismatch(t *testing.T) {
	provider := answer.NewMockProvider()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	_, err := c.Ask(context.Background(), "short")
	var dimErr *cacheerr.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Got)
	assert.Equal(t, testDims, dimErr.Want)
	assert.Equal(t, int64(0), provider.Calls())
	assert.Equal(t, 0, c.Stats().IndexSize)
}

func TestAsk_NonFiniteEmbeddingIsRejected(t *testing.T) {
	ctx := context.Background()
	provider := answer.NewMockProvider()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	_, err := c.Ask(ctx, "nan")
	assert.ErrorIs(t, err, cacheerr.ErrEmbeddingFailure)
	assert.Equal(t, int64(0), provider.Calls())
	assert.Equal(t, 0, c.Stats().IndexSize)

	first, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.False(t, first.Hit)
	second, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.True(t, second.Hit)
	assert.Equal(t, 0.0, second.Distance)
}

func TestAsk_GenerationFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")
	fail := true
	provider := answer.ProviderFunc(func(ctx context.Context, q string) (*models.Answer, error) {
		if fail {
			return nil, errors.New("upstream exploded")
		}
		return answer.ParsePayload([]byte(`{"response_text":"ok"}`))
	})
	c := newTestCache(t, path, provider)

	_, err := c.Ask(ctx, qFrance)
	assert.ErrorIs(t, err, cacheerr.ErrGenerationFailure)
	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 0, stats.IndexSize)
	assert.Equal(t, 0, stats.InFlight)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing should be written")

	fail = false
	res, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, 0, res.Position)
}

func TestAsk_MalformedAnswer(t *testing.T) {
	provider := answer.ProviderFunc(func(ctx context.Context, q string) (*models.Answer, error) {
		return &models.Answer{Payload: []byte(`{}`)}, nil
	})
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	_, err := c.Ask(context.Background(), qFrance)
	assert.ErrorIs(t, err, cacheerr.ErrGenerationFailure)
	assert.ErrorIs(t, err, answer.ErrMalformedPayload)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestAsk_GenerateTimeout(t *testing.T) {
	provider := answer.ProviderFunc(func(ctx context.Context, q string) (*models.Answer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider, WithGenerateTimeout(20*time.Millisecond))

	_, err := c.Ask(context.Background(), qFrance)
	assert.ErrorIs(t, err, cacheerr.ErrGenerationFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cacheerr.IsTransient(err))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestAsk_PersistenceFailureStillAnswers(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	idx, err := vector.NewMemoryIndex(testDims)
	require.NoError(t, err)
	provider := answer.NewMockProvider()
	c, err := New(newTableEmbedder(), provider, idx, storage.NewJSONStore(filepath.Join(blocker, "cache.json"), testDims))
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Ask(context.Background(), qFrance)
	assert.ErrorIs(t, err, cacheerr.ErrPersistenceFailure)
	require.NotNil(t, res)
	assert.False(t, res.Persisted)
	assert.Equal(t, "Mock answer: "+qFrance, res.ResponseText)

	// committed in memory
	hit, err := c.Ask(context.Background(), qFrance)
	require.NoError(t, err)
	assert.True(t, hit.Hit)
	assert.Equal(t, int64(1), provider.Calls())
	assert.Equal(t, 1, c.Stats().IndexSize)
}

func TestAsk_ConcurrentMissesCoalesce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	provider := answer.ProviderFunc(func(ctx context.Context, q string) (*models.Answer, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return answer.ParsePayload([]byte(`{"response_text":"Paris"}`))
	})
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	const n = 8
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Ask(context.Background(), qFrance)
	}()
	<-started
	assert.Equal(t, 1, c.Stats().InFlight)

	for i := 1; i < n; i++ {
		q := qFrance
		if i%2 == 0 {
			q = qFranceAlt
		}
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			results[i], errs[i] = c.Ask(context.Background(), q)
		}(i, q)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	misses := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Paris", results[i].ResponseText)
		assert.Equal(t, 0, results[i].Position)
		if !results[i].Hit {
			misses++
		}
	}
	assert.Equal(t, 1, misses)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(n-1), stats.Hits+stats.Coalesced)
	assert.Equal(t, 0, stats.InFlight)
}

func TestAsk_WaiterLeadsAfterFailedLeader(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	provider := answer.ProviderFunc(func(ctx context.Context, q string) (*models.Answer, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return nil, errors.New("first attempt fails")
		}
		return answer.ParsePayload([]byte(`{"response_text":"second"}`))
	})
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), provider)

	var wg sync.WaitGroup
	var leaderErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = c.Ask(context.Background(), qFrance)
	}()
	<-started

	var res *Result
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = c.Ask(context.Background(), qFrance)
	}()
	close(release)
	wg.Wait()

	assert.ErrorIs(t, leaderErr, cacheerr.ErrGenerationFailure)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, "second", res.ResponseText)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestAsk_DistinctConcurrentMissesStayAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := newTestCache(t, path, answer.NewMockProvider())

	questions := []string{qFrance, qAppleCEO, qFacebookCEO, "origin"}
	var wg sync.WaitGroup
	for _, q := range questions {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := c.Ask(context.Background(), q)
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, stats.Entries, stats.IndexSize)
	for pos := 0; pos < stats.Entries; pos++ {
		e, ok := c.Entry(pos)
		require.True(t, ok)
		assert.Equal(t, pos, e.Position)
		res, err := c.Ask(context.Background(), e.Question)
		require.NoError(t, err)
		assert.True(t, res.Hit)
		assert.Equal(t, pos, res.Position)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")
	provider := answer.NewMockProvider()
	questions := newFakeQuestions()
	c := newTestCache(t, path, provider, WithQuestionIndex(questions))

	_, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 0, stats.IndexSize)
	n, _ := questions.Count()
	assert.Equal(t, uint64(0), n)

	res, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, 0, res.Position)
	assert.Equal(t, int64(2), provider.Calls())
}

func TestLoad_CorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"questions":["a","b"],"embeddings":[[1,0,0,0]],"answers":[{},{}],"response_text":["x","y"]}`), 0644))

	idx, err := vector.NewMemoryIndex(testDims)
	require.NoError(t, err)
	c, err := New(newTableEmbedder(), answer.NewMockProvider(), idx, storage.NewJSONStore(path, testDims))
	require.NoError(t, err)
	defer c.Close()

	err = c.Load(context.Background())
	assert.ErrorIs(t, err, cacheerr.ErrCorruptStore)
	assert.Equal(t, 0, c.Stats().IndexSize)
}

func TestNew_Validation(t *testing.T) {
	idx, err := vector.NewMemoryIndex(8)
	require.NoError(t, err)
	store := storage.NewJSONStore(filepath.Join(t.TempDir(), "cache.json"), 8)

	_, err = New(newTableEmbedder(), answer.NewMockProvider(), idx, store)
	assert.ErrorIs(t, err, cacheerr.ErrDimensionMismatch)

	idx4, err := vector.NewMemoryIndex(testDims)
	require.NoError(t, err)
	_, err = New(newTableEmbedder(), answer.NewMockProvider(), idx4, store, WithThreshold(-1))
	assert.Error(t, err)

	_, err = New(nil, answer.NewMockProvider(), idx4, store)
	assert.Error(t, err)
}

func TestThreshold(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider(), WithThreshold(0))
	assert.Equal(t, DefaultThreshold, c.Threshold())

	assert.Error(t, c.SetThreshold(-0.1))
	assert.Equal(t, DefaultThreshold, c.Threshold())

	_, err := c.Ask(ctx, qAppleCEO)
	require.NoError(t, err)

	// facebook is 0.40 away from apple
	require.NoError(t, c.SetThreshold(0.5))
	res, err := c.Ask(ctx, qFacebookCEO)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, 0.5, c.Stats().Threshold)
}

func TestEntries_Paging(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider())
	for _, q := range []string{qFrance, qAppleCEO, "origin"} {
		_, err := c.Ask(ctx, q)
		require.NoError(t, err)
	}

	page, total := c.Entries(1, 5)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, qAppleCEO, page[0].Question)
	assert.Equal(t, "origin", page[1].Question)

	page, total = c.Entries(10, 5)
	assert.Equal(t, 3, total)
	assert.Empty(t, page)
}

func TestSearchQuestions(t *testing.T) {
	ctx := context.Background()
	questions := newFakeQuestions()
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider(), WithQuestionIndex(questions))

	_, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	_, err = c.Ask(ctx, qAppleCEO)
	require.NoError(t, err)

	list, err := c.SearchQuestions(ctx, models.EntryListQuery{Query: qAppleCEO})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, 1, list.Entries[0].Position)

	empty, err := c.SearchQuestions(ctx, models.EntryListQuery{Query: "capitol"})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, "capital", empty.Suggestion)
}

func TestLoad_RebuildsQuestionIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")
	c := newTestCache(t, path, answer.NewMockProvider())
	_, err := c.Ask(ctx, qFrance)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	questions := newFakeQuestions()
	newTestCache(t, path, answer.NewMockProvider(), WithQuestionIndex(questions))
	n, _ := questions.Count()
	assert.Equal(t, uint64(1), n)
}

func TestSearchQuestions_NoIndex(t *testing.T) {
	c := newTestCache(t, filepath.Join(t.TempDir(), "cache.json"), answer.NewMockProvider())
	_, err := c.SearchQuestions(context.Background(), models.EntryListQuery{Query: "x"})
	assert.ErrorIs(t, err, ErrNoQuestionIndex)
}
