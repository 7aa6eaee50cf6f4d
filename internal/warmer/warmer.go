// Package warmer pre-populates the semantic cache from a file of questions.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Asker is the part of the semantic cache the warmer drives.
type Asker interface {
	Ask(ctx context.Context, question string) (*cache.Result, error)
}

// Config controls retries of transient failures.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns three retries starting at 500ms.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Failure is a question that could not be answered.
type Failure struct {
	Question string `json:"question"`
	Error    string `json:"error"`
}

// Report summarises a warm-up run.
type Report struct {
	Asked       int       `json:"asked"`
	Hits        int       `json:"hits"`
	Misses      int       `json:"misses"`
	Failed      int       `json:"failed"`
	Unpersisted int       `json:"unpersisted"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Warmer asks questions through the cache one at a time, in file order.
type Warmer struct {
	asker     Asker
	extractor *extract.Extractor
	cfg       Config
	logger    *zap.Logger
}

// New creates a Warmer. Zero intervals take DefaultConfig values; MaxRetries 0 disables retries.
func New(asker Asker, cfg Config, logger *zap.Logger) *Warmer {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &Warmer{
		asker:     asker,
		extractor: extract.NewExtractor(),
		cfg:       cfg,
		logger:    utils.OrNop(logger),
	}
}

// ParseQuestions returns one question per non-empty line. Lines starting with '#'
// are comments; for tab-separated rows only the first cell is used.
func ParseQuestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// WarmFile extracts questions from the file at path and warms the cache with them.
func (w *Warmer) WarmFile(ctx context.Context, path string) (*Report, error) {
	text, err := w.extractor.Extract(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	questions := ParseQuestions(text)
	w.logger.Info("warming cache", zap.String("file", path), zap.Int("questions", len(questions)))
	return w.Warm(ctx, questions)
}

// Warm asks every question. Individual failures are recorded in the report; only
// cancellation of ctx stops the run early, returning the partial report and ctx's error.
func (w *Warmer) Warm(ctx context.Context, questions []string) (*Report, error) {
	report := &Report{}
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := w.ask(ctx, q)
		report.Asked++
		switch {
		case res != nil:
			if res.Hit {
				report.Hits++
			} else {
				report.Misses++
			}
			if !res.Persisted {
				report.Unpersisted++
			}
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			report.Failed++
			report.Failures = append(report.Failures, Failure{Question: q, Error: err.Error()})
			w.logger.Warn("warm-up question failed",
				zap.String("question", utils.Truncate(q, 80)),
				zap.Error(err))
		}
	}
	w.logger.Info("warm-up finished",
		zap.Int("asked", report.Asked),
		zap.Int("hits", report.Hits),
		zap.Int("misses", report.Misses),
		zap.Int("failed", report.Failed),
		zap.Int("unpersisted", report.Unpersisted))
	return report, nil
}

func (w *Warmer) ask(ctx context.Context, question string) (*cache.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	b.MaxElapsedTime = 0

	var res *cache.Result
	operation := func() error {
		r, err := w.asker.Ask(ctx, question)
		if r != nil && (err == nil || errors.Is(err, cacheerr.ErrPersistenceFailure)) {
			// committed in memory; retrying would only produce a hit
			res = r
			return nil
		}
		if err == nil {
			return nil
		}
		if !cacheerr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Debug("retrying question",
			zap.String("question", utils.Truncate(question, 80)),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return res, nil
}
