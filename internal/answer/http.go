package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// ErrMissingAPIKey is returned without any network call when no key is configured.
var ErrMissingAPIKey = errors.New("answer provider api key is not configured")

const maxResponseBytes = 8 << 20

// BreakerConfig configures the circuit breaker in front of the live endpoint.
type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures opens the circuit.
	ConsecutiveFailures uint32
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
}

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	URL        string
	APIKey     string
	AuthScheme string
	Timeout    time.Duration
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	Breaker   BreakerConfig
}

// HTTPProvider posts questions to a live answer endpoint.
type HTTPProvider struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPProvider builds a provider. client and logger may be nil.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client, logger *zap.Logger) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("generator url is required")
	}
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	p := &HTTPProvider{
		cfg:    cfg,
		client: client,
		logger: utils.OrNop(logger),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.Breaker.Enabled {
		p.breaker = newBreaker(cfg.Breaker, p.logger)
	}
	return p, nil
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "answer-provider",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// only outages count against the circuit; a rejected key or bad payload does not
		IsSuccessful: func(err error) bool {
			return err == nil || !cacheerr.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Generate posts {"query": question} and returns the parsed answer.
func (p *HTTPProvider) Generate(ctx context.Context, question string) (*models.Answer, error) {
	if p.cfg.APIKey == "" {
		return nil, &cacheerr.GenerationError{Err: ErrMissingAPIKey}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &cacheerr.GenerationError{
				Err:       fmt.Errorf("rate limit wait: %w", err),
				Transient: !errors.Is(err, context.Canceled),
			}
		}
	}
	if p.breaker == nil {
		return p.call(ctx, question)
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.call(ctx, question)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &cacheerr.GenerationError{Err: err, Transient: true}
		}
		return nil, err
	}
	return out.(*models.Answer), nil
}

func (p *HTTPProvider) call(ctx context.Context, question string) (*models.Answer, error) {
	body, err := json.Marshal(map[string]string{"query": question})
	if err != nil {
		return nil, &cacheerr.GenerationError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &cacheerr.GenerationError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", p.cfg.AuthScheme+" "+p.cfg.APIKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, cacheerr.NewGenerationError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, cacheerr.NewGenerationError(fmt.Errorf("read response: %w", err))
	}
	p.logger.Debug("answer provider call",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("question", utils.Truncate(question, 80)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &cacheerr.GenerationError{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("answer endpoint returned %s: %s", resp.Status, utils.Truncate(utils.OneLine(string(data)), 200)),
		}
	}

	ans, err := ParsePayload(data)
	if err != nil {
		return nil, &cacheerr.GenerationError{StatusCode: resp.StatusCode, Err: err}
	}
	return ans, nil
}
