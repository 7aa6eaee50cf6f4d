package answer

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/hyperjump/kioku/internal/models"
)

// MockProvider answers every question deterministically without network access.
type MockProvider struct {
	calls atomic.Int64
}

// NewMockProvider returns a MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Generate returns {"response_text": "Mock answer: <question>", ...}.
func (m *MockProvider) Generate(ctx context.Context, question string) (*models.Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	body, err := json.Marshal(map[string]string{
		"response_text": "Mock answer: " + question,
		"query":         question,
		"source":        "mock",
	})
	if err != nil {
		return nil, err
	}
	return ParsePayload(body)
}

// Calls returns how many times Generate ran.
func (m *MockProvider) Calls() int64 {
	return m.calls.Load()
}
