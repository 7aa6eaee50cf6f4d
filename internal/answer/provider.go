// Package answer obtains answers for questions the cache has not seen.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperjump/kioku/internal/models"
)

// Provider generates an answer for a question. It may be slow and may fail;
// failures are returned as *cacheerr.GenerationError.
type Provider interface {
	Generate(ctx context.Context, question string) (*models.Answer, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, question string) (*models.Answer, error)

// Generate calls f.
func (f ProviderFunc) Generate(ctx context.Context, question string) (*models.Answer, error) {
	return f(ctx, question)
}

// ErrMalformedPayload means the response was not a JSON object with a non-empty response_text.
var ErrMalformedPayload = errors.New("malformed answer payload")

// ParsePayload validates a provider response body and extracts response_text.
// The full body is kept as the payload.
func ParsePayload(body []byte) (*models.Answer, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	raw, ok := fields["response_text"]
	if !ok {
		return nil, fmt.Errorf("%w: missing response_text", ErrMalformedPayload)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("%w: response_text is not a string", ErrMalformedPayload)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty response_text", ErrMalformedPayload)
	}
	payload := make(json.RawMessage, len(body))
	copy(payload, body)
	return &models.Answer{Payload: payload, ResponseText: text}, nil
}
