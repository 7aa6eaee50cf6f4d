package models

import (
	"fmt"
	"strings"
)

// AskRequest is the body of POST /api/v1/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// Validate trims the question and rejects empty input.
func (q *AskRequest) Validate() error {
	q.Question = strings.TrimSpace(q.Question)
	if q.Question == "" {
		return fmt.Errorf("question cannot be empty")
	}
	return nil
}

// AskResponse is the answer to one ask call. Distance is the squared L2 distance to the
// nearest stored entry at probe time, or -1 when the cache was empty.
type AskResponse struct {
	RequestID    string  `json:"request_id,omitempty"`
	ResponseText string  `json:"response_text"`
	Hit          bool    `json:"hit"`
	Coalesced    bool    `json:"coalesced,omitempty"`
	Position     int     `json:"position"`
	Distance     float64 `json:"distance"`
	Persisted    bool    `json:"persisted"`
	Warning      string  `json:"warning,omitempty"`
}

// EntryListQuery selects cached entries for listing; Query filters by question text.
type EntryListQuery struct {
	Query  string
	Limit  int
	Offset int
	Fuzzy  bool
}

// Normalize applies listing defaults and bounds.
func (q *EntryListQuery) Normalize() {
	q.Query = strings.TrimSpace(q.Query)
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// EntryList is the body of GET /api/v1/entries.
type EntryList struct {
	Total   int           `json:"total"`
	Entries []*CacheEntry `json:"entries"`

	// Suggestion is a spelling-corrected query offered when a text search finds nothing.
	Suggestion string `json:"suggestion,omitempty"`
}
