// Package cli provides output formatting for the kioku command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/warmer"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat selects text or JSON output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text", "json" or "" (text).
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteAnswer writes one ask result.
func WriteAnswer(w io.Writer, resp *models.AskResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintln(w, resp.ResponseText)
	fmt.Fprintln(w)
	source := "miss"
	switch {
	case resp.Coalesced:
		source = "hit (coalesced)"
	case resp.Hit:
		source = "hit"
	}
	if resp.Distance < 0 {
		fmt.Fprintf(w, "[%s] position %d, cache was empty\n", source, resp.Position)
	} else {
		fmt.Fprintf(w, "[%s] position %d, distance %.4f\n", source, resp.Position, resp.Distance)
	}
	if resp.Warning != "" {
		fmt.Fprintf(w, "warning: %s\n", resp.Warning)
	}
	return nil
}

// WriteStats writes cache status.
func WriteStats(w io.Writer, stats *models.CacheStats, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintln(w, "# cache")
	fmt.Fprintf(w, "entries:              %d\n", stats.Entries)
	fmt.Fprintf(w, "index_size:           %d\n", stats.IndexSize)
	fmt.Fprintf(w, "hits:                 %d\n", stats.Hits)
	fmt.Fprintf(w, "misses:               %d\n", stats.Misses)
	fmt.Fprintf(w, "coalesced:            %d\n", stats.Coalesced)
	fmt.Fprintf(w, "in_flight:            %d\n", stats.InFlight)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "euclidean_threshold:  %g\n", stats.Threshold)
	fmt.Fprintf(w, "embedding_dim:        %d\n", stats.Dimensions)
	fmt.Fprintf(w, "index_type:           %s\n", stats.IndexType)
	fmt.Fprintf(w, "store_path:           %s\n", stats.StorePath)
	if stats.StoreBytes > 0 {
		fmt.Fprintf(w, "store_size:           %s\n", FormatBytes(stats.StoreBytes))
	}
	return nil
}

// WriteEntries writes a page of cache entries.
func WriteEntries(w io.Writer, list *models.EntryList, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, list)
	}
	if len(list.Entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		if list.Suggestion != "" {
			fmt.Fprintf(w, "Did you mean: %s\n", list.Suggestion)
		}
		return nil
	}
	fmt.Fprintf(w, "Showing %d of %d entries\n\n", len(list.Entries), list.Total)
	for _, e := range list.Entries {
		fmt.Fprintf(w, "[%d] %s\n", e.Position, utils.OneLine(e.Question))
		fmt.Fprintf(w, "    %s\n", utils.Truncate(utils.OneLine(e.ResponseText), 120))
	}
	return nil
}

// WriteEntry writes one cache entry in full.
func WriteEntry(w io.Writer, entry *models.CacheEntry, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, entry)
	}
	fmt.Fprintf(w, "position: %d\n", entry.Position)
	if !entry.CreatedAt.IsZero() {
		fmt.Fprintf(w, "created:  %s\n", entry.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "question: %s\n\n", entry.Question)
	fmt.Fprintln(w, entry.ResponseText)
	return nil
}

// WriteWarmReport writes a warm-up summary followed by any failures.
func WriteWarmReport(w io.Writer, report *warmer.Report, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "asked %d: %d hits, %d misses, %d failed, %d not persisted\n",
		report.Asked, report.Hits, report.Misses, report.Failed, report.Unpersisted)
	for _, f := range report.Failures {
		fmt.Fprintf(w, "  failed: %s (%s)\n", utils.Truncate(f.Question, 80), f.Error)
	}
	return nil
}

// FormatBytes renders n using binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
