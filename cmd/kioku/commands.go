package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/warmer"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question, from the cache when a similar one was asked before",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			question := buildQuestion(args)
			if question == "" {
				return fmt.Errorf("question cannot be empty")
			}

			var resp *models.AskResponse
			if opts.serverURL != "" {
				resp, err = opts.client().Ask(cmd.Context(), question)
				if err != nil {
					return err
				}
			} else {
				comps, _, openErr := openCache(cmd.Context(), opts)
				if openErr != nil {
					return openErr
				}
				defer closeComponents(comps)
				res, askErr := comps.Cache.Ask(cmd.Context(), question)
				if res == nil {
					return askErr
				}
				resp = toAskResponse(res, askErr)
			}
			return cli.WriteAnswer(cmd.OutOrStdout(), resp, format)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache size, hit counters and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			if opts.serverURL != "" {
				stats, statErr := opts.client().Status(cmd.Context())
				if statErr != nil {
					return statErr
				}
				return cli.WriteStats(cmd.OutOrStdout(), stats, format)
			}

			comps, cfg, err := openCache(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeComponents(comps)
			stats := comps.Cache.Stats()
			if n, sizeErr := storage.StoreSize(cfg.Cache.StoreBackend, cfg.Cache.StorePath); sizeErr == nil {
				stats.StoreBytes = n
			}
			return cli.WriteStats(cmd.OutOrStdout(), &stats, format)
		},
	}
}

func newEntriesCmd(opts *rootOptions) *cobra.Command {
	var q models.EntryListQuery
	cmd := &cobra.Command{
		Use:   "entries [position]",
		Short: "List cached entries, search them by question text, or show one entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				pos, convErr := strconv.Atoi(args[0])
				if convErr != nil || pos < 0 {
					return fmt.Errorf("position must be a non-negative integer, got %q", args[0])
				}
				return showEntry(cmd, opts, pos, format)
			}
			q.Normalize()

			var list *models.EntryList
			if opts.serverURL != "" {
				list, err = opts.client().Entries(cmd.Context(), q)
				if err != nil {
					return err
				}
			} else {
				comps, _, openErr := openCache(cmd.Context(), opts)
				if openErr != nil {
					return openErr
				}
				defer closeComponents(comps)
				if q.Query == "" {
					entries, total := comps.Cache.Entries(q.Offset, q.Limit)
					list = &models.EntryList{Total: total, Entries: entries}
				} else if list, err = comps.Cache.SearchQuestions(cmd.Context(), q); err != nil {
					return err
				}
			}
			return cli.WriteEntries(cmd.OutOrStdout(), list, format)
		},
	}
	cmd.Flags().StringVarP(&q.Query, "query", "q", "", "only entries whose question matches this text")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "maximum entries to show (max 100)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "skip this many entries")
	cmd.Flags().BoolVar(&q.Fuzzy, "fuzzy", false, "tolerate typos in --query")
	return cmd
}

func showEntry(cmd *cobra.Command, opts *rootOptions, pos int, format cli.OutputFormat) error {
	if opts.serverURL != "" {
		entry, err := opts.client().Entry(cmd.Context(), pos)
		if err != nil {
			return err
		}
		return cli.WriteEntry(cmd.OutOrStdout(), entry, format)
	}
	comps, _, err := openCache(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer closeComponents(comps)
	entry, ok := comps.Cache.Entry(pos)
	if !ok {
		return fmt.Errorf("no entry at position %d (cache holds %d)", pos, comps.Cache.Stats().Entries)
	}
	return cli.WriteEntry(cmd.OutOrStdout(), entry, format)
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if opts.serverURL != "" {
				resp, err := opts.client().Clear(cmd.Context())
				if err != nil {
					return err
				}
				if !resp.Persisted {
					fmt.Fprintf(out, "Cache cleared in memory only: %s\n", resp.Warning)
					return nil
				}
				fmt.Fprintln(out, "Cache cleared.")
				return nil
			}

			comps, _, err := openCache(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeComponents(comps)
			if err := comps.Cache.Clear(cmd.Context()); err != nil {
				if errors.Is(err, cacheerr.ErrPersistenceFailure) {
					return fmt.Errorf("cache cleared in memory but not on disk: %w", err)
				}
				return err
			}
			fmt.Fprintln(out, "Cache cleared.")
			return nil
		},
	}
}

func newWarmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "warm <file>",
		Short: "Pre-populate the cache with the questions in a file (one per line)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			path := args[0]

			var report *warmer.Report
			if opts.serverURL != "" {
				text, extractErr := extract.NewExtractor().Extract(path)
				if extractErr != nil {
					return fmt.Errorf("extract %s: %w", path, extractErr)
				}
				questions := warmer.ParseQuestions(text)
				if len(questions) == 0 {
					return fmt.Errorf("no questions found in %s", path)
				}
				report, err = opts.client().Warm(cmd.Context(), questions)
			} else {
				comps, cfg, openErr := openCache(cmd.Context(), opts)
				if openErr != nil {
					return openErr
				}
				defer closeComponents(comps)
				report, err = warmer.New(comps.Cache, warmConfig(cfg), nil).WarmFile(cmd.Context(), path)
			}
			if report != nil {
				if writeErr := cli.WriteWarmReport(cmd.OutOrStdout(), report, format); writeErr != nil {
					return writeErr
				}
			}
			return err
		},
	}
}
