package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/search"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/temporal"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var (
	searchTopK        int
	searchType        string
	searchKeywordOnly bool
	searchVectorOnly  bool
	searchFusion      string
	searchNoTrack     bool
	searchWhen        string
	searchSince       string
	searchUntil       string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid keyword and vector search",
	Long: `Search active memories. Keyword and vector retrieval run concurrently and
are fused by weighted score or reciprocal rank fusion. Without a vector
database the search is keyword only. Each hit counts as a retrieval for
access boost unless --no-track is given.

--when takes a relative time expression such as 昨天 or 最近7天 and keeps
only memories created in that period. --since and --until bound the
creation date directly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", search.DefaultTopK, "Maximum number of results")
	searchCmd.Flags().StringVarP(&searchType, "type", "t", "", "Restrict to a memory type")
	searchCmd.Flags().BoolVar(&searchKeywordOnly, "keyword-only", false, "Skip vector retrieval")
	searchCmd.Flags().BoolVar(&searchVectorOnly, "vector-only", false, "Skip keyword retrieval")
	searchCmd.Flags().StringVar(&searchFusion, "fusion", "", "Fusion method: weighted or rrf (default from config)")
	searchCmd.Flags().BoolVar(&searchNoTrack, "no-track", false, "Do not record the retrieval")
	searchCmd.Flags().StringVar(&searchWhen, "when", "", "Relative time expression bounding creation time (e.g. 上周)")
	searchCmd.Flags().StringVar(&searchSince, "since", "", "Earliest creation date (YYYY-MM-DD or RFC3339)")
	searchCmd.Flags().StringVar(&searchUntil, "until", "", "Latest creation date (YYYY-MM-DD or RFC3339)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchKeywordOnly && searchVectorOnly {
		return fmt.Errorf("--keyword-only and --vector-only are mutually exclusive")
	}
	var memType types.MemoryType
	if searchType != "" {
		t, err := types.ParseMemoryType(searchType)
		if err != nil {
			return err
		}
		memType = t
	}
	query := strings.Join(args, " ")

	since, err := parseTimeFlag("since", searchSince, false)
	if err != nil {
		return err
	}
	until, err := parseTimeFlag("until", searchUntil, true)
	if err != nil {
		return err
	}
	if searchWhen != "" {
		if searchSince != "" || searchUntil != "" {
			return fmt.Errorf("--when cannot be combined with --since or --until")
		}
		r, ok := temporal.Parse(searchWhen, time.Now())
		if !ok {
			return fmt.Errorf("no time expression in --when %q", searchWhen)
		}
		since, until = r.Start, r.End
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		fusion := search.Fusion(a.cfg.Search.Fusion)
		if searchFusion != "" {
			fusion = search.Fusion(searchFusion)
		}
		if fusion != search.FusionWeighted && fusion != search.FusionRRF {
			return fmt.Errorf("unknown fusion %q", fusion)
		}

		kw, release, err := a.keywordIndex(ctx)
		if err != nil {
			return err
		}
		defer release()

		results, err := a.hybrid(kw).Search(ctx, query, search.SearchRequest{
			TopK:       searchTopK,
			UseKeyword: !searchVectorOnly,
			UseVector:  !searchKeywordOnly && a.caps.VectorSearch,
			MemoryType: memType,
			Fusion:     fusion,
			Since:      since,
			Until:      until,
		})
		if err != nil {
			return err
		}

		if !searchNoTrack {
			ids := make([]string, len(results))
			for i, r := range results {
				ids[i] = r.ID
			}
			a.recordAccess(ctx, ids)
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), results)
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No results.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tSOURCE\tID\tCONTENT")
		for _, r := range results {
			fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", r.Score, r.Source, r.ID, vector.Truncate(r.Content, 60))
		}
		return w.Flush()
	})
}
