package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/temporal"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var (
	timelineLimit  int
	timelineType   string
	evolutionAttr  string
	evolutionAt    string
	evidenceAnswer bool
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <expression>",
	Short: "List memories created in the period a time expression names",
	Long: `Resolve a relative time expression (今天, 昨天, 前天, 上周, 本周, 上个月,
本月, 去年, 3天前, 两周前, 最近7天, ...) to a range of whole days and list the
active memories created in it, newest first. Each hit carries its score
discounted by age.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTimeline,
}

var evolutionCmd = &cobra.Command{
	Use:   "evolution <entity>",
	Short: "Show how facts about an entity changed over time",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvolution,
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence <id>",
	Short: "Show the provenance of a memory and of every version it replaced",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvidence,
}

func init() {
	rootCmd.AddCommand(timelineCmd, evolutionCmd, evidenceCmd)

	timelineCmd.Flags().IntVarP(&timelineLimit, "limit", "n", temporal.DefaultLimit, "Maximum number of memories")
	timelineCmd.Flags().StringVarP(&timelineType, "type", "t", "", "Restrict to a memory type")
	evolutionCmd.Flags().StringVar(&evolutionAttr, "attr", "", "Only versions whose content contains this text")
	evolutionCmd.Flags().StringVar(&evolutionAt, "at", "", "Show only the version valid at this date (YYYY-MM-DD or RFC3339)")
	evidenceCmd.Flags().BoolVar(&evidenceAnswer, "answer", false, "Print as answer, evidence_ids and confidence")
}

// parseTimeFlag accepts a date or an RFC3339 timestamp. A bare date means
// the start of that day, or its end when endOfDay is set.
func parseTimeFlag(name, v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD or RFC3339", name, v)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func runTimeline(cmd *cobra.Command, args []string) error {
	var memType types.MemoryType
	if timelineType != "" {
		t, err := types.ParseMemoryType(timelineType)
		if err != nil {
			return err
		}
		memType = t
	}
	expr := strings.Join(args, " ")
	r, ok := temporal.Parse(expr, time.Now())
	if !ok {
		return fmt.Errorf("no time expression in %q", expr)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		te := temporal.NewEngine(a.store, temporal.Options{Logger: a.logger})
		hits, err := te.SearchByTimeRange(ctx, r, memType, timelineLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), temporal.Result{HasTemporal: true, Range: &r, Hits: hits, Count: len(hits)})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s .. %s\n", r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
		if len(hits) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No memories.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tSCORE\tDECAYED\tID\tCONTENT")
		for _, h := range hits {
			fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%s\t%s\n", h.Memory.CreatedAt.Format(time.DateTime), h.Score, h.DecayedScore,
				h.Memory.ID, vector.Truncate(h.Memory.Content, 60))
		}
		return w.Flush()
	})
}

func runEvolution(cmd *cobra.Command, args []string) error {
	at, err := parseTimeFlag("at", evolutionAt, true)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		fe := engine.NewFactEvolution(a.store, a.logger)
		if !at.IsZero() {
			e, err := fe.ValueAt(ctx, args[0], evolutionAttr, at)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), e)
			}
			if e == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing known about %s at %s\n", args[0], at.Format(time.DateOnly))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, since %s)\n", e.Content, e.MemoryID, e.ValidFrom.Format(time.DateOnly))
			return nil
		}

		entries, err := fe.Evolution(ctx, args[0], evolutionAttr)
		if err != nil {
			return err
		}
		if flagJSON {
			if entries == nil {
				entries = []engine.EvolutionEntry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}
		fmt.Fprint(cmd.OutOrStdout(), engine.SummarizeEvolution(args[0], entries))
		return nil
	})
}

func runEvidence(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		chain, err := engine.EvidenceChain(ctx, a.store, args[0])
		if err != nil {
			return err
		}
		if evidenceAnswer {
			return printJSON(cmd.OutOrStdout(), engine.AnswerFromChain(chain))
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), chain)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tOWNER\tSESSION\tCONTENT")
		for _, e := range chain {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.MemoryID, e.Timestamp.Format(time.DateTime), e.Ownership, e.SessionID,
				vector.Truncate(e.Content, 60))
		}
		return w.Flush()
	})
}
