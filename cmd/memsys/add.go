package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var (
	addType       string
	addImportance float64
	addConfidence float64
	addEntities   []string
	addSource     string
	addTTLDays    int
	addSession    string
)

var addCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Ingest a memory",
	Long: `Run content through the noise filter and the memory operator, then store
it. The result reports ADD, UPDATE (an older memory was superseded) or NOOP
(noise, duplicate, or an older memory was kept).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)

	addCmd.Flags().StringVarP(&addType, "type", "t", string(types.TypeFact), "Memory type (fact, belief, summary)")
	addCmd.Flags().Float64VarP(&addImportance, "importance", "i", -1, "Importance in [0,1] (default 0.5)")
	addCmd.Flags().Float64Var(&addConfidence, "confidence", -1, "Confidence in [0,1] (default 0.5)")
	addCmd.Flags().StringSliceVarP(&addEntities, "entities", "e", nil, "Comma-separated entities")
	addCmd.Flags().StringVar(&addSource, "source", "", "Ownership: user, assistant or third_party")
	addCmd.Flags().IntVar(&addTTLDays, "ttl-days", 0, "Delete automatically after this many days")
	addCmd.Flags().StringVar(&addSession, "session-state", "", "Conversation state, e.g. idle")
}

func runAdd(cmd *cobra.Command, args []string) error {
	memType, err := types.ParseMemoryType(addType)
	if err != nil {
		return err
	}
	c := engine.Candidate{
		Content:  strings.Join(args, " "),
		Type:     memType,
		Entities: addEntities,
	}
	if addImportance >= 0 {
		c.Importance = &addImportance
	}
	if addConfidence >= 0 {
		c.Confidence = &addConfidence
	}
	if addSource != "" {
		c.Metadata = map[string]interface{}{"ownership": addSource}
	}
	if addTTLDays > 0 {
		c.TTLDays = &addTTLDays
	}
	var fc *engine.FilterContext
	if addSession != "" {
		fc = &engine.FilterContext{SessionState: addSession}
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		kw, release, err := a.keywordIndex(ctx)
		if err != nil {
			return err
		}
		defer release()

		p, err := a.pipeline(kw)
		if err != nil {
			return err
		}
		res, err := p.Ingest(ctx, c, fc)
		if err != nil {
			return err
		}
		if a.scaled != nil {
			if err := a.scaled.WaitIndexed(ctx); err != nil {
				return err
			}
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		switch {
		case res.Noise:
			fmt.Fprintln(out, "NOOP (noise)")
		case res.Duplicate:
			fmt.Fprintln(out, "NOOP (duplicate)")
		case res.Op == engine.OpNoop:
			fmt.Fprintf(out, "NOOP (kept %s: %s)\n", res.Target, res.Reason)
		case res.Op == engine.OpUpdate:
			fmt.Fprintf(out, "UPDATE %s supersedes %s (%s)\n", res.ID, res.Target, res.Reason)
		default:
			fmt.Fprintf(out, "ADD %s\n", res.ID)
		}
		for _, id := range res.Downgraded {
			fmt.Fprintf(out, "downgraded %s\n", id)
		}
		return nil
	})
}
