package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/config"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var (
	topLimit      int
	migrateVerify int
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "List active memories ranked by importance, confidence and access boost",
	Args:  cobra.NoArgs,
	RunE:  runTop,
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply one decay step to every active memory",
	Long: `Multiply each active memory's score by one step of its type's decay rate.
Memories accessed within the last day are untouched and recently accessed
ones decay more slowly. Scores that fall below the archive threshold are
archived.`,
	Args: cobra.NoArgs,
	RunE: runDecay,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete memories whose TTL has expired",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Back up the single-file store and move it into shards",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage, cache and indexer statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(getCmd, topCmd, decayCmd, cleanupCmd, migrateCmd, statsCmd)

	topCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "Number of memories to list")
	migrateCmd.Flags().IntVar(&migrateVerify, "verify", 100, "Sample size for post-migration verification (0 to skip)")
}

func runGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, err := a.store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), m)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", m.ID)
		fmt.Fprintf(w, "Type:\t%s\n", m.Type)
		fmt.Fprintf(w, "State:\t%s\n", stateName(m))
		fmt.Fprintf(w, "Content:\t%s\n", m.Content)
		fmt.Fprintf(w, "Importance:\t%.2f\n", m.Importance)
		fmt.Fprintf(w, "Confidence:\t%.2f\n", m.Confidence)
		fmt.Fprintf(w, "Score:\t%.4f\n", m.Score)
		if len(m.Entities) > 0 {
			fmt.Fprintf(w, "Entities:\t%s\n", strings.Join(m.Entities, ", "))
		}
		if m.SupersededBy != "" {
			fmt.Fprintf(w, "Superseded by:\t%s\n", m.SupersededBy)
		}
		if len(m.Supersedes) > 0 {
			fmt.Fprintf(w, "Supersedes:\t%s\n", strings.Join(m.Supersedes, ", "))
		}
		if len(m.ConflictsWith) > 0 {
			fmt.Fprintf(w, "Conflicts with:\t%s\n", strings.Join(m.ConflictsWith, ", "))
		}
		if m.ConflictDowngraded {
			fmt.Fprintf(w, "Override tier:\t%d\n", m.OverrideTier)
		}
		fmt.Fprintf(w, "Accesses:\t%d\n", m.AccessCount)
		fmt.Fprintf(w, "Created:\t%s\n", m.CreatedAt.Format(time.RFC3339))
		return w.Flush()
	})
}

func stateName(m *types.Memory) string {
	switch m.State {
	case types.StateActive:
		return "active"
	case types.StateSuperseded:
		return "superseded"
	case types.StateDeleted:
		return "deleted"
	}
	return fmt.Sprintf("unknown(%d)", m.State)
}

func runTop(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		mems, err := a.store.ActiveMemories(ctx, "")
		if err != nil {
			return err
		}
		ranked := engine.RankWithAccessBoost(mems, time.Now())
		if topLimit > 0 && len(ranked) > topLimit {
			ranked = ranked[:topLimit]
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), ranked)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINAL\tBOOST\tID\tCONTENT")
		for _, r := range ranked {
			fmt.Fprintf(w, "%.3f\t%.3f\t%s\t%s\n", r.Final, r.Boost, r.Memory.ID, vector.Truncate(r.Memory.Content, 60))
		}
		return w.Flush()
	})
}

func runDecay(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		dm := engine.NewDecayManager(a.cfg.Decay.ArchiveThreshold, a.logger)
		if a.indexer != nil {
			dm.SetVectorIndex(a.indexer)
		}
		report, err := dm.Run(ctx, a.store, time.Now())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed %d, decayed %d, protected %d, archived %d\n",
			report.Processed, report.Decayed, report.Protected, len(report.Archived))
		return nil
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		n, err := a.store.TTLCleanup(ctx, time.Now())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), map[string]int{"expired": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d\n", n)
		return nil
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if a.scaled == nil {
			return fmt.Errorf("migration needs scaling.enabled")
		}
		res, err := a.scaled.Migrate(ctx)
		if err != nil {
			return err
		}
		out := map[string]interface{}{"migration": res}
		if migrateVerify > 0 {
			v, err := a.scaled.VerifyMigration(ctx, migrateVerify)
			if err != nil {
				return err
			}
			out["verify"] = v
			if !v.OK() {
				a.logger.Warn().Int("missing", len(v.Missing)).Int("mismatch", len(v.Mismatch)).Msg("migration verification failed")
			}
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %d, skipped %d, failed %d in %s (backup %s)\n",
			res.Migrated, res.Skipped, res.Failed, res.Duration.Round(time.Millisecond), res.Backup)
		return nil
	})
}

type statsOutput struct {
	Capabilities config.Capabilities `json:"capabilities"`
	Storage      interface{}         `json:"storage"`
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		out := statsOutput{Capabilities: a.caps}
		if a.scaled != nil {
			st, err := a.scaled.Stats(ctx)
			if err != nil {
				return err
			}
			out.Storage = st
		} else {
			st, err := a.sqlite.Stats(ctx)
			if err != nil {
				return err
			}
			out.Storage = st
		}
		return printJSON(cmd.OutOrStdout(), out)
	})
}
