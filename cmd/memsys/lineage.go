package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage <id>",
	Short: "Show which memories a memory superseded and what superseded it",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineage,
}

func init() {
	rootCmd.AddCommand(lineageCmd)
}

type lineageOutput struct {
	ID          string   `json:"id"`
	Head        string   `json:"head"`
	Ancestors   []string `json:"ancestors"`
	Descendants []string `json:"descendants"`
}

func runLineage(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		mems, err := engine.CollectLineage(ctx, a.store, args[0])
		if err != nil {
			return err
		}
		l := types.BuildLineage(mems)
		out := lineageOutput{
			ID:          args[0],
			Head:        l.Head(args[0]),
			Ancestors:   l.Ancestors(args[0]),
			Descendants: l.Descendants(args[0]),
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "head:        %s\n", out.Head)
		fmt.Fprintf(w, "supersedes:  %s\n", strings.Join(out.Ancestors, ", "))
		fmt.Fprintf(w, "replaced by: %s\n", strings.Join(out.Descendants, " -> "))
		return nil
	})
}
