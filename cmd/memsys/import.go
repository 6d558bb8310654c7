package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/importer"
)

var importDryRun bool

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Ingest Markdown notes from a directory",
	Long: `Walk a directory of Markdown notes and ingest every list item and paragraph
as a memory. Frontmatter keys type, importance, date, tags and entities
apply to every statement in the note; #tags and [[links]] become entities.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and count statements without storing them")
}

func runImport(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var ing importer.Ingester
		if !importDryRun {
			kw, release, err := a.keywordIndex(ctx)
			if err != nil {
				return err
			}
			defer release()
			p, err := a.pipeline(kw)
			if err != nil {
				return err
			}
			ing = p
		}

		res, err := importer.New(ing, importer.Options{DryRun: importDryRun, Logger: a.logger}).Run(ctx, args[0])
		if err != nil {
			return err
		}
		if a.scaled != nil && !importDryRun {
			if err := a.scaled.WaitIndexed(ctx); err != nil {
				return err
			}
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "files %d processed, %d skipped, %d failed\n", res.FilesProcessed, res.FilesSkipped, res.FilesFailed)
		fmt.Fprintf(out, "statements %d: added %d, updated %d, noise %d, duplicate %d, kept %d\n",
			res.Items, res.Added, res.Updated, res.Noise, res.Duplicates, res.Kept)
		for _, e := range res.Errors {
			fmt.Fprintf(out, "error: %s\n", e)
		}
		return nil
	})
}
