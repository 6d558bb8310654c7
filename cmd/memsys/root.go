package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	flagDataDir  string
	flagConfig   string
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "memsys",
	Short: "Long-term memory store",
	Long: `memsys ingests memories through the noise filter and conflict resolution,
searches them with hybrid keyword and vector retrieval, and runs decay and
cleanup over the store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDataDir, "data-dir", "", "Data directory (overrides config)")
	pf.StringVar(&flagConfig, "config", "", "Path to YAML config file")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flagJSON, "json", false, "Print results as JSON")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
