package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/backup"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/logging"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/scaled"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
)

// preRestoreLabel names the snapshot taken of the live store before a
// restore overwrites it.
const preRestoreLabel = "pre_restore"

var backupKeep int

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, restore and prune snapshots of the single-file store",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a verified snapshot of the single-file store",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replace the single-file store with a snapshot",
	Long: `Verify the snapshot and copy it over memories.db. The current file is
snapshotted first under the pre_restore label. A bare file name is looked
up in the backups directory. Stores that have moved to shards cannot be
restored this way.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRestore,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest snapshots",
	Args:  cobra.NoArgs,
	RunE:  runBackupPrune,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupPruneCmd)

	backupPruneCmd.Flags().IntVar(&backupKeep, "keep", scaled.KeepBackups, "Number of snapshots to keep")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		info, err := backup.Snapshot(ctx, a.sqlite.DB(), scaled.BackupDir(a.cfg.Storage.DataDir), scaled.BackupLabel, true)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", info.Path, info.Size)
		return nil
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := scaled.BackupDir(cfg.Storage.DataDir)
	list, err := backup.List(dir, scaled.BackupLabel)
	if err != nil {
		return err
	}
	if flagJSON {
		if list == nil {
			list = []backup.Info{}
		}
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no backups in %s\n", dir)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSIZE\tFILE")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\n", b.Timestamp.Format(time.RFC3339), b.Size, filepath.Base(b.Path))
	}
	return w.Flush()
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	dataDir := cfg.Storage.DataDir
	if scaled.Switched(dataDir) {
		return errors.New("store has moved to shards; restore the shard files instead")
	}

	src := args[0]
	if !strings.ContainsRune(src, os.PathSeparator) {
		if _, err := os.Stat(src); err != nil {
			src = filepath.Join(scaled.BackupDir(dataDir), src)
		}
	}
	if err := backup.Verify(src); err != nil {
		return fmt.Errorf("refusing to restore %s: %w", src, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	target := filepath.Join(dataDir, sqlite.DefaultFileName)
	if _, err := os.Stat(target); err == nil {
		current, err := sqlite.New(target, sqlite.Options{Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to open current store: %w", err)
		}
		info, err := backup.Snapshot(ctx, current.DB(), scaled.BackupDir(dataDir), preRestoreLabel, false)
		if cerr := current.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to save current store: %w", err)
		}
		logger.Info().Str("path", info.Path).Msg("current store saved before restore")
	}

	if err := backup.Restore(src, target); err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), map[string]string{"restored": src, "target": target})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", src, target)
	return nil
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := backup.Prune(scaled.BackupDir(cfg.Storage.DataDir), scaled.BackupLabel, backupKeep)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d backups\n", n)
	return nil
}
