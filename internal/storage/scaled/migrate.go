package scaled

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/backup"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
)

const (
	// MigrationBatchSize is the number of rows copied per page.
	MigrationBatchSize = 1000

	// BackupLabel prefixes snapshot file names of the single-file store.
	BackupLabel = "memories"

	// KeepBackups is how many pre-migration snapshots Migrate leaves behind.
	KeepBackups = 5
)

// BackupDir returns the snapshot directory under dataDir.
func BackupDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// Switched reports whether the store in dataDir has moved to shards.
func Switched(dataDir string) bool {
	return fileExists(filepath.Join(dataDir, scaledMarker))
}

// MigrationResult reports a Migrate run.
type MigrationResult struct {
	Migrated int           `json:"migrated"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Backup   string        `json:"backup"`
	Duration time.Duration `json:"duration"`
}

// Migrate snapshots the SQLite store, copies every active memory into the
// shards and switches routing to them. Rows already present in a shard are
// skipped, so an interrupted run can be repeated. Superseded and archived
// rows stay in SQLite, where lookups still find them.
//
// The switch is made even when some rows fail; they are counted in Failed
// and remain readable from SQLite.
func (b *Backend) Migrate(ctx context.Context) (MigrationResult, error) {
	b.route.Lock()
	defer b.route.Unlock()

	start := time.Now()
	var res MigrationResult

	dir := BackupDir(b.opts.DataDir)
	info, err := backup.Snapshot(ctx, b.sqlite.DB(), dir, BackupLabel, true)
	if err != nil {
		return res, fmt.Errorf("pre-migration backup failed: %w", err)
	}
	res.Backup = info.Path
	b.logger.Info().Str("backup", info.Path).Int64("size", info.Size).Msg("migration backup written")
	if n, err := backup.Prune(dir, BackupLabel, KeepBackups); err != nil {
		b.logger.Warn().Err(err).Msg("failed to prune old backups")
	} else if n > 0 {
		b.logger.Debug().Int("removed", n).Msg("old backups pruned")
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := b.sqlite.ActiveBatch(ctx, after, MigrationBatchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			_, err := b.sharded.Insert(ctx, m)
			switch {
			case err == nil:
				res.Migrated++
			case errors.Is(err, storage.ErrDuplicateID):
				res.Skipped++
			default:
				res.Failed++
				b.logger.Warn().Err(err).Str("id", m.ID).Msg("failed to migrate memory")
			}
		}
		after = batch[len(batch)-1].ID
		b.logger.Debug().Int("migrated", res.Migrated).Str("after", after).Msg("migration batch done")
	}

	if err := os.WriteFile(b.markerPath(), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return res, fmt.Errorf("failed to record scale switch: %w", err)
	}
	b.scaled.Store(true)
	b.cache.ClearAll()
	res.Duration = time.Since(start)

	b.logger.Info().Int("migrated", res.Migrated).Int("failed", res.Failed).Int("skipped", res.Skipped).
		Dur("duration", res.Duration).Msg("migrated to sharded storage")
	return res, nil
}

// VerifyResult reports a VerifyMigration run.
type VerifyResult struct {
	Checked  int      `json:"checked"`
	Missing  []string `json:"missing,omitempty"`
	Mismatch []string `json:"mismatch,omitempty"`
}

// OK reports whether every sampled memory was found intact.
func (v VerifyResult) OK() bool {
	return len(v.Missing) == 0 && len(v.Mismatch) == 0
}

// VerifyMigration checks that the first sample active SQLite memories
// exist in the shards with identical content.
func (b *Backend) VerifyMigration(ctx context.Context, sample int) (VerifyResult, error) {
	var res VerifyResult
	if sample <= 0 {
		sample = 100
	}
	batch, err := b.sqlite.ActiveBatch(ctx, "", sample)
	if err != nil {
		return res, err
	}
	for _, m := range batch {
		res.Checked++
		got, err := b.sharded.Get(ctx, m.ID)
		if errors.Is(err, storage.ErrNotFound) {
			res.Missing = append(res.Missing, m.ID)
			continue
		}
		if err != nil {
			return res, err
		}
		if got.Content != m.Content || got.Type != m.Type {
			res.Mismatch = append(res.Mismatch, m.ID)
		}
	}
	return res, nil
}
