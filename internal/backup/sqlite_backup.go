// Package backup takes consistent point-in-time copies of SQLite stores and
// verifies them. The scaled store snapshots its single-file database before
// migrating it into shards.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Info describes a snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
}

// Snapshot writes a consistent copy of db into dir using VACUUM INTO, which
// handles WAL mode and works on in-memory databases too. The file is named
// <label>_<YYYYMMDD_HHMMSS>.db. When verify is set the copy is integrity
// checked before returning.
func Snapshot(ctx context.Context, db *sql.DB, dir, label string, verify bool) (Info, error) {
	if db == nil {
		return Info{}, fmt.Errorf("snapshot: nil database")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := time.Now().UTC()
	base := fmt.Sprintf("%s_%s", label, now.Format("20060102_150405"))
	dest := filepath.Join(dir, base+".db")
	for i := 1; fileExists(dest); i++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s_%d.db", base, i))
	}

	quoted := strings.ReplaceAll(dest, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return Info{}, fmt.Errorf("failed to backup database: %w", err)
	}

	st, err := os.Stat(dest)
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat backup: %w", err)
	}
	info := Info{Path: dest, Timestamp: now, Size: st.Size()}

	if verify {
		if err := Verify(dest); err != nil {
			return info, err
		}
		info.Verified = true
	}
	return info, nil
}

// Verify opens the file read-only and runs PRAGMA integrity_check.
func Verify(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Restore copies a verified backup over targetPath. The target must not be
// open.
func Restore(backupPath, targetPath string) error {
	if err := Verify(backupPath); err != nil {
		return fmt.Errorf("backup verification failed: %w", err)
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("failed to sync target file: %w", err)
	}

	// Stale WAL files from the replaced database would be replayed over the
	// restored content.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(targetPath + suffix)
	}

	if err := Verify(targetPath); err != nil {
		return fmt.Errorf("restored database verification failed: %w", err)
	}
	return nil
}

// List returns the .db files in dir whose name starts with label, newest
// first.
func List(dir, label string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") || !strings.HasPrefix(e.Name(), label+"_") {
			continue
		}
		st, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: filepath.Join(dir, e.Name()), Timestamp: st.ModTime(), Size: st.Size()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Path > out[j].Path
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Prune keeps the newest keep snapshots with label and removes the rest.
// It returns the number removed.
func Prune(dir, label string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	list, err := List(dir, label)
	if err != nil {
		return 0, err
	}
	if len(list) <= keep {
		return 0, nil
	}

	var lastErr error
	removed := 0
	for _, b := range list[keep:] {
		if err := os.Remove(b.Path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("failed to delete some backups: %w", lastErr)
	}
	return removed, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
