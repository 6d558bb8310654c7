package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO notes (body) VALUES ('one'), ('two')`)
	require.NoError(t, err)
	return db
}

func TestSnapshot_VerifiedCopy(t *testing.T) {
	dir := t.TempDir()
	db := seedDB(t, filepath.Join(dir, "src.db"))

	info, err := Snapshot(context.Background(), db, filepath.Join(dir, "backups"), "pre_migration", true)
	require.NoError(t, err)
	assert.True(t, info.Verified)
	assert.Greater(t, info.Size, int64(0))
	assert.Contains(t, filepath.Base(info.Path), "pre_migration_")

	cp, err := sql.Open("sqlite", info.Path)
	require.NoError(t, err)
	defer cp.Close()
	var n int
	require.NoError(t, cp.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestSnapshot_SameSecondGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	db := seedDB(t, filepath.Join(dir, "src.db"))
	out := filepath.Join(dir, "backups")

	a, err := Snapshot(context.Background(), db, out, "snap", false)
	require.NoError(t, err)
	b, err := Snapshot(context.Background(), db, out, "snap", false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database file at all"), 0o644))
	assert.Error(t, Verify(path))
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	db := seedDB(t, filepath.Join(dir, "src.db"))
	info, err := Snapshot(context.Background(), db, dir, "snap", true)
	require.NoError(t, err)

	target := filepath.Join(dir, "restored.db")
	require.NoError(t, Restore(info.Path, target))

	r, err := sql.Open("sqlite", target)
	require.NoError(t, err)
	defer r.Close()
	var body string
	require.NoError(t, r.QueryRow(`SELECT body FROM notes WHERE id = 2`).Scan(&body))
	assert.Equal(t, "two", body)
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"snap_a.db", "snap_b.db", "snap_c.db", "other_x.db", "snap_notes.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}

	list, err := List(dir, "snap")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "snap_c.db", filepath.Base(list[0].Path))

	removed, err := Prune(dir, "snap", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	list, err = List(dir, "snap")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "snap_c.db", filepath.Base(list[0].Path))

	_, err = os.Stat(filepath.Join(dir, "other_x.db"))
	assert.NoError(t, err)
}

func TestList_MissingDir(t *testing.T) {
	list, err := List(filepath.Join(t.TempDir(), "nope"), "snap")
	require.NoError(t, err)
	assert.Empty(t, list)
}
