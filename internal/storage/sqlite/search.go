package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
)

// Search runs an FTS5 query ranked by bm25 (score = -bm25). When the FTS
// query fails or matches nothing it falls back to a substring scan ordered by
// the stored score, which also covers CJK text the default tokenizer keeps
// as whole runs.
func (b *Backend) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	opts.Normalize()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query != "" {
		hits, err := b.searchFTS(ctx, query, opts)
		if err == nil && len(hits) > 0 {
			return hits, nil
		}
		if err != nil {
			b.logger.Debug().Err(err).Str("query", query).Msg("fts query failed, using LIKE fallback")
		}
	}
	return b.searchLike(ctx, query, opts)
}

func filterClauses(opts storage.SearchOptions) (string, []interface{}) {
	var where []string
	var args []interface{}
	if !opts.IncludeInactive {
		where = append(where, "m.state = 0")
	}
	if opts.Type != "" {
		where = append(where, "m.type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.MinImportance > 0 {
		where = append(where, "m.importance >= ?")
		args = append(args, opts.MinImportance)
	}
	if !opts.CreatedAfter.IsZero() {
		where = append(where, "m.created_at >= ?")
		args = append(args, FormatTime(opts.CreatedAfter))
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "m.created_at <= ?")
		args = append(args, FormatTime(opts.CreatedBefore))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(where, " AND "), args
}

func (b *Backend) searchFTS(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	filter, filterArgs := filterClauses(opts)
	args := append([]interface{}{ftsQuery(query)}, filterArgs...)
	args = append(args, opts.TopK)

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+qualifiedColumns("m")+`, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?`+filter+`
		ORDER BY rank
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []storage.SearchHit
	for rows.Next() {
		var rank float64
		m, err := scanMemory(extraScanner{row: rows, extra: []interface{}{&rank}})
		if err != nil {
			return nil, err
		}
		hits = append(hits, storage.SearchHit{Memory: m, Score: -rank})
	}
	return hits, rows.Err()
}

func (b *Backend) searchLike(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	filter, filterArgs := filterClauses(opts)
	args := append([]interface{}{"%" + escapeLike(query) + "%"}, filterArgs...)
	args = append(args, opts.TopK)

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+qualifiedColumns("m")+`
		FROM memories m
		WHERE m.content LIKE ? ESCAPE '\'`+filter+`
		ORDER BY m.score DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()

	var hits []storage.SearchHit
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, storage.SearchHit{Memory: m, Score: m.Score})
	}
	return hits, rows.Err()
}

// ftsQuery quotes each whitespace-separated term and ORs them together.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
