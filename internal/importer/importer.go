package importer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
)

// Ingester stores candidates. *engine.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, c engine.Candidate, fc *engine.FilterContext) (engine.IngestResult, error)
}

// Result summarises one import run.
type Result struct {
	RunID          string        `json:"run_id"`
	FilesFound     int           `json:"files_found"`
	FilesProcessed int           `json:"files_processed"`
	FilesSkipped   int           `json:"files_skipped"`
	FilesFailed    int           `json:"files_failed"`
	Items          int           `json:"items"`
	Added          int           `json:"added"`
	Updated        int           `json:"updated"`
	Noise          int           `json:"noise"`
	Duplicates     int           `json:"duplicates"`
	Kept           int           `json:"kept"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Options configures an Importer.
type Options struct {
	// DryRun parses and counts items without ingesting them.
	DryRun bool
	Logger zerolog.Logger
}

// Importer walks a directory of Markdown notes and ingests every
// statement it finds.
type Importer struct {
	ingest Ingester
	opts   Options
}

// New creates an Importer. ingest may be nil only for dry runs.
func New(ingest Ingester, opts Options) *Importer {
	return &Importer{ingest: ingest, opts: opts}
}

// Run imports every .md and .markdown file under dir. Per-file failures
// are recorded in the result; only an unreadable root or a cancelled
// context return an error.
func (imp *Importer) Run(ctx context.Context, dir string) (*Result, error) {
	if imp.ingest == nil && !imp.opts.DryRun {
		return nil, fmt.Errorf("importer: no ingester")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir)
	}

	start := time.Now()
	res := &Result{RunID: uuid.New().String()}
	log := imp.opts.Logger.With().Str("run_id", res.RunID).Logger()

	files, err := collectMarkdownFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	res.FilesFound = len(files)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rel, _ := filepath.Rel(dir, path)

		data, err := os.ReadFile(path)
		if err != nil {
			res.FilesFailed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: read error: %v", rel, err))
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			res.FilesSkipped++
			continue
		}
		note, err := ParseNote(data, rel)
		if err != nil {
			log.Warn().Err(err).Str("file", rel).Msg("skipping note")
			res.FilesFailed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}

		if err := imp.ingestNote(ctx, note, res); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.FilesFailed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		res.FilesProcessed++
	}

	res.Duration = time.Since(start)
	log.Info().
		Int("files", res.FilesProcessed).
		Int("items", res.Items).
		Int("added", res.Added).
		Int("updated", res.Updated).
		Dur("duration", res.Duration).
		Msg("import finished")
	return res, nil
}

func (imp *Importer) ingestNote(ctx context.Context, note *Note, res *Result) error {
	for _, item := range note.Items {
		res.Items++
		if imp.opts.DryRun {
			continue
		}
		c := engine.Candidate{
			Content:    item,
			Type:       note.Type,
			Importance: note.Importance,
			Entities:   note.Entities,
			Timestamp:  note.Date,
			Metadata: map[string]interface{}{
				"import_path":  note.RelativePath,
				"import_title": note.Title,
			},
		}
		out, err := imp.ingest.Ingest(ctx, c, nil)
		if err != nil {
			return err
		}
		switch {
		case out.Noise:
			res.Noise++
		case out.Duplicate:
			res.Duplicates++
		case out.Op == engine.OpUpdate:
			res.Updated++
		case out.Op == engine.OpNoop:
			res.Kept++
		default:
			res.Added++
		}
	}
	return nil
}

// collectMarkdownFiles returns the Markdown files under dir, skipping
// hidden directories such as .git and .obsidian.
func collectMarkdownFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".md", ".markdown":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
