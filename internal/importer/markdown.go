// Package importer turns Markdown notes into memory candidates and feeds
// them through the ingest pipeline.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Note is one parsed Markdown file.
type Note struct {
	// RelativePath is the path relative to the import root.
	RelativePath string

	Title string

	// Type comes from the frontmatter "type" key and defaults to fact.
	Type types.MemoryType

	// Importance comes from the frontmatter "importance" key; nil when absent.
	Importance *float64

	// Entities merges frontmatter entities and tags, inline #tags and
	// [[link]] targets.
	Entities []string

	// Date is the frontmatter date, or zero.
	Date time.Time

	// Items are the statements found in the body: one per list item or
	// plain paragraph. Headings, code blocks and rules are dropped.
	Items []string
}

var (
	// [[target]] and [[target|alias]]
	wikiLinkRe  = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)
	inlineTagRe = regexp.MustCompile(`(?:^|\s)#([\p{L}][\p{L}\p{N}_/-]*)`)
	listItemRe  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s+)?`)
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseNote parses a Markdown file. relativePath names the note when it
// has neither a frontmatter title nor an H1 heading.
func ParseNote(content []byte, relativePath string) (*Note, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", relativePath, err)
	}

	n := &Note{RelativePath: relativePath, Type: types.TypeFact}
	if s := fmString(fm, "type"); s != "" {
		t, err := types.ParseMemoryType(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", relativePath, err)
		}
		n.Type = t
	}
	if v, ok := fmFloat(fm, "importance"); ok {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%s: importance %v out of range", relativePath, v)
		}
		n.Importance = &v
	}
	n.Date = fmDate(fm)

	n.Title = fmString(fm, "title")
	if n.Title == "" {
		n.Title = firstHeading(body)
	}
	if n.Title == "" {
		base := filepath.Base(relativePath)
		n.Title = strings.NewReplacer("-", " ", "_", " ").Replace(strings.TrimSuffix(base, filepath.Ext(base)))
	}

	entities := append(fmList(fm, "entities"), fmList(fm, "tags")...)
	entities = append(entities, inlineTags(body)...)
	entities = append(entities, linkTargets(body)...)
	n.Entities = dedupFold(entities)

	n.Items = splitItems(stripLinks(body))
	return n, nil
}

// splitFrontmatter separates YAML frontmatter between --- delimiters from
// the body. Without a closed block the whole text is body.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, "", err
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[end+1:], "\n"), nil
}

func fmString(fm map[string]interface{}, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func fmFloat(fm map[string]interface{}, key string) (float64, bool) {
	switch v := fm[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// fmList reads a list value, accepting both YAML sequences and
// comma-separated strings.
func fmList(fm map[string]interface{}, key string) []string {
	var out []string
	switch v := fm[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func fmDate(fm map[string]interface{}) time.Time {
	for _, key := range []string{"date", "created", "created_at"} {
		switch v := fm[key].(type) {
		case time.Time:
			return v
		case string:
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

func inlineTags(body string) []string {
	var tags []string
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

func linkTargets(body string) []string {
	var out []string
	for _, m := range wikiLinkRe.FindAllStringSubmatch(body, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// stripLinks replaces [[links]] with their alias, or the target when
// there is none.
func stripLinks(body string) string {
	return wikiLinkRe.ReplaceAllStringFunc(body, func(match string) string {
		m := wikiLinkRe.FindStringSubmatch(match)
		if alias := strings.TrimSpace(m[2]); alias != "" {
			return alias
		}
		return strings.TrimSpace(m[1])
	})
}

// splitItems breaks a body into statements. Each list item is one
// statement; consecutive plain lines form a paragraph.
func splitItems(body string) []string {
	var (
		items  []string
		para   []string
		inCode bool
	)
	flush := func() {
		if len(para) > 0 {
			items = append(items, strings.Join(para, " "))
			para = nil
		}
	}
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			flush()
			continue
		}
		switch {
		case inCode:
		case line == "", strings.HasPrefix(line, "#"), line == "---", line == "***":
			flush()
		case listItemRe.MatchString(raw):
			flush()
			if item := strings.TrimSpace(listItemRe.ReplaceAllString(raw, "")); item != "" {
				items = append(items, item)
			}
		default:
			para = append(para, line)
		}
	}
	flush()
	return items
}

// dedupFold drops case-insensitive duplicates, keeping first spellings.
func dedupFold(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
