package types

import "sort"

// Lineage is the supersede graph between memories. A memory may supersede
// several older ones (its Supersedes list accumulates across resolutions), so
// the graph is a DAG rather than a chain. Edges are stored in both directions.
type Lineage struct {
	supersedes   map[string][]string // winner -> losers
	supersededBy map[string]string   // loser -> winner
}

// NewLineage returns an empty lineage graph.
func NewLineage() *Lineage {
	return &Lineage{
		supersedes:   make(map[string][]string),
		supersededBy: make(map[string]string),
	}
}

// BuildLineage constructs the graph from a set of memories using their
// Supersedes and SupersededBy fields.
func BuildLineage(mems []*Memory) *Lineage {
	l := NewLineage()
	for _, m := range mems {
		l.Add(m)
	}
	return l
}

// Add records the edges carried by m.
func (l *Lineage) Add(m *Memory) {
	if m == nil {
		return
	}
	for _, old := range m.Supersedes {
		l.Link(m.ID, old)
	}
	if m.SupersededBy != "" {
		l.Link(m.SupersededBy, m.ID)
	}
}

// Link records that winner supersedes loser. Self links are ignored.
func (l *Lineage) Link(winner, loser string) {
	if winner == "" || loser == "" || winner == loser {
		return
	}
	for _, existing := range l.supersedes[winner] {
		if existing == loser {
			l.supersededBy[loser] = winner
			return
		}
	}
	l.supersedes[winner] = append(l.supersedes[winner], loser)
	l.supersededBy[loser] = winner
}

// Supersedes returns the direct predecessors of id.
func (l *Lineage) Supersedes(id string) []string {
	return append([]string(nil), l.supersedes[id]...)
}

// SupersededBy returns the direct successor of id, if any.
func (l *Lineage) SupersededBy(id string) (string, bool) {
	w, ok := l.supersededBy[id]
	return w, ok
}

// Ancestors returns every memory transitively superseded by id, sorted.
func (l *Lineage) Ancestors(id string) []string {
	visited := map[string]bool{id: true}
	var out []string
	stack := append([]string(nil), l.supersedes[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		stack = append(stack, l.supersedes[cur]...)
	}
	sort.Strings(out)
	return out
}

// Descendants returns the chain of memories that transitively supersede id,
// nearest first.
func (l *Lineage) Descendants(id string) []string {
	visited := map[string]bool{id: true}
	var out []string
	cur := id
	for {
		next, ok := l.supersededBy[cur]
		if !ok || visited[next] {
			return out
		}
		visited[next] = true
		out = append(out, next)
		cur = next
	}
}

// Head returns the current tip of the chain containing id: the memory that
// is not superseded by anything. Returns id itself when nothing supersedes it.
func (l *Lineage) Head(id string) string {
	desc := l.Descendants(id)
	if len(desc) == 0 {
		return id
	}
	return desc[len(desc)-1]
}
