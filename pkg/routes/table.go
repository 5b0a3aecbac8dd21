package routes

import (
	"sort"
	"sync"
)

// Listener observes table mutations; the payment coordinator keeps its
// compiled route list in sync through one.
type Listener interface {
	RouteAdded(Rule)
	RouteRemoved(toolID string)
}

// Table is the copy-on-write route table. Mutations build a fresh sorted
// compiled slice and swap it under the write lock; readers capture the
// current slice and match against it without further locking.
type Table struct {
	mu        sync.RWMutex
	compiled  []*compiled
	nextOrder int
	listeners []Listener
}

func NewTable() *Table {
	return &Table{}
}

// Subscribe registers a mutation listener. Existing rules are replayed
// so a late subscriber starts consistent with the table.
func (t *Table) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	current := t.compiled
	t.mu.Unlock()
	for _, c := range current {
		l.RouteAdded(c.rule)
	}
}

// Load replaces the whole table with the given rules.
func (t *Table) Load(rules []Rule) error {
	fresh := make([]*compiled, 0, len(rules))
	seen := map[string]struct{}{}
	for i, r := range rules {
		if _, dup := seen[r.ToolID]; dup {
			return ErrDuplicate
		}
		seen[r.ToolID] = struct{}{}
		c, err := compileRule(r, i)
		if err != nil {
			return err
		}
		fresh = append(fresh, c)
	}
	sortCompiled(fresh)

	t.mu.Lock()
	old := t.compiled
	t.compiled = fresh
	t.nextOrder = len(rules)
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		for _, c := range old {
			l.RouteRemoved(c.rule.ToolID)
		}
		for _, c := range fresh {
			l.RouteAdded(c.rule)
		}
	}
	return nil
}

func (t *Table) Add(r Rule) error {
	t.mu.Lock()
	for _, c := range t.compiled {
		if c.rule.ToolID == r.ToolID {
			t.mu.Unlock()
			return ErrDuplicate
		}
	}
	c, err := compileRule(r, t.nextOrder)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.nextOrder++
	fresh := make([]*compiled, 0, len(t.compiled)+1)
	fresh = append(fresh, t.compiled...)
	fresh = append(fresh, c)
	sortCompiled(fresh)
	t.compiled = fresh
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l.RouteAdded(c.rule)
	}
	return nil
}

// Replace swaps the rule registered under toolID for a new one in a
// single table mutation; the new rule may carry a different tool_id.
func (t *Table) Replace(toolID string, r Rule) error {
	t.mu.Lock()
	idx := -1
	for i, c := range t.compiled {
		if c.rule.ToolID == toolID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return ErrNotFound
	}
	if r.ToolID != toolID {
		for _, c := range t.compiled {
			if c.rule.ToolID == r.ToolID {
				t.mu.Unlock()
				return ErrDuplicate
			}
		}
	}
	c, err := compileRule(r, t.compiled[idx].order)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	fresh := make([]*compiled, 0, len(t.compiled))
	for i, old := range t.compiled {
		if i == idx {
			fresh = append(fresh, c)
			continue
		}
		fresh = append(fresh, old)
	}
	sortCompiled(fresh)
	t.compiled = fresh
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l.RouteRemoved(toolID)
		l.RouteAdded(c.rule)
	}
	return nil
}

func (t *Table) Remove(toolID string) error {
	t.mu.Lock()
	fresh := make([]*compiled, 0, len(t.compiled))
	found := false
	for _, c := range t.compiled {
		if c.rule.ToolID == toolID {
			found = true
			continue
		}
		fresh = append(fresh, c)
	}
	if !found {
		t.mu.Unlock()
		return ErrNotFound
	}
	t.compiled = fresh
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l.RouteRemoved(toolID)
	}
	return nil
}

// Match returns the first rule whose pattern matches, in tie-break order.
func (t *Table) Match(method, path string) (Rule, map[string]string, bool) {
	t.mu.RLock()
	current := t.compiled
	t.mu.RUnlock()
	for _, c := range current {
		if params, ok := c.match(method, path); ok {
			return c.rule, params, true
		}
	}
	return Rule{}, nil, false
}

// Get returns the rule registered under toolID.
func (t *Table) Get(toolID string) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.compiled {
		if c.rule.ToolID == toolID {
			return c.rule, true
		}
	}
	return Rule{}, false
}

// Snapshot returns the rules in insertion order, suitable for
// serialization back to the routes file.
func (t *Table) Snapshot() []Rule {
	t.mu.RLock()
	current := t.compiled
	t.mu.RUnlock()
	byOrder := append([]*compiled(nil), current...)
	sort.SliceStable(byOrder, func(i, j int) bool { return byOrder[i].order < byOrder[j].order })
	out := make([]Rule, 0, len(byOrder))
	for _, c := range byOrder {
		out = append(out, c.rule)
	}
	return out
}

func sortCompiled(list []*compiled) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.segments != b.segments {
			return a.segments > b.segments
		}
		if a.literals != b.literals {
			return a.literals > b.literals
		}
		return a.order < b.order
	})
}
