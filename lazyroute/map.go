/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package lazyroute

import (
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrRouteConflict marks a route id that two declarations resolve to
// different modules.
var ErrRouteConflict = errors.New("lazy route conflict")

// Entry is one route of the map.
type Entry struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	// ChunkName is set when lazy files are named.
	ChunkName string   `json:"chunkName,omitempty"`
	Declarers []string `json:"declarers,omitempty"`
}

type entry struct {
	target    string
	declarers map[string]struct{}
}

// Map is the cumulative route id to target map. Routes survive until
// every module that declared them is dropped. Safe for concurrent use.
type Map struct {
	nameChunks bool

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMap creates an empty map. nameChunks enables chunk names.
func NewMap(nameChunks bool) *Map {
	return &Map{nameChunks: nameChunks, entries: make(map[string]*entry)}
}

// Merge adds routes and returns the targets that were not in the map
// before. A route whose id is already mapped to a different module by
// another declarer is rejected. All rejections are returned together,
// marked with ErrRouteConflict, and the map is left unchanged.
func (m *Map) Merge(routes []Route) (newTargets []string, err error) {
	return m.apply(nil, routes)
}

// Replace makes routes the complete set declared by declarers: routes
// they no longer declare are forgotten unless another module declares
// them too. Conflicts are handled as in Merge.
func (m *Map) Replace(declarers []string, routes []Route) (newTargets []string, err error) {
	return m.apply(declarers, routes)
}

func (m *Map) apply(replaced []string, routes []Route) (newTargets []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		next[id] = &entry{target: e.target, declarers: maps.Clone(e.declarers)}
	}
	for _, d := range replaced {
		dropDeclarer(next, d)
	}

	var errs []error
	for _, r := range routes {
		e, ok := next[r.ID]
		switch {
		case !ok:
			e = &entry{target: r.Target, declarers: make(map[string]struct{})}
			next[r.ID] = e
		case e.target != r.Target && !e.soleDeclarer(r.Declarer):
			errs = append(errs, errors.WithHintf(
				errors.Newf("duplicated lazy route %q: declared for both %s and %s", r.ID, e.target, r.Target),
				"use a path relative to a common directory so %q names one module", r.ID))
			continue
		default:
			e.target = r.Target
		}
		e.declarers[r.Declarer] = struct{}{}
	}
	if len(errs) > 0 {
		return nil, errors.Mark(errors.Join(errs...), ErrRouteConflict)
	}

	known := m.targetsLocked()
	m.entries = next
	for target := range m.targetsLocked() {
		if _, ok := known[target]; !ok {
			newTargets = append(newTargets, target)
		}
	}
	slices.Sort(newTargets)
	return newTargets, nil
}

// soleDeclarer reports whether declarer is the only module declaring e,
// in which case it may re-point the route.
func (e *entry) soleDeclarer(declarer string) bool {
	_, ok := e.declarers[declarer]
	return ok && len(e.declarers) == 1
}

// DropDeclarer forgets declarer and removes the routes only it declared.
// It returns the removed route ids.
func (m *Map) DropDeclarer(declarer string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dropDeclarer(m.entries, declarer)
}

func dropDeclarer(entries map[string]*entry, declarer string) []string {
	var removed []string
	for id, e := range entries {
		if _, ok := e.declarers[declarer]; !ok {
			continue
		}
		delete(e.declarers, declarer)
		if len(e.declarers) == 0 {
			delete(entries, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// DropTarget removes every route to target and returns the modules that
// declared them. Configured routes have no declarer and are not listed.
func (m *Map) DropTarget(target string) (declarers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		if e.target != target {
			continue
		}
		for d := range e.declarers {
			if d != "" {
				declarers = append(declarers, d)
			}
		}
		delete(m.entries, id)
	}
	slices.Sort(declarers)
	return slices.Compact(declarers)
}

// Lookup returns the target of id.
func (m *Map) Lookup(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.target, true
}

// Targets returns the distinct route targets, sorted.
func (m *Map) Targets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.targetsLocked()))
}

// Entries returns the routes sorted by id.
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, id := range slices.Sorted(maps.Keys(m.entries)) {
		e := m.entries[id]
		en := Entry{ID: id, Target: e.target}
		for d := range e.declarers {
			if d != "" {
				en.Declarers = append(en.Declarers, d)
			}
		}
		slices.Sort(en.Declarers)
		if m.nameChunks {
			en.ChunkName = ChunkName(id)
		}
		out = append(out, en)
	}
	return out
}

// Len returns the number of routes.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Map) targetsLocked() map[string]struct{} {
	targets := make(map[string]struct{}, len(m.entries))
	for _, e := range m.entries {
		targets[e.target] = struct{}{}
	}
	return targets
}
