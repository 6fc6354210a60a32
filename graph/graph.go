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

// Package graph tracks import edges between program modules.
package graph

import (
	"maps"
	"slices"
	"sync"
)

// DependencyGraph tracks module imports for incremental rebuilds.
// Edges are kept in both directions: a module's dependencies in import
// order, and the reverse set of modules importing it.
type DependencyGraph struct {
	mu sync.RWMutex

	// dependsOn maps module -> imported modules, in first-import order
	// e.g., "/src/app.ts" -> ["/src/b.ts", "/src/c.ts"]
	dependsOn map[string][]string

	// dependents maps module -> set of modules that import it
	// e.g., "/src/b.ts" -> {"/src/app.ts": true}
	dependents map[string]map[string]bool
}

// NewDependencyGraph creates a new empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		dependsOn:  make(map[string][]string),
		dependents: make(map[string]map[string]bool),
	}
}

// AddModule registers a module without edges.
func (g *DependencyGraph) AddModule(module string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.dependsOn[module]; !ok {
		g.dependsOn[module] = nil
	}
}

// AddDependency records that module imports dep. Repeated edges are
// ignored so the first import position wins.
func (g *DependencyGraph) AddDependency(module, dep string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !slices.Contains(g.dependsOn[module], dep) {
		g.dependsOn[module] = append(g.dependsOn[module], dep)
	}
	if g.dependents[dep] == nil {
		g.dependents[dep] = make(map[string]bool)
	}
	g.dependents[dep][module] = true
}

// Has reports whether module is registered.
func (g *DependencyGraph) Has(module string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.dependsOn[module]
	return ok
}

// Modules returns all registered modules, sorted.
func (g *DependencyGraph) Modules() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.dependsOn))
}

// Dependencies returns the modules imported by module in import order.
func (g *DependencyGraph) Dependencies(module string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.dependsOn[module])
}

// TransitiveDependencies returns every module reachable from module,
// sorted, excluding module itself.
func (g *DependencyGraph) TransitiveDependencies(module string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return bfs(module, func(m string) []string { return g.dependsOn[m] })
}

// Dependents returns all modules that directly import module.
func (g *DependencyGraph) Dependents(module string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.dependents[module]))
}

// TransitiveDependents returns all modules that directly or indirectly
// import module. Uses breadth-first traversal to find all dependents.
func (g *DependencyGraph) TransitiveDependents(module string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return bfs(module, func(m string) []string {
		return slices.Collect(maps.Keys(g.dependents[m]))
	})
}

func bfs(start string, next func(string) []string) []string {
	visited := map[string]bool{start: true}
	queue := []string{start}
	var result []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dep := range next(current) {
			if !visited[dep] {
				visited[dep] = true
				result = append(result, dep)
				queue = append(queue, dep)
			}
		}
	}

	slices.Sort(result)
	return result
}
