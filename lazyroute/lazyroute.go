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

// Package lazyroute discovers lazily loaded route modules and keeps the
// cumulative route map the bundler splits chunks on.
package lazyroute

import (
	"path"
	"path/filepath"
	"slices"
	"strings"

	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/program"
)

// Route is one discovered lazy route.
type Route struct {
	// ID is the normalized declaration, e.g. "./lazy/lazy.module#LazyModule".
	ID         string
	Target     string
	ExportName string
	// Declarer is the declaring module; empty for configured routes.
	Declarer string
	Dynamic  bool
}

var stripExtensions = []string{".d.ts", ".ts", ".tsx", ".js", ".mjs", ".jsx"}

// Normalize canonicalizes a module reference: the path is cleaned, a
// source extension is stripped and a trailing /index is dropped.
// Relative references keep their leading "./".
func Normalize(specifier string) string {
	spec := filepath.ToSlash(specifier)
	relative := strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
	spec = path.Clean(spec)
	for _, ext := range stripExtensions {
		if trimmed, ok := strings.CutSuffix(spec, ext); ok {
			spec = trimmed
			break
		}
	}
	switch {
	case spec == "index":
		spec = "."
	case strings.HasSuffix(spec, "/index"):
		spec = strings.TrimSuffix(spec, "/index")
	}
	if relative && spec != "." && spec != ".." && !strings.HasPrefix(spec, "../") {
		spec = "./" + spec
	}
	return spec
}

// RouteID is the map key for a declaration.
func RouteID(specifier, exportName string) string {
	return Normalize(specifier) + "#" + exportName
}

// ChunkName derives a bundle chunk name from a route id:
// "./lazy/lazy.module#LazyModule" names the chunk "lazy-lazy-module".
func ChunkName(id string) string {
	spec, _, _ := strings.Cut(id, "#")
	var parts []string
	for part := range strings.SplitSeq(spec, "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		parts = append(parts, strings.ReplaceAll(part, ".", "-"))
	}
	return strings.Join(parts, "-")
}

// Static scans the syntax trees of the changed modules. Modules outside
// the program are ignored. Routes whose module cannot be resolved are
// reported as warnings and omitted.
func Static(p program.Program, changed []string) ([]Route, []diagnostics.Diagnostic) {
	var (
		routes   []Route
		warnings []diagnostics.Diagnostic
	)
	files := slices.Clone(changed)
	slices.Sort(files)
	for _, id := range slices.Compact(files) {
		sf, ok := p.SourceFile(id)
		if !ok {
			continue
		}
		for _, decl := range sf.Analysis.LazyRoutes {
			if decl.Malformed {
				continue
			}
			target, ok := p.ResolveModule(decl.Specifier, id)
			if !ok {
				warnings = append(warnings, unresolved(id, decl.Specifier, decl.Line, decl.Column))
				continue
			}
			routes = append(routes, Route{
				ID:         RouteID(decl.Specifier, decl.ExportName),
				Target:     target,
				ExportName: decl.ExportName,
				Declarer:   id,
				Dynamic:    decl.Dynamic,
			})
		}
	}
	return routes, warnings
}

// WholeProgram asks a structured program for its complete lazy route
// table.
func WholeProgram(p program.Structural) ([]Route, []diagnostics.Diagnostic) {
	var (
		routes   []Route
		warnings []diagnostics.Diagnostic
	)
	for _, r := range p.LazyRoutes() {
		if r.Target == "" {
			warnings = append(warnings, unresolved(r.Declarer, r.Specifier, r.Line, r.Column))
			continue
		}
		routes = append(routes, Route{
			ID:         RouteID(r.Specifier, r.ExportName),
			Target:     r.Target,
			ExportName: r.ExportName,
			Declarer:   r.Declarer,
			Dynamic:    r.Dynamic,
		})
	}
	return routes, warnings
}

// Additional converts configured lazy modules (route id to path) into
// routes. Relative paths are resolved against basePath.
func Additional(modules map[string]string, basePath string) []Route {
	routes := make([]Route, 0, len(modules))
	for id, target := range modules {
		if !filepath.IsAbs(target) {
			target = filepath.Join(basePath, target)
		}
		_, export, _ := strings.Cut(id, "#")
		routes = append(routes, Route{ID: id, Target: target, ExportName: export})
	}
	slices.SortFunc(routes, func(a, b Route) int { return strings.Compare(a.ID, b.ID) })
	return routes
}

// Existing keeps the routes whose target exists. The others are
// reported as warnings and omitted.
func Existing(routes []Route, exists func(path string) bool) ([]Route, []diagnostics.Diagnostic) {
	var (
		kept     []Route
		warnings []diagnostics.Diagnostic
	)
	for _, r := range routes {
		if exists(r.Target) {
			kept = append(kept, r)
			continue
		}
		spec, _, _ := strings.Cut(r.ID, "#")
		warnings = append(warnings, unresolved(r.Declarer, spec, 0, 0))
	}
	return kept, warnings
}

func unresolved(file, specifier string, line, column int) diagnostics.Diagnostic {
	return diagnostics.Warningf(diagnostics.PhaseLazyRoute, diagnostics.CodeLazyRouteMissing, file,
		"Lazy route '%s' could not be resolved and will not be split into its own chunk.", specifier).
		At(line, column)
}
