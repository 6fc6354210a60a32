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
package program

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/syntax"
)

// StructuredProgram is the structured-mode program. It wraps the direct
// program with framework checks, a lazy-route table and code generation.
type StructuredProgram struct {
	*DirectProgram
}

// Mode implements Program.
func (p *StructuredProgram) Mode() Mode { return ModeStructured }

// StructuralDiagnostics checks lazy route declarations, component
// resources and the entry module.
func (p *StructuredProgram) StructuralDiagnostics(_ context.Context) ([]diagnostics.Diagnostic, error) {
	var ds []diagnostics.Diagnostic
	for _, id := range p.SourceFiles() {
		sf := p.files[id]
		if isExternal(id) || sf.IsDeclaration() {
			continue
		}
		ds = append(ds, p.lazyRouteDiagnostics(sf)...)
		ds = append(ds, p.componentDiagnostics(sf)...)
	}
	ds = append(ds, p.entryModuleDiagnostics()...)
	return ds, nil
}

func (p *StructuredProgram) lazyRouteDiagnostics(sf *SourceFile) []diagnostics.Diagnostic {
	var ds []diagnostics.Diagnostic
	for _, decl := range sf.Analysis.LazyRoutes {
		if decl.Malformed {
			ds = append(ds, diagnostics.Errorf(diagnostics.PhaseStructural,
				diagnostics.CodeLazyRouteMalformed, sf.Path,
				"Invalid lazy route '%s': expected 'path#ExportName'.", decl.Raw).
				At(decl.Line, decl.Column))
			continue
		}
		target, ok := p.ResolveModule(decl.Specifier, sf.Path)
		if !ok {
			continue
		}
		if found, conclusive := p.exports(target, decl.ExportName, map[string]bool{}); conclusive && !found {
			ds = append(ds, diagnostics.Errorf(diagnostics.PhaseStructural,
				diagnostics.CodeLazyRouteExport, sf.Path,
				"Lazy route module '%s' does not export '%s'.", decl.Specifier, decl.ExportName).
				At(decl.Line, decl.Column))
		}
	}
	return ds
}

func (p *StructuredProgram) componentDiagnostics(sf *SourceFile) []diagnostics.Diagnostic {
	var ds []diagnostics.Diagnostic
	dir := filepath.Dir(sf.Path)
	for _, comp := range sf.Analysis.Components {
		if !comp.HasTemplate && comp.TemplateURL == "" {
			ds = append(ds, diagnostics.Errorf(diagnostics.PhaseStructural,
				diagnostics.CodeComponentTemplate, sf.Path,
				"Component '%s' must have a template or templateUrl.", comp.ClassName).
				At(comp.Line, comp.Column))
		}
		for _, resource := range componentResources(comp) {
			if !p.host.FileExists(filepath.Join(dir, resource)) {
				ds = append(ds, diagnostics.Errorf(diagnostics.PhaseStructural,
					diagnostics.CodeComponentResource, sf.Path,
					"Couldn't find resource '%s' for component '%s'.", resource, comp.ClassName).
					At(comp.Line, comp.Column))
			}
		}
	}
	return ds
}

func (p *StructuredProgram) entryModuleDiagnostics() []diagnostics.Diagnostic {
	if p.opts.EntryModule == "" {
		return nil
	}
	target, ok := p.opts.Resolver.ResolveModule(p.opts.EntryModule, filepath.Join(filepath.Dir(p.opts.EntryModule), "entry.ts"))
	if _, inProgram := p.files[target]; !ok || !inProgram {
		return []diagnostics.Diagnostic{diagnostics.Errorf(diagnostics.PhaseStructural,
			diagnostics.CodeEntryModule, p.opts.EntryModule,
			"Entry module '%s' is not part of the compilation.", p.opts.EntryModule)}
	}
	class := p.opts.EntryClass
	if class == "" {
		class = "default"
	}
	if found, conclusive := p.exports(target, class, map[string]bool{}); conclusive && !found {
		return []diagnostics.Diagnostic{diagnostics.Errorf(diagnostics.PhaseStructural,
			diagnostics.CodeEntryModule, target,
			"Entry module does not export '%s'.", class)}
	}
	return nil
}

// LazyRoutes implements Structural.
func (p *StructuredProgram) LazyRoutes() []LazyRoute {
	var routes []LazyRoute
	for _, id := range p.SourceFiles() {
		sf := p.files[id]
		if isExternal(id) || sf.IsDeclaration() {
			continue
		}
		routes = append(routes, p.DeclaredRoutes(id)...)
	}
	return routes
}

// DeclaredRoutes returns the well-formed lazy routes declared in id with
// their resolved targets.
func (p *DirectProgram) DeclaredRoutes(id string) []LazyRoute {
	sf, ok := p.files[id]
	if !ok {
		return nil
	}
	var routes []LazyRoute
	for _, decl := range sf.Analysis.LazyRoutes {
		if decl.Malformed {
			continue
		}
		target, _ := p.ResolveModule(decl.Specifier, id)
		routes = append(routes, LazyRoute{
			Declarer:   id,
			Specifier:  decl.Specifier,
			ExportName: decl.ExportName,
			Target:     target,
			Dynamic:    decl.Dynamic,
			Line:       decl.Line,
			Column:     decl.Column,
		})
	}
	return routes
}

// Emit transpiles modules after rewriting string lazy route declarations
// into dynamic imports.
func (p *StructuredProgram) Emit(ctx context.Context, ids []string) (map[string]Output, []diagnostics.Diagnostic, error) {
	return p.emit(ctx, ids, rewriteLazyRoutes)
}

// rewriteLazyRoutes replaces each `loadChildren: 'path#Export'` value with
// `() => import('path').then(m => m.Export)`.
func rewriteLazyRoutes(sf *SourceFile) []byte {
	var decls []syntax.LazyRouteDecl
	for _, decl := range sf.Analysis.LazyRoutes {
		if !decl.Dynamic && !decl.Malformed {
			decls = append(decls, decl)
		}
	}
	if len(decls) == 0 {
		return sf.Content
	}
	slices.SortFunc(decls, func(a, b syntax.LazyRouteDecl) int {
		return int(a.Start) - int(b.Start)
	})

	var buf bytes.Buffer
	last := uint(0)
	for _, decl := range decls {
		buf.Write(sf.Content[last:decl.Start])
		fmt.Fprintf(&buf, "() => import(%s).then(m => m.%s)",
			jsString(decl.Specifier), decl.ExportName)
		last = decl.End
	}
	buf.Write(sf.Content[last:])
	return buf.Bytes()
}

// jsString quotes s as a JavaScript string literal. JSON string syntax is
// a subset of it.
func jsString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

// ResourceDependencies returns the template and style files referenced
// by components in id.
func (p *DirectProgram) ResourceDependencies(id string) []string {
	sf, ok := p.files[id]
	if !ok {
		return nil
	}
	dir := filepath.Dir(id)
	var deps []string
	for _, comp := range sf.Analysis.Components {
		for _, resource := range componentResources(comp) {
			deps = append(deps, filepath.Join(dir, resource))
		}
	}
	slices.Sort(deps)
	return slices.Compact(deps)
}

func componentResources(comp syntax.ComponentDecl) []string {
	var resources []string
	if comp.TemplateURL != "" {
		resources = append(resources, comp.TemplateURL)
	}
	return append(resources, comp.StyleURLs...)
}
