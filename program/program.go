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

// Package program builds a module program from root files and exposes
// its diagnostics and emission in one of two modes: direct, which checks
// and transpiles modules as written, and structured, which adds the
// framework's structural checks, lazy-route table and code generation.
package program

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/graph"
)

// Mode selects the program implementation. It is fixed for the lifetime
// of a build.
type Mode int

const (
	// ModeDirect uses modules as written (JIT).
	ModeDirect Mode = iota
	// ModeStructured adds framework checks and code generation (AOT).
	ModeStructured
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeStructured:
		return "structured"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Resolver resolves module specifiers to files.
type Resolver interface {
	ResolveModule(specifier, containingFile string) (string, bool)
}

// Output is one module's emitted JavaScript.
type Output struct {
	Text      string `msgpack:"text"`
	SourceMap string `msgpack:"sourceMap,omitempty"`
}

// Options configures Build.
type Options struct {
	Mode     Mode
	Resolver Resolver
	// SourceMap enables external source maps.
	SourceMap bool
	Platform  config.Platform
	// CompilerOptions are the loaded tsconfig compilerOptions.
	CompilerOptions config.CompilerOptions
	// EntryModule and EntryClass name the application module checked in
	// structured mode. EntryModule is an absolute path with or without
	// extension.
	EntryModule string
	EntryClass  string
	// Concurrency bounds parallel emission; zero means GOMAXPROCS.
	Concurrency int
}

// Program is the capability contract shared by both modes.
type Program interface {
	Mode() Mode
	RootNames() []string
	// SourceFiles returns every module in the program, sorted.
	SourceFiles() []string
	SourceFile(id string) (*SourceFile, bool)
	// Dependencies returns id's imports that are part of the program, in
	// import order.
	Dependencies(id string) []string
	// Dependents returns every module that transitively imports id.
	Dependents(id string) []string
	// ResolveModule resolves specifier from containingFile, preferring
	// the resolution recorded when the program was built.
	ResolveModule(specifier, containingFile string) (string, bool)
	// ResourceDependencies returns the template and style files that
	// components in id reference.
	ResourceDependencies(id string) []string
	SyntacticDiagnostics(ctx context.Context) ([]diagnostics.Diagnostic, error)
	SemanticDiagnostics(ctx context.Context) ([]diagnostics.Diagnostic, error)
	// Emit transpiles the given modules. Declaration files and modules
	// outside the program are skipped.
	Emit(ctx context.Context, ids []string) (map[string]Output, []diagnostics.Diagnostic, error)
}

// Structural is implemented by structured-mode programs.
type Structural interface {
	Program
	StructuralDiagnostics(ctx context.Context) ([]diagnostics.Diagnostic, error)
	// LazyRoutes returns every lazy route declared in the program.
	LazyRoutes() []LazyRoute
}

// LazyRoute is a lazy route declaration and its resolved target.
type LazyRoute struct {
	Declarer   string
	Specifier  string
	ExportName string
	// Target is the resolved module; empty when it cannot be resolved.
	Target  string
	Dynamic bool
	Line    int
	Column  int
}

// DirectProgram is the direct-mode program.
type DirectProgram struct {
	opts        Options
	host        *Host
	roots       []string
	files       map[string]*SourceFile
	graph       *graph.DependencyGraph
	resolutions map[string]map[string]string
}

// Build walks the import graph from rootNames and returns the program for
// opts.Mode. A root that cannot be read fails the build.
func Build(ctx context.Context, host *Host, opts Options, rootNames []string) (Program, error) {
	if opts.Resolver == nil {
		return nil, errors.New("program: no module resolver")
	}
	roots := slices.Clone(rootNames)
	slices.Sort(roots)
	p := &DirectProgram{
		opts:        opts,
		host:        host,
		roots:       slices.Compact(roots),
		files:       make(map[string]*SourceFile),
		graph:       graph.NewDependencyGraph(),
		resolutions: make(map[string]map[string]string),
	}

	queue := slices.Clone(p.roots)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file := queue[0]
		queue = queue[1:]
		if _, seen := p.files[file]; seen {
			continue
		}

		sf, err := host.SourceFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "building program")
		}
		p.files[file] = sf
		p.graph.AddModule(file)

		resolved := make(map[string]string)
		for _, imp := range sf.Analysis.Imports {
			if _, done := resolved[imp.Specifier]; done {
				continue
			}
			target, ok := opts.Resolver.ResolveModule(imp.Specifier, file)
			if !ok {
				resolved[imp.Specifier] = ""
				continue
			}
			resolved[imp.Specifier] = target
			p.graph.AddDependency(file, target)
			queue = append(queue, target)
		}
		p.resolutions[file] = resolved
	}

	if opts.Mode == ModeStructured {
		return &StructuredProgram{DirectProgram: p}, nil
	}
	return p, nil
}

// Mode implements Program.
func (p *DirectProgram) Mode() Mode { return ModeDirect }

// RootNames implements Program.
func (p *DirectProgram) RootNames() []string {
	return slices.Clone(p.roots)
}

// SourceFiles implements Program.
func (p *DirectProgram) SourceFiles() []string {
	return slices.Sorted(maps.Keys(p.files))
}

// SourceFile implements Program.
func (p *DirectProgram) SourceFile(id string) (*SourceFile, bool) {
	sf, ok := p.files[id]
	return sf, ok
}

// Dependencies implements Program.
func (p *DirectProgram) Dependencies(id string) []string {
	return p.graph.Dependencies(id)
}

// Dependents implements Program.
func (p *DirectProgram) Dependents(id string) []string {
	return p.graph.TransitiveDependents(id)
}

// ResolveModule implements Program.
func (p *DirectProgram) ResolveModule(specifier, containingFile string) (string, bool) {
	if res, ok := p.resolutions[containingFile]; ok {
		if target, ok := res[specifier]; ok {
			return target, target != ""
		}
	}
	return p.opts.Resolver.ResolveModule(specifier, containingFile)
}

// SyntacticDiagnostics reports parse errors in every program module.
// Phases run to completion; cancellation is observed between phases.
func (p *DirectProgram) SyntacticDiagnostics(_ context.Context) ([]diagnostics.Diagnostic, error) {
	var ds []diagnostics.Diagnostic
	for _, id := range p.SourceFiles() {
		for _, se := range p.files[id].Analysis.SyntaxErrors {
			ds = append(ds, diagnostics.Errorf(diagnostics.PhaseSyntactic,
				diagnostics.CodeSyntax, id, "%s", se.Message).At(se.Line, se.Column))
		}
	}
	return ds, nil
}

// SemanticDiagnostics reports unresolved imports and named imports the
// target module does not export. Modules from node_modules are trusted.
func (p *DirectProgram) SemanticDiagnostics(_ context.Context) ([]diagnostics.Diagnostic, error) {
	var ds []diagnostics.Diagnostic
	for _, id := range p.SourceFiles() {
		sf := p.files[id]
		if isExternal(id) || sf.IsDeclaration() {
			continue
		}

		for _, imp := range sf.Analysis.Imports {
			if target := p.resolutions[id][imp.Specifier]; target == "" {
				ds = append(ds, diagnostics.Errorf(diagnostics.PhaseSemantic,
					diagnostics.CodeCannotFindModule, id,
					"Cannot find module '%s' or its corresponding type declarations.", imp.Specifier).
					At(imp.Line, imp.Column))
			}
		}

		for _, named := range sf.Analysis.NamedImports {
			target := p.resolutions[id][named.Source]
			if target == "" {
				continue
			}
			if found, conclusive := p.exports(target, named.Name, map[string]bool{}); conclusive && !found {
				ds = append(ds, diagnostics.Errorf(diagnostics.PhaseSemantic,
					diagnostics.CodeNoExportedMember, id,
					"Module '%s' has no exported member '%s'.", named.Source, named.Name).
					At(named.Line, named.Column))
			}
		}
	}
	return ds, nil
}

// exports reports whether module exports name, following export * chains.
// The answer is inconclusive when the chain leaves the program's own
// sources or crosses a module with syntax errors.
func (p *DirectProgram) exports(module, name string, visited map[string]bool) (found, conclusive bool) {
	if visited[module] {
		return false, true
	}
	visited[module] = true

	sf, ok := p.files[module]
	if !ok || isExternal(module) || sf.IsDeclaration() || len(sf.Analysis.SyntaxErrors) > 0 {
		return false, false
	}
	if sf.Analysis.Exports.Has(name) {
		return true, true
	}
	conclusive = true
	for _, spec := range sf.Analysis.Exports.StarFrom {
		target := p.resolutions[module][spec]
		if target == "" {
			conclusive = false
			continue
		}
		f, c := p.exports(target, name, visited)
		if f {
			return true, true
		}
		conclusive = conclusive && c
	}
	return false, conclusive
}

// Emit implements Program.
func (p *DirectProgram) Emit(ctx context.Context, ids []string) (map[string]Output, []diagnostics.Diagnostic, error) {
	return p.emit(ctx, ids, nil)
}

func (p *DirectProgram) emittable(ids []string) []string {
	var out []string
	for _, id := range ids {
		if sf, ok := p.files[id]; ok && !sf.IsDeclaration() && !isExternal(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func isDeclaration(path string) bool {
	return strings.HasSuffix(path, ".d.ts")
}

func isExternal(path string) bool {
	return slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "node_modules")
}
