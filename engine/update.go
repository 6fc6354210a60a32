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
package engine

import (
	"context"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/gather"
	"bennypowers.dev/ngtools/lazyroute"
	"bennypowers.dev/ngtools/program"
)

// build is the state one Update produces before it is installed.
type build struct {
	number  uint64
	prog    program.Program
	base    []string
	roots   []string
	touched []string
	outputs map[string]program.Output
	issues  *diagnostics.Bag
}

// Update runs one build generation: it drains the changed set, rebuilds
// the program until no new lazy routes appear, emits the modules the
// changes affect and gathers or dispatches diagnostics.
//
// The generation advances even when Update fails. A failure before the
// new outputs are installed returns the drained files to the changed set.
func (e *Engine) Update(ctx context.Context) error {
	if !e.updating.TryLock() {
		return ErrUpdateInProgress
	}
	defer e.updating.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.generation++
	number := e.generation
	old, base, pending := e.prog, e.baseRoots, e.pending
	e.mu.Unlock()

	start := time.Now()
	delta, cfg := e.drain()
	b, err := e.compile(ctx, number, old, base, delta, cfg)
	if err != nil {
		e.requeue(delta)
		e.markUnchecked(number)
		e.log.Debugw("generation failed", "generation", number, "error", err)
		return err
	}
	b.issues = diagnostics.NewBag(slices.Concat(pending, b.issues.Items())...)
	e.install(b)

	err = e.diagnose(ctx, b)
	e.log.Debugw("generation complete",
		"generation", number,
		"changed", len(delta),
		"roots", len(b.roots),
		"emitted", len(b.outputs),
		"elapsed", time.Since(start))
	return err
}

func (e *Engine) compile(
	ctx context.Context,
	number uint64,
	old program.Program,
	base, delta []string,
	cfg config.Options,
) (*build, error) {
	b := &build{number: number, issues: diagnostics.NewBag()}

	var sources, resources []string
	for _, f := range delta {
		switch {
		case cfg.IsEligible(f):
			sources = append(sources, f)
		case filepath.Base(f) == "package.json":
			e.resolver.InvalidatePackage(f)
		default:
			resources = append(resources, f)
		}
	}
	b.touched = union(sources, resourceOwners(old, resources))

	if queued := e.takeWorkerRoutes(); len(queued) > 0 {
		kept, _ := lazyroute.Existing(queued, e.host.FileExists)
		if _, err := e.routes.Merge(kept); err != nil {
			e.log.Warnw("worker reported conflicting lazy routes", "generation", number, "error", err)
		}
	}

	for _, f := range sources {
		if e.host.FileExists(f) {
			continue
		}
		if removed := e.routes.DropDeclarer(f); len(removed) > 0 {
			e.log.Debugw("dropped lazy routes", "declarer", f, "routes", removed)
		}
	}

	structural := e.host.Refresh(b.touched)
	if structural {
		e.resolver.Reset()
	}
	if old == nil || structural || base == nil {
		var err error
		if base, err = e.baseRootNames(cfg); err != nil {
			return nil, err
		}
	}
	b.base = base

	// Declarers of routes to modules that no longer exist are scanned
	// and emitted again so the route is reported and left out.
	for _, target := range e.routes.Targets() {
		if e.host.FileExists(target) {
			continue
		}
		declarers := e.routes.DropTarget(target)
		e.log.Debugw("dropped lazy routes to a missing module", "target", target, "declarers", declarers)
		b.touched = union(b.touched, declarers)
	}

	var (
		p        program.Program
		warnings []diagnostics.Diagnostic
	)
	roots := union(base, e.routes.Targets())
	for i := 1; ; i++ {
		var err error
		p, err = program.Build(ctx, e.host, e.popts, roots)
		if err != nil {
			return nil, errors.Wrapf(err, "generation %d", number)
		}

		routes, scanned, unresolved := e.extract(p, old, b.touched)
		routes, missing := lazyroute.Existing(routes, e.host.FileExists)
		// Missing configured modules were reported when the options were
		// validated.
		configured, _ := lazyroute.Existing(
			lazyroute.Additional(cfg.AdditionalLazyModules, cfg.BasePath), e.host.FileExists)
		warnings = slices.Concat(unresolved, missing)

		if _, err := e.routes.Replace(append(scanned, ""), append(routes, configured...)); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "generation %d", number), config.ErrInvalidConfig)
		}

		next := union(base, e.routes.Targets())
		if slices.Equal(next, roots) {
			break
		}
		if i == maxRouteIterations {
			e.log.Warnw("lazy routes did not settle, deferring the rest to the next generation",
				"generation", number, "iterations", i)
			break
		}
		roots = next
	}
	b.prog = p
	b.roots = roots
	b.issues.Add(warnings...)

	outputs, ds, err := e.emit(ctx, p, e.emitSet(p, old, b.touched))
	if err != nil {
		return nil, errors.Wrapf(err, "emitting generation %d", number)
	}
	b.outputs = outputs
	b.issues.Add(ds...)
	return b, nil
}

// extract lists the lazy routes a generation contributes and the modules
// they were read from. The first structured generation asks the program
// for its whole table; after that only changed and newly reachable
// modules are scanned.
func (e *Engine) extract(p, old program.Program, touched []string) ([]lazyroute.Route, []string, []diagnostics.Diagnostic) {
	if sp, ok := p.(program.Structural); ok && old == nil {
		routes, warnings := lazyroute.WholeProgram(sp)
		return routes, p.SourceFiles(), warnings
	}
	var scan []string
	for _, id := range touched {
		if _, ok := p.SourceFile(id); ok {
			scan = append(scan, id)
		}
	}
	for _, id := range p.SourceFiles() {
		if old == nil {
			scan = append(scan, id)
		} else if _, ok := old.SourceFile(id); !ok {
			scan = append(scan, id)
		}
	}
	scan = union(scan)
	routes, warnings := lazyroute.Static(p, scan)
	return routes, scan, warnings
}

// emitSet returns the modules to emit: every module on the first
// generation, then each changed module, the importers of modules whose
// exported shape changed or that were removed, and modules without a
// record.
func (e *Engine) emitSet(p, old program.Program, touched []string) []string {
	if old == nil {
		return p.SourceFiles()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	add := func(ids ...string) {
		for _, id := range ids {
			if _, ok := p.SourceFile(id); ok {
				set[id] = struct{}{}
			}
		}
	}
	for _, id := range touched {
		sf, ok := p.SourceFile(id)
		if !ok {
			if _, was := old.SourceFile(id); was {
				add(old.Dependents(id)...)
			}
			continue
		}
		add(id)
		if shape, known := e.shapes[id]; !known || shape != sf.Analysis.ShapeHash {
			add(p.Dependents(id)...)
		}
	}
	for _, id := range p.SourceFiles() {
		if _, ok := e.records[id]; !ok {
			add(id)
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// emit serves what it can from the persistent cache and transpiles the
// rest.
func (e *Engine) emit(ctx context.Context, p program.Program, ids []string) (map[string]program.Output, []diagnostics.Diagnostic, error) {
	outputs := make(map[string]program.Output, len(ids))
	misses := ids
	if e.cache != nil {
		misses = nil
		for _, id := range ids {
			sf, _ := p.SourceFile(id)
			out, ok, err := e.cache.Get(id, sf.ContentHash)
			if err != nil {
				e.log.Debugw("emit cache read failed", "file", id, "error", err)
			}
			if ok {
				outputs[id] = out
				continue
			}
			misses = append(misses, id)
		}
	}

	emitted, ds, err := p.Emit(ctx, misses)
	if err != nil {
		return nil, nil, err
	}
	for id, out := range emitted {
		outputs[id] = out
		if e.cache == nil {
			continue
		}
		sf, _ := p.SourceFile(id)
		if err := e.cache.Put(id, sf.ContentHash, out); err != nil {
			e.log.Warnw("emit cache write failed", "file", id, "error", err)
		}
	}
	return outputs, ds, nil
}

func (e *Engine) install(b *build) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prog = b.prog
	e.baseRoots = b.base
	e.roots = b.roots
	e.issues = b.issues
	e.local = nil
	e.pending = nil
	e.emitted = slices.Sorted(maps.Keys(b.outputs))
	for id, out := range b.outputs {
		e.records[id] = &CompiledFile{OutputText: out.Text, SourceMap: out.SourceMap}
	}
	for _, id := range b.prog.SourceFiles() {
		if sf, ok := b.prog.SourceFile(id); ok {
			e.shapes[id] = sf.Analysis.ShapeHash
		}
	}
}

// diagnose gathers diagnostics locally or hands the generation to the
// type checker. Worker failures never fail the build; they are reported
// as a warning instead.
func (e *Engine) diagnose(ctx context.Context, b *build) error {
	if e.bridge != nil {
		if err := e.bridge.Start(ctx); err != nil {
			e.checkerUnavailable(b.number, "type checker unavailable", err)
		} else if err := e.bridge.Update(ctx, b.number, b.roots, b.touched); err != nil {
			e.checkerUnavailable(b.number, "type checker update failed", err)
		}
		e.markErrorDependencies(b.prog)
		return nil
	}

	bag, err := gather.Gather(ctx, b.prog, e.mode)
	e.mu.Lock()
	e.local = bag
	e.issues.Add(bag.Items()...)
	e.mu.Unlock()
	e.markErrorDependencies(b.prog)
	if err != nil {
		return errors.Wrapf(err, "diagnostics for generation %d", b.number)
	}
	return nil
}

func (e *Engine) checkerUnavailable(n uint64, msg string, err error) {
	e.log.Warnw(msg, "generation", n, "error", err)
	e.mu.Lock()
	e.issues.Add(diagnostics.Warningf(diagnostics.PhaseBuild, diagnostics.CodeTypeCheckSkipped, "",
		"Generation %d was not type checked: %s", n, err))
	e.mu.Unlock()
	e.markUnchecked(n)
}

// markErrorDependencies records, for every compiled module of p, the
// modules it transitively imports that currently have errors.
func (e *Engine) markErrorDependencies(p program.Program) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markErrorDependenciesLocked(p)
}

// markErrorDependenciesLocked counts the worker's errors too once it has
// reported on the current generation.
func (e *Engine) markErrorDependenciesLocked(p program.Program) {
	errs := e.issues.Errors()
	if e.report != nil && e.report.Generation == e.generation {
		errs = append(errs, diagnostics.NewBag(e.report.Diagnostics...).Errors()...)
	}
	failing := make(map[string]bool)
	for _, d := range errs {
		failing[d.File] = true
	}
	for _, id := range p.SourceFiles() {
		rec, ok := e.records[id]
		if !ok {
			continue
		}
		var deps []string
		for _, dep := range transitiveDependencies(p, id) {
			if failing[dep] {
				deps = append(deps, dep)
			}
		}
		rec.ErrorDependencies = deps
	}
}

func (e *Engine) baseRootNames(cfg config.Options) ([]string, error) {
	roots, err := e.tsconfig.RootFiles(e.fs)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "listing root files"),
			"check the files and include entries of the base configuration")
	}
	if cfg.MainPath != "" {
		roots = append(roots, cfg.MainPath)
	}
	return union(roots, cfg.SingleFileIncludes), nil
}

// resourceOwners returns the modules of p whose components reference one
// of resources.
func resourceOwners(p program.Program, resources []string) []string {
	if p == nil || len(resources) == 0 {
		return nil
	}
	var owners []string
	for _, id := range p.SourceFiles() {
		for _, dep := range p.ResourceDependencies(id) {
			if slices.Contains(resources, dep) {
				owners = append(owners, id)
				break
			}
		}
	}
	return owners
}

func transitiveDependencies(p program.Program, id string) []string {
	visited := map[string]bool{id: true}
	var out []string
	queue := p.Dependencies(id)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if visited[dep] {
			continue
		}
		visited[dep] = true
		out = append(out, dep)
		queue = append(queue, p.Dependencies(dep)...)
	}
	slices.Sort(out)
	return out
}

// union returns the sorted, deduplicated concatenation of lists.
func union(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
