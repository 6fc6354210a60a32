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
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/internal/mapfs"
	"bennypowers.dev/ngtools/lazyroute"
	"bennypowers.dev/ngtools/testutil"
	"bennypowers.dev/ngtools/typecheck"
)

const tsconfig = `{
  // comments are allowed
  "compilerOptions": {"target": "es2022", "baseUrl": "."},
  "files": ["src/main.ts"],
}`

func project(files map[string]string) map[string]string {
	out := map[string]string{"/p/tsconfig.json": tsconfig}
	for k, v := range files {
		out[k] = v
	}
	return out
}

func newEngine(t *testing.T, fsys fs.FileSystem, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Config: config.Options{TSConfigPath: "/p/tsconfig.json"},
		FS:     fsys,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func write(t *testing.T, e *Engine, mfs *mapfs.MapFileSystem, path, content string) {
	t.Helper()
	require.NoError(t, mfs.WriteFile(path, []byte(content), 0644))
	e.NotifyChanged(path)
}

var shapeFiles = map[string]string{
	"/p/src/main.ts": "import { b } from './b';\nexport const a = b();\n",
	"/p/src/b.ts":    "export function b() {\n  return 1;\n}\n",
}

func TestFirstGeneration(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()

	_, err := e.CompiledFile("/p/src/main.ts")
	assert.True(t, errors.Is(err, ErrNotCompiled), "no record before the first update")
	_, err = e.Dependencies("/p/src/main.ts")
	assert.True(t, errors.Is(err, ErrNotCompiled))

	require.NoError(t, e.Update(ctx))
	assert.Equal(t, uint64(1), e.Generation())
	assert.Equal(t, []string{"/p/src/main.ts"}, e.RootNames())
	assert.Equal(t, []string{"/p/src/b.ts", "/p/src/main.ts"}, e.Emitted())

	rec, err := e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	assert.Contains(t, rec.OutputText, "export const a")

	deps, err := e.Dependencies("/p/src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/src/b.ts"}, deps)
	assert.Empty(t, e.Errors())
}

func TestCacheStability(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()

	require.NoError(t, e.Update(ctx))
	before, err := e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)

	require.NoError(t, e.Update(ctx))
	assert.Equal(t, uint64(2), e.Generation())
	assert.Empty(t, e.Emitted(), "nothing changed, nothing is emitted")
	after, err := e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestShapeChangeReemitsImporters(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))

	write(t, e, mfs, "/p/src/b.ts", "export function b() {\n  return 2;\n}\n")
	require.NoError(t, e.Update(ctx))
	assert.Equal(t, []string{"/p/src/b.ts"}, e.Emitted(), "a body change leaves importers alone")
	rec, err := e.CompiledFile("/p/src/b.ts")
	require.NoError(t, err)
	assert.Contains(t, rec.OutputText, "return 2")

	write(t, e, mfs, "/p/src/b.ts", "export function b(n = 3) {\n  return n;\n}\n")
	require.NoError(t, e.Update(ctx))
	assert.Equal(t, []string{"/p/src/b.ts", "/p/src/main.ts"}, e.Emitted(), "a shape change re-emits importers")
}

func TestDeletedModule(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))

	require.NoError(t, mfs.Remove("/p/src/b.ts"))
	e.NotifyChanged("src/b.ts")
	require.NoError(t, e.Update(ctx))

	assert.Equal(t, []string{"/p/src/main.ts"}, e.Emitted())
	_, err := e.Dependencies("/p/src/b.ts")
	assert.True(t, errors.Is(err, ErrNotCompiled), "removed module is no longer in the program")
	_, err = e.CompiledFile("/p/src/b.ts")
	assert.NoError(t, err, "records outlive the module")

	errs := e.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, diagnostics.CodeCannotFindModule, errs[0].Code)
	assert.Equal(t, "/p/src/main.ts", errs[0].File)
}

func TestErrorDependencies(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(map[string]string{
		"/p/src/main.ts": "import { b } from './b';\nexport const a = b;\n",
		"/p/src/b.ts":    "import { c } from './c';\nexport const b = c;\n",
		"/p/src/c.ts":    "import { x } from './missing';\nexport const c = x;\n",
	}))
	e := newEngine(t, mfs)
	require.NoError(t, e.Update(context.Background()))

	rec, err := e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/src/c.ts"}, rec.ErrorDependencies)

	rec, err = e.CompiledFile("/p/src/c.ts")
	require.NoError(t, err)
	assert.Empty(t, rec.ErrorDependencies)
}

func TestResourceChangeReemitsComponent(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(map[string]string{
		"/p/src/main.ts": "import { AppComponent } from './app.component';\nexport { AppComponent };\n",
		"/p/src/core.ts": "export function Component(config: any) {\n  return (target: any) => target;\n}\n",
		"/p/src/app.component.ts": `import { Component } from './core';

@Component({ selector: 'app-root', templateUrl: './app.component.html', styleUrls: ['./app.component.css'] })
export class AppComponent {}
`,
		"/p/src/app.component.html": "<h1>hi</h1>\n",
		"/p/src/app.component.css":  "h1 { color: red; }\n",
	}))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))
	assert.Equal(t, []string{
		"/p/src/app.component.css",
		"/p/src/app.component.html",
	}, e.ResourceDependencies("/p/src/app.component.ts"))

	write(t, e, mfs, "/p/src/app.component.html", "<h1>hello</h1>\n")
	require.NoError(t, e.Update(ctx))
	assert.Equal(t, []string{"/p/src/app.component.ts"}, e.Emitted())
}

func TestUpdateChangedFileExtensions(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))

	e.UpdateChangedFileExtensions(".tsx")
	assert.Equal(t, uint64(1), e.Generation(), "changing extensions does not compile")

	write(t, e, mfs, "/p/src/b.ts", "export function b() {\n  return 2;\n}\n")
	require.NoError(t, e.Update(ctx))
	assert.Empty(t, e.Emitted(), ".ts changes are no longer re-parsed")
}

// gatedFS blocks reads while armed until the gate opens.
type gatedFS struct {
	*mapfs.MapFileSystem
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedFS) ReadFile(name string) ([]byte, error) {
	if g.armed.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.MapFileSystem.ReadFile(name)
}

func TestConcurrentUpdateRejected(t *testing.T) {
	gfs := &gatedFS{
		MapFileSystem: testutil.NewProjectFS(t, project(shapeFiles)),
		entered:       make(chan struct{}),
		gate:          make(chan struct{}),
	}
	e := newEngine(t, gfs)
	ctx := context.Background()

	gfs.armed.Store(true)
	first := make(chan error, 1)
	go func() { first <- e.Update(ctx) }()

	select {
	case <-gfs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first update never read a file")
	}
	err := e.Update(ctx)
	assert.True(t, errors.Is(err, ErrUpdateInProgress), "expected ErrUpdateInProgress, got %v", err)

	_, err = e.CompiledFile("/p/src/main.ts")
	assert.True(t, errors.Is(err, ErrNotCompiled), "readers are not blocked by an update")

	close(gfs.gate)
	require.NoError(t, <-first)
	assert.Equal(t, uint64(1), e.Generation(), "a rejected update does not advance the generation")
}

func TestLazyRouteFixedPoint(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(map[string]string{
		"/p/src/main.ts":              "export const routes = [{ path: 'lazy', loadChildren: './lazy/lazy.module#LazyModule' }];\n",
		"/p/src/lazy/lazy.module.ts":  "export const routes = [{ path: 'child', loadChildren: './child.module#ChildModule' }];\nexport class LazyModule {}\n",
		"/p/src/lazy/child.module.ts": "export class ChildModule {}\n",
	}))
	e := newEngine(t, mfs, func(o *Options) { o.Config.NameLazyFiles = true })
	require.NoError(t, e.Update(context.Background()))

	assert.Equal(t, []string{
		"/p/src/lazy/child.module.ts",
		"/p/src/lazy/lazy.module.ts",
		"/p/src/main.ts",
	}, e.RootNames())
	assert.Equal(t, []lazyroute.Entry{
		{
			ID:        "./child.module#ChildModule",
			Target:    "/p/src/lazy/child.module.ts",
			ChunkName: "child-module",
			Declarers: []string{"/p/src/lazy/lazy.module.ts"},
		},
		{
			ID:        "./lazy/lazy.module#LazyModule",
			Target:    "/p/src/lazy/lazy.module.ts",
			ChunkName: "lazy-lazy-module",
			Declarers: []string{"/p/src/main.ts"},
		},
	}, e.LazyRoutes())

	rec, err := e.CompiledFile("/p/src/lazy/child.module.ts")
	require.NoError(t, err)
	assert.Contains(t, rec.OutputText, "ChildModule")

	rec, err = e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	assert.Contains(t, rec.OutputText, "import(\"./lazy/lazy.module\")")
}

func TestLazyRouteConflictFailsFast(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(map[string]string{
		"/p/src/main.ts":   "import './a/x';\nimport './b/y';\n",
		"/p/src/a/x.ts":    "export const routes = [{ loadChildren: './lazy#LazyModule' }];\n",
		"/p/src/a/lazy.ts": "export class LazyModule {}\n",
		"/p/src/b/y.ts":    "export const routes = [{ loadChildren: './lazy#LazyModule' }];\n",
		"/p/src/b/lazy.ts": "export class LazyModule {}\n",
	}))
	e := newEngine(t, mfs)

	err := e.Update(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, lazyroute.ErrRouteConflict))
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	_, err = e.CompiledFile("/p/src/main.ts")
	assert.True(t, errors.Is(err, ErrNotCompiled), "nothing is installed for a failed generation")
}

var lazyFiles = map[string]string{
	"/p/src/main.ts":             "export const routes = [{ path: 'lazy', loadChildren: './lazy/lazy.module#LazyModule' }];\n",
	"/p/src/lazy/lazy.module.ts": "export class LazyModule {}\n",
}

func hasCode(ds []diagnostics.Diagnostic, code int, file string) bool {
	return slices.ContainsFunc(ds, func(d diagnostics.Diagnostic) bool {
		return d.Code == code && d.File == file
	})
}

func TestRouteRemovedFromDeclarer(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(lazyFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))
	require.Len(t, e.LazyRoutes(), 1)

	write(t, e, mfs, "/p/src/main.ts", "export const routes = [];\n")
	require.NoError(t, e.Update(ctx))
	assert.Empty(t, e.LazyRoutes(), "a route its declarer no longer declares is dropped")
	assert.Equal(t, []string{"/p/src/main.ts"}, e.RootNames())
}

func TestDeletedLazyRouteTarget(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(lazyFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))

	require.NoError(t, mfs.Remove("/p/src/lazy/lazy.module.ts"))
	e.NotifyChanged("src/lazy/lazy.module.ts")
	require.NoError(t, e.Update(ctx), "a missing route target does not fail the generation")
	assert.Empty(t, e.LazyRoutes())
	assert.Equal(t, []string{"/p/src/main.ts"}, e.RootNames())
	assert.True(t, hasCode(e.Warnings(), diagnostics.CodeLazyRouteMissing, "/p/src/main.ts"),
		"the declarer is warned about, got %v", e.Warnings())
	assert.Contains(t, e.Emitted(), "/p/src/main.ts", "the declarer is emitted again")

	write(t, e, mfs, "/p/src/main.ts", "export const routes = [];\n")
	require.NoError(t, e.Update(ctx))
	assert.False(t, hasCode(e.Warnings(), diagnostics.CodeLazyRouteMissing, "/p/src/main.ts"))

	write(t, e, mfs, "/p/src/lazy/lazy.module.ts", lazyFiles["/p/src/lazy/lazy.module.ts"])
	write(t, e, mfs, "/p/src/main.ts", lazyFiles["/p/src/main.ts"])
	require.NoError(t, e.Update(ctx))
	assert.Equal(t, []string{"/p/src/lazy/lazy.module.ts", "/p/src/main.ts"}, e.RootNames())
}

func TestMissingTargetNotNotified(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(lazyFiles))
	e := newEngine(t, mfs)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))

	require.NoError(t, mfs.Remove("/p/src/lazy/lazy.module.ts"))
	require.NoError(t, e.Update(ctx))
	assert.Empty(t, e.LazyRoutes())
	assert.Equal(t, []string{"/p/src/main.ts"}, e.RootNames())
}

func TestAdditionalLazyModules(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(map[string]string{
		"/p/src/main.ts":  "export const main = true;\n",
		"/p/src/extra.ts": "export class ExtraModule {}\n",
	}))
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.AdditionalLazyModules = map[string]string{"./extra#ExtraModule": "src/extra.ts"}
	})
	require.NoError(t, e.Update(context.Background()))

	assert.Equal(t, []string{"/p/src/extra.ts", "/p/src/main.ts"}, e.RootNames())
	_, err := e.CompiledFile("/p/src/extra.ts")
	assert.NoError(t, err)
}

func TestMissingAdditionalLazyModule(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.AdditionalLazyModules = map[string]string{"./extra#ExtraModule": "src/extra.ts"}
	})
	require.NoError(t, e.Update(context.Background()))
	assert.Equal(t, []string{"/p/src/main.ts"}, e.RootNames())
	missing := slices.DeleteFunc(e.Warnings(), func(d diagnostics.Diagnostic) bool {
		return d.Code != diagnostics.CodeLazyRouteMissing
	})
	require.Len(t, missing, 1, "the missing module is reported once")
	assert.Equal(t, "/p/src/extra.ts", missing[0].File)
}

func TestInvalidConfiguration(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))

	_, err := New(Options{
		Config: config.Options{TSConfigPath: "/p/tsconfig.json", Locale: "not a locale!"},
		FS:     mfs,
	})
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	_, err = New(Options{Config: config.Options{TSConfigPath: "/p/missing.json"}, FS: mfs})
	assert.Error(t, err, "a missing base configuration fails setup")
}

func TestConfigWarningsReportedOnce(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.I18nInFile = "src/messages.xlf"
		o.Config.MissingTranslation = config.MissingTranslationWarning
	})
	ctx := context.Background()

	require.NoError(t, e.Update(ctx))
	warnings := e.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, diagnostics.CodeTranslation, warnings[0].Code)

	require.NoError(t, e.Update(ctx))
	assert.Empty(t, e.Warnings())
}

func TestPersistentEmitCache(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	withCache := func(o *Options) { o.Config.CacheDir = ".cache" }
	ctx := context.Background()

	first := newEngine(t, mfs, withCache)
	require.NoError(t, first.Update(ctx))
	hits, misses := first.CacheStats()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(2), misses)

	second := newEngine(t, mfs, withCache)
	require.NoError(t, second.Update(ctx))
	hits, misses = second.CacheStats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(0), misses)

	a, err := first.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	b, err := second.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, a.OutputText, b.OutputText)
}

func TestCloseRejectsUpdate(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs)
	require.NoError(t, e.Close(context.Background()))
	assert.True(t, errors.Is(e.Update(context.Background()), ErrClosed))
	assert.NoError(t, e.Close(context.Background()), "closing twice is harmless")
}

func forked(t *testing.T, files map[string]string) (*Engine, *mapfs.MapFileSystem, *typecheck.PipeLauncher) {
	t.Helper()
	mfs := testutil.NewProjectFS(t, project(files))
	launcher := &typecheck.PipeLauncher{NewChecker: func() typecheck.Checker {
		return typecheck.NewProgramChecker(mfs)
	}}
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.ForkTypeChecker = true
		o.Launcher = launcher
	})
	return e, mfs, launcher
}

func waitForReport(t *testing.T, e *Engine, generation uint64) typecheck.Report {
	t.Helper()
	var report typecheck.Report
	require.Eventually(t, func() bool {
		r, ok := e.WorkerReport()
		report = r
		return ok && r.Generation == generation
	}, 5*time.Second, 10*time.Millisecond)
	return report
}

func TestForkedTypeChecking(t *testing.T) {
	e, _, _ := forked(t, map[string]string{
		"/p/src/main.ts": "import { x } from './missing';\nexport const y = x;\n",
	})
	require.NoError(t, e.Update(context.Background()))

	_, err := e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err, "emission does not wait for the worker")
	assert.Empty(t, e.Diagnostics(), "diagnostics are not gathered locally")

	session, ok := e.WorkerSession()
	require.True(t, ok)
	require.True(t, session.Alive, "the worker accepted the init handshake")

	report := waitForReport(t, e, 1)
	require.Len(t, report.Diagnostics, 1)
	assert.Equal(t, diagnostics.CodeCannotFindModule, report.Diagnostics[0].Code)
	assert.False(t, hasCode(e.Warnings(), diagnostics.CodeTypeCheckSkipped, ""))
}

func TestForkedErrorDependencies(t *testing.T) {
	e, _, _ := forked(t, map[string]string{
		"/p/src/main.ts": "import { b } from './b';\nexport const a = b;\n",
		"/p/src/b.ts":    "import { x } from './missing';\nexport const b = x;\n",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Update(ctx))

	_, err := e.AwaitReport(ctx, 1)
	require.NoError(t, err)
	rec, err := e.CompiledFile("/p/src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/src/b.ts"}, rec.ErrorDependencies)
}

func TestWorkerRoutesMergedByUpdate(t *testing.T) {
	files := maps.Clone(shapeFiles)
	files["/p/src/extra.ts"] = "export class ExtraModule {}\n"
	e, _, _ := forked(t, files)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))
	waitForReport(t, e, 1)

	require.True(t, e.acceptReport(typecheck.Report{Generation: 1, Routes: []lazyroute.Route{
		{ID: "./extra#ExtraModule", Target: "/p/src/extra.ts", ExportName: "ExtraModule", Declarer: "/p/src/b.ts"},
	}}))
	assert.Empty(t, e.LazyRoutes(), "worker routes wait for the next update")

	require.NoError(t, e.Update(ctx))
	routes := e.LazyRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/p/src/extra.ts", routes[0].Target)
	assert.Contains(t, e.RootNames(), "/p/src/extra.ts")
}

// failingChecker rejects the init handshake.
type failingChecker struct{ stallChecker }

func (failingChecker) Init(context.Context, typecheck.InitParams) error {
	return errors.New("no compiler here")
}

func TestWorkerStartFailureWarns(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.ForkTypeChecker = true
		o.Launcher = &typecheck.PipeLauncher{NewChecker: func() typecheck.Checker { return failingChecker{} }}
	})
	require.NoError(t, e.Update(context.Background()), "a worker that cannot start never fails the build")
	assert.True(t, hasCode(e.Warnings(), diagnostics.CodeTypeCheckSkipped, ""), "got %v", e.Warnings())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.AwaitReport(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotChecked), "got %v", err)
}

func TestStaleReportDiscarded(t *testing.T) {
	e, _, _ := forked(t, shapeFiles)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))
	waitForReport(t, e, 1)
	require.NoError(t, e.Update(ctx))
	waitForReport(t, e, 2)

	assert.False(t, e.acceptReport(typecheck.Report{Generation: 1, Session: "old"}))
	r, ok := e.WorkerReport()
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.Generation)
}

func TestWorkerCrashRecovery(t *testing.T) {
	e, mfs, launcher := forked(t, shapeFiles)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx))
	first := waitForReport(t, e, 1)

	require.NoError(t, launcher.Launched()[0].Kill())
	require.Eventually(t, func() bool {
		s, _ := e.WorkerSession()
		return !s.Alive
	}, 5*time.Second, 10*time.Millisecond)

	write(t, e, mfs, "/p/src/b.ts", "export function b() {\n  return 2;\n}\n")
	require.NoError(t, e.Update(ctx), "a dead worker never fails the build")

	report := waitForReport(t, e, 2)
	assert.NotEqual(t, first.Session, report.Session, "diagnostics come from a fresh worker")
	assert.Empty(t, report.Diagnostics)
	session, ok := e.WorkerSession()
	require.True(t, ok)
	assert.Equal(t, 1, session.Restarts)
	assert.Len(t, launcher.Launched(), 2)
}

func TestAwaitReportNotChecked(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(map[string]string{
		"/p/src/main.ts":   "import './a/x';\nimport './b/y';\n",
		"/p/src/a/x.ts":    "export const routes = [{ loadChildren: './lazy#LazyModule' }];\n",
		"/p/src/a/lazy.ts": "export class LazyModule {}\n",
		"/p/src/b/y.ts":    "export const routes = [{ loadChildren: './lazy#LazyModule' }];\n",
		"/p/src/b/lazy.ts": "export class LazyModule {}\n",
	}))
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.ForkTypeChecker = true
		o.Launcher = &typecheck.PipeLauncher{NewChecker: func() typecheck.Checker {
			return typecheck.NewProgramChecker(mfs)
		}}
	})
	require.Error(t, e.Update(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.AwaitReport(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotChecked), "a failed generation is never checked, got %v", err)
}

// stallChecker never finishes a check on its own.
type stallChecker struct{}

func (stallChecker) Init(context.Context, typecheck.InitParams) error { return nil }

func (stallChecker) Check(ctx context.Context, _ typecheck.Request) (typecheck.Result, error) {
	<-ctx.Done()
	return typecheck.Result{}, ctx.Err()
}

func TestAwaitReportWorkerDead(t *testing.T) {
	mfs := testutil.NewProjectFS(t, project(shapeFiles))
	launcher := &typecheck.PipeLauncher{NewChecker: func() typecheck.Checker { return stallChecker{} }}
	e := newEngine(t, mfs, func(o *Options) {
		o.Config.ForkTypeChecker = true
		o.Launcher = launcher
	})
	require.NoError(t, e.Update(context.Background()))
	require.NoError(t, launcher.Launched()[0].Kill())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.AwaitReport(ctx, 1)
	assert.True(t, errors.Is(err, typecheck.ErrWorkerDead), "got %v", err)
}
