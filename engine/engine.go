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

// Package engine owns the compilation across build generations. It
// tracks changed files, rebuilds the program, emits the modules a change
// affects, keeps the lazy route map and coordinates local or forked
// diagnostics.
package engine

import (
	"context"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/emitcache"
	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/internal/logger"
	"bennypowers.dev/ngtools/lazyroute"
	"bennypowers.dev/ngtools/pathmap"
	"bennypowers.dev/ngtools/program"
	"bennypowers.dev/ngtools/resolve"
	"bennypowers.dev/ngtools/typecheck"
)

var (
	// ErrNotCompiled is returned for modules no generation has emitted.
	ErrNotCompiled = errors.New("module has not been compiled")
	// ErrUpdateInProgress rejects an Update while another is running.
	ErrUpdateInProgress = errors.New("update already in progress")
	// ErrClosed is returned by Update after Close.
	ErrClosed = errors.New("engine closed")
	// ErrNotChecked is returned by AwaitReport for a generation the type
	// checker will never report on.
	ErrNotChecked = errors.New("generation was not type checked")
)

// awaitPoll is how often AwaitReport checks whether the worker died.
const awaitPoll = 100 * time.Millisecond

// maxRouteIterations caps how often one generation rebuilds the program
// for newly discovered lazy routes.
const maxRouteIterations = 10

// CompiledFile is the emitted form of one module.
type CompiledFile struct {
	OutputText string
	SourceMap  string
	// ErrorDependencies are modules this one transitively imports that
	// have Error diagnostics in the current generation.
	ErrorDependencies []string
}

// Options configures New.
type Options struct {
	Config config.Options
	FS     fs.FileSystem
	// Launcher starts type checker workers when Config.ForkTypeChecker is
	// set. Defaults to running this executable's worker command.
	Launcher typecheck.Launcher
	// Concurrency bounds parallel emission; zero means GOMAXPROCS.
	Concurrency int
}

// Engine is the incremental compilation engine. Update is single-writer;
// the accessors may be called concurrently with each other and with
// Update.
type Engine struct {
	fs       fs.FileSystem
	mode     program.Mode
	tsconfig *config.TSConfig
	resolver *resolve.Resolver
	mapper   *pathmap.Mapper
	host     *program.Host
	popts    program.Options
	routes   *lazyroute.Map
	cache    *emitcache.Cache
	bridge   *typecheck.Bridge
	log      *zap.SugaredLogger

	updating sync.Mutex

	// changedMu guards changed and cfg.ChangedFileExtensions.
	changedMu sync.Mutex
	changed   map[string]struct{}
	cfg       config.Options

	mu         sync.RWMutex
	closed     bool
	generation uint64
	prog       program.Program
	baseRoots  []string
	roots      []string
	records    map[string]*CompiledFile
	emitted    []string
	shapes     map[string]string
	local      *diagnostics.Bag
	issues     *diagnostics.Bag
	report     *typecheck.Report
	// pending holds configuration warnings until the first generation
	// reports them.
	pending    []diagnostics.Diagnostic

	// workerRoutes are the routes of the last accepted report, merged by
	// the next Update.
	workerRoutes []lazyroute.Route

	// unchecked is the last generation that was never handed to the
	// type checker.
	unchecked uint64
	// reportReady is closed and replaced whenever a report is accepted
	// or a generation is marked unchecked.
	reportReady chan struct{}

	done        chan struct{}
	reportsDone chan struct{}
}

// New validates the options, loads the base configuration and prepares
// the engine. Nothing is compiled until the first Update.
func New(opts Options) (*Engine, error) {
	if opts.FS == nil {
		opts.FS = fs.NewOSFileSystem()
	}
	cfg := opts.Config
	warnings, err := cfg.Validate(opts.FS)
	if err != nil {
		return nil, err
	}

	tsconfig, err := config.LoadTSConfig(opts.FS, cfg.TSConfigPath)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "loading base configuration"),
			"check that tsConfigPath points at a readable tsconfig.json")
	}
	if cfg.EntryModule == "" && tsconfig.AngularCompilerOptions.EntryModule != "" {
		entry := tsconfig.AngularCompilerOptions.EntryModule
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(tsconfig.Dir(), entry)
		}
		cfg.EntryModule = entry
	}

	resolver, err := resolve.New(opts.FS, resolve.Options{
		BaseURL: tsconfig.PathsBase(),
		Paths:   tsconfig.CompilerOptions.Paths,
	})
	if err != nil {
		return nil, err
	}

	mode := program.ModeDirect
	if cfg.StructuredMode() {
		mode = program.ModeStructured
	}
	entryPath, entryClass, _ := cfg.EntryModuleRef()
	sourceMap := cfg.SourceMap || tsconfig.CompilerOptions.SourceMap

	e := &Engine{
		fs:       opts.FS,
		mode:     mode,
		tsconfig: tsconfig,
		resolver: resolver,
		mapper:   pathmap.New(opts.FS, tsconfig.PathsBase(), tsconfig.CompilerOptions.Paths, resolver),
		host:     program.NewHost(opts.FS, cfg.HostReplacementPaths),
		popts: program.Options{
			Mode:            mode,
			Resolver:        resolver,
			SourceMap:       sourceMap,
			Platform:        cfg.Platform,
			CompilerOptions: tsconfig.CompilerOptions,
			EntryModule:     entryPath,
			EntryClass:      entryClass,
			Concurrency:     opts.Concurrency,
		},
		routes:  lazyroute.NewMap(cfg.NameLazyFiles),
		log:     logger.Named("engine"),
		changed: make(map[string]struct{}),
		cfg:     cfg,
		records: make(map[string]*CompiledFile),
		shapes:  make(map[string]string),
		pending: warnings,
		done:    make(chan struct{}),

		reportReady: make(chan struct{}),
	}

	if cfg.CacheDir != "" {
		if err := e.openCache(cfg.CacheDir); err != nil {
			return nil, err
		}
	}

	if cfg.ForkTypeChecker {
		launcher := opts.Launcher
		if launcher == nil {
			launcher = typecheck.ExecLauncher{}
		}
		params := typecheck.InitParams{
			TSConfigPath:         cfg.TSConfigPath,
			BasePath:             cfg.BasePath,
			Structured:           mode == program.ModeStructured,
			HostReplacementPaths: cfg.HostReplacementPaths,
			Platform:             cfg.Platform,
		}
		if entryPath != "" {
			params.EntryModule = entryPath + "#" + entryClass
		}
		e.bridge = typecheck.NewBridge(launcher, params, 0)
		e.reportsDone = make(chan struct{})
		go e.consumeReports()
	}

	e.log.Debugw("engine ready",
		"mode", mode.String(),
		"tsconfig", cfg.TSConfigPath,
		"forked", cfg.ForkTypeChecker)
	return e, nil
}

// emitFingerprint lists the options that change emitted text.
type emitFingerprint struct {
	Mode                    string
	Target                  string
	Platform                string
	SourceMap               bool
	ExperimentalDecorators  bool
	UseDefineForClassFields *bool
}

func (e *Engine) openCache(dir string) error {
	fp, err := emitcache.Fingerprint(emitFingerprint{
		Mode:                    e.mode.String(),
		Target:                  e.popts.CompilerOptions.Target,
		Platform:                e.popts.Platform.String(),
		SourceMap:               e.popts.SourceMap,
		ExperimentalDecorators:  e.popts.CompilerOptions.ExperimentalDecorators,
		UseDefineForClassFields: e.popts.CompilerOptions.UseDefineForClassFields,
	})
	if err != nil {
		return err
	}
	cache, err := emitcache.Open(e.fs, dir, fp)
	if err != nil {
		return err
	}
	e.cache = cache
	return nil
}

// consumeReports accepts worker reports for the current generation and
// drops older ones.
func (e *Engine) consumeReports() {
	defer close(e.reportsDone)
	for {
		select {
		case <-e.done:
			return
		case r := <-e.bridge.Reports():
			e.acceptReport(r)
		}
	}
}

func (e *Engine) acceptReport(r typecheck.Report) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.Generation < e.generation {
		e.log.Debugw("discarding stale type check report",
			"generation", r.Generation, "current", e.generation, "session", r.Session)
		return false
	}
	e.report = &r
	e.workerRoutes = slices.Clone(r.Routes)
	if e.prog != nil && r.Generation == e.generation {
		e.markErrorDependenciesLocked(e.prog)
	}
	e.signalLocked()

	if r.Err != "" {
		e.log.Warnw("type checker failed", "generation", r.Generation, "error", r.Err)
	}
	return true
}

// takeWorkerRoutes returns the routes of the last accepted report, once.
func (e *Engine) takeWorkerRoutes() []lazyroute.Route {
	e.mu.Lock()
	defer e.mu.Unlock()
	routes := e.workerRoutes
	e.workerRoutes = nil
	return routes
}

// markUnchecked records that generation n will get no type checker
// report, releasing anyone waiting for it.
func (e *Engine) markUnchecked(n uint64) {
	if e.bridge == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unchecked = max(e.unchecked, n)
	e.signalLocked()
}

func (e *Engine) signalLocked() {
	close(e.reportReady)
	e.reportReady = make(chan struct{})
}

// Mode returns the program mode fixed at construction.
func (e *Engine) Mode() program.Mode {
	return e.mode
}

// NotifyChanged adds files to the changed set drained by the next Update.
// Paths are made absolute against the base path.
func (e *Engine) NotifyChanged(files ...string) {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(e.cfg.BasePath, f)
		}
		e.changed[filepath.Clean(f)] = struct{}{}
	}
}

// UpdateChangedFileExtensions replaces the suffixes eligible for
// incremental re-parse. It does not trigger a compile.
func (e *Engine) UpdateChangedFileExtensions(extensions ...string) {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	e.cfg.ChangedFileExtensions = slices.Clone(extensions)
}

// drain empties the changed set and snapshots the options that classify
// its files.
func (e *Engine) drain() ([]string, config.Options) {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	delta := slices.Sorted(maps.Keys(e.changed))
	clear(e.changed)
	cfg := e.cfg
	cfg.ChangedFileExtensions = slices.Clone(e.cfg.ChangedFileExtensions)
	return delta, cfg
}

// requeue returns a delta to the changed set after a failed generation.
func (e *Engine) requeue(delta []string) {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	for _, f := range delta {
		e.changed[f] = struct{}{}
	}
}

// CompiledFile returns the latest emitted output of id. It never
// compiles.
func (e *Engine) CompiledFile(id string) (CompiledFile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[id]
	if !ok {
		return CompiledFile{}, errors.Wrapf(ErrNotCompiled, "%s", id)
	}
	out := *rec
	out.ErrorDependencies = slices.Clone(rec.ErrorDependencies)
	return out, nil
}

// Dependencies returns id's import edges in the current program, in
// import order.
func (e *Engine) Dependencies(id string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.prog == nil {
		return nil, errors.Wrapf(ErrNotCompiled, "%s", id)
	}
	if _, ok := e.prog.SourceFile(id); !ok {
		return nil, errors.Wrapf(ErrNotCompiled, "%s is not part of the program", id)
	}
	return e.prog.Dependencies(id), nil
}

// Emitted returns the modules the last Update emitted, sorted.
func (e *Engine) Emitted() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.emitted)
}

// ResourceDependencies returns the templates and stylesheets components
// in id reference.
func (e *Engine) ResourceDependencies(id string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.prog == nil {
		return nil
	}
	return e.prog.ResourceDependencies(id)
}

// LazyRoutes returns the cumulative lazy route map, sorted by id.
func (e *Engine) LazyRoutes() []lazyroute.Entry {
	return e.routes.Entries()
}

// ResolveRequest applies path remapping to a module request as the
// bundler sees it. Requests that are not remapped come back unchanged.
func (e *Engine) ResolveRequest(request, issuer string) string {
	resolved, _ := e.mapper.Resolve(request, issuer)
	return resolved
}

// Generation returns the current build generation.
func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// RootNames returns the root names of the current program.
func (e *Engine) RootNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.roots)
}

// Diagnostics returns the latest locally gathered diagnostics. It is
// empty in forked mode.
func (e *Engine) Diagnostics() []diagnostics.Diagnostic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.Items()
}

// Errors returns the Error diagnostics collected by the last Update.
func (e *Engine) Errors() []diagnostics.Diagnostic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.issues.Errors()
}

// Warnings returns the non-Error diagnostics collected by the last
// Update.
func (e *Engine) Warnings() []diagnostics.Diagnostic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.issues.Warnings()
}

// WorkerReport returns the latest type checker report that was not stale
// when it arrived.
func (e *Engine) WorkerReport() (typecheck.Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.report == nil {
		return typecheck.Report{}, false
	}
	return *e.report, true
}

// AwaitReport blocks until a report for generation or a later one has
// been accepted. It fails with ErrNotChecked when the generation was never
// dispatched, and with typecheck.ErrWorkerDead when the worker checking it
// exited. There is no timeout other than ctx.
func (e *Engine) AwaitReport(ctx context.Context, generation uint64) (typecheck.Report, error) {
	if e.bridge == nil {
		return typecheck.Report{}, errors.New("type checking is not forked")
	}
	poll := time.NewTicker(awaitPoll)
	defer poll.Stop()
	for {
		e.mu.RLock()
		r, ready, unchecked := e.report, e.reportReady, e.unchecked
		e.mu.RUnlock()
		if r != nil && r.Generation >= generation {
			return *r, nil
		}
		if unchecked >= generation {
			return typecheck.Report{}, errors.Wrapf(ErrNotChecked, "generation %d", generation)
		}
		if s := e.bridge.Session(); !s.Alive && s.Generation >= generation {
			return typecheck.Report{}, errors.Mark(
				errors.Newf("worker %s exited before reporting generation %d", s.ID, generation),
				typecheck.ErrWorkerDead)
		}
		select {
		case <-ctx.Done():
			return typecheck.Report{}, ctx.Err()
		case <-ready:
		case <-poll.C:
		}
	}
}

// WorkerSession describes the type checker session. ok is false when the
// engine does not fork.
func (e *Engine) WorkerSession() (session typecheck.Session, ok bool) {
	if e.bridge == nil {
		return typecheck.Session{}, false
	}
	return e.bridge.Session(), true
}

// CacheStats returns persistent emit cache hits and misses.
func (e *Engine) CacheStats() (hits, misses int64) {
	if e.cache == nil {
		return 0, 0
	}
	return e.cache.Stats()
}

// Close stops the type checker. Update fails with ErrClosed afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	if e.bridge == nil {
		return nil
	}
	<-e.reportsDone
	return e.bridge.Stop(ctx)
}
