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

// Package plugin adapts the engine to a host build tool's hooks. The host
// calls BeforeCompile with the files its watcher saw change, resolves
// module requests through ResolveModule, runs Make once per build and
// AfterCompile when the build is done.
package plugin

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/engine"
	"bennypowers.dev/ngtools/internal/logger"
	"bennypowers.dev/ngtools/typecheck"
)

// Compilation is the host's error collection for one build.
type Compilation interface {
	AddError(d diagnostics.Diagnostic)
	AddWarning(d diagnostics.Diagnostic)
}

// Plugin connects an Engine to the host.
type Plugin struct {
	engine *engine.Engine
	log    *zap.SugaredLogger

	mu sync.Mutex
	// pushed is the last worker generation whose diagnostics were
	// handed to the host.
	pushed uint64
}

// New creates the plugin and its engine.
func New(opts engine.Options) (*Plugin, error) {
	e, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	return &Plugin{engine: e, log: logger.Named("plugin")}, nil
}

// Engine returns the plugin's engine.
func (p *Plugin) Engine() *engine.Engine {
	return p.engine
}

// BeforeCompile records the files that changed since the last build.
func (p *Plugin) BeforeCompile(_ context.Context, changed ...string) {
	if len(changed) > 0 {
		p.log.Debugw("files changed", "count", len(changed))
	}
	p.engine.NotifyChanged(changed...)
}

// ResolveModule remaps a module request from issuer with the configured
// path mappings. Requests that are not remapped are returned unchanged.
func (p *Plugin) ResolveModule(request, issuer string) string {
	return p.engine.ResolveRequest(request, issuer)
}

// Make runs one build generation and pushes its diagnostics to c: Error
// diagnostics as errors, everything else as warnings. A generation that
// fails is reported to c as an error. Only misuse of the engine and
// cancellation are returned.
func (p *Plugin) Make(ctx context.Context, c Compilation) error {
	err := p.engine.Update(ctx)
	switch {
	case errors.Is(err, engine.ErrUpdateInProgress),
		errors.Is(err, engine.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case err != nil:
		c.AddError(failure(err))
	}

	for _, d := range p.engine.Errors() {
		c.AddError(d)
	}
	for _, d := range p.engine.Warnings() {
		c.AddWarning(d)
	}
	return nil
}

// AfterCompile pushes the type checker's diagnostics for the current
// generation if they have arrived and were not pushed before.
func (p *Plugin) AfterCompile(c Compilation) {
	report, ok := p.engine.WorkerReport()
	if !ok || report.Generation < p.engine.Generation() {
		return
	}
	p.push(c, report.Generation, report.Diagnostics)
}

// AwaitTypeCheck waits for a type checker report for the current
// generation that has not been pushed yet, then pushes its diagnostics.
// A generation the worker never finished is skipped, with a warning when
// the worker died. Without a forked type checker it returns immediately.
func (p *Plugin) AwaitTypeCheck(ctx context.Context, c Compilation) error {
	if _, forked := p.engine.WorkerSession(); !forked {
		return nil
	}
	p.mu.Lock()
	generation := max(p.engine.Generation(), p.pushed+1)
	p.mu.Unlock()

	report, err := p.engine.AwaitReport(ctx, generation)
	switch {
	case errors.Is(err, engine.ErrNotChecked):
		p.skip(generation)
		return nil
	case errors.Is(err, typecheck.ErrWorkerDead):
		p.skip(generation)
		c.AddWarning(diagnostics.Warningf(diagnostics.PhaseSemantic, 0, "", "type checking incomplete: %s", err))
		return nil
	case err != nil:
		return err
	}
	if report.Err != "" {
		c.AddWarning(diagnostics.Warningf(diagnostics.PhaseSemantic, 0, "", "type checker failed: %s", report.Err))
	}
	p.push(c, report.Generation, report.Diagnostics)
	return nil
}

// skip marks generation as handled without diagnostics.
func (p *Plugin) skip(generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = max(p.pushed, generation)
}

func (p *Plugin) push(c Compilation, generation uint64, ds []diagnostics.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if generation <= p.pushed {
		return
	}
	p.pushed = generation
	for _, d := range ds {
		if d.Category == diagnostics.Error {
			c.AddError(d)
		} else {
			c.AddWarning(d)
		}
	}
}

// Close releases the engine and its type checker.
func (p *Plugin) Close(ctx context.Context) error {
	return p.engine.Close(ctx)
}

// failure turns a failed generation into a diagnostic for the host.
func failure(err error) diagnostics.Diagnostic {
	phase := diagnostics.PhaseBuild
	if errors.Is(err, config.ErrInvalidConfig) {
		phase = diagnostics.PhaseConfig
	}
	msg := err.Error()
	for _, hint := range errors.GetAllHints(err) {
		msg += "\nhint: " + hint
	}
	return diagnostics.Diagnostic{
		Category: diagnostics.Error,
		Message:  msg,
		Phase:    phase,
	}
}
