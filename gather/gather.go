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

// Package gather runs a program's diagnostic phases in order and stops
// after the first phase that reports an error.
package gather

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/internal/logger"
	"bennypowers.dev/ngtools/program"
)

// ErrCancelled is returned, together with the partial bag, when the
// context is done before a phase starts.
var ErrCancelled = errors.New("diagnostics gathering cancelled")

type phase struct {
	name diagnostics.Phase
	run  func(context.Context) ([]diagnostics.Diagnostic, error)
}

// Phases lists the phases Gather runs for mode, in order.
func Phases(mode program.Mode) []diagnostics.Phase {
	if mode == program.ModeStructured {
		return []diagnostics.Phase{diagnostics.PhaseSyntactic, diagnostics.PhaseSemantic, diagnostics.PhaseStructural}
	}
	return []diagnostics.Phase{diagnostics.PhaseSyntactic, diagnostics.PhaseSemantic}
}

// Gather collects p's diagnostics for mode. The bag is ordered by phase,
// then by the order each phase reported. Structured mode requires a
// program.Structural.
func Gather(ctx context.Context, p program.Program, mode program.Mode) (*diagnostics.Bag, error) {
	phases := []phase{
		{diagnostics.PhaseSyntactic, p.SyntacticDiagnostics},
		{diagnostics.PhaseSemantic, p.SemanticDiagnostics},
	}
	if mode == program.ModeStructured {
		sp, ok := p.(program.Structural)
		if !ok {
			return nil, errors.Newf("gather: %s program has no structural diagnostics", p.Mode())
		}
		phases = append(phases, phase{diagnostics.PhaseStructural, sp.StructuralDiagnostics})
	}

	log := logger.Named("gather")
	bag := diagnostics.NewBag()
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return bag, errors.Mark(errors.Wrapf(err, "before %s diagnostics", ph.name), ErrCancelled)
		}

		start := time.Now()
		ds, err := ph.run(ctx)
		if err != nil {
			return bag, errors.Wrapf(err, "%s diagnostics", ph.name)
		}
		bag.Add(ds...)
		log.Debugw("phase complete",
			"phase", ph.name,
			"diagnostics", len(ds),
			"elapsed", time.Since(start))

		if diagnostics.HasErrors(ds) {
			log.Debugw("skipping later phases", "phase", ph.name)
			break
		}
	}
	return bag, nil
}
