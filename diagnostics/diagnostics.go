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

// Package diagnostics defines compiler diagnostics and the ordered bag
// a diagnostics pass collects them into.
package diagnostics

import (
	"fmt"
	"slices"
)

// Category is the severity of a diagnostic. The numeric values match the
// TypeScript compiler's DiagnosticCategory.
type Category int

const (
	Warning Category = iota
	Error
	Suggestion
	Message
)

func (c Category) String() string {
	switch c {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Suggestion:
		return "suggestion"
	case Message:
		return "message"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Phase names the check that produced a diagnostic.
type Phase string

const (
	PhaseSyntactic  Phase = "syntactic"
	PhaseSemantic   Phase = "semantic"
	PhaseStructural Phase = "structural"
	PhaseEmit       Phase = "emit"
	PhaseLazyRoute  Phase = "lazy-route"
	PhaseConfig     Phase = "config"
	PhaseBuild      Phase = "build"
)

// Codes used by ngtools' own checks. Compiler-compatible codes are used
// where an equivalent exists.
const (
	CodeSyntax             = 1005
	CodeCannotFindModule   = 2307
	CodeNoExportedMember   = 2305
	CodeEmit               = 5000
	CodeLazyRouteMalformed = 6001
	CodeLazyRouteExport    = 6002
	CodeLazyRouteMissing   = 6003
	CodeComponentTemplate  = 6010
	CodeComponentResource  = 6011
	CodeEntryModule        = 6020
	CodeTranslation        = 6030
	CodeTypeCheckSkipped   = 6040
)

// Diagnostic is a single compiler message. Line and Column are 1-based;
// zero means the diagnostic has no position.
type Diagnostic struct {
	Category Category `json:"category" msgpack:"category"`
	Code     int      `json:"code" msgpack:"code"`
	File     string   `json:"file,omitempty" msgpack:"file"`
	Line     int      `json:"line,omitempty" msgpack:"line"`
	Column   int      `json:"column,omitempty" msgpack:"column"`
	Message  string   `json:"message" msgpack:"message"`
	Phase    Phase    `json:"phase,omitempty" msgpack:"phase"`
}

// String renders the diagnostic the way tsc does.
func (d Diagnostic) String() string {
	prefix := ""
	switch {
	case d.File != "" && d.Line > 0:
		prefix = fmt.Sprintf("%s:%d:%d - ", d.File, d.Line, d.Column)
	case d.File != "":
		prefix = d.File + " - "
	}
	return fmt.Sprintf("%s%s TS%d: %s", prefix, d.Category, d.Code, d.Message)
}

// Errorf builds an Error diagnostic.
func Errorf(phase Phase, code int, file string, format string, args ...any) Diagnostic {
	return Diagnostic{
		Category: Error,
		Code:     code,
		File:     file,
		Message:  fmt.Sprintf(format, args...),
		Phase:    phase,
	}
}

// Warningf builds a Warning diagnostic.
func Warningf(phase Phase, code int, file string, format string, args ...any) Diagnostic {
	return Diagnostic{
		Category: Warning,
		Code:     code,
		File:     file,
		Message:  fmt.Sprintf(format, args...),
		Phase:    phase,
	}
}

// At returns a copy of d positioned at line and column.
func (d Diagnostic) At(line, column int) Diagnostic {
	d.Line = line
	d.Column = column
	return d
}

// HasErrors reports whether any diagnostic has Error category.
func HasErrors(ds []Diagnostic) bool {
	return slices.ContainsFunc(ds, func(d Diagnostic) bool {
		return d.Category == Error
	})
}

// Bag is an ordered collection of diagnostics. It never sorts or
// deduplicates: order is the order of Add calls.
type Bag struct {
	items []Diagnostic
}

// NewBag returns a bag holding ds in order.
func NewBag(ds ...Diagnostic) *Bag {
	return &Bag{items: slices.Clone(ds)}
}

// Add appends diagnostics to the bag.
func (b *Bag) Add(ds ...Diagnostic) {
	b.items = append(b.items, ds...)
}

// Items returns a copy of the bag's diagnostics in insertion order.
func (b *Bag) Items() []Diagnostic {
	if b == nil {
		return nil
	}
	return slices.Clone(b.items)
}

// Len returns the number of diagnostics.
func (b *Bag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}

// HasErrors reports whether the bag holds an Error diagnostic.
func (b *Bag) HasErrors() bool {
	return b != nil && HasErrors(b.items)
}

// Errors returns the Error diagnostics in order.
func (b *Bag) Errors() []Diagnostic {
	return b.filter(func(d Diagnostic) bool { return d.Category == Error })
}

// Warnings returns every non-Error diagnostic in order.
func (b *Bag) Warnings() []Diagnostic {
	return b.filter(func(d Diagnostic) bool { return d.Category != Error })
}

func (b *Bag) filter(keep func(Diagnostic) bool) []Diagnostic {
	if b == nil {
		return nil
	}
	var out []Diagnostic
	for _, d := range b.items {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
