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

// Package output prints ngtools command results.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/viper"

	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/fs"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	fileColor    = color.New(color.FgCyan)
	codeColor    = color.New(color.Faint)
)

// Collector keeps the diagnostics a build reports, in order. It is the
// CLI's compilation.
type Collector struct {
	mu       sync.Mutex
	errors   []diagnostics.Diagnostic
	warnings []diagnostics.Diagnostic
}

// AddError records an error.
func (c *Collector) AddError(d diagnostics.Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, d)
}

// AddWarning records a warning.
func (c *Collector) AddWarning(d diagnostics.Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, d)
}

// Errors returns the recorded errors.
func (c *Collector) Errors() []diagnostics.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]diagnostics.Diagnostic(nil), c.errors...)
}

// Warnings returns the recorded warnings.
func (c *Collector) Warnings() []diagnostics.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]diagnostics.Diagnostic(nil), c.warnings...)
}

// Diagnostics prints c's diagnostics to w, errors first. format is
// "text" or "json". Paths under base are printed relative to it.
func (c *Collector) Diagnostics(w io.Writer, format, base string) error {
	errs, warnings := c.Errors(), c.Warnings()
	if format == "json" {
		return writeJSON(w, struct {
			Errors   []diagnostics.Diagnostic `json:"errors"`
			Warnings []diagnostics.Diagnostic `json:"warnings"`
		}{errs, warnings})
	}
	for _, d := range append(errs, warnings...) {
		printDiagnostic(w, d, base)
	}
	if len(errs)+len(warnings) > 0 {
		fmt.Fprintf(w, "\nFound %d error(s) and %d warning(s).\n", len(errs), len(warnings))
	}
	return nil
}

func printDiagnostic(w io.Writer, d diagnostics.Diagnostic, base string) {
	if d.File != "" {
		file := d.File
		if rel, err := filepath.Rel(base, file); err == nil && !strings.HasPrefix(rel, "..") {
			file = rel
		}
		if d.Line > 0 {
			file = fmt.Sprintf("%s:%d:%d", file, d.Line, d.Column)
		}
		fileColor.Fprint(w, file)
		fmt.Fprint(w, " - ")
	}
	category := warningColor
	if d.Category == diagnostics.Error {
		category = errorColor
	}
	category.Fprint(w, d.Category.String())
	if d.Code != 0 {
		codeColor.Fprintf(w, " TS%d", d.Code)
	}
	fmt.Fprintf(w, ": %s\n", d.Message)
}

// JSON writes v, indented, to the file named by viper's "output" key, or
// to stdout when it is unset.
func JSON(fsys fs.FileSystem, v any) error {
	if path := viper.GetString("output"); path != "" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding output")
		}
		return fsys.WriteFile(path, append(data, '\n'), 0o644)
	}
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encoding output")
	}
	return nil
}
