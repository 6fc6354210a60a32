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
// Package packagejson provides parsing and entry-point resolution for
// package.json files, as consulted by TypeScript module resolution.
package packagejson

import (
	"cmp"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/fs"
)

// ErrNotExported is returned when a subpath is not exported by the package.
var ErrNotExported = errors.New("not exported by package.json")

// TypesConditions is the export condition priority used when looking for
// declaration files.
var TypesConditions = []string{"types", "import", "default"}

// ResolveOptions configures how conditional exports are resolved.
type ResolveOptions struct {
	// Conditions is the ordered list of conditions to try when resolving exports.
	// If nil, defaults to TypesConditions.
	Conditions []string
}

// PackageJSON represents the subset of package.json relevant for module
// resolution.
type PackageJSON struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Main    string `json:"main,omitempty"`
	Module  string `json:"module,omitempty"`
	Types   string `json:"types,omitempty"`
	Typings string `json:"typings,omitempty"`
	Exports any    `json:"exports,omitempty"`
}

// Parse parses package.json data.
func Parse(data []byte) (*PackageJSON, error) {
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, errors.Wrap(err, "parsing package.json")
	}
	return &pkg, nil
}

// ParseFile parses a package.json file.
func ParseFile(fsys fs.FileSystem, path string) (*PackageJSON, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pkg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}
	return pkg, nil
}

// TypesEntry returns the candidate entry files for subpath, in the order a
// type-aware resolver should probe them. Paths are relative to the package
// root without a leading "./".
func (pkg *PackageJSON) TypesEntry(subpath string) []string {
	var candidates []string
	if pkg.Exports != nil {
		if target, err := pkg.ResolveExport(subpath, nil); err == nil {
			candidates = append(candidates, target)
		}
	}
	if subpath != "." {
		return candidates
	}
	for _, field := range []string{pkg.Types, pkg.Typings, pkg.Module, pkg.Main} {
		if field != "" {
			candidates = append(candidates, trimDotSlash(field))
		}
	}
	return candidates
}

// ResolveExport resolves a subpath export to its target file path.
// The subpath should be "." for the main export or "./subpath" for subpath exports.
// Returns the resolved path without leading "./".
// Pass nil for opts to use TypesConditions.
func (pkg *PackageJSON) ResolveExport(subpath string, opts *ResolveOptions) (string, error) {
	if pkg.Exports == nil {
		if pkg.Main != "" && subpath == "." {
			return trimDotSlash(pkg.Main), nil
		}
		return "", ErrNotExported
	}

	// Handle string export (simple case)
	if exportStr, ok := pkg.Exports.(string); ok {
		if subpath == "." {
			return trimDotSlash(exportStr), nil
		}
		return "", ErrNotExported
	}

	exportsMap, ok := pkg.Exports.(map[string]any)
	if !ok {
		return "", ErrNotExported
	}

	// Check if this is a condition-only export (no subpaths)
	hasSubpaths := false
	for key := range exportsMap {
		if strings.HasPrefix(key, ".") {
			hasSubpaths = true
			break
		}
	}
	if !hasSubpaths {
		if subpath == "." {
			return resolveConditions(exportsMap, opts)
		}
		return "", ErrNotExported
	}

	if exportValue, ok := exportsMap[subpath]; ok {
		return resolveExportValue(exportValue, opts)
	}

	// Wildcard subpaths: "./*": "./dist/*.js"
	for _, pattern := range slices.SortedFunc(maps.Keys(exportsMap), comparePatternKeys) {
		if strings.Count(pattern, "*") != 1 {
			continue
		}
		prefix, suffix, _ := strings.Cut(pattern, "*")
		if !strings.HasPrefix(subpath, prefix) || !strings.HasSuffix(subpath, suffix) {
			continue
		}
		if len(subpath) < len(prefix)+len(suffix) {
			continue
		}
		partial := subpath[len(prefix) : len(subpath)-len(suffix)]
		target, err := resolveExportValue(exportsMap[pattern], opts)
		if err != nil {
			continue
		}
		return strings.ReplaceAll(target, "*", partial), nil
	}

	return "", ErrNotExported
}

// comparePatternKeys orders export keys the way Node picks among matching
// patterns: the longer text before "*" first, then the longer key.
func comparePatternKeys(a, b string) int {
	if c := cmp.Compare(strings.Index(b, "*"), strings.Index(a, "*")); c != 0 {
		return c
	}
	if c := cmp.Compare(len(b), len(a)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// resolveExportValue resolves an export value: a string, a condition map,
// or a fallback array.
func resolveExportValue(value any, opts *ResolveOptions) (string, error) {
	switch v := value.(type) {
	case string:
		return trimDotSlash(v), nil
	case map[string]any:
		return resolveConditions(v, opts)
	case []any:
		for _, item := range v {
			if result, err := resolveExportValue(item, opts); err == nil {
				return result, nil
			}
		}
	}
	return "", ErrNotExported
}

// resolveConditions resolves a conditional export map to a path.
// Tries each condition in opts.Conditions order, recursing into nested maps.
func resolveConditions(conditions map[string]any, opts *ResolveOptions) (string, error) {
	conditionList := TypesConditions
	if opts != nil && len(opts.Conditions) > 0 {
		conditionList = opts.Conditions
	}

	for _, cond := range conditionList {
		value, ok := conditions[cond]
		if !ok {
			continue
		}
		if result, err := resolveExportValue(value, opts); err == nil {
			return result, nil
		}
	}

	return "", ErrNotExported
}

// trimDotSlash removes a leading "./" from a path.
func trimDotSlash(path string) string {
	return strings.TrimPrefix(path, "./")
}
