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

// Package syntax parses TypeScript modules with tree-sitter and extracts
// everything the build needs from a single parse: imports, exports, lazy
// route declarations, component decorators, syntax errors and a public
// shape fingerprint.
package syntax

import (
	"cmp"
	"fmt"
	"slices"

	ts "github.com/tree-sitter/go-tree-sitter"
)

// ModuleImport represents an import statement in a module.
type ModuleImport struct {
	Specifier  string // The import specifier (e.g., "@angular/core", "./foo")
	IsDynamic  bool   // True if this is a dynamic import()
	IsReexport bool   // True for export ... from "spec"
	Line       int
	Column     int
	offset     uint
}

// NamedImport is one binding of an `import { name } from "source"` clause.
type NamedImport struct {
	Source string
	Name   string
	Line   int
	Column int
}

// Exports describes a module's export surface.
type Exports struct {
	// Names are the exported binding names in declaration order. A default
	// export is recorded as "default".
	Names []string
	// StarFrom are the specifiers of `export * from` statements.
	StarFrom []string
}

// Has reports whether name is directly exported.
func (e Exports) Has(name string) bool {
	return slices.Contains(e.Names, name)
}

// LazyRouteDecl is a `loadChildren` declaration found in a module.
type LazyRouteDecl struct {
	// Specifier is the module reference, without the #Export suffix.
	Specifier string
	// ExportName is the exported module class; "default" when a string
	// declaration has no #Export part.
	ExportName string
	// Raw is the declaration's literal text for string declarations.
	Raw string
	// Dynamic is true for `() => import(...)` declarations.
	Dynamic bool
	// Malformed is set for string declarations that cannot be split into
	// a path and an export name.
	Malformed bool
	Line      int
	Column    int
	// Start and End delimit the declaration's value in the source.
	Start, End uint
}

// ComponentDecl is a class decorated with @Component.
type ComponentDecl struct {
	ClassName   string
	HasTemplate bool
	TemplateURL string
	StyleURLs   []string
	Line        int
	Column      int
}

// SyntaxError is a parse error position.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

// Analysis is the result of analyzing one module.
type Analysis struct {
	Path         string
	Imports      []ModuleImport
	NamedImports []NamedImport
	Exports      Exports
	LazyRoutes   []LazyRouteDecl
	Components   []ComponentDecl
	SyntaxErrors []SyntaxError
	// ShapeHash fingerprints the module with function bodies and comments
	// elided. Importers only need recompiling when it changes.
	ShapeHash string
}

// Analyze parses content once and extracts the module's build facts.
func Analyze(file string, content []byte) (*Analysis, error) {
	qm, err := GetQueryManager()
	if err != nil {
		return nil, err
	}

	grammar := GrammarFor(file)
	parser := getParser(grammar)
	defer putParser(grammar, parser)

	tree := parser.Parse(content, nil)
	if tree == nil {
		return nil, fmt.Errorf("failed to parse %s", file)
	}
	defer tree.Close()

	root := tree.RootNode()
	a := &Analysis{Path: file}

	if err := a.collectImports(qm, grammar, root, content); err != nil {
		return nil, err
	}
	if err := a.collectNamedImports(qm, grammar, root, content); err != nil {
		return nil, err
	}
	if err := a.collectLazyRoutes(qm, grammar, root, content); err != nil {
		return nil, err
	}
	a.Exports = collectExports(root, content)
	a.Components = collectComponents(root, content)
	if root.HasError() {
		collectSyntaxErrors(root, content, &a.SyntaxErrors)
	}
	a.ShapeHash = shapeHash(root, content)

	return a, nil
}

// eachMatch runs a named query and hands each match's captures to fn,
// keyed by capture name.
func eachMatch(qm *QueryManager, g Grammar, name string, root *ts.Node, content []byte, fn func(map[string]ts.Node)) error {
	query, err := qm.Query(g, name)
	if err != nil {
		return err
	}

	cursor := ts.NewQueryCursor()
	defer cursor.Close()

	captureNames := query.CaptureNames()
	matches := cursor.Matches(query, root, content)
	for {
		match := matches.Next()
		if match == nil {
			break
		}
		captures := make(map[string]ts.Node, len(match.Captures))
		for _, capture := range match.Captures {
			captures[captureNames[capture.Index]] = capture.Node
		}
		fn(captures)
	}
	return nil
}

func (a *Analysis) collectImports(qm *QueryManager, g Grammar, root *ts.Node, content []byte) error {
	err := eachMatch(qm, g, "imports", root, content, func(captures map[string]ts.Node) {
		for name, node := range captures {
			line, col := position(&node)
			imp := ModuleImport{
				Specifier: node.Utf8Text(content),
				Line:      line,
				Column:    col,
				offset:    node.StartByte(),
			}
			switch name {
			case "dynamicImport.spec":
				imp.IsDynamic = true
			case "reexport.spec":
				imp.IsReexport = true
			case "import.spec":
			default:
				continue
			}
			a.Imports = append(a.Imports, imp)
		}
	})
	slices.SortStableFunc(a.Imports, func(x, y ModuleImport) int {
		return cmp.Compare(x.offset, y.offset)
	})
	return err
}

func (a *Analysis) collectNamedImports(qm *QueryManager, g Grammar, root *ts.Node, content []byte) error {
	return eachMatch(qm, g, "namedImports", root, content, func(captures map[string]ts.Node) {
		nameNode, ok := captures["named.name"]
		if !ok {
			return
		}
		sourceNode, ok := captures["named.source"]
		if !ok {
			return
		}
		name := nameNode.Utf8Text(content)
		if v, ok := stringValue(&nameNode, content); ok {
			name = v
		}
		line, col := position(&nameNode)
		a.NamedImports = append(a.NamedImports, NamedImport{
			Source: sourceNode.Utf8Text(content),
			Name:   name,
			Line:   line,
			Column: col,
		})
	})
}

// position converts a node's zero-based start point to 1-based line and
// column numbers.
func position(n *ts.Node) (line, column int) {
	p := n.StartPosition()
	row, err := safeInt(p.Row)
	if err != nil {
		return 0, 0
	}
	col, err := safeInt(p.Column)
	if err != nil {
		return row + 1, 0
	}
	return row + 1, col + 1
}

// stringValue returns the contents of a string literal or of a template
// literal without substitutions.
func stringValue(n *ts.Node, content []byte) (string, bool) {
	switch n.Kind() {
	case "string":
		var value []byte
		for i := uint(0); i < n.NamedChildCount(); i++ {
			child := n.NamedChild(i)
			value = append(value, child.Utf8Text(content)...)
		}
		return string(value), true
	case "template_string":
		for i := uint(0); i < n.NamedChildCount(); i++ {
			if n.NamedChild(i).Kind() == "template_substitution" {
				return "", false
			}
		}
		text := n.Utf8Text(content)
		if len(text) < 2 {
			return "", false
		}
		return text[1 : len(text)-1], true
	}
	return "", false
}
