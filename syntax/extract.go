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
package syntax

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"fortio.org/safecast"
	ts "github.com/tree-sitter/go-tree-sitter"
)

func safeInt(v uint) (int, error) {
	return safecast.Conv[int](v)
}

// lazyRouteSeparator splits a string route into module path and export.
const lazyRouteSeparator = "#"

func (a *Analysis) collectLazyRoutes(qm *QueryManager, g Grammar, root *ts.Node, content []byte) error {
	return eachMatch(qm, g, "lazyRoutes", root, content, func(captures map[string]ts.Node) {
		value, ok := captures["route.value"]
		if !ok {
			return
		}
		line, col := position(&value)
		decl := LazyRouteDecl{
			Line:   line,
			Column: col,
			Start:  value.StartByte(),
			End:    value.EndByte(),
		}

		if raw, ok := stringValue(&value, content); ok {
			decl.Raw = raw
			decl.Specifier, decl.ExportName, decl.Malformed = splitLazyRoute(raw)
			a.LazyRoutes = append(a.LazyRoutes, decl)
			return
		}

		switch value.Kind() {
		case "arrow_function", "function_expression", "function":
			spec, ok := findDynamicImport(&value, content)
			if !ok {
				return
			}
			decl.Specifier = spec
			decl.ExportName = findThenExport(&value, content)
			decl.Dynamic = true
			a.LazyRoutes = append(a.LazyRoutes, decl)
		}
	})
}

// splitLazyRoute splits "path#Export". A missing export names the
// default export.
func splitLazyRoute(raw string) (spec, export string, malformed bool) {
	parts := strings.Split(raw, lazyRouteSeparator)
	switch {
	case len(parts) == 1:
		return parts[0], "default", parts[0] == ""
	case len(parts) == 2:
		return parts[0], parts[1], parts[0] == "" || !isIdentifierName(parts[1])
	default:
		return parts[0], "", true
	}
}

// isIdentifierName reports whether name can follow a "." in a JavaScript
// member expression.
func isIdentifierName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '$' || r == '_' || unicode.IsLetter(r) || unicode.Is(unicode.Nl, r):
		case i > 0 && (r == '\u200c' || r == '\u200d' ||
			unicode.In(r, unicode.Nd, unicode.Mn, unicode.Mc, unicode.Pc)):
		default:
			return false
		}
	}
	return true
}

// findDynamicImport returns the specifier of the first import() call
// under n.
func findDynamicImport(n *ts.Node, content []byte) (string, bool) {
	var spec string
	found := false
	walk(n, func(node *ts.Node) bool {
		if found {
			return false
		}
		if node.Kind() != "call_expression" {
			return true
		}
		fn := node.ChildByFieldName("function")
		if fn == nil || fn.Kind() != "import" {
			return true
		}
		args := node.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() == 0 {
			return false
		}
		spec, found = stringValue(args.NamedChild(0), content)
		return false
	})
	return spec, found
}

// findThenExport returns X from `.then(m => m.X)`, or "" if the callback
// has another form.
func findThenExport(n *ts.Node, content []byte) string {
	var export string
	walk(n, func(node *ts.Node) bool {
		if export != "" {
			return false
		}
		if node.Kind() != "call_expression" {
			return true
		}
		fn := node.ChildByFieldName("function")
		if fn == nil || fn.Kind() != "member_expression" {
			return true
		}
		prop := fn.ChildByFieldName("property")
		if prop == nil || prop.Utf8Text(content) != "then" {
			return true
		}
		args := node.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() == 0 {
			return true
		}
		callback := args.NamedChild(0)
		if callback.Kind() != "arrow_function" {
			return true
		}
		body := callback.ChildByFieldName("body")
		if body != nil && body.Kind() == "member_expression" {
			if p := body.ChildByFieldName("property"); p != nil {
				export = p.Utf8Text(content)
			}
		}
		return false
	})
	return export
}

// collectExports reads the top-level export statements.
func collectExports(root *ts.Node, content []byte) Exports {
	var exports Exports
	for i := uint(0); i < root.NamedChildCount(); i++ {
		n := root.NamedChild(i)
		if n.Kind() != "export_statement" {
			continue
		}

		if hasChildKind(n, "default") {
			exports.Names = append(exports.Names, "default")
			continue
		}
		if decl := n.ChildByFieldName("declaration"); decl != nil {
			exports.Names = append(exports.Names, declarationNames(decl, content)...)
			continue
		}

		clause := false
		for j := uint(0); j < n.NamedChildCount(); j++ {
			child := n.NamedChild(j)
			switch child.Kind() {
			case "export_clause":
				clause = true
				for k := uint(0); k < child.NamedChildCount(); k++ {
					spec := child.NamedChild(k)
					if spec.Kind() != "export_specifier" {
						continue
					}
					exports.Names = append(exports.Names, exportedName(spec, content))
				}
			case "namespace_export":
				clause = true
				if child.NamedChildCount() > 0 {
					exports.Names = append(exports.Names, identifierText(child.NamedChild(0), content))
				}
			}
		}

		if source := n.ChildByFieldName("source"); source != nil && !clause {
			if spec, ok := stringValue(source, content); ok {
				exports.StarFrom = append(exports.StarFrom, spec)
			}
		}
	}
	return exports
}

func exportedName(spec *ts.Node, content []byte) string {
	if alias := spec.ChildByFieldName("alias"); alias != nil {
		return identifierText(alias, content)
	}
	if name := spec.ChildByFieldName("name"); name != nil {
		return identifierText(name, content)
	}
	return spec.Utf8Text(content)
}

func identifierText(n *ts.Node, content []byte) string {
	if v, ok := stringValue(n, content); ok {
		return v
	}
	return n.Utf8Text(content)
}

func declarationNames(decl *ts.Node, content []byte) []string {
	switch decl.Kind() {
	case "lexical_declaration", "variable_declaration":
		var names []string
		for i := uint(0); i < decl.NamedChildCount(); i++ {
			declarator := decl.NamedChild(i)
			if declarator.Kind() != "variable_declarator" {
				continue
			}
			if name := declarator.ChildByFieldName("name"); name != nil {
				names = append(names, bindingNames(name, content)...)
			}
		}
		return names
	case "ambient_declaration":
		var names []string
		for i := uint(0); i < decl.NamedChildCount(); i++ {
			names = append(names, declarationNames(decl.NamedChild(i), content)...)
		}
		return names
	default:
		if name := decl.ChildByFieldName("name"); name != nil {
			return []string{name.Utf8Text(content)}
		}
		return nil
	}
}

// bindingNames flattens destructuring patterns.
func bindingNames(n *ts.Node, content []byte) []string {
	switch n.Kind() {
	case "identifier", "shorthand_property_identifier_pattern":
		return []string{n.Utf8Text(content)}
	}
	var names []string
	for i := uint(0); i < n.NamedChildCount(); i++ {
		child := n.NamedChild(i)
		if child.Kind() == "pair_pattern" {
			if value := child.ChildByFieldName("value"); value != nil {
				names = append(names, bindingNames(value, content)...)
			}
			continue
		}
		names = append(names, bindingNames(child, content)...)
	}
	return names
}

// collectComponents finds top-level classes decorated with @Component.
func collectComponents(root *ts.Node, content []byte) []ComponentDecl {
	var components []ComponentDecl
	for i := uint(0); i < root.NamedChildCount(); i++ {
		n := root.NamedChild(i)
		var class *ts.Node
		var decorators []*ts.Node

		switch n.Kind() {
		case "class_declaration":
			class = n
		case "export_statement":
			decorators = childrenOfKind(n, "decorator")
			class = n.ChildByFieldName("declaration")
		}
		if class == nil || class.Kind() != "class_declaration" {
			continue
		}
		decorators = append(decorators, childrenOfKind(class, "decorator")...)

		for _, dec := range decorators {
			cfg, ok := componentConfig(dec, content)
			if !ok {
				continue
			}
			line, col := position(dec)
			comp := ComponentDecl{Line: line, Column: col}
			if name := class.ChildByFieldName("name"); name != nil {
				comp.ClassName = name.Utf8Text(content)
			}
			readComponentConfig(cfg, content, &comp)
			components = append(components, comp)
		}
	}
	return components
}

// componentConfig returns the object literal passed to @Component(...).
func componentConfig(dec *ts.Node, content []byte) (*ts.Node, bool) {
	if dec.NamedChildCount() == 0 {
		return nil, false
	}
	call := dec.NamedChild(0)
	if call.Kind() != "call_expression" {
		return nil, false
	}
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Utf8Text(content) != "Component" {
		return nil, false
	}
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return nil, false
	}
	obj := args.NamedChild(0)
	if obj.Kind() != "object" {
		return nil, false
	}
	return obj, true
}

func readComponentConfig(obj *ts.Node, content []byte, comp *ComponentDecl) {
	for i := uint(0); i < obj.NamedChildCount(); i++ {
		pair := obj.NamedChild(i)
		if pair.Kind() != "pair" {
			continue
		}
		key := pair.ChildByFieldName("key")
		value := pair.ChildByFieldName("value")
		if key == nil || value == nil {
			continue
		}
		switch identifierText(key, content) {
		case "template":
			comp.HasTemplate = true
		case "templateUrl":
			comp.HasTemplate = true
			if v, ok := stringValue(value, content); ok {
				comp.TemplateURL = v
			}
		case "styleUrl":
			if v, ok := stringValue(value, content); ok {
				comp.StyleURLs = append(comp.StyleURLs, v)
			}
		case "styleUrls":
			if value.Kind() != "array" {
				continue
			}
			for j := uint(0); j < value.NamedChildCount(); j++ {
				if v, ok := stringValue(value.NamedChild(j), content); ok {
					comp.StyleURLs = append(comp.StyleURLs, v)
				}
			}
		}
	}
}

// collectSyntaxErrors records ERROR and MISSING nodes without descending
// into an ERROR node's children.
func collectSyntaxErrors(n *ts.Node, content []byte, out *[]SyntaxError) {
	switch {
	case n.IsMissing():
		line, col := position(n)
		*out = append(*out, SyntaxError{
			Line:    line,
			Column:  col,
			Message: fmt.Sprintf("'%s' expected.", n.Kind()),
		})
		return
	case n.IsError():
		line, col := position(n)
		*out = append(*out, SyntaxError{
			Line:    line,
			Column:  col,
			Message: fmt.Sprintf("Unexpected token %q.", snippet(n.Utf8Text(content))),
		})
		return
	case !n.HasError():
		return
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		collectSyntaxErrors(n.Child(i), content, out)
	}
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, "\r\n"); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > 24 {
		text = text[:24]
	}
	return text
}

var functionLike = map[string]bool{
	"function_declaration":           true,
	"generator_function_declaration": true,
	"function_expression":            true,
	"function":                       true,
	"generator_function":             true,
	"arrow_function":                 true,
	"method_definition":              true,
}

// shapeHash hashes the module text with comments and function bodies
// removed.
func shapeHash(root *ts.Node, content []byte) string {
	h := sha256.New()
	var last uint
	walk(root, func(n *ts.Node) bool {
		elide := n.Kind() == "comment"
		if n.Kind() == "statement_block" {
			if parent := n.Parent(); parent != nil && functionLike[parent.Kind()] {
				elide = true
			}
		}
		if !elide {
			return true
		}
		h.Write(content[last:n.StartByte()])
		if n.Kind() == "statement_block" {
			h.Write([]byte("{}"))
		}
		last = n.EndByte()
		return false
	})
	h.Write(content[last:])
	return hex.EncodeToString(h.Sum(nil))
}

// walk visits n and its descendants depth-first in source order. visit
// returns false to skip a node's children.
func walk(n *ts.Node, visit func(*ts.Node) bool) {
	if !visit(n) {
		return
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		walk(n.Child(i), visit)
	}
}

func hasChildKind(n *ts.Node, kind string) bool {
	for i := uint(0); i < n.ChildCount(); i++ {
		if n.Child(i).Kind() == kind {
			return true
		}
	}
	return false
}

func childrenOfKind(n *ts.Node, kind string) []*ts.Node {
	var out []*ts.Node
	for i := uint(0); i < n.ChildCount(); i++ {
		if child := n.Child(i); child.Kind() == kind {
			out = append(out, child)
		}
	}
	return out
}
