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
	"embed"
	"fmt"
	"path"
	"strings"
	"sync"

	ts "github.com/tree-sitter/go-tree-sitter"
	tsTypescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

//go:embed queries/*/*.scm
var queryFiles embed.FS

// Grammar selects a tree-sitter language.
type Grammar string

const (
	GrammarTypeScript Grammar = "typescript"
	GrammarTSX        Grammar = "tsx"
)

// GrammarFor picks the grammar for a file path. JavaScript is parsed with
// the TypeScript grammar, which accepts it.
func GrammarFor(file string) Grammar {
	switch strings.ToLower(path.Ext(file)) {
	case ".tsx", ".jsx":
		return GrammarTSX
	default:
		return GrammarTypeScript
	}
}

var languages = map[Grammar]*ts.Language{
	GrammarTypeScript: ts.NewLanguage(tsTypescript.LanguageTypescript()),
	GrammarTSX:        ts.NewLanguage(tsTypescript.LanguageTSX()),
}

// queryNames are the query files loaded for every grammar.
var queryNames = []string{"imports", "namedImports", "lazyRoutes"}

// Parser pools for reuse, one per grammar.
var parserPools = map[Grammar]*sync.Pool{
	GrammarTypeScript: newParserPool(GrammarTypeScript),
	GrammarTSX:        newParserPool(GrammarTSX),
}

func newParserPool(g Grammar) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			parser := ts.NewParser()
			if err := parser.SetLanguage(languages[g]); err != nil {
				panic("failed to set " + string(g) + " language: " + err.Error())
			}
			return parser
		},
	}
}

// getParser retrieves a parser for g from the pool.
func getParser(g Grammar) *ts.Parser {
	return parserPools[g].Get().(*ts.Parser)
}

// putParser returns a parser to its pool.
func putParser(g Grammar, p *ts.Parser) {
	p.Reset()
	parserPools[g].Put(p)
}

// QueryManager owns compiled tree-sitter queries for each grammar.
// Queries are read-only after construction and safe for concurrent use
// with separate cursors.
type QueryManager struct {
	mu      sync.Mutex
	closed  bool
	queries map[Grammar]map[string]*ts.Query
}

// NewQueryManager creates a QueryManager with the named queries compiled
// for every grammar.
func NewQueryManager(names []string) (*QueryManager, error) {
	qm := &QueryManager{queries: make(map[Grammar]map[string]*ts.Query)}
	for g := range languages {
		qm.queries[g] = make(map[string]*ts.Query)
		for _, name := range names {
			if err := qm.loadQuery(g, name); err != nil {
				qm.Close()
				return nil, err
			}
		}
	}
	return qm, nil
}

func (qm *QueryManager) loadQuery(g Grammar, name string) error {
	queryPath := path.Join("queries", "typescript", name+".scm")
	data, err := queryFiles.ReadFile(queryPath)
	if err != nil {
		return fmt.Errorf("failed to read query %s: %w", queryPath, err)
	}

	query, qerr := ts.NewQuery(languages[g], string(data))
	if qerr != nil {
		return fmt.Errorf("failed to parse query %s for %s: %w", name, g, qerr)
	}
	qm.queries[g][name] = query
	return nil
}

// Close releases all query resources. Safe to call multiple times.
func (qm *QueryManager) Close() {
	qm.mu.Lock()
	if qm.closed {
		qm.mu.Unlock()
		return
	}
	qm.closed = true
	all := qm.queries
	qm.queries = nil
	qm.mu.Unlock()

	for _, byName := range all {
		for _, q := range byName {
			q.Close()
		}
	}
}

// Query returns a compiled query by grammar and name.
func (qm *QueryManager) Query(g Grammar, name string) (*ts.Query, error) {
	q, ok := qm.queries[g][name]
	if !ok {
		return nil, fmt.Errorf("query not found: %s/%s", g, name)
	}
	return q, nil
}

// Global query manager singleton
var (
	globalQM     *QueryManager
	globalQMOnce sync.Once
	globalQMErr  error
)

// GetQueryManager returns the global query manager instance.
func GetQueryManager() (*QueryManager, error) {
	globalQMOnce.Do(func() {
		globalQM, globalQMErr = NewQueryManager(queryNames)
	})
	return globalQM, globalQMErr
}
