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

// Package pathmap applies tsconfig "paths" remapping to module requests
// before the bundler resolves them.
package pathmap

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"bennypowers.dev/ngtools/fs"
)

// Resolver is the compiler's module resolver, consulted when a request
// matches more than one mapping candidate.
type Resolver interface {
	ResolveModule(specifier, containingFile string) (string, bool)
}

// Mapping is one tsconfig "paths" entry.
type Mapping struct {
	Pattern    string
	Potentials []string
}

// Match is a mapping that applies to a request. Partial is the text the
// pattern's wildcard captured.
type Match struct {
	Pattern    string
	Partial    string
	Potentials []string
}

// Substitute fills potential's wildcard with the match's partial.
func (m Match) Substitute(potential string) string {
	prefix, suffix, found := strings.Cut(potential, "*")
	if !found {
		return potential
	}
	return prefix + m.Partial + suffix
}

var scriptIssuer = regexp.MustCompile(`\.[jt]s$`)

// Mapper remaps bare module requests using tsconfig paths.
type Mapper struct {
	fs       fs.FileSystem
	baseURL  string
	mappings []Mapping
	resolver Resolver
}

// New creates a Mapper. Mappings are kept in pattern order so that
// matching is deterministic.
func New(fsys fs.FileSystem, baseURL string, paths map[string][]string, resolver Resolver) *Mapper {
	m := &Mapper{fs: fsys, baseURL: baseURL, resolver: resolver}
	for pattern, potentials := range paths {
		m.mappings = append(m.mappings, Mapping{Pattern: pattern, Potentials: potentials})
	}
	slices.SortFunc(m.mappings, func(a, b Mapping) int {
		return strings.Compare(a.Pattern, b.Pattern)
	})
	return m
}

// Match returns every mapping whose pattern applies to request. A pattern
// holds at most one wildcard.
func (m *Mapper) Match(request string) []Match {
	var matches []Match
	for _, mapping := range m.mappings {
		pattern := mapping.Pattern
		star := strings.Index(pattern, "*")
		switch {
		case star == -1:
			if pattern == request {
				matches = append(matches, Match{Pattern: pattern, Potentials: mapping.Potentials})
			}
		case pattern == "*":
			matches = append(matches, Match{Pattern: pattern, Partial: request, Potentials: mapping.Potentials})
		case star == len(pattern)-1:
			if prefix := pattern[:star]; strings.HasPrefix(request, prefix) {
				matches = append(matches, Match{
					Pattern:    pattern,
					Partial:    request[len(prefix):],
					Potentials: mapping.Potentials,
				})
			}
		default:
			prefix, suffix := pattern[:star], pattern[star+1:]
			if len(request) < len(prefix)+len(suffix) {
				continue
			}
			if strings.HasPrefix(request, prefix) && strings.HasSuffix(request, suffix) {
				matches = append(matches, Match{
					Pattern:    pattern,
					Partial:    request[len(prefix) : len(request)-len(suffix)],
					Potentials: mapping.Potentials,
				})
			}
		}
	}
	return matches
}

// Resolve remaps request as imported from issuer. It returns the request
// to hand to the bundler and whether it was changed. Requests that cannot
// be remapped pass through unmodified.
func (m *Mapper) Resolve(request, issuer string) (string, bool) {
	if request == "" || len(m.mappings) == 0 {
		return request, false
	}
	if !scriptIssuer.MatchString(issuer) {
		return request, false
	}

	original := strings.TrimSpace(request)
	if strings.HasPrefix(original, ".") || strings.HasPrefix(original, "/") {
		return request, false
	}

	matches := m.Match(original)
	if len(matches) == 0 {
		return request, false
	}

	if len(matches) == 1 && len(matches[0].Potentials) == 1 {
		replacement := matches[0].Substitute(matches[0].Potentials[0])
		return filepath.Join(m.baseURL, replacement), true
	}

	if m.resolver == nil {
		return request, false
	}
	resolved, ok := m.resolver.ResolveModule(original, issuer)
	if !ok {
		return request, false
	}

	// A declaration file is usually a package; let the bundler resolve it
	// unless it is a loose .d.ts with compiled JavaScript next to it.
	if jsFile, isDecl := strings.CutSuffix(resolved, ".d.ts"); isDecl {
		pkgJSON := filepath.Join(filepath.Dir(resolved), "package.json")
		if !m.fs.Exists(pkgJSON) && m.fs.Exists(jsFile+".js") {
			return jsFile + ".js", true
		}
		return request, false
	}

	return resolved, true
}
