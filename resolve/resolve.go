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

// Package resolve implements TypeScript-style module resolution over an
// injected file system: relative probing, tsconfig paths and baseUrl, and
// node_modules lookup through package.json type entries.
package resolve

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/internal/logger"
	"bennypowers.dev/ngtools/packagejson"
	"bennypowers.dev/ngtools/pathmap"
)

// DefaultCacheSize bounds the number of cached resolutions.
const DefaultCacheSize = 4096

// sourceExtensions are probed in order when a request has no extension.
var sourceExtensions = []string{".ts", ".tsx", ".d.ts"}

// Options configures a Resolver.
type Options struct {
	// BaseURL is the absolute tsconfig baseUrl. Empty disables
	// non-relative lookups against it.
	BaseURL string
	// Paths are tsconfig "paths" mappings, resolved against BaseURL.
	Paths map[string][]string
	// CacheSize overrides DefaultCacheSize.
	CacheSize int
}

type cacheKey struct {
	dir       string
	specifier string
}

type cacheEntry struct {
	path string
	ok   bool
}

// Resolver resolves module specifiers to source or declaration files.
// It is safe for concurrent use.
type Resolver struct {
	fs      fs.FileSystem
	baseURL string
	paths   *pathmap.Mapper
	pkgs    *packagejson.MemoryCache
	cache   *lru.Cache[cacheKey, cacheEntry]
}

// New creates a Resolver.
func New(fsys fs.FileSystem, opts Options) (*Resolver, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating resolution cache")
	}
	return &Resolver{
		fs:      fsys,
		baseURL: opts.BaseURL,
		paths:   pathmap.New(fsys, opts.BaseURL, opts.Paths, nil),
		pkgs:    packagejson.NewMemoryCache(),
		cache:   cache,
	}, nil
}

// ResolveModule resolves specifier as imported from containingFile.
// Results, including failures, are cached per containing directory.
func (r *Resolver) ResolveModule(specifier, containingFile string) (string, bool) {
	key := cacheKey{dir: filepath.Dir(containingFile), specifier: specifier}
	if entry, ok := r.cache.Get(key); ok {
		return entry.path, entry.ok
	}
	resolved, ok := r.resolve(specifier, key.dir)
	r.cache.Add(key, cacheEntry{path: resolved, ok: ok})
	if !ok {
		logger.Named("resolve").Debugw("unresolved module", "specifier", specifier, "from", containingFile)
	}
	return resolved, ok
}

// Reset drops cached resolutions and package.json files. Call it when
// files are added or removed.
func (r *Resolver) Reset() {
	r.cache.Purge()
	r.pkgs.Purge()
}

// InvalidatePackage forgets the package.json at path and every cached
// resolution, which may have gone through it.
func (r *Resolver) InvalidatePackage(path string) {
	r.pkgs.Invalidate(path)
	r.cache.Purge()
}

func (r *Resolver) resolve(specifier, dir string) (string, bool) {
	if isRelative(specifier) {
		return r.loadFileOrDirectory(filepath.Join(dir, specifier))
	}
	if filepath.IsAbs(specifier) {
		return r.loadFileOrDirectory(specifier)
	}

	for _, match := range r.paths.Match(specifier) {
		for _, potential := range match.Potentials {
			candidate := match.Substitute(potential)
			if !filepath.IsAbs(candidate) {
				candidate = filepath.Join(r.baseURL, candidate)
			}
			if resolved, ok := r.loadFileOrDirectory(candidate); ok {
				return resolved, true
			}
		}
	}

	if r.baseURL != "" {
		if resolved, ok := r.loadFileOrDirectory(filepath.Join(r.baseURL, specifier)); ok {
			return resolved, true
		}
	}

	return r.loadNodeModules(specifier, dir)
}

func isRelative(specifier string) bool {
	return specifier == "." || specifier == ".." ||
		strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")
}

// loadFileOrDirectory probes candidate as a file, then as a directory.
func (r *Resolver) loadFileOrDirectory(candidate string) (string, bool) {
	if resolved, ok := r.loadFile(candidate); ok {
		return resolved, true
	}
	return r.loadDirectory(candidate)
}

// loadFile tries candidate with TypeScript extensions. A .js extension
// names the compiled output, so its sources are probed instead.
func (r *Resolver) loadFile(candidate string) (string, bool) {
	switch {
	case strings.HasSuffix(candidate, ".d.ts"), strings.HasSuffix(candidate, ".ts"), strings.HasSuffix(candidate, ".tsx"):
		if fs.IsFile(r.fs, candidate) {
			return candidate, true
		}
	case strings.HasSuffix(candidate, ".js"), strings.HasSuffix(candidate, ".jsx"), strings.HasSuffix(candidate, ".mjs"):
		stem := strings.TrimSuffix(candidate, filepath.Ext(candidate))
		for _, ext := range sourceExtensions {
			if fs.IsFile(r.fs, stem+ext) {
				return stem + ext, true
			}
		}
	}
	for _, ext := range sourceExtensions {
		if fs.IsFile(r.fs, candidate+ext) {
			return candidate + ext, true
		}
	}
	return "", false
}

func (r *Resolver) loadDirectory(dir string) (string, bool) {
	if !fs.IsDir(r.fs, dir) {
		return "", false
	}
	if pkg, ok := r.packageJSON(dir); ok {
		if resolved, ok := r.loadPackageEntry(pkg, dir, "."); ok {
			return resolved, true
		}
	}
	return r.loadFile(filepath.Join(dir, "index"))
}

// loadNodeModules walks up from dir looking for the package in
// node_modules, then in node_modules/@types.
func (r *Resolver) loadNodeModules(specifier, dir string) (string, bool) {
	name, subpath := splitPackageSpecifier(specifier)
	for {
		nodeModules := filepath.Join(dir, "node_modules")
		if fs.IsDir(r.fs, nodeModules) {
			if resolved, ok := r.loadPackage(filepath.Join(nodeModules, name), subpath); ok {
				return resolved, true
			}
			if resolved, ok := r.loadPackage(filepath.Join(nodeModules, "@types", typesPackageName(name)), subpath); ok {
				return resolved, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func (r *Resolver) loadPackage(pkgDir, subpath string) (string, bool) {
	if !fs.IsDir(r.fs, pkgDir) {
		return "", false
	}
	if pkg, ok := r.packageJSON(pkgDir); ok {
		if resolved, ok := r.loadPackageEntry(pkg, pkgDir, subpath); ok {
			return resolved, true
		}
	}
	if subpath == "." {
		return r.loadFile(filepath.Join(pkgDir, "index"))
	}
	return r.loadFileOrDirectory(filepath.Join(pkgDir, strings.TrimPrefix(subpath, "./")))
}

func (r *Resolver) loadPackageEntry(pkg *packagejson.PackageJSON, pkgDir, subpath string) (string, bool) {
	for _, entry := range pkg.TypesEntry(subpath) {
		if resolved, ok := r.loadFileOrDirectory(filepath.Join(pkgDir, entry)); ok {
			return resolved, true
		}
	}
	return "", false
}

func (r *Resolver) packageJSON(dir string) (*packagejson.PackageJSON, bool) {
	path := filepath.Join(dir, "package.json")
	if !r.fs.Exists(path) {
		return nil, false
	}
	pkg, err := r.pkgs.GetOrLoad(path, func() (*packagejson.PackageJSON, error) {
		return packagejson.ParseFile(r.fs, path)
	})
	if err != nil {
		logger.Named("resolve").Warnw("ignoring unreadable package.json", "path", path, "error", err)
		return nil, false
	}
	return pkg, true
}

// splitPackageSpecifier splits "@scope/name/sub" into the package name and
// an export subpath ("." or "./sub").
func splitPackageSpecifier(spec string) (name, subpath string) {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		name = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			return name, "./" + parts[2]
		}
		return name, "."
	}
	name, rest, found := strings.Cut(spec, "/")
	if !found {
		return name, "."
	}
	return name, "./" + rest
}

// typesPackageName mangles a scoped name for DefinitelyTyped:
// "@scope/name" becomes "scope__name".
func typesPackageName(name string) string {
	if scope, pkg, ok := strings.Cut(strings.TrimPrefix(name, "@"), "/"); ok && strings.HasPrefix(name, "@") {
		return scope + "__" + pkg
	}
	return name
}
