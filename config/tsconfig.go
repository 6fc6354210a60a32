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
package config

import (
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"
	"github.com/tailscale/hujson"

	"bennypowers.dev/ngtools/fs"
)

// maxExtendsDepth guards against extends cycles.
const maxExtendsDepth = 16

// CompilerOptions is the subset of tsconfig compilerOptions the build
// uses. Path-valued options are absolute.
type CompilerOptions struct {
	BaseURL                 string              `json:"baseUrl,omitempty"`
	Paths                   map[string][]string `json:"paths,omitempty"`
	RootDir                 string              `json:"rootDir,omitempty"`
	OutDir                  string              `json:"outDir,omitempty"`
	Target                  string              `json:"target,omitempty"`
	Module                  string              `json:"module,omitempty"`
	SourceMap               bool                `json:"sourceMap,omitempty"`
	AllowJS                 bool                `json:"allowJs,omitempty"`
	ExperimentalDecorators  bool                `json:"experimentalDecorators,omitempty"`
	UseDefineForClassFields *bool               `json:"useDefineForClassFields,omitempty"`
}

// AngularCompilerOptions are the framework options a tsconfig may carry.
type AngularCompilerOptions struct {
	EntryModule         string `json:"entryModule,omitempty"`
	SkipTemplateCodegen bool   `json:"skipTemplateCodegen,omitempty"`
}

// TSConfig is a loaded tsconfig with its extends chain applied.
type TSConfig struct {
	// Path is the absolute path of the loaded file.
	Path                   string
	CompilerOptions        CompilerOptions
	AngularCompilerOptions AngularCompilerOptions
	Files                  []string
	Include                []string
	Exclude                []string
	// listBase is the directory Files, Include and Exclude are relative
	// to: that of the config that declared them.
	listBase string
}

// Dir returns the directory containing the config file.
func (c *TSConfig) Dir() string {
	return filepath.Dir(c.Path)
}

// PathsBase returns the directory "paths" are resolved against.
func (c *TSConfig) PathsBase() string {
	if c.CompilerOptions.BaseURL != "" {
		return c.CompilerOptions.BaseURL
	}
	return c.Dir()
}

type rawTSConfig struct {
	Extends                string                     `json:"extends"`
	CompilerOptions        map[string]json.RawMessage `json:"compilerOptions"`
	AngularCompilerOptions map[string]json.RawMessage `json:"angularCompilerOptions"`
	Files                  *[]string                  `json:"files"`
	Include                *[]string                  `json:"include"`
	Exclude                *[]string                  `json:"exclude"`
}

// pathOptions are compilerOptions resolved relative to the config that
// declares them.
var pathOptions = []string{"baseUrl", "rootDir", "outDir"}

// LoadTSConfig reads a tsconfig file, which may contain comments and
// trailing commas, following its extends chain.
func LoadTSConfig(fsys fs.FileSystem, path string) (*TSConfig, error) {
	merged := &mergedConfig{
		compilerOptions:        map[string]json.RawMessage{},
		angularCompilerOptions: map[string]json.RawMessage{},
	}
	if err := merged.load(fsys, path, 0); err != nil {
		return nil, err
	}

	cfg := &TSConfig{Path: path, listBase: merged.listBase}
	if err := decodeOptions(merged.compilerOptions, &cfg.CompilerOptions); err != nil {
		return nil, errors.Wrapf(err, "compilerOptions in %s", path)
	}
	if err := decodeOptions(merged.angularCompilerOptions, &cfg.AngularCompilerOptions); err != nil {
		return nil, errors.Wrapf(err, "angularCompilerOptions in %s", path)
	}
	if merged.files != nil {
		cfg.Files = *merged.files
	}
	if merged.include != nil {
		cfg.Include = *merged.include
	}
	if merged.exclude != nil {
		cfg.Exclude = *merged.exclude
	}
	if cfg.listBase == "" {
		cfg.listBase = cfg.Dir()
	}
	return cfg, nil
}

type mergedConfig struct {
	compilerOptions        map[string]json.RawMessage
	angularCompilerOptions map[string]json.RawMessage
	files, include         *[]string
	exclude                *[]string
	listBase               string
}

// load applies the base config first so that the extending file's
// settings win.
func (m *mergedConfig) load(fsys fs.FileSystem, path string, depth int) error {
	if depth > maxExtendsDepth {
		return errors.Newf("tsconfig extends chain too deep at %s", path)
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	var raw rawTSConfig
	if err := json.Unmarshal(std, &raw); err != nil {
		return errors.Wrapf(err, "decoding %s", path)
	}

	dir := filepath.Dir(path)
	if raw.Extends != "" {
		base, err := resolveExtends(fsys, dir, raw.Extends)
		if err != nil {
			return errors.Wrapf(err, "in %s", path)
		}
		if err := m.load(fsys, base, depth+1); err != nil {
			return err
		}
	}

	for key, value := range raw.CompilerOptions {
		if slices.Contains(pathOptions, key) {
			var p string
			if err := json.Unmarshal(value, &p); err == nil && p != "" && !filepath.IsAbs(p) {
				value, _ = json.Marshal(filepath.Join(dir, p))
			}
		}
		m.compilerOptions[key] = value
	}
	for key, value := range raw.AngularCompilerOptions {
		m.angularCompilerOptions[key] = value
	}

	if raw.Files != nil || raw.Include != nil {
		m.files, m.include = raw.Files, raw.Include
		m.listBase = dir
	}
	if raw.Exclude != nil {
		m.exclude = raw.Exclude
	}
	return nil
}

func decodeOptions(raw map[string]json.RawMessage, into any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

// resolveExtends finds an extended config: a path relative to the
// extending file, or a package config in node_modules.
func resolveExtends(fsys fs.FileSystem, dir, extends string) (string, error) {
	candidates := func(p string) []string {
		if strings.HasSuffix(p, ".json") {
			return []string{p}
		}
		return []string{p + ".json", p, filepath.Join(p, "tsconfig.json")}
	}

	if strings.HasPrefix(extends, ".") || filepath.IsAbs(extends) {
		base := extends
		if !filepath.IsAbs(base) {
			base = filepath.Join(dir, extends)
		}
		for _, c := range candidates(base) {
			if fs.IsFile(fsys, c) {
				return c, nil
			}
		}
		return "", errors.Newf("extended config %q not found", extends)
	}

	for d := dir; ; d = filepath.Dir(d) {
		for _, c := range candidates(filepath.Join(d, "node_modules", extends)) {
			if fs.IsFile(fsys, c) {
				return c, nil
			}
		}
		if filepath.Dir(d) == d {
			break
		}
	}
	return "", errors.Newf("extended config %q not found in node_modules", extends)
}

// defaultExclude is applied when a config declares no exclude list.
var defaultExclude = []string{"node_modules", "bower_components", "jspm_packages"}

// RootFiles lists the program's root files: the files entries plus every
// source file matched by include and not by exclude. The result is sorted.
func (c *TSConfig) RootFiles(fsys fs.FileSystem) ([]string, error) {
	seen := map[string]bool{}
	var roots []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			roots = append(roots, p)
		}
	}

	for _, f := range c.Files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.listBase, f)
		}
		if !fs.IsFile(fsys, p) {
			return nil, errors.Newf("file %s listed in %s does not exist", f, c.Path)
		}
		add(p)
	}

	include := c.Include
	if c.Files == nil && c.Include == nil {
		include = []string{"**/*"}
	}
	exclude := c.Exclude
	if exclude == nil {
		exclude = slices.Clone(defaultExclude)
		if c.CompilerOptions.OutDir != "" {
			if rel, err := filepath.Rel(c.listBase, c.CompilerOptions.OutDir); err == nil {
				exclude = append(exclude, rel)
			}
		}
	}

	if len(include) > 0 {
		includes := c.expandPatterns(fsys, include)
		excludes := c.expandPatterns(fsys, exclude)
		err := walkFiles(fsys, c.listBase, "", func(rel string, isDir bool) bool {
			if matchAny(excludes, rel) {
				return false
			}
			if !isDir && c.isSourceFile(rel) && matchAny(includes, rel) {
				add(filepath.Join(c.listBase, rel))
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	slices.Sort(roots)
	return roots, nil
}

func (c *TSConfig) isSourceFile(rel string) bool {
	switch {
	case strings.HasSuffix(rel, ".ts"), strings.HasSuffix(rel, ".tsx"):
		return true
	case strings.HasSuffix(rel, ".js"), strings.HasSuffix(rel, ".jsx"):
		return c.CompilerOptions.AllowJS
	}
	return false
}

// expandPatterns turns tsconfig include/exclude entries into doublestar
// patterns relative to listBase. A directory entry matches everything
// beneath it.
func (c *TSConfig) expandPatterns(fsys fs.FileSystem, patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if filepath.IsAbs(p) {
			if rel, err := filepath.Rel(c.listBase, p); err == nil {
				p = rel
			}
		}
		p = strings.TrimPrefix(filepath.ToSlash(p), "./")
		p = strings.TrimSuffix(p, "/")
		switch {
		case strings.HasSuffix(p, "**"):
			out = append(out, p, p+"/*")
		case !strings.ContainsAny(p, "*?") && fs.IsDir(fsys, filepath.Join(c.listBase, p)):
			out = append(out, p, p+"/**")
		default:
			out = append(out, p)
		}
	}
	return out
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// walkFiles visits entries under root in lexical order. visit receives
// slash-separated paths relative to root; returning false for a
// directory skips it.
func walkFiles(fsys fs.FileSystem, root, rel string, visit func(rel string, isDir bool) bool) error {
	entries, err := fsys.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return errors.Wrapf(err, "listing %s", filepath.Join(root, rel))
	}
	for _, entry := range entries {
		child := entry.Name()
		if rel != "" {
			child = rel + "/" + entry.Name()
		}
		if !visit(child, entry.IsDir()) || !entry.IsDir() {
			continue
		}
		if err := walkFiles(fsys, root, child, visit); err != nil {
			return err
		}
	}
	return nil
}

// FindTSConfig walks up from startDir looking for the first of names.
func FindTSConfig(fsys fs.FileSystem, startDir string, names ...string) (string, bool) {
	if len(names) == 0 {
		names = []string{"tsconfig.app.json", "tsconfig.json"}
	}
	dir := startDir
	for {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if fs.IsFile(fsys, candidate) {
				return candidate, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
