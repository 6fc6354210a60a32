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

// Package config holds the build options, their validation, and the
// tsconfig.json loader.
package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/language"

	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/fs"
)

// ErrInvalidConfig marks every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Platform is the emission target environment.
type Platform int

const (
	PlatformBrowser Platform = iota
	PlatformServer
)

func (p Platform) String() string {
	switch p {
	case PlatformBrowser:
		return "browser"
	case PlatformServer:
		return "server"
	default:
		return fmt.Sprintf("platform(%d)", int(p))
	}
}

// MarshalText encodes p by name so that UnmarshalText reads it back.
func (p Platform) MarshalText() ([]byte, error) {
	switch p {
	case PlatformBrowser, PlatformServer:
		return []byte(p.String()), nil
	default:
		return nil, errors.Mark(errors.Newf("unknown platform %d", int(p)), ErrInvalidConfig)
	}
}

// UnmarshalText accepts "browser", "server", or their numeric values.
func (p *Platform) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "browser", "0", "":
		*p = PlatformBrowser
	case "server", "1":
		*p = PlatformServer
	default:
		return errors.Mark(errors.Newf("unknown platform %q", text), ErrInvalidConfig)
	}
	return nil
}

// Missing translation policies.
const (
	MissingTranslationError   = "error"
	MissingTranslationWarning = "warning"
	MissingTranslationIgnore  = "ignore"
)

var i18nFormats = []string{"xlf", "xlf2", "xliff", "xliff2", "xmb", "xtb", "json", "arb"}

// DefaultChangedFileExtensions are the suffixes eligible for incremental
// re-parse when no others are configured.
var DefaultChangedFileExtensions = []string{".ts", ".tsx"}

// Options configures a build. Field names follow the Angular compiler
// plugin's options.
type Options struct {
	SourceMap          bool   `mapstructure:"sourceMap" json:"sourceMap"`
	TSConfigPath       string `mapstructure:"tsConfigPath" json:"tsConfigPath"`
	BasePath           string `mapstructure:"basePath" json:"basePath"`
	EntryModule        string `mapstructure:"entryModule" json:"entryModule"`
	MainPath           string `mapstructure:"mainPath" json:"mainPath"`
	SkipCodeGeneration bool   `mapstructure:"skipCodeGeneration" json:"skipCodeGeneration"`
	// HostReplacementPaths substitutes file contents: reading a key
	// yields the content of its value.
	HostReplacementPaths map[string]string `mapstructure:"hostReplacementPaths" json:"hostReplacementPaths"`
	ForkTypeChecker      bool              `mapstructure:"forkTypeChecker" json:"forkTypeChecker"`
	SingleFileIncludes   []string          `mapstructure:"singleFileIncludes" json:"singleFileIncludes"`

	I18nInFile         string `mapstructure:"i18nInFile" json:"i18nInFile"`
	I18nInFormat       string `mapstructure:"i18nInFormat" json:"i18nInFormat"`
	I18nOutFile        string `mapstructure:"i18nOutFile" json:"i18nOutFile"`
	I18nOutFormat      string `mapstructure:"i18nOutFormat" json:"i18nOutFormat"`
	Locale             string `mapstructure:"locale" json:"locale"`
	MissingTranslation string `mapstructure:"missingTranslation" json:"missingTranslation"`

	Platform              Platform          `mapstructure:"platform" json:"platform"`
	NameLazyFiles         bool              `mapstructure:"nameLazyFiles" json:"nameLazyFiles"`
	AdditionalLazyModules map[string]string `mapstructure:"additionalLazyModules" json:"additionalLazyModules"`
	CacheDir              string            `mapstructure:"cacheDir" json:"cacheDir"`
	ChangedFileExtensions []string          `mapstructure:"changedFileExtensions" json:"changedFileExtensions"`
}

// StructuredMode reports whether framework code generation is enabled.
func (o *Options) StructuredMode() bool {
	return !o.SkipCodeGeneration
}

// ApplyDefaults fills unset options and makes paths absolute against
// BasePath, which itself defaults to the tsconfig directory.
func (o *Options) ApplyDefaults() {
	if o.BasePath == "" && o.TSConfigPath != "" {
		o.BasePath = filepath.Dir(o.TSConfigPath)
	}
	if len(o.ChangedFileExtensions) == 0 {
		o.ChangedFileExtensions = slices.Clone(DefaultChangedFileExtensions)
	}
	o.MainPath = o.abs(o.MainPath)
	o.I18nInFile = o.abs(o.I18nInFile)
	o.CacheDir = o.abs(o.CacheDir)
	for i, f := range o.SingleFileIncludes {
		o.SingleFileIncludes[i] = o.abs(f)
	}
	if len(o.HostReplacementPaths) > 0 {
		replacements := make(map[string]string, len(o.HostReplacementPaths))
		for from, to := range o.HostReplacementPaths {
			replacements[o.abs(from)] = o.abs(to)
		}
		o.HostReplacementPaths = replacements
	}
}

func (o *Options) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.BasePath, p)
}

// Validate applies defaults and checks the options. Problems that must
// stop the build are returned together as one error marked with
// ErrInvalidConfig. Problems that do not are returned as warnings.
func (o *Options) Validate(fsys fs.FileSystem) ([]diagnostics.Diagnostic, error) {
	o.ApplyDefaults()

	var (
		errs     []error
		warnings []diagnostics.Diagnostic
	)

	if o.TSConfigPath == "" {
		errs = append(errs, errors.WithHint(
			errors.New("tsConfigPath is required"),
			"point --project at a tsconfig.json"))
	}

	if o.Platform != PlatformBrowser && o.Platform != PlatformServer {
		errs = append(errs, errors.Newf("invalid platform %s", o.Platform))
	}

	if o.Locale != "" {
		tag, err := language.Parse(o.Locale)
		if err != nil {
			errs = append(errs, errors.WithHint(
				errors.Wrapf(err, "invalid locale %q", o.Locale),
				"use a BCP 47 tag such as en-US or fr"))
		} else {
			o.Locale = tag.String()
		}
	}

	switch o.MissingTranslation {
	case "", MissingTranslationError, MissingTranslationWarning, MissingTranslationIgnore:
	default:
		errs = append(errs, errors.Newf("invalid missingTranslation policy %q", o.MissingTranslation))
	}

	for _, format := range []string{o.I18nInFormat, o.I18nOutFormat} {
		if format != "" && !slices.Contains(i18nFormats, strings.ToLower(format)) {
			errs = append(errs, errors.WithHintf(
				errors.Newf("unsupported i18n format %q", format),
				"supported formats: %s", strings.Join(i18nFormats, ", ")))
		}
	}

	if o.I18nInFile != "" && !fsys.Exists(o.I18nInFile) {
		switch o.MissingTranslation {
		case MissingTranslationIgnore:
		case MissingTranslationError:
			errs = append(errs, errors.Newf("translation file %s does not exist", o.I18nInFile))
		default:
			warnings = append(warnings, diagnostics.Warningf(diagnostics.PhaseConfig,
				diagnostics.CodeTranslation, o.I18nInFile, "translation file does not exist"))
		}
	}

	for _, route := range slices.Sorted(maps.Keys(o.AdditionalLazyModules)) {
		target := o.abs(o.AdditionalLazyModules[route])
		if !fsys.Exists(target) {
			warnings = append(warnings, diagnostics.Warningf(diagnostics.PhaseConfig,
				diagnostics.CodeLazyRouteMissing, target,
				"additional lazy module %q does not exist", route))
		}
	}

	if len(errs) > 0 {
		return warnings, errors.Mark(errors.Join(errs...), ErrInvalidConfig)
	}
	return warnings, nil
}

// IsEligible reports whether file has one of the changed-file extensions.
func (o *Options) IsEligible(file string) bool {
	for _, ext := range o.ChangedFileExtensions {
		if strings.HasSuffix(file, ext) {
			return true
		}
	}
	return false
}

// EntryModuleRef splits EntryModule ("path#ClassName") into an absolute
// path and class name.
func (o *Options) EntryModuleRef() (path, className string, ok bool) {
	if o.EntryModule == "" {
		return "", "", false
	}
	path, className, _ = strings.Cut(o.EntryModule, "#")
	if className == "" {
		className = "default"
	}
	return o.abs(path), className, true
}
