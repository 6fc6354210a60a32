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
	"path/filepath"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"bennypowers.dev/ngtools/fs"
)

// EnvPrefix prefixes environment overrides, e.g. NGTOOLS_FORKTYPECHECKER.
const EnvPrefix = "NGTOOLS"

// ConfigName is the base name of the optional project config file.
const ConfigName = "ngtools"

// BindEnv lets every option be set from the environment.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	t := reflect.TypeFor[Options]()
	for i := range t.NumField() {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return errors.Wrapf(err, "binding %s", key)
		}
	}
	return nil
}

// FromViper decodes Options from v. When no tsConfigPath is set, the
// "project" key supplies it: either a tsconfig file or a directory to
// search upwards from.
func FromViper(v *viper.Viper, fsys fs.FileSystem) (Options, error) {
	var opts Options
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&opts, hook); err != nil {
		return opts, errors.Mark(errors.Wrap(err, "decoding options"), ErrInvalidConfig)
	}

	if opts.TSConfigPath == "" {
		path, err := ProjectConfig(fsys, v.GetString("project"))
		if err != nil {
			return opts, err
		}
		opts.TSConfigPath = path
	}
	if !filepath.IsAbs(opts.TSConfigPath) {
		abs, err := filepath.Abs(opts.TSConfigPath)
		if err != nil {
			return opts, errors.Wrapf(err, "resolving %s", opts.TSConfigPath)
		}
		opts.TSConfigPath = abs
	}
	return opts, nil
}

// ProjectConfig locates the tsconfig for project, which names a config
// file or a directory.
func ProjectConfig(fsys fs.FileSystem, project string) (string, error) {
	if project == "" {
		project = "."
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return "", errors.Wrapf(err, "resolving project %s", project)
	}
	if fs.IsFile(fsys, abs) {
		return abs, nil
	}
	path, ok := FindTSConfig(fsys, abs)
	if !ok {
		return "", errors.WithHint(
			errors.Mark(errors.Newf("no tsconfig.json found from %s", abs), ErrInvalidConfig),
			"pass --project with the path to a tsconfig.json")
	}
	return path, nil
}
