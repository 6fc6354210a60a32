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

// Package resolve provides the resolve command.
package resolve

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/engine"
	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/plugin"
)

// Cmd is the resolve command.
var Cmd = &cobra.Command{
	Use:   "resolve <request>",
	Short: "Resolve a module request through the project's path mappings",
	Long: `Resolve a module request the way the bundler would after the
compiler's path mappings are applied. Requests that no mapping covers are
printed unchanged.`,
	Example: `  ngtools resolve @app/core --from src/main.ts`,
	Args:    cobra.ExactArgs(1),
	RunE:    run,
}

func init() {
	Cmd.Flags().String("from", "", "The importing file (default: the project's main module)")
}

func run(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")

	osfs := fs.NewOSFileSystem()
	opts, err := config.FromViper(viper.GetViper(), osfs)
	if err != nil {
		return err
	}
	opts.ForkTypeChecker = false
	opts.ApplyDefaults()

	p, err := plugin.New(engine.Options{Config: opts, FS: osfs})
	if err != nil {
		return err
	}
	defer func() { _ = p.Close(context.WithoutCancel(cmd.Context())) }()

	if from == "" {
		from = opts.MainPath
	}
	if from == "" {
		from = filepath.Join(opts.BasePath, "index.ts")
	}
	if !filepath.IsAbs(from) {
		if from, err = filepath.Abs(from); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), p.ResolveModule(args[0], from))
	return err
}
