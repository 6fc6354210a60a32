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

// Package routes provides the routes command.
package routes

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/engine"
	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/internal/output"
	"bennypowers.dev/ngtools/plugin"
)

// Cmd is the routes command.
var Cmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the project's lazy route map",
	Long: `Compile the project once and print the lazy route map as JSON.

Each entry maps a route key (the normalized module specifier and export
name) to the module that implements it and its chunk name.`,
	Args: cobra.NoArgs,
	RunE: run,
}

func run(cmd *cobra.Command, _ []string) error {
	osfs := fs.NewOSFileSystem()
	opts, err := config.FromViper(viper.GetViper(), osfs)
	if err != nil {
		return err
	}
	// Routes are discovered without the type checker.
	opts.ForkTypeChecker = false

	p, err := plugin.New(engine.Options{Config: opts, FS: osfs})
	if err != nil {
		return err
	}
	defer func() { _ = p.Close(context.WithoutCancel(cmd.Context())) }()

	c := &output.Collector{}
	if err := p.Make(cmd.Context(), c); err != nil {
		return err
	}
	if errs := c.Errors(); len(errs) > 0 {
		return errors.Newf("discovering routes: %s", errs[0].String())
	}
	return output.JSON(osfs, p.Engine().LazyRoutes())
}
