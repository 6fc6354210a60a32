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

// Package typecheck provides the hidden command that runs a forked type
// checker worker over stdin and stdout.
package typecheck

import (
	"os"

	"github.com/spf13/cobra"

	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/typecheck"
)

// Cmd is the type checker worker command.
var Cmd = &cobra.Command{
	Use:    typecheck.WorkerCommand,
	Short:  "Run a type checker worker",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		checker := typecheck.NewProgramChecker(fs.NewOSFileSystem())
		return typecheck.Serve(cmd.Context(), os.Stdin, os.Stdout, checker)
	},
}
