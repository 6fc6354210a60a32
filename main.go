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

// Command ngtools compiles framework applications incrementally.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bennypowers.dev/ngtools/cmd/build"
	"bennypowers.dev/ngtools/cmd/resolve"
	"bennypowers.dev/ngtools/cmd/routes"
	"bennypowers.dev/ngtools/cmd/typecheck"
	"bennypowers.dev/ngtools/cmd/version"
	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/internal/logger"
)

var (
	cpuprofile     string
	cpuprofileFile *os.File
	rootCmd        = &cobra.Command{
		Use:   "ngtools",
		Short: "Incrementally compile framework applications",
		Long: `ngtools compiles a TypeScript framework application, keeps its
lazy route map and diagnostics current across rebuilds, and can type-check
in a forked worker process.

Options are read from flags, an ngtools.yaml (or .json/.toml) next to the
project, and NGTOOLS_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Initialize(logger.Options{
				JSON:    viper.GetBool("jsonLogs"),
				Verbose: viper.GetBool("verbose"),
			}); err != nil {
				return err
			}
			if err := readConfig(); err != nil {
				return err
			}
			if err := config.BindEnv(viper.GetViper()); err != nil {
				return err
			}
			if cpuprofile != "" {
				f, err := os.Create(cpuprofile)
				if err != nil {
					return fmt.Errorf("could not create CPU profile: %w", err)
				}
				cpuprofileFile = f
				if err := pprof.StartCPUProfile(f); err != nil {
					closeErr := f.Close()
					return errors.Join(
						fmt.Errorf("could not start CPU profile: %w", err),
						closeErr,
					)
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			logger.Sync()
			if cpuprofileFile != nil {
				pprof.StopCPUProfile()
				if err := cpuprofileFile.Close(); err != nil {
					return fmt.Errorf("closing CPU profile: %w", err)
				}
			}
			return nil
		},
	}
)

func init() {
	// Root flags (persistent across all commands)
	rootCmd.PersistentFlags().StringP("project", "p", ".", "tsconfig.json, or a directory to search upwards from")
	rootCmd.PersistentFlags().String("config", "", "Options file (default: ngtools.* in the project directory)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output file (default: stdout)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output, including phase timings")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Log as JSON")
	rootCmd.PersistentFlags().StringVar(&cpuprofile, "cpuprofile", "", "Write CPU profile to file")

	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("jsonLogs", rootCmd.PersistentFlags().Lookup("json-logs"))

	// Add commands
	rootCmd.AddCommand(build.Cmd)
	rootCmd.AddCommand(routes.Cmd)
	rootCmd.AddCommand(resolve.Cmd)
	rootCmd.AddCommand(typecheck.Cmd)
	rootCmd.AddCommand(version.Cmd)
}

// readConfig loads the options file named by --config, or an ngtools.*
// file in the project directory when there is one.
func readConfig() error {
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		return nil
	}

	dir := viper.GetString("project")
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	viper.SetConfigName(config.ConfigName)
	viper.AddConfigPath(dir)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading options file: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
