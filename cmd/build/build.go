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

// Package build provides the build command.
package build

import (
	"context"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/engine"
	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/internal/logger"
	"bennypowers.dev/ngtools/internal/output"
	"bennypowers.dev/ngtools/plugin"
	"bennypowers.dev/ngtools/watch"
)

// ErrBuildFailed is returned when a one-shot build reports errors.
var ErrBuildFailed = errors.New("build failed")

// Cmd is the build command.
var Cmd = &cobra.Command{
	Use:   "build",
	Short: "Compile the project",
	Long: `Compile the project's modules to JavaScript in an output directory.

Diagnostics are printed after each build. Without --watch the command
exits non-zero when the build reports errors.`,
	Example: `  # Build the project in the current directory
  ngtools build

  # Rebuild on every change
  ngtools build --watch

  # Only write the application's modules
  ngtools build --glob 'src/app/**' --out-dir dist/app`,
	Args: cobra.NoArgs,
	RunE: run,
}

func init() {
	Cmd.Flags().BoolP("watch", "w", false, "Rebuild when files change")
	Cmd.Flags().String("out-dir", "", "Output directory (default: <basePath>/dist)")
	Cmd.Flags().StringSlice("glob", nil, "Only write modules matching these globs, relative to the base path")
	Cmd.Flags().StringP("format", "f", "text", "Diagnostics format (text, json)")
	Cmd.Flags().Duration("debounce", watch.DefaultDebounce, "How long to wait for changes to settle in watch mode")
}

type builder struct {
	plugin *plugin.Plugin
	fs     fs.FileSystem
	base   string
	outDir string
	globs  []string
	format string
	out    io.Writer
	log    *zap.SugaredLogger
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	watching, _ := flags.GetBool("watch")
	outDir, _ := flags.GetString("out-dir")
	globs, _ := flags.GetStringSlice("glob")
	format, _ := flags.GetString("format")
	debounce, _ := flags.GetDuration("debounce")
	if format != "text" && format != "json" {
		return errors.Newf("invalid format %q: must be text or json", format)
	}
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return errors.Newf("invalid glob %q", g)
		}
	}

	osfs := fs.NewOSFileSystem()
	opts, err := config.FromViper(viper.GetViper(), osfs)
	if err != nil {
		return err
	}
	opts.ApplyDefaults()
	base := opts.BasePath
	if outDir == "" {
		outDir = filepath.Join(base, "dist")
	} else if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(base, outDir)
	}

	p, err := plugin.New(engine.Options{Config: opts, FS: osfs})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() { _ = p.Close(context.WithoutCancel(ctx)) }()

	b := &builder{
		plugin: p,
		fs:     osfs,
		base:   base,
		outDir: outDir,
		globs:  globs,
		format: format,
		out:    cmd.OutOrStdout(),
		log:    logger.Named("build"),
	}

	failed, err := b.once(ctx, !watching)
	if err != nil {
		return err
	}
	if !watching {
		if failed {
			return ErrBuildFailed
		}
		return nil
	}
	return b.watch(ctx, debounce)
}

// once runs one generation, writes what it emitted and prints its
// diagnostics. With awaitTypeCheck it also waits for the forked type
// checker's report.
func (b *builder) once(ctx context.Context, awaitTypeCheck bool) (failed bool, err error) {
	start := time.Now()
	c := &output.Collector{}
	if err := b.plugin.Make(ctx, c); err != nil {
		return false, err
	}
	written, err := b.write()
	if err != nil {
		return false, err
	}
	if awaitTypeCheck {
		if err := b.plugin.AwaitTypeCheck(ctx, c); err != nil {
			return false, err
		}
	}
	if err := c.Diagnostics(b.out, b.format, b.base); err != nil {
		return false, err
	}
	b.log.Infow("build complete",
		"generation", b.plugin.Engine().Generation(),
		"written", written,
		"errors", len(c.Errors()),
		"elapsed", time.Since(start))
	return len(c.Errors()) > 0, nil
}

func (b *builder) watch(ctx context.Context, debounce time.Duration) error {
	w, err := watch.New(b.base, debounce)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	w.Start(ctx)
	go b.reportTypeChecks(ctx)

	b.log.Infow("watching for changes", "root", b.base)
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-w.Batches():
			batch = slices.DeleteFunc(batch, b.output)
			if len(batch) == 0 {
				continue
			}
			b.plugin.BeforeCompile(ctx, batch...)
			if _, err := b.once(ctx, false); err != nil {
				if errors.Is(err, engine.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				b.log.Errorw("build failed", "error", err)
			}
		}
	}
}

// reportTypeChecks prints forked type checker diagnostics as each
// generation's report arrives.
func (b *builder) reportTypeChecks(ctx context.Context) {
	if _, forked := b.plugin.Engine().WorkerSession(); !forked {
		return
	}
	for {
		c := &output.Collector{}
		if err := b.plugin.AwaitTypeCheck(ctx, c); err != nil {
			return
		}
		if err := c.Diagnostics(b.out, b.format, b.base); err != nil {
			b.log.Warnw("printing type check diagnostics", "error", err)
		}
	}
}

// write copies the modules emitted by the last generation to the output
// directory.
func (b *builder) write() (int, error) {
	e := b.plugin.Engine()
	written := 0
	for _, id := range e.Emitted() {
		rel, err := filepath.Rel(b.base, id)
		if err != nil || strings.HasPrefix(rel, "..") || !b.selected(rel) {
			continue
		}
		rec, err := e.CompiledFile(id)
		if err != nil {
			return written, err
		}

		target := filepath.Join(b.outDir, jsName(rel))
		if err := b.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, errors.Wrapf(err, "creating %s", filepath.Dir(target))
		}
		text := rec.OutputText
		if rec.SourceMap != "" {
			text += "//# sourceMappingURL=" + filepath.Base(target) + ".map\n"
			if err := b.fs.WriteFile(target+".map", []byte(rec.SourceMap), 0o644); err != nil {
				return written, errors.Wrapf(err, "writing %s.map", target)
			}
		}
		if err := b.fs.WriteFile(target, []byte(text), 0o644); err != nil {
			return written, errors.Wrapf(err, "writing %s", target)
		}
		written++
	}
	return written, nil
}

// output reports whether path is under the output directory.
func (b *builder) output(path string) bool {
	rel, err := filepath.Rel(b.outDir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

func (b *builder) selected(rel string) bool {
	if len(b.globs) == 0 {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, g := range b.globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// jsName maps a source path to its output path.
func jsName(rel string) string {
	for _, ext := range []string{".tsx", ".ts", ".jsx", ".mjs"} {
		if trimmed, ok := strings.CutSuffix(rel, ext); ok {
			return trimmed + ".js"
		}
	}
	return rel
}
