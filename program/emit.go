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
package program

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/errgroup"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/internal/logger"
)

var esTargets = map[string]api.Target{
	"es5":    api.ES5,
	"es6":    api.ES2015,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"es2023": api.ES2023,
	"esnext": api.ESNext,
}

// EmitTarget maps a tsconfig target to esbuild's. Unknown targets fall
// back to ES2022.
func EmitTarget(target string) api.Target {
	if t, ok := esTargets[strings.ToLower(target)]; ok {
		return t
	}
	return api.ES2022
}

// rewriter returns the text to transpile for a module.
type rewriter func(sf *SourceFile) []byte

type emitted struct {
	id     string
	output Output
	diags  []diagnostics.Diagnostic
	ok     bool
}

// emit transpiles ids in parallel. Outputs are collected only after every
// module has finished, so a cancelled emit installs nothing.
func (p *DirectProgram) emit(ctx context.Context, ids []string, rewrite rewriter) (map[string]Output, []diagnostics.Diagnostic, error) {
	ids = p.emittable(ids)
	if len(ids) == 0 {
		return map[string]Output{}, nil, nil
	}
	start := time.Now()

	limit := p.opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	tsconfigRaw := p.tsconfigRaw()
	results := make([]emitted, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(limit, len(ids)))
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sf := p.files[id]
			text := sf.Content
			if rewrite != nil {
				text = rewrite(sf)
			}
			results[i] = p.transform(id, text, tsconfigRaw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	outputs := make(map[string]Output, len(results))
	var ds []diagnostics.Diagnostic
	for _, r := range results {
		ds = append(ds, r.diags...)
		if r.ok {
			outputs[r.id] = r.output
		}
	}

	logger.Named("emit").Debugw("emitted modules",
		"mode", p.opts.Mode.String(),
		"count", len(outputs),
		"elapsed", time.Since(start))
	return outputs, ds, nil
}

func (p *DirectProgram) transform(id string, text []byte, tsconfigRaw string) emitted {
	loader := api.LoaderTS
	if strings.HasSuffix(id, ".tsx") {
		loader = api.LoaderTSX
	}
	platform := api.PlatformBrowser
	if p.opts.Platform == config.PlatformServer {
		platform = api.PlatformNode
	}
	sourcemap := api.SourceMapNone
	if p.opts.SourceMap {
		sourcemap = api.SourceMapExternal
	}

	result := api.Transform(string(text), api.TransformOptions{
		Loader:      loader,
		Sourcefile:  id,
		Sourcemap:   sourcemap,
		Format:      api.FormatESModule,
		Platform:    platform,
		Target:      EmitTarget(p.opts.CompilerOptions.Target),
		TsconfigRaw: tsconfigRaw,
	})

	out := emitted{id: id}
	for _, msg := range result.Errors {
		out.diags = append(out.diags, messageDiagnostic(id, diagnostics.Error, msg))
	}
	for _, msg := range result.Warnings {
		out.diags = append(out.diags, messageDiagnostic(id, diagnostics.Warning, msg))
	}
	if len(result.Errors) > 0 {
		return out
	}
	out.ok = true
	out.output = Output{Text: string(result.Code), SourceMap: string(result.Map)}
	return out
}

func messageDiagnostic(id string, category diagnostics.Category, msg api.Message) diagnostics.Diagnostic {
	d := diagnostics.Diagnostic{
		Category: category,
		Code:     diagnostics.CodeEmit,
		File:     id,
		Message:  msg.Text,
		Phase:    diagnostics.PhaseEmit,
	}
	if loc := msg.Location; loc != nil {
		d.Line = loc.Line
		d.Column = loc.Column + 1
	}
	return d
}

// tsconfigRaw passes the compilerOptions esbuild honors for TypeScript.
func (p *DirectProgram) tsconfigRaw() string {
	opts := p.opts.CompilerOptions
	compilerOptions := map[string]any{
		"experimentalDecorators": opts.ExperimentalDecorators,
	}
	if opts.UseDefineForClassFields != nil {
		compilerOptions["useDefineForClassFields"] = *opts.UseDefineForClassFields
	}
	data, err := json.Marshal(map[string]any{"compilerOptions": compilerOptions})
	if err != nil {
		return ""
	}
	return string(data)
}
