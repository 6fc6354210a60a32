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
package typecheck

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/gather"
	"bennypowers.dev/ngtools/internal/logger"
	"bennypowers.dev/ngtools/lazyroute"
	"bennypowers.dev/ngtools/program"
	"bennypowers.dev/ngtools/resolve"
)

// Request is one generation to check.
type Request struct {
	ID         int64
	Generation uint64
	RootNames  []string
	Changed    []string
}

// Result is what a check found.
type Result struct {
	Diagnostics []diagnostics.Diagnostic
	Routes      []lazyroute.Route
}

// Checker performs the worker's type checks. Check may be called again
// before a cancelled call has returned.
type Checker interface {
	Init(ctx context.Context, params InitParams) error
	Check(ctx context.Context, req Request) (Result, error)
}

type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) send(msg *Message) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encoding %s message", msg.Kind)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(data)
	return err
}

// Serve runs the worker side of the protocol until the input ends, a
// shutdown message arrives or ctx is done. An update cancels the check
// still running for an earlier one; a cancelled check sends no report.
func Serve(ctx context.Context, r io.Reader, w io.Writer, checker Checker) error {
	log := logger.Named("worker")
	out := &frameWriter{w: w}

	msgs := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		dec := msgpack.NewDecoder(r)
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		session string
		cancel  context.CancelFunc = func() {}
		running sync.WaitGroup
	)
	defer func() {
		cancel()
		running.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return errors.Wrap(err, "reading worker input")

		case msg := <-msgs:
			switch msg.Kind {
			case KindInit:
				session = msg.Session
				reply := Message{Kind: KindReady, ID: msg.ID, Session: session}
				if msg.Init == nil {
					reply.Kind, reply.Error = KindError, "init message without parameters"
				} else if err := checker.Init(ctx, *msg.Init); err != nil {
					reply.Kind, reply.Error = KindError, err.Error()
				}
				if err := out.send(&reply); err != nil {
					return errors.Wrap(err, "answering init")
				}
				log.Debugw("initialized", "session", session, "ok", reply.Kind == KindReady)

			case KindUpdate:
				cancel()
				var cctx context.Context
				cctx, cancel = context.WithCancel(ctx)
				req := Request{
					ID:         msg.ID,
					Generation: msg.Generation,
					RootNames:  msg.RootNames,
					Changed:    msg.Changed,
				}
				running.Go(func() {
					res, err := checker.Check(cctx, req)
					if cctx.Err() != nil {
						log.Debugw("check superseded", "generation", req.Generation)
						return
					}
					reply := Message{
						Kind:        KindReport,
						ID:          req.ID,
						Generation:  req.Generation,
						Session:     session,
						Diagnostics: res.Diagnostics,
						Routes:      res.Routes,
					}
					if err != nil {
						reply.Error = err.Error()
					}
					if err := out.send(&reply); err != nil {
						log.Warnw("failed to send report", "generation", req.Generation, "error", err)
					}
				})

			case KindShutdown:
				log.Debugw("shutting down", "session", session)
				return nil

			default:
				log.Warnw("ignoring unexpected message", "kind", msg.Kind, "id", msg.ID)
			}
		}
	}
}

// ProgramChecker builds programs from the worker's own view of the file
// system and gathers their diagnostics.
type ProgramChecker struct {
	fs fs.FileSystem

	mu       sync.Mutex
	mode     program.Mode
	host     *program.Host
	resolver *resolve.Resolver
	opts     program.Options
	roots    []string
}

// NewProgramChecker creates a checker reading through fsys.
func NewProgramChecker(fsys fs.FileSystem) *ProgramChecker {
	return &ProgramChecker{fs: fsys}
}

// Init loads the base configuration.
func (c *ProgramChecker) Init(_ context.Context, params InitParams) error {
	cfg, err := config.LoadTSConfig(c.fs, params.TSConfigPath)
	if err != nil {
		return err
	}
	resolver, err := resolve.New(c.fs, resolve.Options{
		BaseURL: cfg.PathsBase(),
		Paths:   cfg.CompilerOptions.Paths,
	})
	if err != nil {
		return err
	}

	mode := program.ModeDirect
	if params.Structured {
		mode = program.ModeStructured
	}
	entryModule, entryClass, _ := strings.Cut(params.EntryModule, "#")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.host = program.NewHost(c.fs, params.HostReplacementPaths)
	c.resolver = resolver
	c.roots = nil
	c.opts = program.Options{
		Mode:            mode,
		Resolver:        resolver,
		Platform:        params.Platform,
		CompilerOptions: cfg.CompilerOptions,
		EntryModule:     entryModule,
		EntryClass:      entryClass,
	}
	return nil
}

// Check builds the generation's program and gathers its diagnostics. In
// structured mode it also reports the program's lazy routes.
func (c *ProgramChecker) Check(ctx context.Context, req Request) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return Result{}, errors.New("checker not initialized")
	}

	structural := c.host.Refresh(req.Changed)
	roots := slices.Clone(req.RootNames)
	slices.Sort(roots)
	if structural || !slices.Equal(roots, c.roots) {
		c.resolver.Reset()
		c.roots = roots
	}

	p, err := program.Build(ctx, c.host, c.opts, roots)
	if err != nil {
		return Result{}, err
	}
	bag, err := gather.Gather(ctx, p, c.mode)
	if err != nil {
		return Result{}, err
	}

	res := Result{Diagnostics: bag.Items()}
	if sp, ok := p.(program.Structural); ok {
		routes, warnings := lazyroute.WholeProgram(sp)
		res.Routes = routes
		res.Diagnostics = append(res.Diagnostics, warnings...)
	}
	return res, nil
}
