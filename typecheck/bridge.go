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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"bennypowers.dev/ngtools/internal/logger"
)

var (
	// ErrNotStarted is returned by Update before Start or after Stop.
	ErrNotStarted = errors.New("type checker not started")
	// ErrWorkerDead marks failures talking to a worker that has exited.
	// The next Update respawns it.
	ErrWorkerDead = errors.New("type checker worker is not running")
)

// DefaultGracePeriod is how long Stop waits for a clean exit.
const DefaultGracePeriod = 5 * time.Second

const reportBuffer = 16

// Session describes the current worker session.
type Session struct {
	ID    string
	Alive bool
	// Pending is the correlation id of the last update sent.
	Pending    int64
	Generation uint64
	RootNames  []string
	Changed    []string
	// Restarts counts workers spawned after the first.
	Restarts int
}

type worker struct {
	proc    Process
	session string
	out     *frameWriter
	exited  chan struct{}
}

// Bridge owns the type checker worker. Updates are sent without waiting;
// reports arrive on Reports tagged with the generation they were
// requested for.
type Bridge struct {
	launcher Launcher
	params   InitParams
	grace    time.Duration
	log      *zap.SugaredLogger
	reports  chan Report
	nextID   atomic.Int64

	waitMu  sync.Mutex
	waiters map[int64]chan Message

	mu      sync.Mutex
	started bool
	alive   bool
	current *worker
	session Session
}

// NewBridge creates a bridge that launches workers with launcher and
// initializes them with params. A zero grace uses DefaultGracePeriod.
func NewBridge(launcher Launcher, params InitParams, grace time.Duration) *Bridge {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Bridge{
		launcher: launcher,
		params:   params,
		grace:    grace,
		log:      logger.Named("bridge"),
		reports:  make(chan Report, reportBuffer),
		waiters:  make(map[int64]chan Message),
	}
}

// Reports delivers worker reports. When nobody reads, the oldest reports
// are dropped.
func (b *Bridge) Reports() <-chan Report {
	return b.reports
}

// Session returns a snapshot of the session state.
func (b *Bridge) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session
	s.RootNames = slices.Clone(s.RootNames)
	s.Changed = slices.Clone(s.Changed)
	return s
}

// Start spawns the worker and waits for its init handshake. Starting a
// bridge with a live worker does nothing.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started && b.alive {
		return nil
	}
	if err := b.spawnLocked(ctx); err != nil {
		return err
	}
	b.started = true
	return nil
}

// Update sends the generation's roots and changed files. A dead worker is
// respawned first; whatever it was checking is lost.
func (b *Bridge) Update(ctx context.Context, generation uint64, rootNames, changed []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return ErrNotStarted
	}
	if !b.alive {
		b.log.Infow("respawning type checker worker", "previous", b.session.ID, "generation", generation)
		if err := b.spawnLocked(ctx); err != nil {
			return err
		}
	}

	id := b.nextID.Add(1)
	msg := Message{
		Kind:       KindUpdate,
		ID:         id,
		Generation: generation,
		Session:    b.current.session,
		RootNames:  rootNames,
		Changed:    changed,
	}
	if err := b.current.out.send(&msg); err != nil {
		b.alive = false
		b.session.Alive = false
		return errors.Mark(errors.Wrapf(err, "sending generation %d", generation), ErrWorkerDead)
	}

	b.session.Pending = id
	b.session.Generation = generation
	b.session.RootNames = slices.Clone(rootNames)
	b.session.Changed = slices.Clone(changed)
	b.log.Debugw("sent update", "session", b.current.session, "id", id, "generation", generation, "changed", len(changed))
	return nil
}

// Stop asks the worker to shut down and kills it if it has not exited
// after the grace period or when ctx is done.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	w, alive := b.current, b.alive
	b.started = false
	b.alive = false
	b.current = nil
	b.session.Alive = false
	b.mu.Unlock()

	if w == nil {
		return nil
	}
	if alive {
		if err := w.out.send(&Message{Kind: KindShutdown, ID: b.nextID.Add(1), Session: w.session}); err != nil {
			b.log.Debugw("shutdown message not delivered", "error", err)
		}
	}
	_ = w.proc.Stdin().Close()

	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case <-w.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	b.log.Warnw("type checker worker did not exit, killing it", "session", w.session)
	if err := w.proc.Kill(); err != nil {
		return errors.Wrapf(err, "killing worker %s", w.session)
	}
	<-w.exited
	return nil
}

func (b *Bridge) spawnLocked(ctx context.Context) error {
	if old := b.current; old != nil {
		_ = old.proc.Kill()
	}

	proc, err := b.launcher.Launch(ctx)
	if err != nil {
		return errors.Wrap(err, "launching type checker worker")
	}
	w := &worker{
		proc:    proc,
		session: uuid.NewString(),
		out:     &frameWriter{w: proc.Stdin()},
		exited:  make(chan struct{}),
	}
	go b.readLoop(w)

	id := b.nextID.Add(1)
	replies := b.wait(id)
	defer b.unwait(id)

	params := b.params
	if err := w.out.send(&Message{Kind: KindInit, ID: id, Session: w.session, Init: &params}); err != nil {
		_ = proc.Kill()
		return errors.Mark(errors.Wrap(err, "sending init"), ErrWorkerDead)
	}

	select {
	case reply := <-replies:
		if reply.Kind == KindError {
			_ = proc.Kill()
			return errors.WithHint(
				errors.Newf("type checker worker failed to initialize: %s", reply.Error),
				"check the tsconfig the build was started with")
		}
	case <-w.exited:
		return errors.Mark(errors.New("type checker worker exited during init"), ErrWorkerDead)
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}

	restarts := b.session.Restarts
	if b.session.ID != "" {
		restarts++
	}
	b.current = w
	b.alive = true
	b.session = Session{ID: w.session, Alive: true, Restarts: restarts}
	b.log.Infow("type checker worker ready", "session", w.session, "restarts", restarts)
	return nil
}

func (b *Bridge) readLoop(w *worker) {
	dec := msgpack.NewDecoder(w.proc.Stdout())
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				b.log.Debugw("worker output ended", "session", w.session, "error", err)
			}
			break
		}
		switch msg.Kind {
		case KindReady, KindError:
			if !b.reply(msg) {
				b.log.Warnw("worker error", "session", w.session, "error", msg.Error)
			}
		case KindReport:
			b.deliver(w, Report{
				Session:     msg.Session,
				ID:          msg.ID,
				Generation:  msg.Generation,
				Diagnostics: msg.Diagnostics,
				Routes:      msg.Routes,
				Err:         msg.Error,
			})
		default:
			b.log.Warnw("ignoring unexpected worker message", "kind", msg.Kind)
		}
	}

	err := w.proc.Wait()
	close(w.exited)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == w && b.alive {
		b.alive = false
		b.session.Alive = false
		b.log.Warnw("type checker worker exited unexpectedly", "session", w.session, "error", err)
	}
}

// deliver queues a report from w unless w has been replaced.
func (b *Bridge) deliver(w *worker, r Report) {
	b.mu.Lock()
	current := b.current == w
	b.mu.Unlock()
	if !current {
		b.log.Debugw("dropping report from replaced worker", "session", w.session, "generation", r.Generation)
		return
	}
	for {
		select {
		case b.reports <- r:
			return
		default:
			select {
			case dropped := <-b.reports:
				b.log.Debugw("report buffer full, dropping oldest", "generation", dropped.Generation)
			default:
			}
		}
	}
}

func (b *Bridge) wait(id int64) <-chan Message {
	ch := make(chan Message, 1)
	b.waitMu.Lock()
	b.waiters[id] = ch
	b.waitMu.Unlock()
	return ch
}

func (b *Bridge) unwait(id int64) {
	b.waitMu.Lock()
	delete(b.waiters, id)
	b.waitMu.Unlock()
}

func (b *Bridge) reply(msg Message) bool {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	ch, ok := b.waiters[msg.ID]
	if ok {
		ch <- msg
	}
	return ok
}
