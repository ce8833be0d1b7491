package docsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"sitecms/api/internal/document"
	"sitecms/api/internal/util"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// State is the observable save state of the session.
type State struct {
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Sections []string  `json:"sections,omitempty"`
	RoundID  string    `json:"roundId,omitempty"`
	At       time.Time `json:"at"`
}

// Writer persists one section. Section writes replace the whole value.
type Writer interface {
	Write(ctx context.Context, path string, value any) error
}

type Options struct {
	// WriteTimeout bounds a whole save round.
	WriteTimeout time.Duration
	// SavedDisplay is how long "saved" is shown before returning to idle.
	SavedDisplay time.Duration
	// ErrorDisplay is how long "error" is shown before returning to idle.
	ErrorDisplay time.Duration
}

func DefaultOptions() Options {
	return Options{
		WriteTimeout: 10 * time.Second,
		SavedDisplay: 2 * time.Second,
		ErrorDisplay: 3 * time.Second,
	}
}

// Coordinator turns a save request into concurrent section writes and
// drives the idle -> saving -> saved|error -> idle state machine.
type Coordinator struct {
	engine *Engine
	writer Writer
	opts   Options
	now    func() time.Time

	mu         sync.Mutex
	notifyMu   sync.Mutex
	state      atomic.Pointer[State]
	timer      *time.Timer
	generation uint64
	listeners  []func(State)
	committed  []func(Committed)
}

// Committed describes a successful save round.
type Committed struct {
	RoundID  string
	Actor    string
	Sections document.Snapshot
}

type actorKey struct{}

// WithActor tags ctx with the operator a save round is attributed to.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func NewCoordinator(engine *Engine, writer Writer, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.SavedDisplay <= 0 {
		opts.SavedDisplay = defaults.SavedDisplay
	}
	if opts.ErrorDisplay <= 0 {
		opts.ErrorDisplay = defaults.ErrorDisplay
	}
	c := &Coordinator{
		engine: engine,
		writer: writer,
		opts:   opts,
		now:    time.Now,
	}
	c.state.Store(&State{Status: StatusIdle, At: c.now()})
	return c
}

// OnChange registers a listener for every state transition. Listeners run
// synchronously and in transition order; they may read State but must not
// call Save.
func (c *Coordinator) OnChange(listener func(State)) {
	if listener == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

// OnCommitted registers a hook that receives the sections of every
// successful save round.
func (c *Coordinator) OnCommitted(hook func(Committed)) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	c.committed = append(c.committed, hook)
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	return *c.state.Load()
}

// Save persists every dirty section. Without dirty sections it returns nil
// and leaves the state untouched. The baseline only advances when every
// write in the round succeeded; the working copy is never modified.
func (c *Coordinator) Save(ctx context.Context) error {
	dirty := c.engine.DirtySections()
	if len(dirty) == 0 {
		return nil
	}

	roundID := util.NewID("save")
	c.transition(State{Status: StatusSaving, Sections: dirty, RoundID: roundID}, 0)
	captured := c.engine.Capture(dirty)
	c.engine.BeginWrites(captured)

	if err := c.writeAll(ctx, captured); err != nil {
		glog.Warningf("save %s failed sections=%v: %v", roundID, dirty, err)
		c.transition(State{Status: StatusError, Message: err.Error(), Sections: dirty, RoundID: roundID}, c.opts.ErrorDisplay)
		return err
	}

	c.engine.CommitSnapshot(captured)
	glog.Infof("save %s committed sections=%v", roundID, dirty)
	c.transition(State{Status: StatusSaved, Sections: dirty, RoundID: roundID}, c.opts.SavedDisplay)

	c.mu.Lock()
	hooks := append([]func(Committed){}, c.committed...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(Committed{RoundID: roundID, Actor: actorFrom(ctx), Sections: document.Clone(captured)})
	}
	return nil
}

func (c *Coordinator) writeAll(ctx context.Context, sections document.Snapshot) error {
	roundCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	// A plain Group: every write runs to completion even after one fails.
	var group errgroup.Group
	for key, value := range sections {
		key, value := key, value
		group.Go(func() error {
			if err := c.writer.Write(roundCtx, key, value); err != nil {
				return fmt.Errorf("write section %s: %w", key, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-roundCtx.Done():
		return fmt.Errorf("save round did not finish within %s: %w", c.opts.WriteTimeout, roundCtx.Err())
	}
}

// transition moves to next, cancelling any pending auto-reset, and schedules
// a return to idle after resetAfter when it is positive.
func (c *Coordinator) transition(next State, resetAfter time.Duration) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	next.At = c.now()
	c.state.Store(&next)
	if resetAfter > 0 {
		generation := c.generation
		c.timer = time.AfterFunc(resetAfter, func() { c.expire(generation) })
	}
	listeners := append([]func(State){}, c.listeners...)
	c.notifyMu.Lock()
	c.mu.Unlock()

	defer c.notifyMu.Unlock()
	for _, listener := range listeners {
		listener(next)
	}
}

func (c *Coordinator) expire(generation uint64) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.generation++
	next := State{Status: StatusIdle, At: c.now()}
	c.state.Store(&next)
	listeners := append([]func(State){}, c.listeners...)
	c.notifyMu.Lock()
	c.mu.Unlock()

	defer c.notifyMu.Unlock()
	for _, listener := range listeners {
		listener(next)
	}
}
