package automation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smauto/smauto/internal/condition"
	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// Condition is the compiled predicate a runner evaluates each tick.
// *condition.Compiled satisfies it; tests substitute stubs.
type Condition interface {
	Evaluate(condition.StateReader) (bool, error)
	String() string
}

// barrierPollInterval is how often an IDLE runner re-checks its
// run-after dependency barrier. Kept separate from the evaluation
// frequency so slow automations don't hold fast dependents longer than
// a second.
const barrierPollInterval = time.Second

// Runner drives one automation's control loop. All cross-runner
// interaction goes through atomic fields (enabled, state) and the
// registry, so runners never lock each other.
type Runner struct {
	name       string
	cond       Condition
	actions    []model.Action
	freq       float64
	continuous bool
	checkOnce  bool
	after      []string
	starts     []string
	stops      []string

	reader     condition.StateReader
	dispatcher *Dispatcher
	reg        *Registry
	logger     *slog.Logger
	bus        *events.Bus

	enabled atomic.Bool
	state   atomic.Int32
}

// NewRunner builds a runner for the automation. The condition must be
// compiled (windows declared) before the runner first evaluates it.
func NewRunner(a model.Automation, cond Condition, reader condition.StateReader,
	dispatcher *Dispatcher, reg *Registry, logger *slog.Logger, bus *events.Bus) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		name:       a.Name,
		cond:       cond,
		actions:    a.Actions,
		freq:       a.Freq,
		continuous: a.Continuous,
		checkOnce:  a.CheckOnce,
		after:      a.After,
		starts:     a.Starts,
		stops:      a.Stops,
		reader:     reader,
		dispatcher: dispatcher,
		reg:        reg,
		logger:     logger.With("automation", a.Name),
		bus:        bus,
	}
	r.enabled.Store(a.Enabled)
	r.state.Store(int32(StateIdle))
	return r
}

// Name returns the automation's model-wide unique name.
func (r *Runner) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Enabled reports whether ticks currently evaluate the condition.
func (r *Runner) Enabled() bool { return r.enabled.Load() }

// Enable turns evaluation on. Idempotent; the flip is logged and
// published once. by names the actor (a peer automation or "engine").
func (r *Runner) Enable(by string) {
	if r.enabled.CompareAndSwap(false, true) {
		r.logger.Info("automation enabled", "by", by)
		r.bus.Publish(events.Event{
			Source: events.SourceRunner,
			Kind:   events.KindEnabled,
			Data:   map[string]any{"automation": r.name, "by": by},
		})
	}
}

// Disable turns evaluation off. A disabled runner's ticks treat the
// condition as false; re-enabling resumes evaluation on the next tick
// with no missed-event replay.
func (r *Runner) Disable(by string) {
	if r.enabled.CompareAndSwap(true, false) {
		r.logger.Info("automation disabled", "by", by)
		r.bus.Publish(events.Event{
			Source: events.SourceRunner,
			Kind:   events.KindDisabled,
			Data:   map[string]any{"automation": r.name, "by": by},
		})
	}
}

func (r *Runner) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev == s {
		return
	}
	r.logger.Debug("state transition", "from", prev.String(), "to", s.String())
	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindStateChange,
		Data:   map[string]any{"automation": r.name, "from": prev.String(), "to": s.String()},
	})
}

// barrierClear reports whether no run-after dependency is RUNNING.
// Empty after lists are trivially clear; unknown names (rejected by
// validation) never block.
func (r *Runner) barrierClear() bool {
	for _, dep := range r.after {
		if peer, ok := r.reg.Get(dep); ok && peer.State() == StateRunning {
			return false
		}
	}
	return true
}

// Run drives the state machine until ctx is cancelled. The loop is
// paced at the automation's frequency; barrier polling while IDLE uses
// its own 1 Hz cadence.
func (r *Runner) Run(ctx context.Context) {
	period := time.Duration(float64(time.Second) / r.freq)
	r.logger.Info("automation runner started",
		"freq_hz", r.freq, "condition", r.cond.String(), "after", r.after)

	for {
		r.setState(StateIdle)

		// Hold at the barrier until every run-after dependency is out
		// of RUNNING.
		for !r.barrierClear() {
			if !sleepCtx(ctx, barrierPollInterval) {
				return
			}
		}
		r.setState(StateRunning)

		for r.State() == StateRunning {
			if ctx.Err() != nil {
				return
			}
			if r.tick(ctx) {
				r.setState(StateExitedSuccess)
				break
			}
			if !sleepCtx(ctx, period) {
				return
			}
		}

		// Settle one tick before re-arming.
		if !sleepCtx(ctx, period) {
			return
		}
	}
}

// tick evaluates the condition once and, on trigger, runs the action
// phase. Returns whether the automation triggered.
func (r *Runner) tick(ctx context.Context) bool {
	if !r.Enabled() {
		return false
	}
	ok, err := r.cond.Evaluate(r.reader)
	if err != nil {
		// Missing attribute, type mismatch, degenerate window: the
		// condition is false for this tick, never a crash.
		r.logger.Debug("condition evaluation error", "error", err)
		return false
	}
	if !ok {
		return false
	}

	r.logger.Info("automation triggered", "condition", r.cond.String())
	r.dispatcher.Dispatch(ctx, r.name, r.actions)

	for _, name := range r.starts {
		r.reg.Enable(name, r.name)
	}
	for _, name := range r.stops {
		r.reg.Disable(name, r.name)
	}
	if r.checkOnce || !r.continuous {
		r.Disable(r.name)
	}

	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindTriggered,
		Data:   map[string]any{"automation": r.name, "condition": r.cond.String()},
	})
	return true
}

// sleepCtx sleeps for d or until ctx is cancelled; it returns false on
// cancellation. Runners exit at these sleep boundaries.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Registry indexes runners by name so peers can resolve after/starts/
// stops references at runtime.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Add registers a runner under its name.
func (g *Registry) Add(r *Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[r.Name()] = r
}

// Get returns the named runner, or false.
func (g *Registry) Get(name string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[name]
	return r, ok
}

// All returns every registered runner.
func (g *Registry) All() []*Runner {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r)
	}
	return out
}

// Enable enables the named runner if it exists.
func (g *Registry) Enable(name, by string) {
	if r, ok := g.Get(name); ok {
		r.Enable(by)
	}
}

// Disable disables the named runner if it exists.
func (g *Registry) Disable(name, by string) {
	if r, ok := g.Get(name); ok {
		r.Disable(by)
	}
}
