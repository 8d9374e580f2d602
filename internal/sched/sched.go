// Package sched implements the cooperative scheduler: scheduling groups,
// one runner goroutine per group, and the adaptive spin-backoff loop
// that drives each engine's Resume step without ever blocking on it.
package sched

import (
	"runtime"
	"sync"
	"time"

	"github.com/flowmesh/enginerpc/internal/engine"
	"go.uber.org/zap"
)

// Mode selects how engines are grouped onto runners, realising
// ServiceSubscription's scheduling_mode attribute.
type Mode int

const (
	// Dedicated assigns each engine its own scheduling group.
	Dedicated Mode = iota
	// Compact puts every engine of one subscription in a single group.
	Compact
	// Spread round-robins new engines across the scheduler's existing
	// runners, independent of subscription boundaries.
	Spread
)

func (m Mode) String() string {
	switch m {
	case Dedicated:
		return "dedicated"
	case Compact:
		return "compact"
	case Spread:
		return "spread"
	default:
		return "unknown"
	}
}

// dpLimit bounds the exponential backoff; at the cap, tick's control
// branch runs at most once every dpLimit resume steps (Resume itself
// runs on every step).
const dpLimit = 1 << 17

// cmdMaxInterval bounds how long the control channel may go unpolled
// even while the datapath keeps reporting progress.
const cmdMaxInterval = 1000 * time.Millisecond

// entry is one scheduled engine plus the adaptive backoff state the
// resume loop mutates on every Runner tick. Exactly the dp_spin_cnt/
// backoff/last_cmd_ts fields the reference engine carries per instance,
// lifted out of the engine and into the scheduler so any engine type
// gets the same policy without reimplementing it.
type entry struct {
	eng        engine.Engine
	dpSpinCnt  int
	backoff    int
	lastCmdTS  time.Time
	hasCmdHint func() bool // customer.has_control_command(), nil if engine doesn't expose one
}

// Group is a scheduling group: a set of engines driven by one Runner.
// The runner iterates a snapshot of the entries taken at the start of
// each pass and removes the engines that finished only after the pass.
type Group struct {
	mu      sync.Mutex
	id      uint64
	mode    Mode
	entries []*entry
	log     *zap.Logger
}

// NewGroup creates an empty scheduling group.
func NewGroup(id uint64, mode Mode, log *zap.Logger) *Group {
	return &Group{id: id, mode: mode, log: log}
}

// ID returns the group's identifier.
func (g *Group) ID() uint64 { return g.id }

// Mode returns the scheduling mode this group realises.
func (g *Group) Mode() Mode { return g.mode }

// Add enrolls eng into the group with fresh backoff state. hasCmdHint
// may be nil when the engine has no customer-side control channel to
// poll a hint from (check_cmd is then driven purely by cmdMaxInterval).
func (g *Group) Add(eng engine.Engine, hasCmdHint func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, &entry{
		eng:        eng,
		backoff:    1,
		lastCmdTS:  time.Time{},
		hasCmdHint: hasCmdHint,
	})
}

// Remove drops the engine with the given id from the group, returning
// whether it was found. Callers must have already suspended the engine
// per SchedulingGroup's "moving requires suspending first" invariant.
func (g *Group) Remove(id engine.Id) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.entries {
		if e.eng.ID() == id {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports how many engines the group currently drives.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// tick drives one adaptive-backoff resume step for e: Resume,
// progress-driven backoff growth, dp_spin_cnt gating, the
// has-control-work-or-interval-elapsed branch halving backoff, and the
// matching else branch doubling it back up. Resume is the only engine
// call tick makes: the control branch updates lastCmdTS and backoff and
// logs, and no flush, control-command or new-connection probe is run.
func tick(e *entry, log *zap.Logger) (engine.Status, error) {
	status, err := e.eng.Resume()
	if err != nil {
		return status, err
	}
	if status != engine.Continue {
		return status, nil
	}

	// check_customer(): a resume that reported datapath progress grows
	// backoff, biasing future ticks toward more datapath spins before
	// the next control-channel check.
	if progressed, ok := datapathProgress(e.eng); ok && progressed {
		e.backoff = min(dpLimit, e.backoff*2)
	}

	e.dpSpinCnt++
	if e.dpSpinCnt < e.backoff {
		return engine.Continue, nil
	}
	e.dpSpinCnt = 0

	hasCmd := e.hasCmdHint != nil && e.hasCmdHint()
	elapsed := e.lastCmdTS.IsZero() || time.Since(e.lastCmdTS) > cmdMaxInterval
	if hasCmd || elapsed {
		e.lastCmdTS = time.Now()
		e.backoff = max(1, e.backoff/2)
		if log != nil {
			log.Debug("polling control channel", zap.Uint64("engine_id", uint64(e.eng.ID())), zap.Int("backoff", e.backoff))
		}
	} else {
		e.backoff = min(dpLimit, e.backoff*2)
	}

	return engine.Continue, nil
}

// datapathProgressor is an optional capability an Engine implementation
// may satisfy to report whether its latest Resume call moved datapath
// bytes, independent of its own Status return. Engines that don't
// implement it are treated as always reporting no progress hint, which
// only affects how quickly backoff grows — never correctness.
type datapathProgressor interface {
	DatapathProgressed() bool
}

func datapathProgress(e engine.Engine) (progressed, ok bool) {
	dp, ok := e.(datapathProgressor)
	if !ok {
		return false, false
	}
	return dp.DatapathProgressed(), true
}

// Runner drives one scheduling group on a dedicated OS thread, looping
// over its engines and calling Resume on each in turn — each return is
// a hint, never a commitment, per the Engine contract.
type Runner struct {
	group  *Group
	log    *zap.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRunner creates a runner for group. Start must be called to begin
// driving it.
func NewRunner(group *Group, log *zap.Logger) *Runner {
	return &Runner{group: group, log: log, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start launches the runner's loop goroutine. It returns immediately;
// call Stop to request termination and Wait to block until it exits.
func (r *Runner) Start() {
	go r.loop()
}

func (r *Runner) loop() {
	defer close(r.doneCh)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.group.mu.Lock()
		entries := r.group.entries
		r.group.mu.Unlock()

		if len(entries) == 0 {
			runtime.Gosched()
			continue
		}

		var finished []engine.Id
		for _, e := range entries {
			status, err := tick(e, r.log)
			if err != nil && r.log != nil {
				r.log.Warn("engine resume error", zap.Uint64("engine_id", uint64(e.eng.ID())), zap.Error(err))
			}
			if status == engine.Complete || status == engine.Error {
				finished = append(finished, e.eng.ID())
			}
		}
		for _, id := range finished {
			r.group.Remove(id)
		}
	}
}

// Stop requests the runner's loop to exit after its current pass.
func (r *Runner) Stop() {
	close(r.stopCh)
}

// Wait blocks until the runner's loop has exited.
func (r *Runner) Wait() {
	<-r.doneCh
}
