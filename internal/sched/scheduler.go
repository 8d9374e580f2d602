package sched

import (
	"sync"

	"github.com/cloudwego/gopkg/container/ring"
	"github.com/flowmesh/enginerpc/internal/engine"
	"go.uber.org/zap"
)

// Scheduler owns every scheduling group in the daemon and realises
// SchedulingMode when a new engine joins: Dedicated gets its own group,
// Compact shares its subscription's group, and Spread round-robins
// across the runner pool via a cloudwego ring so load stays roughly
// even without per-subscription bookkeeping.
type Scheduler struct {
	mu        sync.Mutex
	log       *zap.Logger
	nextGroup uint64
	groups    map[uint64]*Group
	runners   map[uint64]*Runner
	spreadRC  *ring.Ring[uint64] // rotates over Spread-mode group ids
	spreadPos int
}

// NewScheduler creates a scheduler with no groups yet.
func NewScheduler(log *zap.Logger) *Scheduler {
	// Group ids start at 1 so that GroupFor's subscriptionGroup 0 never
	// names an existing group.
	return &Scheduler{
		nextGroup: 1,
		log:       log,
		groups:    make(map[uint64]*Group),
		runners:   make(map[uint64]*Runner),
	}
}

// newGroupLocked allocates and starts a fresh group+runner pair.
func (s *Scheduler) newGroupLocked(mode Mode) *Group {
	id := s.nextGroup
	s.nextGroup++
	g := NewGroup(id, mode, s.log)
	r := NewRunner(g, s.log)
	s.groups[id] = g
	s.runners[id] = r
	r.Start()
	return g
}

// GroupFor resolves (or creates) the scheduling group a new engine of
// the given subscription should join under mode.
//
// subscriptionGroup lets Compact mode share one group across every
// engine of the same subscription; pass 0 the first time and use the
// returned group's id for subsequent calls within that subscription.
func (s *Scheduler) GroupFor(mode Mode, subscriptionGroup uint64) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case Dedicated:
		return s.newGroupLocked(mode)
	case Compact:
		if g, ok := s.groups[subscriptionGroup]; ok {
			return g
		}
		return s.newGroupLocked(mode)
	case Spread:
		return s.spreadTargetLocked()
	default:
		return s.newGroupLocked(mode)
	}
}

// spreadTargetLocked returns the next group in round-robin order among
// groups created for Spread mode, creating the first one lazily.
func (s *Scheduler) spreadTargetLocked() *Group {
	var ids []uint64
	for id, g := range s.groups {
		if g.Mode() == Spread {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		g := s.newGroupLocked(Spread)
		ids = []uint64{g.id}
	}
	s.spreadRC = ring.NewFromSlice(ids)
	item, ok := s.spreadRC.Get(s.spreadPos % s.spreadRC.Len())
	s.spreadPos++
	if !ok {
		return s.groups[ids[0]]
	}
	return s.groups[item.Value()]
}

// Schedule adds eng to the group resolved by (mode, subscriptionGroup)
// and returns that group's id, so callers moving engines later (e.g.
// AttachAddon across scheduling groups) can address it again.
func (s *Scheduler) Schedule(eng engine.Engine, mode Mode, subscriptionGroup uint64, hasCmdHint func() bool) uint64 {
	g := s.GroupFor(mode, subscriptionGroup)
	g.Add(eng, hasCmdHint)
	return g.id
}

// Group returns the group with the given id, if any.
func (s *Scheduler) Group(id uint64) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g, ok
}

// Stop halts every runner and blocks until all have exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	for _, r := range runners {
		r.Wait()
	}
}
