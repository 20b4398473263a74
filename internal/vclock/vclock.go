// Package vclock implements per-actor vector clocks for collaborative edits.
//
// Clocks are values: Increment and Merge return new clocks and never modify
// their receiver. A missing actor entry reads as zero.
package vclock

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock maps actor (session) IDs to event counters.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock { return Clock{} }

// Copy returns an independent copy of c.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for actor, n := range c {
		out[actor] = n
	}
	return out
}

// Get returns the counter of actor.
func (c Clock) Get(actor string) uint64 { return c[actor] }

// Increment bumps actor's own counter by one.
func (c Clock) Increment(actor string) Clock {
	out := c.Copy()
	out[actor]++
	return out
}

// Merge returns the component-wise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := c.Copy()
	for actor, n := range other {
		if n > out[actor] {
			out[actor] = n
		}
	}
	return out
}

// Compare reports how c relates to other. Before means c happened-before
// other: every component of c is <= other's, at least one strictly.
func (c Clock) Compare(other Clock) Ordering {
	less, greater := false, false
	for actor, n := range c {
		m := other[actor]
		if n < m {
			less = true
		} else if n > m {
			greater = true
		}
	}
	for actor, m := range other {
		if _, ok := c[actor]; ok {
			continue
		}
		if m > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Concurrent reports whether neither clock dominates the other.
func (c Clock) Concurrent(other Clock) bool { return c.Compare(other) == Concurrent }

// String renders the clock with actors sorted, e.g. "{a:1 b:2}".
func (c Clock) String() string {
	actors := make([]string, 0, len(c))
	for actor := range c {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	var b strings.Builder
	b.WriteByte('{')
	for i, actor := range actors {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(actor)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[actor], 10))
	}
	b.WriteByte('}')
	return b.String()
}

// Session holds the clock of one connected actor.
type Session struct {
	mu    sync.Mutex
	actor string
	clock Clock
}

// NewSession starts a clock for actor at connect time.
func NewSession(actor string) *Session {
	return &Session{actor: actor, clock: New()}
}

func (s *Session) Actor() string { return s.actor }

// Tick records a local causal event and returns the clock to attach to it.
func (s *Session) Tick() Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Increment(s.actor)
	return s.clock.Copy()
}

// Observe merges a remote clock received with an update and counts the
// receipt as a local event.
func (s *Session) Observe(remote Clock) Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Merge(remote).Increment(s.actor)
	return s.clock.Copy()
}

// Snapshot returns the current clock without advancing it.
func (s *Session) Snapshot() Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Copy()
}
