// Package schedule turns a lead backlog and a run policy into a paced send
// plan. Every slot it hands out respects the daily cap per policy-timezone
// calendar day, the hourly cap over any rolling hour, the minimum spacing
// between any two messages of the run and the optional send window.
package schedule

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

// maxSearchSteps bounds the slot search. Each step strictly advances the
// candidate, so hitting it means the policy admits no slot at all.
const maxSearchSteps = 1_000_000

// ErrNoSlot is returned when no slot satisfies the policy.
var ErrNoSlot = eris.New("schedule: no slot satisfies policy")

// Slots is the reserved send times of one run, kept sorted. It is not safe
// for concurrent use.
type Slots struct {
	policy      model.RunPolicy
	loc         *time.Location
	spacing     time.Duration
	windowStart int
	windowEnd   int
	taken       []time.Time
}

// NewSlots builds the slot book for policy, seeded with the times already
// held by existing messages of the run.
func NewSlots(policy model.RunPolicy, existing []time.Time) (*Slots, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	loc, err := policy.Location()
	if err != nil {
		return nil, err
	}
	start, end := policy.Window()
	taken := make([]time.Time, len(existing))
	copy(taken, existing)
	sort.Slice(taken, func(i, j int) bool { return taken[i].Before(taken[j]) })
	return &Slots{
		policy:      policy,
		loc:         loc,
		spacing:     policy.MinSpacing(),
		windowStart: start,
		windowEnd:   end,
		taken:       taken,
	}, nil
}

// Len returns the number of reserved slots.
func (s *Slots) Len() int { return len(s.taken) }

// Taken returns a copy of the reserved slots in ascending order.
func (s *Slots) Taken() []time.Time {
	out := make([]time.Time, len(s.taken))
	copy(out, s.taken)
	return out
}

// Reserve finds the earliest slot at or after earliest that satisfies every
// constraint, records it and returns it.
func (s *Slots) Reserve(earliest time.Time) (time.Time, error) {
	t, err := s.Find(earliest)
	if err != nil {
		return time.Time{}, err
	}
	s.insert(t)
	return t, nil
}

// Find returns the earliest admissible slot at or after earliest without
// reserving it.
func (s *Slots) Find(earliest time.Time) (time.Time, error) {
	t := earliest.Truncate(time.Second)
	if t.Before(earliest) {
		t = t.Add(time.Second)
	}
	for i := 0; i < maxSearchSteps; i++ {
		next, moved := s.adjust(t)
		if !moved {
			return t.UTC(), nil
		}
		t = next
	}
	return time.Time{}, eris.Wrapf(ErrNoSlot, "schedule: searching from %s", earliest.Format(time.RFC3339))
}

// adjust returns the next candidate after t when t violates a constraint.
// Every adjustment moves strictly forward.
func (s *Slots) adjust(t time.Time) (time.Time, bool) {
	if next, moved := s.fitWindow(t); moved {
		return next, true
	}
	if s.dayCount(t) >= s.policy.DailyCap {
		return s.nextDayStart(t), true
	}
	if next, moved := s.fitSpacing(t); moved {
		return next, true
	}
	if next, moved := s.fitHourly(t); moved {
		return next, true
	}
	return t, false
}

// fitWindow moves t into the local send window.
func (s *Slots) fitWindow(t time.Time) (time.Time, bool) {
	if s.windowStart == 0 && s.windowEnd == 24 {
		return t, false
	}
	local := t.In(s.loc)
	h := local.Hour()
	switch {
	case h < s.windowStart:
		y, m, d := local.Date()
		return time.Date(y, m, d, s.windowStart, 0, 0, 0, s.loc), true
	case h >= s.windowEnd:
		return s.nextDayStart(t), true
	}
	return t, false
}

// nextDayStart is the first eligible instant of the calendar day after t.
func (s *Slots) nextDayStart(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d+1, s.windowStart, 0, 0, 0, s.loc)
}

func (s *Slots) dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc), time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
}

// dayCount counts reserved slots in t's local calendar day.
func (s *Slots) dayCount(t time.Time) int {
	from, to := s.dayBounds(t)
	return s.countIn(from, to)
}

// fitSpacing pushes t past every reserved slot closer than the minimum
// spacing.
func (s *Slots) fitSpacing(t time.Time) (time.Time, bool) {
	if s.spacing <= 0 {
		return t, false
	}
	lo := s.lowerBound(t.Add(-s.spacing + 1))
	var latest time.Time
	for i := lo; i < len(s.taken) && s.taken[i].Before(t.Add(s.spacing)); i++ {
		latest = s.taken[i]
	}
	if latest.IsZero() {
		return t, false
	}
	return latest.Add(s.spacing), true
}

// fitHourly checks every rolling 60-minute window [w, w+60m) that would
// contain t. If one would hold more than the hourly cap, t moves to the end
// of the earliest such window.
func (s *Slots) fitHourly(t time.Time) (time.Time, bool) {
	limit := s.policy.HourlyCap
	lo := s.lowerBound(t.Add(-time.Hour + 1))
	hi := s.lowerBound(t.Add(time.Hour))

	near := make([]time.Time, 0, hi-lo+1)
	near = append(near, s.taken[lo:hi]...)
	pos := sort.Search(len(near), func(i int) bool { return !near[i].Before(t) })
	near = append(near, time.Time{})
	copy(near[pos+1:], near[pos:])
	near[pos] = t

	for i := 0; i+limit < len(near); i++ {
		j := i + limit
		if i > pos || j < pos {
			continue
		}
		if near[j].Sub(near[i]) < time.Hour {
			return near[i].Add(time.Hour), true
		}
	}
	return t, false
}

func (s *Slots) countIn(from, to time.Time) int {
	return s.lowerBound(to) - s.lowerBound(from)
}

// lowerBound returns the index of the first slot not before t.
func (s *Slots) lowerBound(t time.Time) int {
	return sort.Search(len(s.taken), func(i int) bool { return !s.taken[i].Before(t) })
}

func (s *Slots) insert(t time.Time) {
	i := s.lowerBound(t)
	s.taken = append(s.taken, time.Time{})
	copy(s.taken[i+1:], s.taken[i:])
	s.taken[i] = t
}
