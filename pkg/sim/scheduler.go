// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sim provides a single-threaded discrete-event scheduler. Simulated
// time only moves when the scheduler runs the next event, so every run with the
// same inputs is reproducible.
//
// Timers are addressed by Handle. A timer names its owner by OwnerID rather
// than by pointer; the scheduler looks the owner up when the timer fires and
// silently drops the event if the owner has since been unregistered.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/btree"
)

// Epoch is the default start of simulated time.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Tag identifies the kind of a timer to its owner.
type Tag int

// Owner receives the timers it scheduled.
type Owner interface {
	// HandleTimer is called when a timer scheduled with tag fires.
	HandleTimer(tag Tag)
}

// OwnerID names a registered Owner. The zero value names no owner.
type OwnerID struct {
	index uint32
	gen   uint32
}

// Valid returns true if id was returned by Register.
func (id OwnerID) Valid() bool {
	return id.gen != 0
}

func (id OwnerID) String() string {
	return fmt.Sprintf("owner#%d.%d", id.index, id.gen)
}

// Handle refers to one scheduled event. The zero Handle refers to nothing and
// may be passed to Cancel.
type Handle struct {
	id uint64
}

// IsZero returns true for the zero Handle.
func (h Handle) IsZero() bool {
	return h.id == 0
}

type event struct {
	at  time.Time
	id  uint64
	tag Tag

	owner OwnerID
	fn    func()
}

func eventLess(a, b *event) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	// Events due at the same instant run in scheduling order.
	return a.id < b.id
}

type ownerSlot struct {
	owner Owner
	gen   uint32
}

// Scheduler is a discrete-event scheduler. It implements tcpip.Clock.
//
// Scheduler is not safe for concurrent use: a simulation runs on one
// goroutine. Independent simulations use independent schedulers.
type Scheduler struct {
	now    time.Time
	nextID uint64

	// events holds pending events ordered by (time, id). A btree is used
	// for quick retrieval of the next upcoming event and for cancellation.
	events  *btree.BTreeG[*event]
	pending map[uint64]*event

	owners    []ownerSlot
	freeSlots []uint32

	// executed counts events run so far.
	executed uint64
}

// New creates a scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{
		now:     start,
		events:  btree.NewG[*event](8, eventLess),
		pending: make(map[uint64]*event),
	}
}

// NewDefault creates a scheduler whose clock starts at Epoch.
func NewDefault() *Scheduler {
	return New(Epoch)
}

// Now returns the current simulated time.
func (s *Scheduler) Now() time.Time {
	return s.now
}

// Register adds o to the owner registry.
func (s *Scheduler) Register(o Owner) OwnerID {
	var idx uint32
	if n := len(s.freeSlots); n > 0 {
		idx = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
	} else {
		idx = uint32(len(s.owners))
		s.owners = append(s.owners, ownerSlot{})
	}
	slot := &s.owners[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen++
	}
	slot.owner = o
	return OwnerID{index: idx, gen: slot.gen}
}

// Unregister removes the owner. Its pending timers stay queued but become
// no-ops.
func (s *Scheduler) Unregister(id OwnerID) {
	if s.lookup(id) == nil {
		return
	}
	slot := &s.owners[id.index]
	slot.owner = nil
	slot.gen++
	if slot.gen == 0 {
		slot.gen++
	}
	s.freeSlots = append(s.freeSlots, id.index)
}

// lookup returns the owner for id, or nil if it is gone.
func (s *Scheduler) lookup(id OwnerID) Owner {
	if !id.Valid() || int(id.index) >= len(s.owners) {
		return nil
	}
	slot := s.owners[id.index]
	if slot.gen != id.gen {
		return nil
	}
	return slot.owner
}

func (s *Scheduler) insert(e *event) Handle {
	s.nextID++
	e.id = s.nextID
	if e.at.Before(s.now) {
		e.at = s.now
	}
	s.events.ReplaceOrInsert(e)
	s.pending[e.id] = e
	return Handle{id: e.id}
}

// ScheduleAfter schedules a timer with tag for owner, d from now.
func (s *Scheduler) ScheduleAfter(d time.Duration, owner OwnerID, tag Tag) Handle {
	return s.insert(&event{at: s.now.Add(d), owner: owner, tag: tag})
}

// ScheduleAt schedules a timer with tag for owner at t. Times in the past are
// treated as now.
func (s *Scheduler) ScheduleAt(t time.Time, owner OwnerID, tag Tag) Handle {
	return s.insert(&event{at: t, owner: owner, tag: tag})
}

// AfterFunc schedules f to run d from now. It is used for events that belong
// to no connection, such as packet deliveries.
func (s *Scheduler) AfterFunc(d time.Duration, f func()) Handle {
	return s.insert(&event{at: s.now.Add(d), fn: f})
}

// Cancel removes the event referred to by h. It returns false if the event has
// already run or was never scheduled.
func (s *Scheduler) Cancel(h Handle) bool {
	e, ok := s.pending[h.id]
	if !ok {
		return false
	}
	delete(s.pending, h.id)
	s.events.Delete(e)
	return true
}

// Reschedule moves the event referred to by h to d from now, returning the
// new handle. If h is no longer pending, the zero Handle is returned.
func (s *Scheduler) Reschedule(h Handle, d time.Duration) Handle {
	e, ok := s.pending[h.id]
	if !ok {
		return Handle{}
	}
	s.Cancel(h)
	return s.insert(&event{at: s.now.Add(d), owner: e.owner, tag: e.tag, fn: e.fn})
}

// IsScheduled returns true if h refers to a pending event.
func (s *Scheduler) IsScheduled(h Handle) bool {
	_, ok := s.pending[h.id]
	return ok
}

// ArrivalTime returns the time at which h is due.
func (s *Scheduler) ArrivalTime(h Handle) (time.Time, bool) {
	e, ok := s.pending[h.id]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Pending returns the number of queued events.
func (s *Scheduler) Pending() int {
	return s.events.Len()
}

// Executed returns the number of events run so far.
func (s *Scheduler) Executed() uint64 {
	return s.executed
}

// NextEventTime returns the due time of the earliest pending event.
func (s *Scheduler) NextEventTime() (time.Time, bool) {
	e, ok := s.events.Min()
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Step runs the earliest pending event, advancing the clock to its due time.
// It returns false if there was nothing to run.
func (s *Scheduler) Step() bool {
	e, ok := s.events.DeleteMin()
	if !ok {
		return false
	}
	delete(s.pending, e.id)
	s.now = e.at
	s.executed++
	if e.fn != nil {
		e.fn()
		return true
	}
	if o := s.lookup(e.owner); o != nil {
		o.HandleTimer(e.tag)
	}
	return true
}

// RunUntil executes all events due at or before until, then advances the
// clock to until.
func (s *Scheduler) RunUntil(until time.Time) {
	for {
		at, ok := s.NextEventTime()
		if !ok || at.After(until) {
			break
		}
		s.Step()
	}
	if until.After(s.now) {
		s.now = until
	}
}

// Advance executes all events scheduled within d from the current time.
func (s *Scheduler) Advance(d time.Duration) {
	s.RunUntil(s.now.Add(d))
}

// ctxCheckInterval is how many events Run executes between context checks.
const ctxCheckInterval = 1024

// Run executes events until the queue drains, until limit is reached (when
// nonzero), or until ctx is done. It returns ctx.Err() in the last case.
func (s *Scheduler) Run(ctx context.Context, limit time.Time) error {
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		at, ok := s.NextEventTime()
		if !ok {
			return nil
		}
		if !limit.IsZero() && at.After(limit) {
			s.now = limit
			return nil
		}
		s.Step()
	}
}
