package receiver

import (
	"container/heap"
	"time"

	"github.com/google/uuid"

	"fbbusgw/wire"
)

// watchEntry is one outstanding "I expect kind from deviceID by deadline"
// expectation. satisfied is set by Satisfy and makes the entry a
// tombstone the heap skips over once it surfaces, rather than paying for
// an arbitrary-element heap removal.
type watchEntry struct {
	deviceID  uuid.UUID
	kind      wire.PacketKind
	deadline  time.Time
	satisfied bool
	index     int
}

type watchQueue []*watchEntry

func (q watchQueue) Len() int            { return len(q) }
func (q watchQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q watchQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *watchQueue) Push(x any)         { e := x.(*watchEntry); e.index = len(*q); *q = append(*q, e) }
func (q *watchQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Watchdog tracks, per device, outstanding request/reply deadlines. A
// device that misses MissLimit deadlines in a row without a single
// satisfied expectation in between is reported lost.
type Watchdog struct {
	MissLimit int

	queue      watchQueue
	byDevice   map[uuid.UUID][]*watchEntry
	missCounts map[uuid.UUID]int
}

func NewWatchdog(missLimit int) *Watchdog {
	return &Watchdog{
		MissLimit:  missLimit,
		byDevice:   make(map[uuid.UUID][]*watchEntry),
		missCounts: make(map[uuid.UUID]int),
	}
}

// Await schedules an expectation that deviceID replies with kind by now+timeout.
func (w *Watchdog) Await(deviceID uuid.UUID, kind wire.PacketKind, now time.Time, timeout time.Duration) {
	e := &watchEntry{deviceID: deviceID, kind: kind, deadline: now.Add(timeout)}
	heap.Push(&w.queue, e)
	w.byDevice[deviceID] = append(w.byDevice[deviceID], e)
}

// Satisfy marks every outstanding expectation of kind for deviceID as met
// and resets that device's consecutive-miss counter.
func (w *Watchdog) Satisfy(deviceID uuid.UUID, kind wire.PacketKind) {
	for _, e := range w.byDevice[deviceID] {
		if !e.satisfied && e.kind == kind {
			e.satisfied = true
		}
	}
	w.missCounts[deviceID] = 0
}

// Tick pops every expectation due by now. Satisfied ones are discarded
// silently; each unsatisfied one increments its device's miss counter.
// Devices whose counter reaches MissLimit are returned (and the counter
// resets, so the caller only hears about a given device once per
// MissLimit misses).
func (w *Watchdog) Tick(now time.Time) []uuid.UUID {
	var lost []uuid.UUID
	for w.queue.Len() > 0 && !w.queue[0].deadline.After(now) {
		e := heap.Pop(&w.queue).(*watchEntry)
		w.byDevice[e.deviceID] = removeEntry(w.byDevice[e.deviceID], e)
		if e.satisfied {
			continue
		}
		w.missCounts[e.deviceID]++
		if w.missCounts[e.deviceID] >= w.MissLimit {
			lost = append(lost, e.deviceID)
			w.missCounts[e.deviceID] = 0
		}
	}
	return lost
}

func removeEntry(list []*watchEntry, target *watchEntry) []*watchEntry {
	for i, e := range list {
		if e == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Forget drops every outstanding expectation and the miss counter for a
// device, used when a device is removed or re-enrolled from scratch.
func (w *Watchdog) Forget(deviceID uuid.UUID) {
	for _, e := range w.byDevice[deviceID] {
		e.satisfied = true
	}
	delete(w.byDevice, deviceID)
	delete(w.missCounts, deviceID)
}
