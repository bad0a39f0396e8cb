// Package activity holds the bounded event history of a scope.
package activity

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sharetube/teamsync/internal/domain"
)

const DefaultCapacity = 50

// Log is a count-bounded list of events ordered by timestamp and keyed by id.
// Like the presence registry it has a single writer; readers go through
// Snapshot and Last.
type Log struct {
	capacity int
	events   []domain.ActivityEvent
	ids      map[string]struct{}
	snapshot atomic.Pointer[[]domain.ActivityEvent]
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	l := &Log{
		capacity: capacity,
		events:   make([]domain.ActivityEvent, 0, capacity),
		ids:      make(map[string]struct{}, capacity),
	}
	l.publish()
	return l
}

// Append stores ev and reports whether it was new. An event older than the
// oldest retained one is still stored: the window is by count, not by time.
func (l *Log) Append(ev domain.ActivityEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, fmt.Errorf("invalid activity event: %w", err)
	}
	if _, ok := l.ids[ev.ID]; ok {
		return false, nil
	}

	if len(l.events) >= l.capacity {
		evicted := l.events[0]
		delete(l.ids, evicted.ID)
		l.events = append(l.events[:0], l.events[1:]...)
	}

	// first position strictly after ev, so equal timestamps keep arrival order
	i := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].Timestamp.After(ev.Timestamp)
	})
	l.events = append(l.events, domain.ActivityEvent{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = ev
	l.ids[ev.ID] = struct{}{}

	l.publish()
	return true, nil
}

func (l *Log) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Snapshot returns every retained event, oldest first.
func (l *Log) Snapshot() []domain.ActivityEvent {
	current := *l.snapshot.Load()
	out := make([]domain.ActivityEvent, len(current))
	copy(out, current)
	return out
}

// Last returns the newest n events, oldest first. n <= 0 returns everything.
func (l *Log) Last(n int) []domain.ActivityEvent {
	current := *l.snapshot.Load()
	if n <= 0 || n > len(current) {
		n = len(current)
	}
	out := make([]domain.ActivityEvent, n)
	copy(out, current[len(current)-n:])
	return out
}

func (l *Log) Len() int {
	return len(*l.snapshot.Load())
}

func (l *Log) Capacity() int {
	return l.capacity
}

func (l *Log) Reset() {
	l.events = l.events[:0]
	l.ids = make(map[string]struct{}, l.capacity)
	l.publish()
}

func (l *Log) publish() {
	list := make([]domain.ActivityEvent, len(l.events))
	copy(list, l.events)
	l.snapshot.Store(&list)
}
