// Package presence keeps the merged member map of a single scope.
//
// A Registry is written by exactly one goroutine (the scope's dispatcher).
// Readers use Snapshot or Get, which serve an immutable copy published after
// every mutation, so no lock is taken on the write path.
package presence

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sharetube/teamsync/internal/domain"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var eventNamespace = uuid.MustParse("8f7d1c52-3a1e-4c1f-9a5e-2b6f0e7d4c10")

// Change describes one member record transition. Old is nil when the member
// was seen for the first time.
type Change struct {
	MemberID string
	Old      *domain.Member
	New      domain.Member
}

type field int

const (
	fieldDisplayName field = iota
	fieldRole
	fieldStatus
	fieldActivity
	fieldDevice
	fieldCount
)

// entry tracks, next to the member, the last_seen of the write that set each
// field. A field is overwritten only by a write at least as recent, which
// keeps partial updates order independent.
type entry struct {
	member domain.Member
	clocks [fieldCount]time.Time
}

type Registry struct {
	scopeID  string
	members  map[string]*entry
	snapshot atomic.Pointer[[]domain.Member]
}

func NewRegistry(scopeID string) *Registry {
	r := &Registry{
		scopeID: scopeID,
		members: make(map[string]*entry),
	}
	r.publish()
	return r
}

// Apply merges update into the stored record with last-writer-wins on
// last_seen. Updates older than the stored record for every field they carry
// are dropped; stale and no-op updates return a nil change.
func (r *Registry) Apply(update domain.MemberUpdate) (*Change, []domain.ActivityEvent, error) {
	if err := update.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid presence update: %w", err)
	}

	current, ok := r.members[update.UserID]
	if !ok {
		current = &entry{member: domain.Member{
			UserID:          update.UserID,
			Role:            domain.RoleMember,
			Status:          domain.StatusOnline,
			CurrentActivity: domain.ActivityBrowsing,
		}}
	}

	next := merge(current, update)
	if ok && next.member.Equal(current.member) {
		// clocks may still have moved forward
		r.members[update.UserID] = next
		return nil, nil, nil
	}

	r.members[update.UserID] = next
	r.publish()

	merged := next.member
	change := &Change{MemberID: update.UserID, New: merged.Clone()}
	if !ok {
		return change, []domain.ActivityEvent{r.joinedEvent(merged)}, nil
	}

	old := current.member.Clone()
	change.Old = &old

	switch {
	case merged.Status == old.Status:
		return change, nil, nil
	case merged.Status == domain.StatusOffline:
		return change, []domain.ActivityEvent{r.leftEvent(merged)}, nil
	default:
		return change, []domain.ActivityEvent{r.statusEvent(old.Status, merged)}, nil
	}
}

func merge(current *entry, u domain.MemberUpdate) *entry {
	next := &entry{member: current.member.Clone(), clocks: current.clocks}

	wins := func(f field) bool {
		if u.LastSeen.Before(next.clocks[f]) {
			return false
		}
		next.clocks[f] = u.LastSeen
		return true
	}

	if u.DisplayName != nil && wins(fieldDisplayName) {
		next.member.DisplayName = *u.DisplayName
	}
	if u.Role != nil && wins(fieldRole) {
		next.member.Role = *u.Role
	}
	if u.Status != nil && wins(fieldStatus) {
		next.member.Status = *u.Status
	}
	if u.CurrentActivity != nil && wins(fieldActivity) {
		next.member.CurrentActivity = *u.CurrentActivity
	}
	if u.DeviceInfo != nil && wins(fieldDevice) {
		info := *u.DeviceInfo
		next.member.DeviceInfo = &info
	}
	if u.LastSeen.After(next.member.LastSeen) {
		next.member.LastSeen = u.LastSeen
	}

	return next
}

// SweepStale marks every member not seen for longer than threshold as
// offline. Members already offline are skipped, so one staleness episode
// yields one event.
func (r *Registry) SweepStale(now time.Time, threshold time.Duration) ([]Change, []domain.ActivityEvent) {
	ids := maps.Keys(r.members)
	slices.Sort(ids)

	var (
		changes []Change
		events  []domain.ActivityEvent
	)
	for _, id := range ids {
		e := r.members[id]
		if e.member.Status == domain.StatusOffline || now.Sub(e.member.LastSeen) <= threshold {
			continue
		}

		old := e.member.Clone()
		e.member.Status = domain.StatusOffline
		// a redelivered update from the same instant must not bring the
		// member back online
		e.clocks[fieldStatus] = e.member.LastSeen.Add(time.Nanosecond)

		changes = append(changes, Change{MemberID: id, Old: &old, New: e.member.Clone()})
		events = append(events, r.statusEvent(old.Status, e.member))
	}

	if len(changes) > 0 {
		r.publish()
	}

	return changes, events
}

// Snapshot returns the members ordered by user id.
func (r *Registry) Snapshot() []domain.Member {
	current := *r.snapshot.Load()
	out := make([]domain.Member, len(current))
	for i, m := range current {
		out[i] = m.Clone()
	}
	return out
}

func (r *Registry) Get(userID string) (domain.Member, bool) {
	current := *r.snapshot.Load()
	i := sort.Search(len(current), func(i int) bool { return current[i].UserID >= userID })
	if i < len(current) && current[i].UserID == userID {
		return current[i].Clone(), true
	}
	return domain.Member{}, false
}

func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Reset drops every member. Used when the scope is torn down.
func (r *Registry) Reset() {
	r.members = make(map[string]*entry)
	r.publish()
}

func (r *Registry) publish() {
	list := make([]domain.Member, 0, len(r.members))
	for _, e := range r.members {
		list = append(list, e.member.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	r.snapshot.Store(&list)
}

func (r *Registry) joinedEvent(m domain.Member) domain.ActivityEvent {
	ev := r.newEvent(domain.EventMemberJoined, m)
	ev.Description = fmt.Sprintf("%s joined", displayName(m))
	ev.Metadata = domain.MemberChange{DisplayName: m.DisplayName, Role: m.Role}
	return ev
}

func (r *Registry) leftEvent(m domain.Member) domain.ActivityEvent {
	ev := r.newEvent(domain.EventMemberLeft, m)
	ev.Description = fmt.Sprintf("%s left", displayName(m))
	ev.Metadata = domain.MemberChange{DisplayName: m.DisplayName, Role: m.Role}
	return ev
}

func (r *Registry) statusEvent(from domain.Status, m domain.Member) domain.ActivityEvent {
	ev := r.newEvent(domain.EventStatusChanged, m)
	ev.Description = fmt.Sprintf("%s is now %s", displayName(m), m.Status)
	ev.Metadata = domain.StatusChange{From: from, To: m.Status}
	return ev
}

// newEvent derives the id from the transition itself, so replaying the same
// update on another client produces the same id and the log drops it.
func (r *Registry) newEvent(eventType domain.EventType, m domain.Member) domain.ActivityEvent {
	key := fmt.Sprintf("%s|%s|%s|%s|%d", r.scopeID, m.UserID, eventType, m.Status, m.LastSeen.UnixNano())
	return domain.ActivityEvent{
		ID:        uuid.NewSHA1(eventNamespace, []byte(key)).String(),
		Type:      eventType,
		UserID:    m.UserID,
		ScopeID:   r.scopeID,
		Timestamp: m.LastSeen,
	}
}

func displayName(m domain.Member) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.UserID
}
