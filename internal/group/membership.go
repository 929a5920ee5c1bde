package group

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/AustejaJak/tincisnotcatan/internal/session"
)

// State is a member's connectivity.
type State int

const (
	// StateConnected means the member has a live transport.
	StateConnected State = iota
	// StateAway means the transport closed and the grace deadline is running.
	StateAway
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAway:
		return "AWAY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrFull is returned when admitting into a membership at capacity.
	ErrFull = errors.New("group is full")
	// ErrAlreadyMember is returned when admitting an identity twice.
	ErrAlreadyMember = errors.New("identity already a member")
	// ErrNotMember is returned for operations on identities outside the membership.
	ErrNotMember = errors.New("identity is not a member")
	// ErrDeadlinePassed is returned when an away deadline is not in the future.
	ErrDeadlinePassed = errors.New("away deadline must be in the future")
)

type member struct {
	identity *session.Identity
	playerID int
	state    State
	deadline time.Time
}

// Membership is the member table of one Group. It is not safe for
// concurrent use; the owning Group's lock guards it.
//
// Invariant: len(members) <= capacity; an AWAY member always carries the
// deadline it was marked with.
type Membership struct {
	capacity int
	members  []*member
}

// NewMembership creates an empty table for up to capacity members.
//
// Precondition: capacity >= 1.
func NewMembership(capacity int) *Membership {
	return &Membership{capacity: capacity}
}

func (m *Membership) find(id *session.Identity) *member {
	mem, _ := lo.Find(m.members, func(x *member) bool { return x.identity == id })
	return mem
}

// Add admits id as CONNECTED with the given engine-scoped identifier.
//
// Postcondition: Returns ErrFull or ErrAlreadyMember without mutation.
func (m *Membership) Add(id *session.Identity, playerID int) error {
	if m.find(id) != nil {
		return ErrAlreadyMember
	}
	if m.IsFull() {
		return ErrFull
	}
	m.members = append(m.members, &member{identity: id, playerID: playerID, state: StateConnected})
	return nil
}

// Contains reports whether id is a member.
func (m *Membership) Contains(id *session.Identity) bool {
	return m.find(id) != nil
}

// State returns id's connectivity.
//
// Postcondition: ok is false if id is not a member.
func (m *Membership) State(id *session.Identity) (state State, deadline time.Time, ok bool) {
	mem := m.find(id)
	if mem == nil {
		return 0, time.Time{}, false
	}
	return mem.state, mem.deadline, true
}

// IsAway reports whether id is a member in AWAY state.
func (m *Membership) IsAway(id *session.Identity) bool {
	mem := m.find(id)
	return mem != nil && mem.state == StateAway
}

// MarkAway moves id to AWAY(deadline).
//
// Precondition: deadline must be after now.
// Postcondition: Returns ErrNotMember or ErrDeadlinePassed without mutation.
func (m *Membership) MarkAway(id *session.Identity, now, deadline time.Time) error {
	mem := m.find(id)
	if mem == nil {
		return ErrNotMember
	}
	if !deadline.After(now) {
		return ErrDeadlinePassed
	}
	mem.state = StateAway
	mem.deadline = deadline
	return nil
}

// MarkConnected clears id's AWAY state.
func (m *Membership) MarkConnected(id *session.Identity) error {
	mem := m.find(id)
	if mem == nil {
		return ErrNotMember
	}
	mem.state = StateConnected
	mem.deadline = time.Time{}
	return nil
}

// Expired reports whether id is AWAY with a deadline at or before now.
func (m *Membership) Expired(id *session.Identity, now time.Time) bool {
	mem := m.find(id)
	return mem != nil && mem.state == StateAway && !now.Before(mem.deadline)
}

// Size returns the number of members, away ones included.
func (m *Membership) Size() int {
	return len(m.members)
}

// Capacity returns the configured capacity.
func (m *Membership) Capacity() int {
	return m.capacity
}

// IsFull reports whether Size equals Capacity.
func (m *Membership) IsFull() bool {
	return len(m.members) >= m.capacity
}

// IsEmpty reports whether the table has no members.
func (m *Membership) IsEmpty() bool {
	return len(m.members) == 0
}

// AllConnected reports whether no member is AWAY.
func (m *Membership) AllConnected() bool {
	return !lo.SomeBy(m.members, func(x *member) bool { return x.state == StateAway })
}

// Members returns every member identity in admission order.
func (m *Membership) Members() []*session.Identity {
	return lo.Map(m.members, func(x *member, _ int) *session.Identity { return x.identity })
}

// Connected returns the CONNECTED member identities in admission order.
func (m *Membership) Connected() []*session.Identity {
	connected := lo.Filter(m.members, func(x *member, _ int) bool { return x.state == StateConnected })
	return lo.Map(connected, func(x *member, _ int) *session.Identity { return x.identity })
}

// PlayerIDs returns every member's engine-scoped identifier in admission order.
func (m *Membership) PlayerIDs() []int {
	return lo.Map(m.members, func(x *member, _ int) int { return x.playerID })
}

// ByPlayerID returns the member identity with the given engine-scoped identifier.
func (m *Membership) ByPlayerID(playerID int) (*session.Identity, bool) {
	mem, ok := lo.Find(m.members, func(x *member) bool { return x.playerID == playerID })
	if !ok {
		return nil, false
	}
	return mem.identity, true
}

// AwayMap maps every member's engine-scoped identifier to its away flag.
func (m *Membership) AwayMap() map[int]bool {
	return lo.SliceToMap(m.members, func(x *member) (int, bool) {
		return x.playerID, x.state == StateAway
	})
}

// Clear removes every member.
func (m *Membership) Clear() {
	m.members = nil
}
