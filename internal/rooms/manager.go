package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// ErrMemberClosed is returned when joining with a purged connection.
var ErrMemberClosed = errors.New("connection closed")

// DeniedError is an authorization failure for a room join. It never closes
// the connection and carries a reason that does not reveal whether the room
// exists.
type DeniedError struct {
	Room   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("join %s denied: %s", e.Room, e.Reason)
}

// Member is a connection as seen by the room manager.
type Member interface {
	ID() string
	Identity() auth.Identity
	Membership() *Membership
}

// Membership is the per-connection side of room membership. The zero value
// is ready to use. Its lock is always taken before any room lock.
type Membership struct {
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

// Rooms returns the sorted rooms the connection belongs to.
func (m *Membership) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the connection is in room.
func (m *Membership) Has(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[room]
	return ok
}

type room struct {
	name    string
	mu      sync.Mutex
	members map[string]Member
	// dead is set once the room is unlinked from the manager; joiners that
	// raced with collection retry on a fresh room.
	dead bool
}

// JoinObserver is told about every join decision.
type JoinObserver interface {
	RoomJoin(room string, allowed bool)
}

// Manager owns room membership. Membership sets have per-room locks; the
// authorization table sits behind a single read-mostly lock.
type Manager struct {
	policyMu sync.RWMutex
	policy   *Policy

	mu    sync.RWMutex
	rooms map[string]*room

	logger   *slog.Logger
	observer JoinObserver
}

// NewManager returns a manager enforcing policy.
func NewManager(policy *Policy, logger *slog.Logger) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		policy: policy,
		rooms:  make(map[string]*room),
		logger: logger.With("component", "rooms"),
	}
}

// SetObserver registers the join observer. Call before serving traffic.
func (m *Manager) SetObserver(observer JoinObserver) {
	m.observer = observer
}

// SetPolicy swaps the authorization table. Existing memberships are kept.
func (m *Manager) SetPolicy(policy *Policy) {
	if policy == nil {
		return
	}
	m.policyMu.Lock()
	m.policy = policy
	m.policyMu.Unlock()
	m.logger.Info("room policy updated")
}

func (m *Manager) currentPolicy() *Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// Authorize checks whether identity may join name.
func (m *Manager) Authorize(identity auth.Identity, name string) error {
	if !m.currentPolicy().Allows(identity, name) {
		return &DeniedError{Room: name, Reason: protocol.ReasonNotPermitted}
	}
	return nil
}

// Join adds member to name when the table allows it. Joining a room twice
// is a no-op that still reports success.
func (m *Manager) Join(member Member, name string) error {
	identity := member.Identity()
	if err := m.Authorize(identity, name); err != nil {
		m.notify(name, false)
		m.logger.Debug("room join denied", "room", name, "user_id", identity.UserID, "role", identity.Role)
		return err
	}

	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrMemberClosed
	}
	if _, ok := ms.rooms[name]; ok {
		m.notify(name, true)
		return nil
	}

	for {
		r := m.getOrCreate(name)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		r.members[member.ID()] = member
		r.mu.Unlock()
		break
	}
	if ms.rooms == nil {
		ms.rooms = make(map[string]struct{})
	}
	ms.rooms[name] = struct{}{}
	m.notify(name, true)
	return nil
}

// AutoJoin joins member to every room the policy grants its role on connect
// and returns the rooms joined.
func (m *Manager) AutoJoin(member Member) []string {
	identity := member.Identity()
	var joined []string
	for _, name := range m.currentPolicy().AutoJoinRooms(identity) {
		if err := m.Join(member, name); err != nil {
			m.logger.Warn("auto-join refused", "room", name, "user_id", identity.UserID, "error", err)
			continue
		}
		joined = append(joined, name)
	}
	return joined
}

// Leave removes member from name and reports whether it was a member.
func (m *Manager) Leave(member Member, name string) bool {
	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.rooms[name]; !ok {
		return false
	}
	delete(ms.rooms, name)
	m.removeFrom(name, member.ID())
	return true
}

// PurgeConnection removes member from every room and refuses later joins.
// It returns the rooms the member left.
func (m *Manager) PurgeConnection(member Member) []string {
	ms := member.Membership()
	ms.mu.Lock()
	ms.closed = true
	names := make([]string, 0, len(ms.rooms))
	for name := range ms.rooms {
		names = append(names, name)
	}
	ms.rooms = nil
	ms.mu.Unlock()

	for _, name := range names {
		m.removeFrom(name, member.ID())
	}
	sort.Strings(names)
	return names
}

// MembersOf returns a snapshot of the members of name.
func (m *Manager) MembersOf(name string) []Member {
	m.mu.RLock()
	r := m.rooms[name]
	m.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		out = append(out, member)
	}
	return out
}

// RoomCount returns the number of non-empty rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Names returns the sorted names of non-empty rooms.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) getOrCreate(name string) *room {
	m.mu.RLock()
	r := m.rooms[name]
	m.mu.RUnlock()
	if r != nil {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r = m.rooms[name]; r == nil {
		r = &room{name: name, members: make(map[string]Member)}
		m.rooms[name] = r
	}
	return r
}

func (m *Manager) removeFrom(name, memberID string) {
	m.mu.RLock()
	r := m.rooms[name]
	m.mu.RUnlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	delete(r.members, memberID)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		m.collect(name)
	}
}

// collect unlinks name if it is still empty.
func (m *Manager) collect(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[name]
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		r.dead = true
		delete(m.rooms, name)
	}
}

func (m *Manager) notify(name string, allowed bool) {
	if m.observer != nil {
		m.observer.RoomJoin(name, allowed)
	}
}
