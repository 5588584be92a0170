package hub

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/auth"
)

// PresenceObserver is told when a user's first connection registers and when
// the last one goes away. Calls for one user are serialized and happen in
// order; they are made while the user's bucket is locked, so observers must
// not call back into the registry.
type PresenceObserver interface {
	UserOnline(identity auth.Identity)
	UserOffline(userID string)
}

type registryShard struct {
	mu    sync.Mutex
	users map[string]map[string]*Connection
}

// Registry maps users to their live connections. Mutations are serialized
// per user bucket.
type Registry struct {
	shards []*registryShard
	byID   sync.Map // connection id -> *Connection

	observersMu sync.RWMutex
	observers   map[int]PresenceObserver
	nextID      int
}

// NewRegistry returns a registry with the given number of user buckets.
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = 32
	}
	r := &Registry{
		shards:    make([]*registryShard, shards),
		observers: make(map[int]PresenceObserver),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[string]map[string]*Connection)}
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// SubscribePresence registers an observer and returns its unsubscribe func.
func (r *Registry) SubscribePresence(observer PresenceObserver) func() {
	r.observersMu.Lock()
	id := r.nextID
	r.nextID++
	r.observers[id] = observer
	r.observersMu.Unlock()
	return func() {
		r.observersMu.Lock()
		delete(r.observers, id)
		r.observersMu.Unlock()
	}
}

func (r *Registry) presence() []PresenceObserver {
	r.observersMu.RLock()
	defer r.observersMu.RUnlock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]PresenceObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.observers[id])
	}
	return out
}

// Register adds conn under its user. Closed connections are refused.
func (r *Registry) Register(conn *Connection) error {
	userID := conn.identity.UserID
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !conn.Alive() {
		return ErrConnectionClosed
	}
	conns := s.users[userID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]*Connection)
		s.users[userID] = conns
	}
	conns[conn.id] = conn
	r.byID.Store(conn.id, conn)

	if first {
		for _, observer := range r.presence() {
			observer.UserOnline(conn.identity)
		}
	}
	return nil
}

// Unregister removes a connection and reports whether it was registered.
func (r *Registry) Unregister(connID string) (*Connection, bool) {
	value, ok := r.byID.Load(connID)
	if !ok {
		return nil, false
	}
	conn := value.(*Connection)
	userID := conn.identity.UserID
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.users[userID]
	if _, ok := conns[connID]; !ok {
		return nil, false
	}
	delete(conns, connID)
	r.byID.Delete(connID)
	if len(conns) == 0 {
		delete(s.users, userID)
		for _, observer := range r.presence() {
			observer.UserOffline(userID)
		}
	}
	return conn, true
}

// ConnectionsFor returns the live connections of userID.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.users[userID]
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Get returns a registered connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	value, ok := r.byID.Load(connID)
	if !ok {
		return nil, false
	}
	return value.(*Connection), true
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string, now time.Time) bool {
	conn, ok := r.Get(connID)
	if !ok {
		return false
	}
	conn.touch(now)
	return true
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	var out []*Connection
	r.byID.Range(func(_, value any) bool {
		out = append(out, value.(*Connection))
		return true
	})
	return out
}

// Counts returns the number of connected users, connections, and users per role.
func (r *Registry) Counts() (users, connections int, perRole map[string]int) {
	perRole = make(map[string]int)
	for _, s := range r.shards {
		s.mu.Lock()
		for _, conns := range s.users {
			if len(conns) == 0 {
				continue
			}
			users++
			connections += len(conns)
			for _, conn := range conns {
				perRole[string(conn.identity.Role)]++
				break
			}
		}
		s.mu.Unlock()
	}
	return users, connections, perRole
}
