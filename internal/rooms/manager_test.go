package rooms

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/auth"
)

type testMember struct {
	id         string
	identity   auth.Identity
	membership Membership
}

func (m *testMember) ID() string              { return m.id }
func (m *testMember) Identity() auth.Identity { return m.identity }
func (m *testMember) Membership() *Membership { return &m.membership }

func newMember(id, userID string, role auth.Role) *testMember {
	return &testMember{id: id, identity: auth.Identity{UserID: userID, Role: role, Status: auth.StatusActive}}
}

func TestRoleRoomAuthorization(t *testing.T) {
	m := NewManager(nil, nil)
	for _, x := range auth.Roles() {
		for _, y := range auth.Roles() {
			member := newMember("c-"+string(x)+"-"+string(y), "u-"+string(x), x)
			err := m.Join(member, "role:"+string(y))
			want := x == y || x == auth.RoleAdmin
			if (err == nil) != want {
				t.Errorf("role %s join role:%s: err = %v, want allowed=%v", x, y, err, want)
			}
		}
	}
}

func TestPersonalAndFixedRooms(t *testing.T) {
	m := NewManager(nil, nil)

	tests := []struct {
		name    string
		userID  string
		role    auth.Role
		room    string
		allowed bool
	}{
		{name: "own personal room", userID: "U1", role: auth.RoleClient, room: "user:U1", allowed: true},
		{name: "someone else's room", userID: "U1", role: auth.RoleClient, room: "user:U2", allowed: false},
		{name: "admin cannot read personal rooms", userID: "A1", role: auth.RoleAdmin, room: "user:U2", allowed: false},
		{name: "client in admin room", userID: "U1", role: auth.RoleClient, room: "admin:all", allowed: false},
		{name: "admin in admin room", userID: "A1", role: auth.RoleAdmin, room: "admin:all", allowed: true},
		{name: "comptoir in preparation room", userID: "C1", role: auth.RoleComptoir, room: "comptoir:all", allowed: true},
		{name: "commercial in preparation room", userID: "S1", role: auth.RoleCommercial, room: "comptoir:all", allowed: false},
		{name: "client in finance room", userID: "U1", role: auth.RoleClient, room: "finance:all", allowed: false},
		{name: "comptoir on call", userID: "C1", role: auth.RoleComptoir, room: "oncall:all", allowed: true},
		{name: "client on call", userID: "U1", role: auth.RoleClient, room: "oncall:all", allowed: false},
		{name: "unknown room", userID: "A1", role: auth.RoleAdmin, room: "secret:vault", allowed: false},
		{name: "malformed room", userID: "A1", role: auth.RoleAdmin, room: "admin", allowed: false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			member := newMember(fmt.Sprintf("c%d", i), tt.userID, tt.role)
			err := m.Join(member, tt.room)
			if tt.allowed {
				if err != nil {
					t.Fatalf("Join() error = %v", err)
				}
				if !member.Membership().Has(tt.room) {
					t.Fatal("membership not recorded")
				}
				return
			}
			var denied *DeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("Join() error = %v, want *DeniedError", err)
			}
			if denied.Reason != "not_permitted" {
				t.Fatalf("reason = %q", denied.Reason)
			}
			if member.Membership().Has(tt.room) {
				t.Fatal("denied join recorded membership")
			}
		})
	}
}

func TestAutoJoin(t *testing.T) {
	m := NewManager(nil, nil)
	member := newMember("c1", "C7", auth.RoleComptoir)
	joined := m.AutoJoin(member)
	want := []string{"comptoir:all", "role:comptoir", "stock:alerts", "user:C7"}
	if fmt.Sprint(joined) != fmt.Sprint(want) {
		t.Fatalf("AutoJoin() = %v, want %v", joined, want)
	}
	if fmt.Sprint(member.Membership().Rooms()) != fmt.Sprint(want) {
		t.Fatalf("Rooms() = %v", member.Membership().Rooms())
	}
}

func TestAutoJoinSkipsRoomsTheTableDenies(t *testing.T) {
	policy, err := NewPolicy(DefaultRules(), map[string][]string{"client": {"admin:all"}})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	m := NewManager(policy, nil)
	member := newMember("c1", "U1", auth.RoleClient)
	joined := m.AutoJoin(member)
	if fmt.Sprint(joined) != fmt.Sprint([]string{"role:client", "user:U1"}) {
		t.Fatalf("AutoJoin() = %v", joined)
	}
}

func TestLazyCreationAndCollection(t *testing.T) {
	m := NewManager(nil, nil)
	a := newMember("a", "A1", auth.RoleAdmin)
	b := newMember("b", "A2", auth.RoleAdmin)

	if m.RoomCount() != 0 {
		t.Fatalf("RoomCount() = %d, want 0", m.RoomCount())
	}
	_ = m.Join(a, "admin:all")
	_ = m.Join(b, "admin:all")
	if m.RoomCount() != 1 || len(m.MembersOf("admin:all")) != 2 {
		t.Fatalf("RoomCount() = %d, members = %d", m.RoomCount(), len(m.MembersOf("admin:all")))
	}

	if !m.Leave(a, "admin:all") {
		t.Fatal("Leave() = false, want true")
	}
	if m.Leave(a, "admin:all") {
		t.Fatal("second Leave() = true, want false")
	}
	if m.RoomCount() != 1 {
		t.Fatalf("room collected while b is still a member")
	}
	m.PurgeConnection(b)
	if m.RoomCount() != 0 {
		t.Fatalf("RoomCount() = %d after last member left, want 0", m.RoomCount())
	}
	if members := m.MembersOf("admin:all"); len(members) != 0 {
		t.Fatalf("MembersOf() = %d members of collected room", len(members))
	}
}

func TestJoinAfterPurgeIsRefused(t *testing.T) {
	m := NewManager(nil, nil)
	member := newMember("c1", "U1", auth.RoleClient)
	_ = m.Join(member, "user:U1")
	left := m.PurgeConnection(member)
	if fmt.Sprint(left) != "[user:U1]" {
		t.Fatalf("PurgeConnection() = %v", left)
	}
	if err := m.Join(member, "role:client"); !errors.Is(err, ErrMemberClosed) {
		t.Fatalf("Join() after purge error = %v, want ErrMemberClosed", err)
	}
	if m.RoomCount() != 0 {
		t.Fatalf("RoomCount() = %d", m.RoomCount())
	}
}

// A connection is in R iff its latest join(R) succeeded and no later leave(R)
// or purge happened.
func TestMembershipMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roomNames := []string{"role:client", "role:admin", "user:U1", "user:U2", "admin:all", "stock:alerts"}
	members := []*testMember{
		newMember("c1", "U1", auth.RoleClient),
		newMember("c2", "U1", auth.RoleClient),
		newMember("c3", "A1", auth.RoleAdmin),
		newMember("c4", "K1", auth.RoleComptoir),
	}
	m := NewManager(nil, nil)
	model := map[string]map[string]bool{}
	purged := map[string]bool{}
	for _, member := range members {
		model[member.id] = map[string]bool{}
	}

	for step := 0; step < 2000; step++ {
		member := members[rng.Intn(len(members))]
		name := roomNames[rng.Intn(len(roomNames))]
		switch op := rng.Intn(10); {
		case op < 6:
			if err := m.Join(member, name); err == nil {
				model[member.id][name] = true
			}
		case op < 9:
			m.Leave(member, name)
			delete(model[member.id], name)
		default:
			m.PurgeConnection(member)
			model[member.id] = map[string]bool{}
			purged[member.id] = true
		}

		for _, mem := range members {
			for _, r := range roomNames {
				inRoom := false
				for _, other := range m.MembersOf(r) {
					if other.ID() == mem.id {
						inRoom = true
					}
				}
				if inRoom != model[mem.id][r] || mem.Membership().Has(r) != model[mem.id][r] {
					t.Fatalf("step %d: member %s room %s: manager=%v membership=%v model=%v",
						step, mem.id, r, inRoom, mem.Membership().Has(r), model[mem.id][r])
				}
				if purged[mem.id] && model[mem.id][r] {
					t.Fatalf("step %d: purged member %s rejoined %s", step, mem.id, r)
				}
			}
		}
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	m := NewManager(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		member := newMember(fmt.Sprintf("c%d", i), fmt.Sprintf("A%d", i), auth.RoleAdmin)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = m.Join(member, "admin:all")
				m.Leave(member, "admin:all")
			}
			_ = m.Join(member, "admin:all")
		}()
	}
	wg.Wait()
	if got := len(m.MembersOf("admin:all")); got != 32 {
		t.Fatalf("members = %d, want 32", got)
	}
}

type countingObserver struct {
	mu      sync.Mutex
	allowed int
	denied  int
}

func (o *countingObserver) RoomJoin(_ string, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if allowed {
		o.allowed++
	} else {
		o.denied++
	}
}

func TestSetPolicyKeepsExistingMembership(t *testing.T) {
	m := NewManager(nil, nil)
	obs := &countingObserver{}
	m.SetObserver(obs)
	member := newMember("c1", "S1", auth.RoleCommercial)
	if err := m.Join(member, "finance:all"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	restricted, err := NewPolicy([]RuleConfig{{Pattern: "finance:all", Roles: []string{"admin"}}}, nil)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	m.SetPolicy(restricted)

	if !member.Membership().Has("finance:all") {
		t.Fatal("policy swap dropped existing membership")
	}
	other := newMember("c2", "S2", auth.RoleCommercial)
	if err := m.Join(other, "finance:all"); err == nil {
		t.Fatal("Join() allowed under restricted policy")
	}
	if obs.allowed != 1 || obs.denied != 1 {
		t.Fatalf("observer allowed=%d denied=%d", obs.allowed, obs.denied)
	}
}

func TestNewPolicyRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []RuleConfig
		auto  map[string][]string
	}{
		{name: "no prefix", rules: []RuleConfig{{Pattern: "admin"}}},
		{name: "unknown role", rules: []RuleConfig{{Pattern: "x:y", Roles: []string{"wizard"}}}},
		{name: "unknown match", rules: []RuleConfig{{Pattern: "x:*", Match: "team"}}},
		{name: "unknown auto-join role", auto: map[string][]string{"wizard": {"x:y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(tt.rules, tt.auto); err == nil {
				t.Fatal("NewPolicy() expected error")
			}
		})
	}
}
