// Package rooms manages broadcast rooms and decides who may join them.
package rooms

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/events"
)

// Match selects how a rule compares the room suffix to the identity.
type Match string

const (
	// MatchNone ignores the suffix; only Roles and AllowAdmin apply.
	MatchNone Match = ""
	// MatchRole admits identities whose role equals the suffix.
	MatchRole Match = "role"
	// MatchSelf admits the identity whose user id equals the suffix.
	MatchSelf Match = "self"
)

// RuleConfig is one row of the authorization table. Pattern is either an
// exact room name or "<prefix>:*".
type RuleConfig struct {
	Pattern    string   `yaml:"pattern"`
	Roles      []string `yaml:"roles"`
	Match      Match    `yaml:"match"`
	AllowAdmin bool     `yaml:"allow_admin"`
}

type rule struct {
	pattern    string
	prefix     string
	wildcard   bool
	roles      map[auth.Role]struct{}
	match      Match
	allowAdmin bool
}

func (r rule) allows(identity auth.Identity, suffix string) bool {
	if r.allowAdmin && identity.IsAdmin() {
		return true
	}
	if _, ok := r.roles[identity.Role]; ok {
		return true
	}
	switch r.match {
	case MatchRole:
		return suffix == string(identity.Role)
	case MatchSelf:
		return suffix != "" && suffix == identity.UserID
	}
	return false
}

// Policy is an immutable authorization table plus the auto-join set.
type Policy struct {
	exact    map[string]rule
	wildcard map[string]rule
	autoJoin map[auth.Role][]string
}

// DefaultRules returns the built-in authorization table.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Pattern: "role:*", Match: MatchRole, AllowAdmin: true},
		{Pattern: "user:*", Match: MatchSelf},
		{Pattern: events.RoomAdmin, Roles: []string{"admin"}},
		{Pattern: events.RoomComptoir, Roles: []string{"comptoir", "admin"}},
		{Pattern: events.RoomCommercial, Roles: []string{"commercial", "admin"}},
		{Pattern: events.RoomStock, Roles: []string{"admin", "comptoir", "commercial"}},
		{Pattern: events.RoomFinance, Roles: []string{"admin", "commercial"}},
		{Pattern: events.RoomOnCall, Roles: []string{"admin", "comptoir", "commercial"}},
	}
}

// DefaultAutoJoin returns the fixed rooms joined on connect, per role, on top
// of the role room and the personal room.
func DefaultAutoJoin() map[string][]string {
	return map[string][]string{
		"admin":      {events.RoomAdmin, events.RoomStock, events.RoomFinance},
		"comptoir":   {events.RoomComptoir, events.RoomStock},
		"commercial": {events.RoomCommercial, events.RoomStock, events.RoomFinance},
		"client":     {},
	}
}

// DefaultPolicy builds the policy from DefaultRules and DefaultAutoJoin.
func DefaultPolicy() *Policy {
	policy, err := NewPolicy(DefaultRules(), DefaultAutoJoin())
	if err != nil {
		panic(fmt.Sprintf("rooms: default policy: %v", err))
	}
	return policy
}

// NewPolicy compiles rules and an auto-join table.
func NewPolicy(rules []RuleConfig, autoJoin map[string][]string) (*Policy, error) {
	p := &Policy{
		exact:    map[string]rule{},
		wildcard: map[string]rule{},
		autoJoin: map[auth.Role][]string{},
	}
	for _, cfg := range rules {
		pattern := strings.TrimSpace(cfg.Pattern)
		prefix, suffix, ok := strings.Cut(pattern, ":")
		if !ok || prefix == "" || suffix == "" {
			return nil, fmt.Errorf("room pattern %q: want <prefix>:<name> or <prefix>:*", cfg.Pattern)
		}
		switch cfg.Match {
		case MatchNone, MatchRole, MatchSelf:
		default:
			return nil, fmt.Errorf("room pattern %q: unknown match %q", pattern, cfg.Match)
		}
		compiled := rule{
			pattern:    pattern,
			prefix:     prefix,
			wildcard:   suffix == "*",
			roles:      map[auth.Role]struct{}{},
			match:      cfg.Match,
			allowAdmin: cfg.AllowAdmin,
		}
		for _, name := range cfg.Roles {
			role, err := auth.ParseRole(name)
			if err != nil {
				return nil, fmt.Errorf("room pattern %q: %w", pattern, err)
			}
			compiled.roles[role] = struct{}{}
		}
		if compiled.wildcard {
			p.wildcard[prefix] = compiled
		} else {
			p.exact[pattern] = compiled
		}
	}
	for name, roomNames := range autoJoin {
		role, err := auth.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("auto_join: %w", err)
		}
		p.autoJoin[role] = append([]string(nil), roomNames...)
	}
	return p, nil
}

// Allows evaluates the table for identity joining room. Rooms matching no
// rule are denied.
func (p *Policy) Allows(identity auth.Identity, room string) bool {
	if p == nil {
		return false
	}
	prefix, suffix, ok := strings.Cut(room, ":")
	if !ok || prefix == "" || suffix == "" {
		return false
	}
	if r, ok := p.exact[room]; ok {
		return r.allows(identity, suffix)
	}
	if r, ok := p.wildcard[prefix]; ok {
		return r.allows(identity, suffix)
	}
	return false
}

// AutoJoinRooms returns the sorted rooms an identity joins on connect: its
// role room, its personal room and the role's fixed rooms.
func (p *Policy) AutoJoinRooms(identity auth.Identity) []string {
	set := map[string]struct{}{
		events.RoleRoom(string(identity.Role)): {},
		events.UserRoom(identity.UserID):       {},
	}
	if p != nil {
		for _, room := range p.autoJoin[identity.Role] {
			set[room] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
