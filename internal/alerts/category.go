// Package alerts turns qualifying domain events into stateful alerts that are
// de-duplicated, escalated when nobody acknowledges them, and resolved.
package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/events"
)

// Priority orders alerts by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityOrder = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) rank() int {
	for i, candidate := range priorityOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.rank() >= 0 }

// Elevated returns the next priority up; critical stays critical.
func (p Priority) Elevated() Priority {
	r := p.rank()
	if r < 0 || r >= len(priorityOrder)-1 {
		if r < 0 {
			return PriorityHigh
		}
		return p
	}
	return priorityOrder[r+1]
}

// Category names.
const (
	CategoryStockOut       = "stock_out"
	CategoryStockLow       = "stock_low"
	CategoryPaymentOverdue = "payment_overdue"
	CategoryQuotaExceeded  = "quota_exceeded"
	CategorySecurity       = "security"
	CategoryOrderPending   = "order_pending"
)

// Category describes one kind of alert: what creates it, who hears about it,
// how long it may stay unacknowledged and who hears about it next.
type Category struct {
	Name              string        `yaml:"name"`
	Title             string        `yaml:"title"`
	Priority          Priority      `yaml:"priority"`
	EscalationTimeout time.Duration `yaml:"escalation_timeout"`
	// Audience and EscalateTo are room templates; events.OwnerRoom is
	// replaced with the event owner's personal room.
	Audience   []string      `yaml:"audience"`
	EscalateTo []string      `yaml:"escalate_to"`
	Repeat     bool          `yaml:"repeat"`
	Triggers   []events.Kind `yaml:"triggers"`
	ResolvedBy []events.Kind `yaml:"resolved_by"`
}

// DefaultCategories returns the built-in alert catalog.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:              CategoryStockOut,
			Title:             "Product out of stock",
			Priority:          PriorityCritical,
			EscalationTimeout: 10 * time.Minute,
			Audience:          []string{events.RoomStock},
			EscalateTo:        []string{events.RoomAdmin},
			Triggers:          []events.Kind{events.KindStockOut},
			ResolvedBy:        []events.Kind{events.KindStockRestocked},
		},
		{
			Name:              CategoryStockLow,
			Title:             "Stock running low",
			Priority:          PriorityMedium,
			EscalationTimeout: time.Hour,
			Audience:          []string{events.RoomStock},
			EscalateTo:        []string{events.RoomAdmin},
			Triggers:          []events.Kind{events.KindStockLow},
			ResolvedBy:        []events.Kind{events.KindStockRestocked},
		},
		{
			Name:              CategoryPaymentOverdue,
			Title:             "Invoice payment overdue",
			Priority:          PriorityHigh,
			EscalationTimeout: 4 * time.Hour,
			Audience:          []string{events.RoomFinance},
			EscalateTo:        []string{events.RoomAdmin},
			Triggers:          []events.Kind{events.KindInvoiceOverdue},
			ResolvedBy:        []events.Kind{events.KindPaymentReceived},
		},
		{
			Name:              CategoryQuotaExceeded,
			Title:             "Purchase quota exceeded",
			Priority:          PriorityMedium,
			EscalationTimeout: 30 * time.Minute,
			Audience:          []string{events.OwnerRoom},
			EscalateTo:        []string{events.RoomAdmin, events.RoomCommercial},
			Triggers:          []events.Kind{events.KindQuotaExceeded},
		},
		{
			Name:              CategorySecurity,
			Title:             "Security event",
			Priority:          PriorityCritical,
			EscalationTimeout: 5 * time.Minute,
			Audience:          []string{events.RoomAdmin},
			EscalateTo:        []string{events.RoomOnCall},
			Repeat:            true,
			Triggers:          []events.Kind{events.KindLoginFailed, events.KindSuspicious},
		},
		{
			Name:              CategoryOrderPending,
			Title:             "Order awaiting validation",
			Priority:          PriorityHigh,
			EscalationTimeout: 30 * time.Minute,
			Audience:          []string{events.RoomAdmin, events.RoomCommercial},
			EscalateTo:        []string{events.RoomOnCall},
			Triggers:          []events.Kind{events.KindOrderCreated},
			ResolvedBy:        []events.Kind{events.KindOrderValidated, events.KindOrderCancelled},
		},
	}
}

// Catalog indexes categories by trigger and resolver kinds.
type Catalog struct {
	byName     map[string]Category
	byTrigger  map[events.Kind]string
	byResolver map[events.Kind][]string
}

// NewCatalog validates categories. Each event kind may trigger at most one
// category.
func NewCatalog(categories []Category) (*Catalog, error) {
	c := &Catalog{
		byName:     make(map[string]Category, len(categories)),
		byTrigger:  make(map[events.Kind]string),
		byResolver: make(map[events.Kind][]string),
	}
	for _, cat := range categories {
		cat.Name = strings.TrimSpace(cat.Name)
		if cat.Name == "" {
			return nil, fmt.Errorf("category name is required")
		}
		if _, dup := c.byName[cat.Name]; dup {
			return nil, fmt.Errorf("duplicate category %q", cat.Name)
		}
		if !cat.Priority.Valid() {
			return nil, fmt.Errorf("category %s: invalid priority %q", cat.Name, cat.Priority)
		}
		if cat.EscalationTimeout <= 0 {
			return nil, fmt.Errorf("category %s: escalation timeout must be positive", cat.Name)
		}
		if len(cat.Audience) == 0 {
			return nil, fmt.Errorf("category %s: audience is required", cat.Name)
		}
		if len(cat.EscalateTo) > 0 && !widens(cat.Audience, cat.EscalateTo) {
			return nil, fmt.Errorf("category %s: escalate_to adds no room to the audience", cat.Name)
		}
		if cat.Title == "" {
			cat.Title = cat.Name
		}
		for _, kind := range cat.Triggers {
			if other, dup := c.byTrigger[kind]; dup {
				return nil, fmt.Errorf("kind %s triggers both %s and %s", kind, other, cat.Name)
			}
			c.byTrigger[kind] = cat.Name
		}
		for _, kind := range cat.ResolvedBy {
			c.byResolver[kind] = append(c.byResolver[kind], cat.Name)
		}
		c.byName[cat.Name] = cat
	}
	return c, nil
}

// Category returns a category by name.
func (c *Catalog) Category(name string) (Category, bool) {
	cat, ok := c.byName[name]
	return cat, ok
}

// Triggered returns the category created by kind, if any.
func (c *Catalog) Triggered(kind events.Kind) (Category, bool) {
	name, ok := c.byTrigger[kind]
	if !ok {
		return Category{}, false
	}
	return c.byName[name], true
}

// Resolved returns the categories whose open alerts kind resolves.
func (c *Catalog) Resolved(kind events.Kind) []string {
	return c.byResolver[kind]
}

// expandRooms resolves room templates against an owner. Owner templates are
// dropped when there is no owner.
func expandRooms(templates []string, ownerID string) []string {
	seen := make(map[string]struct{}, len(templates))
	out := make([]string, 0, len(templates))
	for _, room := range templates {
		if room == events.OwnerRoom {
			if strings.TrimSpace(ownerID) == "" {
				continue
			}
			room = events.UserRoom(strings.TrimSpace(ownerID))
		}
		if _, ok := seen[room]; ok {
			continue
		}
		seen[room] = struct{}{}
		out = append(out, room)
	}
	return out
}

// widens reports whether escalateTo names a room template outside audience.
func widens(audience, escalateTo []string) bool {
	have := make(map[string]struct{}, len(audience))
	for _, room := range audience {
		have[room] = struct{}{}
	}
	for _, room := range escalateTo {
		if _, ok := have[room]; !ok {
			return true
		}
	}
	return false
}

func unionRooms(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, room := range list {
			if _, ok := seen[room]; ok {
				continue
			}
			seen[room] = struct{}{}
			out = append(out, room)
		}
	}
	return out
}
