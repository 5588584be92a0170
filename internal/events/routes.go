package events

import (
	"sort"
	"strings"
)

// Room names shared by the routing table, the room manager and alerts.
const (
	RoomAdmin      = "admin:all"
	RoomComptoir   = "comptoir:all"
	RoomCommercial = "commercial:all"
	RoomStock      = "stock:alerts"
	RoomFinance    = "finance:all"
	// RoomOnCall is joined by staff on duty; escalations reach it.
	RoomOnCall = "oncall:all"

	// OwnerRoom is replaced with the owner's personal room when routing.
	OwnerRoom = "user:{owner}"
)

// UserRoom returns the personal room of userID.
func UserRoom(userID string) string {
	return "user:" + userID
}

// RoleRoom returns the room of every member of role.
func RoleRoom(role string) string {
	return "role:" + role
}

// Routes maps event kinds to audience room templates.
type Routes map[Kind][]string

// DefaultRoutes is the routing table for order, stock, finance, user and
// security events. Validation goes to preparation, admin and the client;
// terminal order statuses go to admin and the client only.
func DefaultRoutes() Routes {
	return Routes{
		KindOrderCreated:    {RoomAdmin, RoomCommercial, OwnerRoom},
		KindOrderValidated:  {RoomComptoir, RoomAdmin, OwnerRoom},
		KindOrderPreparing:  {RoomComptoir, RoomAdmin, OwnerRoom},
		KindOrderReady:      {RoomComptoir, RoomAdmin, OwnerRoom},
		KindOrderDelivered:  {RoomAdmin, OwnerRoom},
		KindOrderCancelled:  {RoomAdmin, OwnerRoom},
		KindStockLow:        {RoomStock},
		KindStockOut:        {RoomStock, RoomAdmin},
		KindStockRestocked:  {RoomStock},
		KindInvoiceIssued:   {RoomFinance, OwnerRoom},
		KindInvoiceOverdue:  {RoomFinance, RoomAdmin, OwnerRoom},
		KindPaymentReceived: {RoomFinance, OwnerRoom},
		KindQuotaExceeded:   {RoomCommercial, OwnerRoom},
		KindUserBlocked:     {RoomAdmin},
		KindUserSuspended:   {RoomAdmin},
		KindLoginFailed:     {RoomAdmin},
		KindSuspicious:      {RoomAdmin},
	}
}

// Resolve returns the sorted, de-duplicated room set for e. An explicit
// target wins over the table; its users become personal rooms. Unknown kinds
// fall back to the admin room. Owner templates are dropped when the event has
// no owner.
func (r Routes) Resolve(e Event) []string {
	set := map[string]struct{}{}
	add := func(room string) {
		room = strings.TrimSpace(room)
		if room == "" {
			return
		}
		if room == OwnerRoom {
			if strings.TrimSpace(e.OwnerID) == "" {
				return
			}
			room = UserRoom(e.OwnerID)
		}
		set[room] = struct{}{}
	}

	if !e.Target.Empty() {
		for _, room := range e.Target.Rooms {
			add(room)
		}
		for _, user := range e.Target.Users {
			if strings.TrimSpace(user) != "" {
				add(UserRoom(strings.TrimSpace(user)))
			}
		}
	} else if templates, ok := r[e.Kind]; ok {
		for _, room := range templates {
			add(room)
		}
	} else {
		add(RoomAdmin)
	}

	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
