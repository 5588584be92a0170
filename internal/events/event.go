// Package events defines domain events and the table that routes each event
// kind to its audience rooms.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a domain event, e.g. "order.validated".
type Kind string

const (
	KindOrderCreated    Kind = "order.created"
	KindOrderValidated  Kind = "order.validated"
	KindOrderPreparing  Kind = "order.preparing"
	KindOrderReady      Kind = "order.ready"
	KindOrderDelivered  Kind = "order.delivered"
	KindOrderCancelled  Kind = "order.cancelled"
	KindStockLow        Kind = "stock.low"
	KindStockOut        Kind = "stock.out"
	KindStockRestocked  Kind = "stock.replenished"
	KindInvoiceIssued   Kind = "invoice.issued"
	KindInvoiceOverdue  Kind = "invoice.overdue"
	KindPaymentReceived Kind = "payment.received"
	KindQuotaExceeded   Kind = "quota.exceeded"
	KindUserBlocked     Kind = "user.blocked"
	KindUserSuspended   Kind = "user.suspended"
	KindLoginFailed     Kind = "security.login_failed"
	KindSuspicious      Kind = "security.suspicious_activity"
)

// Domain returns the prefix before the first dot ("order" for order.validated).
func (k Kind) Domain() string {
	domain, _, _ := strings.Cut(string(k), ".")
	return domain
}

// Deauthorizes reports whether the event revokes its owner's access.
func (k Kind) Deauthorizes() bool {
	return k == KindUserBlocked || k == KindUserSuspended
}

// Target selects recipients explicitly. An empty target defers to the
// routing table.
type Target struct {
	Rooms []string `json:"rooms,omitempty"`
	Users []string `json:"users,omitempty"`
}

// Empty reports whether the target names nobody.
func (t Target) Empty() bool {
	return len(t.Rooms) == 0 && len(t.Users) == 0
}

// Event is an immutable fact about a business mutation. Seq is assigned by
// the router on publish and is zero before that.
type Event struct {
	Seq        uint64          `json:"seq"`
	Kind       Kind            `json:"kind"`
	EntityID   string          `json:"entityId,omitempty"`
	OwnerID    string          `json:"ownerId,omitempty"`
	Target     Target          `json:"target,omitzero"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	// Rooms is the resolved audience, filled in by the router.
	Rooms []string `json:"rooms,omitempty"`
}

// ErrInvalidEvent is returned for events that cannot be routed.
var ErrInvalidEvent = errors.New("invalid event")

// Validate checks the fields every publisher must set.
func (e Event) Validate() error {
	if strings.TrimSpace(string(e.Kind)) == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// HasRoom reports whether room is in the resolved audience.
func (e Event) HasRoom(room string) bool {
	for _, r := range e.Rooms {
		if r == room {
			return true
		}
	}
	return false
}
