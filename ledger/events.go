package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHANGE EVENTS - Fire-and-forget notifications for the realtime layer
// =============================================================================

type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventFused    EventType = "fused"
	EventReverted EventType = "reverted"
)

// Event tells listeners which balances or assignments changed.
type Event struct {
	ID                   string        `json:"id"`
	Type                 EventType     `json:"type"`
	Subject              string        `json:"subject"` // "trip", "transaction", "account", "fusion"
	AffectedAccountTypes []AccountType `json:"affectedAccountTypes"`
	AffectedAccountIDs   []int64       `json:"affectedAccountIds"`
	OccurredAt           time.Time     `json:"occurredAt"`
}

// NewEvent builds an event for the given refs.
func NewEvent(t EventType, subject string, refs ...AccountRef) Event {
	refs = dedupeRefs(refs)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})

	ev := Event{
		ID:                   uuid.NewString(),
		Type:                 t,
		Subject:              subject,
		AffectedAccountTypes: []AccountType{},
		AffectedAccountIDs:   []int64{},
		OccurredAt:           time.Now().UTC(),
	}
	seenType := make(map[AccountType]bool)
	for _, r := range refs {
		if !seenType[r.Type] {
			seenType[r.Type] = true
			ev.AffectedAccountTypes = append(ev.AffectedAccountTypes, r.Type)
		}
		ev.AffectedAccountIDs = append(ev.AffectedAccountIDs, r.ID)
	}
	return ev
}

// Notifier delivers events. The engine never depends on delivery: errors are
// logged by the caller and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// =============================================================================
// LOCKER - Serializes fusions touching the same accounts
// =============================================================================

// Locker takes exclusive locks on string keys. Implementations must acquire
// keys in the given (sorted) order and release all of them on unlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// lockKeys returns the sorted lock keys for a set of accounts.
func lockKeys(refs ...AccountRef) []string {
	keys := make([]string, 0, len(refs))
	for _, r := range dedupeRefs(refs) {
		keys = append(keys, "fusion:"+r.String())
	}
	sort.Strings(keys)
	return keys
}
