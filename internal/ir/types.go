package ir

import (
	"fmt"
	"strings"
	"time"
)

// Kind names an entity type ("calendar.event", "wiki.page").
type Kind string

// Scope is the unit of locking and throttling. Two mutations with equal
// scopes are always replayed by the same sync pass.
type Scope struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"` // e.g. "calendar:12" or "owner:5/group:3"
}

// String renders the scope as "<kind>/<key>". It is the lock and throttle key.
func (s Scope) String() string {
	return string(s.Kind) + "/" + s.Key
}

// IsZero reports whether s is the zero scope.
func (s Scope) IsZero() bool {
	return s.Kind == "" && s.Key == ""
}

// ParseScope is the inverse of Scope.String.
func ParseScope(s string) (Scope, error) {
	kind, key, ok := strings.Cut(s, "/")
	if !ok || kind == "" || key == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: expected <kind>/<key>", s)
	}
	return Scope{Kind: Kind(kind), Key: key}, nil
}

// Payload is the editable field set of one concrete entity kind.
// Implementations are plain structs with snake_case JSON tags and no floats.
type Payload interface {
	// Kind returns the entity kind the payload belongs to.
	Kind() Kind
	// DisplayName is shown to the user in discard warnings.
	DisplayName() string
	// ExternalKey disambiguates the same logical item before its id is
	// known to the caller. Empty disables the uniqueness rule.
	ExternalKey() string
	// Validate checks the payload at the edges (storage read, remote submit).
	Validate() error
}

// PendingUpsert is a locally created or edited entity awaiting submission.
type PendingUpsert struct {
	ID             EntityID
	Scope          Scope
	Payload        Payload
	IdempotencyKey string // client token attached to creates
	PayloadHash    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// Base is the remote payload an edit started from; nil for creates and
	// when the previous state was never seen.
	Base Payload
}

// PendingDelete is a locally requested deletion of a remote entity.
type PendingDelete struct {
	ID          EntityID // always remote
	Scope       Scope
	DisplayName string
	Cascade     bool // delete every member of a recurring/linked group
	RequestedAt time.Time
	Snapshot    Payload // last-known payload, nil when unknown
}

// Item is one element of a displayed collection: either an authoritative
// remote entity or a pending local one.
type Item struct {
	ID      EntityID `json:"id"`
	Payload Payload  `json:"payload"`
	Deleted bool     `json:"deleted,omitempty"` // tombstoned locally, shown with undo
	Offline bool     `json:"offline,omitempty"` // pending local state
}

// Operation is the kind of remote call made for a mutation.
type Operation int

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Submission is one call to the remote authority.
type Submission struct {
	Op             Operation
	Kind           Kind
	Scope          Scope
	ID             EntityID // zero for creates
	Payload        Payload  // nil for deletes
	DisplayName    string
	Cascade        bool
	IdempotencyKey string // set for creates
}

// Warning records a mutation that was discarded because the authority
// rejected it permanently.
type Warning struct {
	ID          EntityID  `json:"id"`
	Op          Operation `json:"op"`
	DisplayName string    `json:"display_name"`
	Reason      string    `json:"reason"`
}

// Message is the user-facing text for the warning.
func (w Warning) Message() string {
	return fmt.Sprintf("your offline change for %s was discarded: %s", w.DisplayName, w.Reason)
}

// Touched is an entity changed by a sync pass together with the number of
// instances it expands to (1 for non-recurring entities). Before is where
// the entity was displayed prior to the change, if it moved; those buckets
// are invalidated but not refetched.
type Touched struct {
	Item        Item
	Repetitions int
	Before      Payload
}

// Plan lists cached projections to refresh after a sync pass.
type Plan struct {
	Refetch    []string `json:"refetch"`    // fetch now, the UI shows these
	Invalidate []string `json:"invalidate"` // drop, fetch lazily on next visit
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Refetch) == 0 && len(p.Invalidate) == 0
}

// SyncResult is the aggregate outcome of one sync pass.
type SyncResult struct {
	Scope           Scope
	Upserted        []Item     // authoritative entities returned by creates/updates
	Deleted         []EntityID // remote ids deleted by the pass
	Warnings        []Warning  // one per discarded mutation
	Plan            Plan
	AnythingChanged bool
	Throttled       bool // the pass was not run because the scope synced recently
}
