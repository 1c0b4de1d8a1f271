package storage

import (
	"context"
	"fmt"
	"regexp"
)

// Record is one stored document
type Record map[string]interface{}

// Filter selects records by field equality. A nil or empty filter matches
// every record of the resource.
type Filter map[string]interface{}

// ReadOptions modify the behavior of a read call
type ReadOptions struct {
	// Limit caps the number of returned records. Zero means no limit.
	Limit int
}

// ChangeAction the kind of mutation a change event describes
type ChangeAction string

// Change actions reported through a change feed
const (
	ChangeActionCreate   ChangeAction = "create"
	ChangeActionUpdate   ChangeAction = "update"
	ChangeActionDelete   ChangeAction = "delete"
	ChangeActionSnapshot ChangeAction = "snapshot"
)

// ChangeEvent one mutation notification from a live change feed
type ChangeEvent struct {
	// Action is the kind of mutation
	Action ChangeAction `json:"action"`
	// Resource is the resource the mutation applies to
	Resource string `json:"resource"`
	// RecordID is the ID of the mutated record, if known
	RecordID string `json:"record_id,omitempty"`
	// Record is the record content after the mutation, if known
	Record Record `json:"record,omitempty"`
}

// OnChangeFunc callback invoked for each change feed event
type OnChangeFunc func(event ChangeEvent)

// CancelFunc stops a change feed. Safe to call exactly once.
type CancelFunc func()

// Backend is the storage collaborator the hub forwards data-plane writes to
type Backend interface {
	// Write store a new record under the resource, returning its generated ID
	Write(ctxt context.Context, resource string, record Record) (string, error)
	// Read fetch the records of the resource matching the filter
	Read(ctxt context.Context, resource string, filter Filter, opts ReadOptions) ([]Record, error)
	// Update apply the patch to every record of the resource matching the
	// filter, returning the number of affected records
	Update(ctxt context.Context, resource string, patch Record, filter Filter) (int64, error)
	// Delete remove every record of the resource matching the filter,
	// returning the number of removed records
	Delete(ctxt context.Context, resource string, filter Filter) (int64, error)
	// Close release the backend resources
	Close() error
}

// FeedSource is implemented by backends able to push live change feeds.
// Backends without it degrade subscriptions to membership-only fan-out.
type FeedSource interface {
	// Subscribe open a change feed for the resource. Events matching the
	// filter are passed to onChange until the returned cancel is called.
	Subscribe(
		ctxt context.Context, resource string, filter Filter, onChange OnChangeFunc,
	) (CancelFunc, error)
}

// resourceNamePattern limits resource names to names safe for table and
// bucket identifiers
var resourceNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// ValidateResourceName verify the resource name is usable by every backend
func ValidateResourceName(resource string) error {
	if !resourceNamePattern.MatchString(resource) {
		return fmt.Errorf("invalid resource name '%s'", resource)
	}
	return nil
}

// Matches check whether the record satisfies the equality filter
func (f Filter) Matches(record Record) bool {
	for field, want := range f {
		have, ok := record[field]
		if !ok || fmt.Sprintf("%v", have) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
