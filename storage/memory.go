package storage

import (
	"context"
	"sync"

	"github.com/alwitt/hubmq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// memoryBackend implements Backend and FeedSource with process-local maps.
// It is the default backend, and the collaborator used by unit tests.
type memoryBackend struct {
	common.Component
	lock      *sync.Mutex
	resources map[string]map[string]Record
	feeds     map[string]map[string]feedEntry
}

type feedEntry struct {
	filter   Filter
	onChange OnChangeFunc
}

// GetInMemoryBackend define an in-memory storage backend
func GetInMemoryBackend() (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "memory-backend",
	}
	return &memoryBackend{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		resources: make(map[string]map[string]Record),
		feeds:     make(map[string]map[string]feedEntry),
	}, nil
}

// Write store a new record under the resource, returning its generated ID
func (b *memoryBackend) Write(
	ctxt context.Context, resource string, record Record,
) (string, error) {
	if err := ValidateResourceName(resource); err != nil {
		return "", err
	}
	stored := make(Record, len(record))
	for field, value := range record {
		stored[field] = value
	}
	recordID := uuid.New().String()

	b.lock.Lock()
	records, ok := b.resources[resource]
	if !ok {
		records = make(map[string]Record)
		b.resources[resource] = records
	}
	records[recordID] = stored
	listeners := b.feedListeners(resource)
	b.lock.Unlock()

	b.notify(listeners, ChangeEvent{
		Action: ChangeActionCreate, Resource: resource, RecordID: recordID, Record: stored,
	})
	return recordID, nil
}

// Read fetch the records of the resource matching the filter
func (b *memoryBackend) Read(
	ctxt context.Context, resource string, filter Filter, opts ReadOptions,
) ([]Record, error) {
	if err := ValidateResourceName(resource); err != nil {
		return nil, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	results := []Record{}
	for recordID, record := range b.resources[resource] {
		if !filter.Matches(record) {
			continue
		}
		copied := make(Record, len(record)+1)
		for field, value := range record {
			copied[field] = value
		}
		copied["id"] = recordID
		results = append(results, copied)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Update apply the patch to every matching record of the resource
func (b *memoryBackend) Update(
	ctxt context.Context, resource string, patch Record, filter Filter,
) (int64, error) {
	if err := ValidateResourceName(resource); err != nil {
		return 0, err
	}
	type changed struct {
		recordID string
		record   Record
	}
	b.lock.Lock()
	updated := []changed{}
	for recordID, record := range b.resources[resource] {
		if !filter.Matches(record) {
			continue
		}
		for field, value := range patch {
			record[field] = value
		}
		// Notify with a private copy. The stored map may be patched again
		// before the listeners finish reading the event.
		snapshot := make(Record, len(record))
		for field, value := range record {
			snapshot[field] = value
		}
		updated = append(updated, changed{recordID: recordID, record: snapshot})
	}
	listeners := b.feedListeners(resource)
	b.lock.Unlock()

	for _, entry := range updated {
		b.notify(listeners, ChangeEvent{
			Action:   ChangeActionUpdate,
			Resource: resource,
			RecordID: entry.recordID,
			Record:   entry.record,
		})
	}
	return int64(len(updated)), nil
}

// Delete remove every matching record of the resource
func (b *memoryBackend) Delete(
	ctxt context.Context, resource string, filter Filter,
) (int64, error) {
	if err := ValidateResourceName(resource); err != nil {
		return 0, err
	}
	b.lock.Lock()
	removed := []string{}
	for recordID, record := range b.resources[resource] {
		if filter.Matches(record) {
			removed = append(removed, recordID)
		}
	}
	for _, recordID := range removed {
		delete(b.resources[resource], recordID)
	}
	listeners := b.feedListeners(resource)
	b.lock.Unlock()

	for _, recordID := range removed {
		b.notify(listeners, ChangeEvent{
			Action: ChangeActionDelete, Resource: resource, RecordID: recordID,
		})
	}
	return int64(len(removed)), nil
}

// Close release the backend resources
func (b *memoryBackend) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.resources = make(map[string]map[string]Record)
	b.feeds = make(map[string]map[string]feedEntry)
	return nil
}

// Subscribe open a change feed for the resource
func (b *memoryBackend) Subscribe(
	ctxt context.Context, resource string, filter Filter, onChange OnChangeFunc,
) (CancelFunc, error) {
	if err := ValidateResourceName(resource); err != nil {
		return nil, err
	}
	feedID := uuid.New().String()

	b.lock.Lock()
	listeners, ok := b.feeds[resource]
	if !ok {
		listeners = make(map[string]feedEntry)
		b.feeds[resource] = listeners
	}
	listeners[feedID] = feedEntry{filter: filter, onChange: onChange}
	b.lock.Unlock()

	log.WithFields(b.LogTags).Debugf("Opened change feed %s on '%s'", feedID, resource)
	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		if listeners, ok := b.feeds[resource]; ok {
			delete(listeners, feedID)
			if len(listeners) == 0 {
				delete(b.feeds, resource)
			}
		}
		log.WithFields(b.LogTags).Debugf("Closed change feed %s on '%s'", feedID, resource)
	}, nil
}

// feedListeners snapshot the feed entries of a resource. Caller must hold the lock.
func (b *memoryBackend) feedListeners(resource string) []feedEntry {
	listeners := []feedEntry{}
	for _, entry := range b.feeds[resource] {
		listeners = append(listeners, entry)
	}
	return listeners
}

// notify deliver the event to each listener whose filter matches
func (b *memoryBackend) notify(listeners []feedEntry, event ChangeEvent) {
	for _, listener := range listeners {
		if event.Record != nil && !listener.filter.Matches(event.Record) {
			continue
		}
		listener.onChange(event)
	}
}
