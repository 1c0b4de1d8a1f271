package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// natsKVBackend implements Backend and FeedSource on NATS JetStream KV. Each
// resource maps to one KV bucket holding JSON documents keyed by record ID;
// bucket watchers supply the live change feeds.
type natsKVBackend struct {
	common.Component
	client       core.NatsClient
	lock         *sync.Mutex
	knownBuckets map[string]nats.KeyValue
}

// GetNatsKVBackend define a storage backend on NATS JetStream KV
func GetNatsKVBackend(client core.NatsClient) (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "natskv-backend",
	}
	if client.JetStream() == nil {
		return nil, fmt.Errorf("natskv backend requires a JetStream enabled NATS client")
	}
	return &natsKVBackend{
		Component:    common.Component{LogTags: logTags},
		client:       client,
		lock:         &sync.Mutex{},
		knownBuckets: make(map[string]nats.KeyValue),
	}, nil
}

// bucketFor ready the KV bucket backing a resource
func (b *natsKVBackend) bucketFor(resource string) (nats.KeyValue, error) {
	if err := ValidateResourceName(resource); err != nil {
		return nil, err
	}
	// Fail fast while the connection is down instead of letting the
	// JetStream call wait out its timeout
	if b.client.NATs().Status() != nats.CONNECTED {
		return nil, fmt.Errorf("NATS connection currently unavailable")
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	bucketName := strings.ReplaceAll(fmt.Sprintf("hubmq-%s", resource), "_", "-")
	if bucket, ok := b.knownBuckets[bucketName]; ok {
		return bucket, nil
	}
	js := b.client.JetStream()
	bucket, err := js.KeyValue(bucketName)
	if err != nil {
		bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucketName})
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to ready KV bucket %s", bucketName,
			)
			return nil, err
		}
	}
	b.knownBuckets[bucketName] = bucket
	return bucket, nil
}

// readAll fetch every record of the bucket into memory for filtering
func (b *natsKVBackend) readAll(bucket nats.KeyValue) (map[string]Record, error) {
	results := make(map[string]Record)
	keys, err := bucket.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return results, nil
		}
		return nil, err
	}
	for _, key := range keys {
		entry, err := bucket.Get(key)
		if err != nil {
			if err == nats.ErrKeyNotFound {
				continue
			}
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			return nil, err
		}
		results[key] = record
	}
	return results, nil
}

// Write store a new record under the resource, returning its generated ID
func (b *natsKVBackend) Write(
	ctxt context.Context, resource string, record Record,
) (string, error) {
	bucket, err := b.bucketFor(resource)
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	recordID := uuid.New().String()
	if _, err := bucket.Put(recordID, doc); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Record write to '%s' failed", resource,
		)
		return "", err
	}
	return recordID, nil
}

// Read fetch the records of the resource matching the filter
func (b *natsKVBackend) Read(
	ctxt context.Context, resource string, filter Filter, opts ReadOptions,
) ([]Record, error) {
	bucket, err := b.bucketFor(resource)
	if err != nil {
		return nil, err
	}
	all, err := b.readAll(bucket)
	if err != nil {
		return nil, err
	}
	results := []Record{}
	for recordID, record := range all {
		if !filter.Matches(record) {
			continue
		}
		record["id"] = recordID
		results = append(results, record)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Update apply the patch to every matching record of the resource
func (b *natsKVBackend) Update(
	ctxt context.Context, resource string, patch Record, filter Filter,
) (int64, error) {
	bucket, err := b.bucketFor(resource)
	if err != nil {
		return 0, err
	}
	all, err := b.readAll(bucket)
	if err != nil {
		return 0, err
	}
	var affected int64
	for recordID, record := range all {
		if !filter.Matches(record) {
			continue
		}
		for field, value := range patch {
			record[field] = value
		}
		doc, err := json.Marshal(record)
		if err != nil {
			return affected, err
		}
		if _, err := bucket.Put(recordID, doc); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Record update in '%s' failed", resource,
			)
			return affected, err
		}
		affected++
	}
	return affected, nil
}

// Delete remove every matching record of the resource
func (b *natsKVBackend) Delete(
	ctxt context.Context, resource string, filter Filter,
) (int64, error) {
	bucket, err := b.bucketFor(resource)
	if err != nil {
		return 0, err
	}
	all, err := b.readAll(bucket)
	if err != nil {
		return 0, err
	}
	var affected int64
	for recordID, record := range all {
		if !filter.Matches(record) {
			continue
		}
		if err := bucket.Delete(recordID); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Record delete in '%s' failed", resource,
			)
			return affected, err
		}
		affected++
	}
	return affected, nil
}

// Close release the backend resources
func (b *natsKVBackend) Close() error {
	b.client.Close(context.Background())
	return nil
}

// Subscribe open a change feed for the resource backed by a KV bucket watcher
func (b *natsKVBackend) Subscribe(
	ctxt context.Context, resource string, filter Filter, onChange OnChangeFunc,
) (CancelFunc, error) {
	bucket, err := b.bucketFor(resource)
	if err != nil {
		return nil, err
	}
	watcher, err := bucket.WatchAll()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to watch KV bucket for '%s'", resource,
		)
		return nil, err
	}

	feedCtxt, feedCancel := context.WithCancel(ctxt)
	go func() {
		// The watcher first replays current values, then sends a nil marker,
		// then streams live updates. Keys seen during replay distinguish a
		// later put as update rather than create.
		seenKeys := make(map[string]bool)
		replayDone := false
		for {
			select {
			case <-feedCtxt.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					replayDone = true
					continue
				}
				if !replayDone {
					seenKeys[entry.Key()] = true
					continue
				}
				event := ChangeEvent{Resource: resource, RecordID: entry.Key()}
				switch entry.Operation() {
				case nats.KeyValuePut:
					var record Record
					if err := json.Unmarshal(entry.Value(), &record); err != nil {
						log.WithError(err).WithFields(b.LogTags).Errorf(
							"Discarding unparsable feed entry %s on '%s'", entry.Key(), resource,
						)
						continue
					}
					if !filter.Matches(record) {
						continue
					}
					event.Record = record
					if seenKeys[entry.Key()] {
						event.Action = ChangeActionUpdate
					} else {
						event.Action = ChangeActionCreate
						seenKeys[entry.Key()] = true
					}
				case nats.KeyValueDelete, nats.KeyValuePurge:
					event.Action = ChangeActionDelete
					delete(seenKeys, entry.Key())
				default:
					continue
				}
				onChange(event)
			}
		}
	}()

	var cancelOnce sync.Once
	return func() {
		cancelOnce.Do(func() {
			feedCancel()
			if err := watcher.Stop(); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf(
					"Failed to stop KV watcher for '%s'", resource,
				)
			}
		})
	}, nil
}
