package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryBackendCRUD(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetInMemoryBackend()
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: invalid resource name
	{
		_, err := uut.Write(ctxt, "not a name!", Record{"temperature": 20})
		assert.NotNil(err)
	}

	// Case 1: write then read back
	recordID, err := uut.Write(ctxt, "sensors", Record{"temperature": 20, "unit": "C"})
	assert.Nil(err)
	assert.NotEmpty(recordID)
	{
		records, err := uut.Read(ctxt, "sensors", nil, ReadOptions{})
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal(recordID, records[0]["id"])
	}

	// Case 2: filtered read misses
	{
		records, err := uut.Read(ctxt, "sensors", Filter{"unit": "F"}, ReadOptions{})
		assert.Nil(err)
		assert.Empty(records)
	}

	// Case 3: update via filter
	{
		affected, err := uut.Update(ctxt, "sensors", Record{"temperature": 25}, Filter{"unit": "C"})
		assert.Nil(err)
		assert.Equal(int64(1), affected)
		records, err := uut.Read(ctxt, "sensors", nil, ReadOptions{})
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal(25, records[0]["temperature"])
	}

	// Case 4: delete
	{
		affected, err := uut.Delete(ctxt, "sensors", Filter{"unit": "C"})
		assert.Nil(err)
		assert.Equal(int64(1), affected)
		records, err := uut.Read(ctxt, "sensors", nil, ReadOptions{})
		assert.Nil(err)
		assert.Empty(records)
	}
}

func TestInMemoryBackendChangeFeed(t *testing.T) {
	assert := assert.New(t)

	backend, err := GetInMemoryBackend()
	assert.Nil(err)
	uut, ok := backend.(FeedSource)
	assert.True(ok)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := []ChangeEvent{}
	feedCancel, err := uut.Subscribe(ctxt, "sensors", nil, func(event ChangeEvent) {
		seen = append(seen, event)
	})
	assert.Nil(err)

	// Create, update, and delete each produce one event
	recordID, err := backend.Write(ctxt, "sensors", Record{"temperature": 20})
	assert.Nil(err)
	_, err = backend.Update(ctxt, "sensors", Record{"temperature": 30}, nil)
	assert.Nil(err)
	_, err = backend.Delete(ctxt, "sensors", nil)
	assert.Nil(err)

	assert.Len(seen, 3)
	assert.Equal(ChangeActionCreate, seen[0].Action)
	assert.Equal(recordID, seen[0].RecordID)
	assert.Equal(ChangeActionUpdate, seen[1].Action)
	assert.Equal(ChangeActionDelete, seen[2].Action)

	// No events after cancel
	feedCancel()
	_, err = backend.Write(ctxt, "sensors", Record{"temperature": 40})
	assert.Nil(err)
	assert.Len(seen, 3)
}

func TestInMemoryBackendConcurrentUpdateFeed(t *testing.T) {
	assert := assert.New(t)

	backend, err := GetInMemoryBackend()
	assert.Nil(err)
	uut := backend.(FeedSource)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = backend.Write(ctxt, "sensors", Record{"temperature": 20, "unit": "C"})
	assert.Nil(err)

	// The listener serializes each event record, as the live feed relay does
	feedCancel, err := uut.Subscribe(ctxt, "sensors", nil, func(event ChangeEvent) {
		_, err := json.Marshal(event.Record)
		assert.Nil(err)
	})
	assert.Nil(err)
	defer feedCancel()

	// Two writers patch the same record in a loop. The race detector flags
	// this if update events carry the live stored map instead of a snapshot.
	wg := sync.WaitGroup{}
	for worker := 0; worker < 2; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for itr := 0; itr < 50; itr++ {
				_, err := backend.Update(
					ctxt, "sensors", Record{"temperature": worker*100 + itr}, nil,
				)
				assert.Nil(err)
			}
		}(worker)
	}
	wg.Wait()
}

func TestInMemoryBackendFilteredFeed(t *testing.T) {
	assert := assert.New(t)

	backend, err := GetInMemoryBackend()
	assert.Nil(err)
	uut := backend.(FeedSource)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := []ChangeEvent{}
	feedCancel, err := uut.Subscribe(ctxt, "sensors", Filter{"unit": "C"}, func(event ChangeEvent) {
		seen = append(seen, event)
	})
	assert.Nil(err)
	defer feedCancel()

	_, err = backend.Write(ctxt, "sensors", Record{"temperature": 20, "unit": "C"})
	assert.Nil(err)
	_, err = backend.Write(ctxt, "sensors", Record{"temperature": 70, "unit": "F"})
	assert.Nil(err)

	assert.Len(seen, 1)
	assert.Equal("C", seen[0].Record["unit"])
}
