package dataplane

import (
	"context"
	"sync"

	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/hub"
	"github.com/alwitt/hubmq/storage"
	"github.com/apex/log"
)

// FeedBridge connects storage change feeds to resource rooms. The first
// subscriber of a resource opens one feed against the storage backend; every
// event on that feed is rebroadcast to the resource room. When the last
// subscriber leaves, the hub cancels the feed along with the room.
type FeedBridge interface {
	/*
		Subscribe place a session in the resource room of a storage resource,
		opening the backing change feed if this is the first subscriber.

		 @param ctxt context.Context - the operation context
		 @param sessionID string - the subscribing session
		 @param resource string - the storage resource
		 @param filter storage.Filter - optional record filter for the feed
		 @return whether the backend supplies live change events, or an error
	*/
	Subscribe(
		ctxt context.Context, sessionID, resource string, filter storage.Filter,
	) (bool, error)

	/*
		Unsubscribe remove a session from the resource room of a storage resource

		 @param ctxt context.Context - the operation context
		 @param sessionID string - the departing session
		 @param resource string - the storage resource
		 @return whether successful
	*/
	Unsubscribe(ctxt context.Context, sessionID, resource string) error
}

// feedBridgeImpl implements FeedBridge. The lock serializes membership
// changes so no session can join a resource room between another session
// creating the room and the backing feed being established.
type feedBridgeImpl struct {
	common.Component
	lock     *sync.Mutex
	hub      hub.Hub
	store    storage.Backend
	feeds    storage.FeedSource
	rootCtxt context.Context
}

/*
GetFeedBridge define a new feed bridge

 @param sessionHub hub.Hub - the connection hub
 @param store storage.Backend - the storage backend
 @param rootCtxt context.Context - operation context governing open feeds
 @return new FeedBridge instance
*/
func GetFeedBridge(
	sessionHub hub.Hub, store storage.Backend, rootCtxt context.Context,
) FeedBridge {
	logTags := log.Fields{"module": "dataplane", "component": "feed-bridge"}
	// The backend advertises live change feeds by also implementing FeedSource
	feeds, _ := store.(storage.FeedSource)
	return &feedBridgeImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		hub:       sessionHub,
		store:     store,
		feeds:     feeds,
		rootCtxt:  rootCtxt,
	}
}

// Subscribe place a session in the resource room of a storage resource
func (b *feedBridgeImpl) Subscribe(
	ctxt context.Context, sessionID, resource string, filter storage.Filter,
) (bool, error) {
	if err := storage.ValidateResourceName(resource); err != nil {
		return false, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	roomID, created, err := b.hub.JoinResourceRoom(ctxt, sessionID, resource)
	if err != nil {
		return false, err
	}
	if b.feeds == nil {
		// Membership-only subscription. The session still receives db_change
		// frames fanned out from writes passing through this process.
		return false, nil
	}
	if !created {
		// Feed already open from an earlier subscriber
		return true, nil
	}
	cancel, err := b.feeds.Subscribe(
		b.rootCtxt, resource, filter, func(event storage.ChangeEvent) {
			b.relay(roomID, event)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to open change feed on %s", resource,
		)
		// Roll the membership back so a retry starts clean
		if lerr := b.hub.Leave(ctxt, roomID, sessionID); lerr != nil {
			log.WithError(lerr).WithFields(b.LogTags).Errorf(
				"Unable to roll back room %s membership", roomID,
			)
		}
		return false, err
	}
	if err := b.hub.AttachFeedCancel(ctxt, roomID, cancel); err != nil {
		return false, err
	}
	return true, nil
}

// Unsubscribe remove a session from the resource room of a storage resource
func (b *feedBridgeImpl) Unsubscribe(
	ctxt context.Context, sessionID, resource string,
) error {
	if err := storage.ValidateResourceName(resource); err != nil {
		return err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.hub.Leave(ctxt, hub.ResourceRoomID(resource), sessionID)
}

// relay rebroadcast one storage change event to a resource room
func (b *feedBridgeImpl) relay(roomID string, event storage.ChangeEvent) {
	delivered, err := b.hub.BroadcastToRoom(
		b.rootCtxt, roomID, RealtimeBroadcastFrame(event),
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to fan out change event to %s", roomID,
		)
		return
	}
	log.WithFields(b.LogTags).Debugf(
		"Fanned out %s on %s to %d sessions", event.Action, event.Resource, delivered,
	)
}
