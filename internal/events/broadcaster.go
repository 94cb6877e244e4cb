// Package events provides an SSE event broadcaster for upload progress and
// file changes.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apper-apps/magnavaultdrive/internal/metrics"
)

const (
	EventUpload  = "upload"
	EventCreate  = "file_created"
	EventModify  = "file_modified"
	EventDelete  = "file_deleted"
	EventMove    = "file_moved"
	EventRename  = "file_renamed"
	EventRestore = "file_restored"
)

// Event is one change notification. UserID scopes delivery; zero reaches
// every subscriber.
type Event struct {
	Type      string `json:"type"`
	UserID    int    `json:"-"`
	FileID    string `json:"fileId,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	UploadID  string `json:"uploadId,omitempty"`
	State     string `json:"state,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription is a subscriber's event channel.
type Subscription struct {
	C      chan Event
	userID int
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for userID's events.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(userID int) *Subscription {
	sub := &Subscription{C: make(chan Event, 64), userID: userID}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.C)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to matching subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if event.UserID != 0 && sub.userID != event.UserID {
			continue
		}
		select {
		case sub.C <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
