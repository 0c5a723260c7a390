// Package peer implements the device-to-device ("friend") relay registry.
//
// Each session publishes a non-owning send handle keyed by its device id.
// Another session relays data by offering a message to the target's handle;
// the offer never blocks, so a slow or wedged receiver cannot stall the
// sender. The handle owner (the session) drains its inbox and revokes the
// handle on close, so the registry never keeps a dead session alive.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultInboxDepth is the per-handle buffered message capacity.
const DefaultInboxDepth = 32

// Message is one relayed friend payload.
type Message struct {
	// From is the sender's device id.
	From string

	// Data is the opaque payload, relayed verbatim.
	Data json.RawMessage

	// Timestamp is when the gateway accepted the relay.
	Timestamp time.Time
}

// OfferStatus is the synchronous outcome of an Offer.
type OfferStatus int

const (
	// Delivered means the message was placed in the target's inbox.
	Delivered OfferStatus = iota

	// Unknown means no handle is published for the target device id.
	Unknown

	// Full means the target's inbox is at capacity and the message was
	// dropped.
	Full

	// Closed means the target's handle was revoked concurrently with the
	// offer.
	Closed
)

// String returns the status name used in logs. The session maps statuses onto
// the friend_ack wire vocabulary itself.
func (s OfferStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Unknown:
		return "unknown"
	case Full:
		return "full"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("OfferStatus(%d)", int(s))
	}
}

// Handle is a session's published receive endpoint. Only the registry sends
// into it; only the owning session receives from it.
type Handle struct {
	deviceID string
	inbox    chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// DeviceID returns the device id this handle is published under.
func (h *Handle) DeviceID() string { return h.deviceID }

// Inbox returns the channel of relayed messages. It is never closed; the
// owner stops reading after revoking the handle.
func (h *Handle) Inbox() <-chan Message { return h.inbox }

// Registry maps device ids to live handles. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	handles    map[string]*Handle
	inboxDepth int
}

// NewRegistry creates an empty registry. inboxDepth <= 0 selects
// DefaultInboxDepth.
func NewRegistry(inboxDepth int) *Registry {
	if inboxDepth <= 0 {
		inboxDepth = DefaultInboxDepth
	}
	return &Registry{
		handles:    make(map[string]*Handle),
		inboxDepth: inboxDepth,
	}
}

// Publish registers a new handle for deviceID and returns it. If a handle is
// already published for the id (a reconnect racing the old session's
// teardown), the old handle is revoked and replaced.
func (r *Registry) Publish(deviceID string) (*Handle, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("peer: device id must not be empty")
	}

	h := &Handle{
		deviceID: deviceID,
		inbox:    make(chan Message, r.inboxDepth),
		closed:   make(chan struct{}),
	}

	r.mu.Lock()
	old := r.handles[deviceID]
	r.handles[deviceID] = h
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	return h, nil
}

// Revoke removes the handle from the registry and marks it closed. Offers in
// flight observe Closed. Revoking a handle that was already replaced by a
// newer Publish leaves the newer handle in place.
func (r *Registry) Revoke(h *Handle) {
	r.mu.Lock()
	if r.handles[h.deviceID] == h {
		delete(r.handles, h.deviceID)
	}
	r.mu.Unlock()
	h.close()
}

// Lookup reports whether a handle is currently published for deviceID.
func (r *Registry) Lookup(deviceID string) bool {
	r.mu.RLock()
	_, ok := r.handles[deviceID]
	r.mu.RUnlock()
	return ok
}

// Offer attempts non-blocking delivery of msg to the target device. It never
// waits on the receiver.
func (r *Registry) Offer(target string, msg Message) OfferStatus {
	r.mu.RLock()
	h, ok := r.handles[target]
	r.mu.RUnlock()
	if !ok {
		return Unknown
	}

	select {
	case <-h.closed:
		return Closed
	default:
	}

	select {
	case h.inbox <- msg:
		return Delivered
	case <-h.closed:
		return Closed
	default:
		return Full
	}
}

func (h *Handle) close() {
	h.closeOnce.Do(func() { close(h.closed) })
}
