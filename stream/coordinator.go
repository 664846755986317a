// Package stream tracks in-flight streaming turns. Each process keeps a
// registry of active sessions keyed by conversation id; cancel requests are
// applied locally and broadcast cluster-wide, converging to exactly one
// process doing real work (the one holding the live connection) while all
// others are no-ops.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
)

// Channel is the broadcast channel carrying cancel requests.
const Channel = "stream-cancel"

// cancelPayload is the cross-process wire shape: {instanceId, conversationId}.
type cancelPayload struct {
	InstanceID     string `json:"instanceId"`
	ConversationID string `json:"conversationId"`
}

// session is one registered streaming turn. onClose flushes partial
// transcript through the turn's persistence path before the registration is
// removed.
type session struct {
	cancel  context.CancelFunc
	onClose func()
}

// Options configures a Coordinator.
type Options struct {
	Logger logging.Logger
}

// Coordinator owns the per-process session registry. It is injected wherever
// stream registration or cancellation is needed so tests can substitute it;
// it is never a package-level global.
type Coordinator struct {
	instanceID string
	bus        core.Broadcaster
	logger     logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Coordinator. Call Start to receive remote cancel requests.
func New(bus core.Broadcaster, instanceID string, optFns ...func(o *Options)) *Coordinator {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{
		instanceID: instanceID,
		bus:        bus,
		logger:     logging.OrNoOp(opts.Logger),
		sessions:   make(map[string]*session),
	}
}

// Start subscribes to the cancel channel. The returned func tears the
// subscription down.
func (c *Coordinator) Start(ctx context.Context) (func(), error) {
	return c.bus.Subscribe(ctx, Channel, c.onBroadcast)
}

// Register records an active streaming turn for the conversation. A second
// registration for the same conversation replaces the first; the caller is
// responsible for never running two local turns on one conversation.
func (c *Coordinator) Register(conversationID string, cancel context.CancelFunc, onClose func()) {
	c.mu.Lock()
	c.sessions[conversationID] = &session{cancel: cancel, onClose: onClose}
	c.mu.Unlock()
	c.logger.Debug("stream session registered", "conversation_id", conversationID)
}

// Unregister removes the registration without firing the session's handlers.
// Called on natural completion; unknown ids are a no-op.
func (c *Coordinator) Unregister(conversationID string) {
	c.mu.Lock()
	delete(c.sessions, conversationID)
	c.mu.Unlock()
}

// Cancel fires the local session for the conversation, if any, and broadcasts
// the request so the process holding the live connection (possibly a peer)
// converges. The returned bool reports the fast local check only: false means
// no active session was found on this process, with no side effects — a
// second cancel on the same id is a safe no-op.
func (c *Coordinator) Cancel(ctx context.Context, conversationID string) bool {
	ok := c.cancelLocal(conversationID)

	raw, err := json.Marshal(cancelPayload{InstanceID: c.instanceID, ConversationID: conversationID})
	if err == nil {
		if err := c.bus.Publish(ctx, Channel, raw); err != nil {
			c.logger.Warn("cancel broadcast failed", "conversation_id", conversationID, "error", err)
		}
	}
	return ok
}

// Active reports the number of registered sessions on this process.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// DrainAll cancels every registered session; used on graceful shutdown so
// in-flight turns run their partial-save path.
func (c *Coordinator) DrainAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.cancelLocal(id)
	}
}

// cancelLocal removes the registration and runs the cancel handle followed by
// onClose outside the lock. Removal-before-fire makes a racing second cancel
// observe no session.
func (c *Coordinator) cancelLocal(conversationID string) bool {
	c.mu.Lock()
	sess, ok := c.sessions[conversationID]
	if ok {
		delete(c.sessions, conversationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()
	if sess.onClose != nil {
		sess.onClose()
	}
	c.logger.Info("stream session cancelled", "conversation_id", conversationID)
	return true
}

func (c *Coordinator) onBroadcast(payload []byte) {
	var msg cancelPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("bad cancel payload", "error", err)
		return
	}
	if msg.InstanceID == c.instanceID {
		return // own echo
	}
	c.cancelLocal(msg.ConversationID)
}
