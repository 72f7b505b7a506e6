package ws

import (
	"sync"

	"govorilka/internal/models"
	"govorilka/internal/presence"
)

// Notifier delivers out-of-band notifications to users without an open
// connection. Implemented by the push package.
type Notifier interface {
	Notify(userID string, msg models.Message)
}

// Hub is the realtime channel: it owns the per-user outbound frame
// channels, feeds the presence tracker from connection lifecycles, and
// fans change events out to the two participants of a message.
type Hub struct {
	mu sync.RWMutex
	// Map of userID -> outbound frame channel, one per connected user.
	connected map[string]chan models.ServerFrame

	presence *presence.Tracker
	notifier Notifier
}

func NewHub(tracker *presence.Tracker, notifier Notifier) *Hub {
	h := &Hub{
		connected: make(map[string]chan models.ServerFrame),
		presence:  tracker,
		notifier:  notifier,
	}
	tracker.SetOnChange(h.broadcastPresence)
	return h
}

// Join registers the user's connection and returns its outbound channel.
// A reconnect replaces (and closes) the previous channel.
func (h *Hub) Join(userID string) chan models.ServerFrame {
	ch := make(chan models.ServerFrame, 100)

	h.mu.Lock()
	if old, ok := h.connected[userID]; ok {
		close(old)
	}
	h.connected[userID] = ch
	h.mu.Unlock()

	h.presence.Join(userID)
	return ch
}

// Leave drops the user's connection identified by ch. A reconnect replaces
// the registered channel, so the stale connection's cleanup arrives here
// after the replacement is already live; it must not tear that one down.
func (h *Hub) Leave(userID string, ch chan models.ServerFrame) {
	h.mu.Lock()
	mine := h.connected[userID] == ch
	if mine {
		close(ch)
		delete(h.connected, userID)
	}
	h.mu.Unlock()

	if mine {
		h.presence.Leave(userID)
	}
}

// DisconnectUser forcibly closes the user's connection, whichever channel
// it currently holds. Used by the admin API after deletes and password
// resets.
func (h *Hub) DisconnectUser(userID string) {
	h.mu.Lock()
	ch, ok := h.connected[userID]
	if ok {
		close(ch)
		delete(h.connected, userID)
	}
	h.mu.Unlock()

	if ok {
		h.presence.Leave(userID)
	}
}

func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(userID)
}

// Publish implements message.Publisher: the event goes to both
// participants if connected; an insert whose receiver is offline goes to
// the push notifier instead.
func (h *Hub) Publish(ev models.ChangeEvent) {
	frame := models.ServerFrame{
		Type:  models.ServerFrameTypeEvent,
		Event: &ev,
	}

	h.mu.RLock()
	senderCh, senderOnline := h.connected[ev.SenderID]
	receiverCh, receiverOnline := h.connected[ev.ReceiverID]
	h.mu.RUnlock()

	if senderOnline {
		send(senderCh, frame)
	}
	if receiverOnline {
		if ev.ReceiverID != ev.SenderID {
			send(receiverCh, frame)
		}
	} else if ev.Op == models.ChangeOpInsert && ev.Message != nil && h.notifier != nil {
		h.notifier.Notify(ev.ReceiverID, *ev.Message)
	}
}

// broadcastPresence tells every connected client about an online/offline
// transition.
func (h *Hub) broadcastPresence(userID string, online bool) {
	frameType := models.ServerFrameTypeOnline
	if !online {
		frameType = models.ServerFrameTypeOffline
	}
	frame := models.ServerFrame{Type: frameType, UserID: userID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.connected {
		if id == userID {
			continue
		}
		send(ch, frame)
	}
}

func send(ch chan models.ServerFrame, frame models.ServerFrame) {
	select {
	case ch <- frame:
	default:
		// Slow client; drop rather than block the hub.
	}
}
