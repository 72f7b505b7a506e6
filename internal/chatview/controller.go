// Package chatview holds the per-session view state machine. One
// controller exists per realtime connection and is driven from the
// connection's single event loop, so it needs no locking.
//
// States: NoConversationSelected -> ConversationLoading -> ConversationReady.
// Selecting a conversation bulk-delivers the messages the viewer received,
// loads history, and once the view is ready bulk-marks them seen. Any store
// failure during loading drops the controller back to
// NoConversationSelected; there is no automatic retry.
package chatview

import (
	"log/slog"

	"govorilka/internal/models"
)

type State int

const (
	StateNoConversation State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNoConversation:
		return "no-conversation"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Loader is the slice of the message store the controller drives.
type Loader interface {
	ListConversation(userA, userB string) ([]models.Message, error)
	MarkConversationDelivered(viewerID, counterpartID string) (int, error)
	MarkConversationSeen(viewerID, counterpartID string) (int, error)
	MarkSeen(id, viewerID string) (models.Message, bool, error)
}

type Controller struct {
	self   string
	loader Loader

	state       State
	counterpart string
	messages    []models.Message

	// unread caches counters for conversations other than the active one,
	// bumped by insert events and cleared when the conversation is opened.
	unread map[string]int
}

func New(self string, loader Loader) *Controller {
	return &Controller{
		self:   self,
		loader: loader,
		state:  StateNoConversation,
		unread: make(map[string]int),
	}
}

func (c *Controller) State() State {
	return c.state
}

// Active returns the counterpart of the currently open conversation, empty
// when none is selected.
func (c *Controller) Active() string {
	if c.state != StateReady {
		return ""
	}
	return c.counterpart
}

// Messages returns the displayed message sequence of the open conversation.
func (c *Controller) Messages() []models.Message {
	return c.messages
}

// Unread returns the cached unread counter for a counterpart.
func (c *Controller) Unread(counterpartID string) int {
	return c.unread[counterpartID]
}

// Select opens the conversation with the counterpart: everything the viewer
// received while away is marked delivered, history is loaded, and once the
// view is ready the backlog is marked seen. On any failure the controller
// returns to NoConversationSelected and the error is surfaced to the caller.
func (c *Controller) Select(counterpartID string) ([]models.Message, error) {
	c.state = StateLoading
	c.counterpart = counterpartID
	c.messages = nil

	if _, err := c.loader.MarkConversationDelivered(c.self, counterpartID); err != nil {
		return nil, c.fail(err)
	}

	msgs, err := c.loader.ListConversation(c.self, counterpartID)
	if err != nil {
		return nil, c.fail(err)
	}

	c.messages = msgs
	c.state = StateReady
	delete(c.unread, counterpartID)

	// The view is rendered now; the backlog counts as read. A failure here
	// is not a loading failure: the conversation stays open and the
	// messages are re-marked on the next event or reopen.
	if _, err := c.loader.MarkConversationSeen(c.self, counterpartID); err != nil {
		slog.Warn("failed to mark conversation seen", "user_id", c.self, "counterpart", counterpartID, "error", err)
	}

	return msgs, nil
}

// Deselect closes the active conversation.
func (c *Controller) Deselect() {
	c.state = StateNoConversation
	c.counterpart = ""
	c.messages = nil
}

func (c *Controller) fail(err error) error {
	c.state = StateNoConversation
	c.counterpart = ""
	c.messages = nil
	return err
}

// OnEvent folds a realtime change event into the view. Events for the open
// conversation update the displayed sequence; an insert the viewer received
// while looking at it is immediately marked seen. Inserts for other
// conversations bump that counterpart's cached unread counter.
func (c *Controller) OnEvent(ev models.ChangeEvent) {
	if c.state == StateReady && c.belongsToActive(ev) {
		c.applyToActive(ev)
		return
	}

	if ev.Op == models.ChangeOpInsert && ev.ReceiverID == c.self {
		c.unread[ev.SenderID]++
	}
}

func (c *Controller) belongsToActive(ev models.ChangeEvent) bool {
	sender, receiver := ev.Participants()
	other := sender
	if other == c.self {
		other = receiver
	}
	return other == c.counterpart && (sender == c.self || receiver == c.self)
}

func (c *Controller) applyToActive(ev models.ChangeEvent) {
	switch ev.Op {
	case models.ChangeOpInsert:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		c.messages = append(c.messages, msg)
		if msg.ReceiverID == c.self {
			if _, _, err := c.loader.MarkSeen(msg.ID, c.self); err != nil {
				slog.Warn("failed to mark message seen", "message_id", msg.ID, "error", err)
			}
		}

	case models.ChangeOpUpdate:
		if ev.Message == nil {
			return
		}
		for i := range c.messages {
			if c.messages[i].ID == ev.Message.ID {
				c.messages[i] = *ev.Message
				break
			}
		}

	case models.ChangeOpDelete:
		for i := range c.messages {
			if c.messages[i].ID == ev.MessageID {
				c.messages[i].Deleted = true
				c.messages[i].Content = ""
				c.messages[i].Rendered = ""
				c.messages[i].Image = nil
				break
			}
		}
	}
}
