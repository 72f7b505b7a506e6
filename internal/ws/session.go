package ws

import (
	"govorilka/internal/chatview"
	"govorilka/internal/conversation"
	"govorilka/internal/message"
	"govorilka/internal/models"
	"govorilka/internal/presence"
)

// Session interprets client frames for one authenticated connection. It
// owns the view controller, so everything stateful about "what this client
// is looking at" lives here and is driven by the connection's event loop.
type Session struct {
	userID   string
	view     *chatview.Controller
	messages *message.Store
	convs    *conversation.Aggregator
	presence *presence.Tracker
}

func NewSession(userID string, messages *message.Store, convs *conversation.Aggregator, tracker *presence.Tracker) *Session {
	return &Session{
		userID:   userID,
		view:     chatview.New(userID, messages),
		messages: messages,
		convs:    convs,
		presence: tracker,
	}
}

// HandleFrame processes one client frame and returns the frames to write
// back, if any.
func (s *Session) HandleFrame(frame models.ClientFrame) []models.ServerFrame {
	switch frame.Type {
	case models.ClientFrameTypeHeartbeat:
		s.presence.Touch(s.userID)
		return nil

	case models.ClientFrameTypeSelect:
		return s.handleSelect(frame.CounterpartID)

	case models.ClientFrameTypeSend:
		if _, err := s.messages.Send(s.userID, frame.CounterpartID, frame.Content, frame.Image); err != nil {
			return []models.ServerFrame{errorFrame(err)}
		}
		// The insert event arrives through the hub; nothing to send here.
		return nil
	}

	return nil
}

func (s *Session) handleSelect(counterpartID string) []models.ServerFrame {
	msgs, err := s.view.Select(counterpartID)
	if err != nil {
		return []models.ServerFrame{errorFrame(err)}
	}

	frames := []models.ServerFrame{{
		Type:          models.ServerFrameTypeHistory,
		CounterpartID: counterpartID,
		Messages:      msgs,
	}}

	// Opening a conversation changes unread counts; ship fresh summaries.
	if summaries, err := s.convs.ListForUser(s.userID); err == nil {
		frames = append(frames, models.ServerFrame{
			Type:      models.ServerFrameTypeConversations,
			Summaries: summaries,
		})
	}

	return frames
}

// ObserveEvent lets the view controller react to a change event before it
// is written to the client (seen-on-view policy, unread bookkeeping).
func (s *Session) ObserveEvent(ev models.ChangeEvent) {
	s.view.OnEvent(ev)
}

func errorFrame(err error) models.ServerFrame {
	msg := "internal error"
	if models.IsUserError(err) {
		msg = err.Error()
	}
	return models.ServerFrame{Type: models.ServerFrameTypeError, Error: msg}
}
