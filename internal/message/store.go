// Package message implements the message lifecycle: send, delivery
// receipts, edits and tombstone deletes. All mutations go through here so
// validation and ownership rules cannot be bypassed, and every accepted
// mutation is published as a typed change event.
package message

import (
	"log/slog"
	"strings"
	"time"

	"govorilka/internal/content"
	"govorilka/internal/models"
	"govorilka/internal/storage"

	"github.com/google/uuid"
)

// Publisher receives a change event for every accepted mutation.
// Implemented by the websocket hub.
type Publisher interface {
	Publish(ev models.ChangeEvent)
}

// UserLookup validates message receivers. Implemented by the auth service.
type UserLookup interface {
	UserExists(id string) bool
}

type Store struct {
	db    *storage.BboltStorage
	users UserLookup
	pub   Publisher
	now   func() time.Time
}

func NewStore(db *storage.BboltStorage, users UserLookup, pub Publisher) *Store {
	return &Store{
		db:    db,
		users: users,
		pub:   pub,
		now:   time.Now,
	}
}

// Send validates and persists a new message with status "sent". The
// sequence number is assigned by storage inside the insert transaction, so
// two sends in the same millisecond still get a stable order.
func (s *Store) Send(senderID, receiverID, body string, image *models.Image) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" && image == nil {
		return models.Message{}, models.Validationf("message needs content or an image")
	}
	if receiverID == senderID {
		return models.Message{}, models.Validationf("cannot message yourself")
	}
	if !s.users.UserExists(receiverID) {
		return models.Message{}, models.Validationf("unknown receiver")
	}

	now := s.now().Unix()
	msg := models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content.Sanitize(body),
		Image:      image,
		Status:     models.MessageStatusSent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.db.InsertMessage(&msg); err != nil {
		return models.Message{}, err
	}

	s.render(&msg)
	s.publish(models.ChangeEvent{
		Op:         models.ChangeOpInsert,
		Message:    &msg,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
	})
	return msg, nil
}

// ListConversation returns all messages between the two users ascending by
// sequence number, with markdown rendered for display.
func (s *Store) ListConversation(userA, userB string) ([]models.Message, error) {
	msgs, err := s.db.ListConversation(userA, userB)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		s.render(&msgs[i])
	}
	return msgs, nil
}

// MarkDelivered transitions sent -> delivered. Only the receiver can do
// this; anyone else is a silent no-op, as is a message already delivered or
// seen. Returns the message and whether anything changed.
func (s *Store) MarkDelivered(id, viewerID string) (models.Message, bool, error) {
	return s.transition(id, viewerID, models.MessageStatusDelivered)
}

// MarkSeen transitions sent or delivered -> seen and records the read time.
// Same ownership rule as MarkDelivered.
func (s *Store) MarkSeen(id, viewerID string) (models.Message, bool, error) {
	return s.transition(id, viewerID, models.MessageStatusSeen)
}

func (s *Store) transition(id, viewerID string, to models.MessageStatus) (models.Message, bool, error) {
	now := s.now().Unix()
	msg, changed, err := s.db.MutateMessage(id, func(m *models.Message) (bool, error) {
		if m.ReceiverID != viewerID || m.Deleted {
			return false, nil
		}
		if models.StatusRank(m.Status) >= models.StatusRank(to) {
			return false, nil
		}
		m.Status = to
		m.UpdatedAt = now
		if to == models.MessageStatusSeen {
			m.ReadAt = now
		}
		return true, nil
	})
	if err != nil {
		return models.Message{}, false, err
	}

	if changed {
		s.render(&msg)
		s.publish(models.ChangeEvent{
			Op:         models.ChangeOpUpdate,
			Message:    &msg,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
		})
	}
	return msg, changed, nil
}

// MarkConversationDelivered bulk-delivers every undelivered message the
// viewer received in this conversation. Used when a conversation is opened.
func (s *Store) MarkConversationDelivered(viewerID, counterpartID string) (int, error) {
	return s.bulkTransition(viewerID, counterpartID, models.MessageStatusDelivered)
}

// MarkConversationSeen bulk-marks every unseen message the viewer received
// in this conversation. Used once the conversation view is rendered.
func (s *Store) MarkConversationSeen(viewerID, counterpartID string) (int, error) {
	return s.bulkTransition(viewerID, counterpartID, models.MessageStatusSeen)
}

func (s *Store) bulkTransition(viewerID, counterpartID string, to models.MessageStatus) (int, error) {
	updated, err := s.db.BulkTransition(viewerID, counterpartID, viewerID, to, s.now().Unix())
	if err != nil {
		return 0, err
	}
	for i := range updated {
		s.render(&updated[i])
		s.publish(models.ChangeEvent{
			Op:         models.ChangeOpUpdate,
			Message:    &updated[i],
			SenderID:   updated[i].SenderID,
			ReceiverID: updated[i].ReceiverID,
		})
	}
	return len(updated), nil
}

// EditOwn replaces the content of a message. Sender only; the delivery
// status is untouched.
func (s *Store) EditOwn(id, requesterID, body string) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, models.Validationf("edited content cannot be empty")
	}

	now := s.now().Unix()
	msg, changed, err := s.db.MutateMessage(id, func(m *models.Message) (bool, error) {
		if m.SenderID != requesterID {
			return false, &models.AuthorizationError{Reason: "only the sender can edit a message"}
		}
		if m.Deleted {
			return false, models.Validationf("cannot edit a deleted message")
		}
		m.Content = content.Sanitize(body)
		m.Edited = true
		m.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return models.Message{}, err
	}

	if changed {
		s.render(&msg)
		s.publish(models.ChangeEvent{
			Op:         models.ChangeOpUpdate,
			Message:    &msg,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
		})
	}
	return msg, nil
}

// DeleteOwn tombstones a message: the record keeps its slot (so ordering
// and last-message projections stay coherent) but loses its content.
// Sender only.
func (s *Store) DeleteOwn(id, requesterID string) error {
	now := s.now().Unix()
	msg, changed, err := s.db.MutateMessage(id, func(m *models.Message) (bool, error) {
		if m.SenderID != requesterID {
			return false, &models.AuthorizationError{Reason: "only the sender can delete a message"}
		}
		if m.Deleted {
			return false, nil
		}
		m.Deleted = true
		m.Content = ""
		m.Image = nil
		m.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.publish(models.ChangeEvent{
			Op:         models.ChangeOpDelete,
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
		})
	}
	return nil
}

func (s *Store) render(msg *models.Message) {
	if msg.Deleted || msg.Content == "" {
		return
	}
	rendered, err := content.RenderMessage(msg.Content)
	if err != nil {
		slog.Warn("failed to render message", "message_id", msg.ID, "error", err)
		return
	}
	msg.Rendered = rendered
}

func (s *Store) publish(ev models.ChangeEvent) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}
