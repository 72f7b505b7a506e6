// Package conversation derives per-counterpart summaries (last message,
// unread count) from the message store. The projection holds no state of
// its own and is recomputed from storage on every call.
package conversation

import (
	"errors"
	"sort"

	"govorilka/internal/models"
	"govorilka/internal/storage"
)

// UserDirectory resolves counterpart profiles. Implemented by the auth
// service.
type UserDirectory interface {
	GetUser(id string) (models.User, error)
}

type Aggregator struct {
	db    *storage.BboltStorage
	users UserDirectory
}

func NewAggregator(db *storage.BboltStorage, users UserDirectory) *Aggregator {
	return &Aggregator{db: db, users: users}
}

// ListForUser returns one summary per counterpart the user has exchanged at
// least one message with, ordered newest conversation first. Ties are
// broken by counterpart id so the order is stable.
func (a *Aggregator) ListForUser(userID string) ([]models.ConversationSummary, error) {
	counterparts, err := a.db.ListCounterparts(userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0, len(counterparts))
	for counterpartID := range counterparts {
		user, err := a.users.GetUser(counterpartID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue // deleted user, hide the conversation
			}
			return nil, err
		}

		last, found, err := a.db.LastMessage(userID, counterpartID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		unread, err := a.db.CountUnread(userID, counterpartID, userID)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, models.ConversationSummary{
			Counterpart: user,
			LastMessage: &last,
			Unread:      unread,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.LastMessage.CreatedAt != b.LastMessage.CreatedAt {
			return a.LastMessage.CreatedAt > b.LastMessage.CreatedAt
		}
		return a.Counterpart.ID < b.Counterpart.ID
	})

	return summaries, nil
}

// UnreadTotal counts every message the user has received but not seen,
// across all conversations.
func (a *Aggregator) UnreadTotal(userID string) (int, error) {
	counterparts, err := a.db.ListCounterparts(userID)
	if err != nil {
		return 0, err
	}

	total := 0
	for counterpartID := range counterparts {
		unread, err := a.db.CountUnread(userID, counterpartID, userID)
		if err != nil {
			return 0, err
		}
		total += unread
	}
	return total, nil
}
