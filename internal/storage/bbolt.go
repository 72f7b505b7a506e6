package storage

import (
	"errors"
	"fmt"
	"time"

	"govorilka/internal/auth"
	"govorilka/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers              = []byte("users")
	bucketPairs              = []byte("pairs")
	bucketMessages           = []byte("messages")
	bucketMessageIndex       = []byte("message_index")
	bucketTokens             = []byte("tokens")
	bucketRegistrationTokens = []byte("registration_tokens")
	bucketPushSubscriptions  = []byte("push_subscriptions")
	bucketFiles              = []byte("files")
)

// ErrStatusRegression is returned when a mutation would move a message's
// delivery status backwards. Status is monotonic: sent -> delivered -> seen.
var ErrStatusRegression = errors.New("message status cannot regress")

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketPairs,
			bucketMessages,
			bucketMessageIndex,
			bucketTokens,
			bucketRegistrationTokens,
			bucketPushSubscriptions,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:                  credentials.ID,
			UserName:            credentials.UserName,
			DisplayName:         credentials.DisplayName,
			Email:               credentials.Email,
			AvatarURL:           credentials.AvatarURL,
			LastSeen:            credentials.Presence.LastSeen,
			LastActive:          credentials.Presence.LastActive,
			PasswordHash:        credentials.PasswordHash,
			TOTPSecret:          credentials.TOTPSecret,
			LastTOTP:            credentials.LastTOTP,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
			Status:              string(credentials.Status),
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListAllCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListAllCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User: models.User{
					ID:          dbUser.ID,
					UserName:    dbUser.UserName,
					DisplayName: dbUser.DisplayName,
					Email:       dbUser.Email,
					AvatarURL:   dbUser.AvatarURL,
					Presence: models.Presence{
						LastSeen:   dbUser.LastSeen,
						LastActive: dbUser.LastActive,
					},
					Status: models.UserStatus(dbUser.Status),
				},
				PasswordHash:        dbUser.PasswordHash,
				TOTPSecret:          dbUser.TOTPSecret,
				LastTOTP:            dbUser.LastTOTP,
				FailedLoginAttempts: dbUser.FailedLoginAttempts,
				LastAttemptTime:     dbUser.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

// InsertMessage persists a new message, assigning the next sequence number
// of its pair inside the same transaction. The Seq field of msg is set on
// success.
func (s *BboltStorage) InsertMessage(msg *models.Message) error {
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return errors.New("message missing sender or receiver")
	}

	pairKey := PairKey(msg.SenderID, msg.ReceiverID)

	return s.db.Update(func(tx *bbolt.Tx) error {
		// 1. Bump the pair sequence.
		pairs := tx.Bucket(bucketPairs)
		var pair DBPair
		if data := pairs.Get([]byte(pairKey)); data != nil {
			if err := pair.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal pair: %w", err)
			}
		} else {
			a, b, _ := SplitPairKey(pairKey)
			pair = DBPair{PairKey: pairKey, UserA: a, UserB: b}
		}
		pair.LastSeq++
		pair.LastCreatedAt = msg.CreatedAt
		msg.Seq = pair.LastSeq

		pairData, err := pair.MarshalBinary()
		if err != nil {
			return err
		}
		if err := pairs.Put(pair.Key(), pairData); err != nil {
			return err
		}

		// 2. Store the message under its seq key.
		pairBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(pairKey))
		if err != nil {
			return fmt.Errorf("failed to create pair bucket: %w", err)
		}

		dbMsg := dbMessageFrom(*msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := pairBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		// 3. Index by id for point lookups.
		ref := DBMessageRef{ID: msg.ID, PairKey: pairKey, Seq: msg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessageIndex).Put(ref.Key(), refData)
	})
}

func loadRef(tx *bbolt.Tx, id string) (DBMessageRef, error) {
	var ref DBMessageRef
	data := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if data == nil {
		return ref, models.ErrNotFound
	}
	if err := ref.UnmarshalBinary(data); err != nil {
		return ref, fmt.Errorf("failed to unmarshal message ref: %w", err)
	}
	return ref, nil
}

func loadMessage(tx *bbolt.Tx, ref DBMessageRef) (DBMessage, error) {
	var dbMsg DBMessage
	pairBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.PairKey))
	if pairBucket == nil {
		return dbMsg, models.ErrNotFound
	}
	key := (&DBMessage{Seq: ref.Seq}).Key()
	data := pairBucket.Get(key)
	if data == nil {
		return dbMsg, models.ErrNotFound
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return dbMsg, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return dbMsg, nil
}

// GetMessage returns the message with the given id.
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		ref, err := loadRef(tx, id)
		if err != nil {
			return err
		}
		dbMsg, err := loadMessage(tx, ref)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// MutateMessage loads the message, applies fn and writes the result back in
// one transaction. fn returns (apply, err): err aborts, apply=false leaves
// the record untouched without error. Delivery status regressions are
// rejected regardless of what fn did.
func (s *BboltStorage) MutateMessage(id string, fn func(*models.Message) (bool, error)) (models.Message, bool, error) {
	var (
		result  models.Message
		applied bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ref, err := loadRef(tx, id)
		if err != nil {
			return err
		}
		dbMsg, err := loadMessage(tx, ref)
		if err != nil {
			return err
		}

		msg := dbMsg.toModel()
		oldRank := models.StatusRank(msg.Status)

		apply, err := fn(&msg)
		if err != nil {
			return err
		}
		result = msg
		if !apply {
			return nil
		}

		if models.StatusRank(msg.Status) < oldRank {
			return ErrStatusRegression
		}

		// Identity and ordering fields are immutable.
		msg.ID, msg.Seq = dbMsg.ID, dbMsg.Seq
		msg.SenderID, msg.ReceiverID = dbMsg.SenderID, dbMsg.ReceiverID
		msg.CreatedAt = dbMsg.CreatedAt

		updated := dbMessageFrom(msg)
		data, err := updated.MarshalBinary()
		if err != nil {
			return err
		}
		pairBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.PairKey))
		if err := pairBucket.Put(updated.Key(), data); err != nil {
			return err
		}
		result = msg
		applied = true
		return nil
	})
	return result, applied, err
}

// ListConversation returns all messages between the two users ascending by
// sequence number.
func (s *BboltStorage) ListConversation(userA, userB string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		pairBucket := tx.Bucket(bucketMessages).Bucket([]byte(PairKey(userA, userB)))
		if pairBucket == nil {
			return nil // No messages for this pair
		}
		return pairBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
			return nil
		})
	})
	return messages, err
}

// BulkTransition advances every message in the pair where viewer is the
// receiver and the current status ranks below to. Returns the updated
// messages.
func (s *BboltStorage) BulkTransition(userA, userB, viewer string, to models.MessageStatus, readAt int64) ([]models.Message, error) {
	var updated []models.Message
	targetRank := models.StatusRank(to)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairBucket := tx.Bucket(bucketMessages).Bucket([]byte(PairKey(userA, userB)))
		if pairBucket == nil {
			return nil
		}

		c := pairBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID != viewer || dbMsg.Deleted {
				continue
			}
			if models.StatusRank(models.MessageStatus(dbMsg.Status)) >= targetRank {
				continue
			}

			dbMsg.Status = string(to)
			dbMsg.UpdatedAt = readAt
			if to == models.MessageStatusSeen {
				dbMsg.ReadAt = readAt
			}

			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := pairBucket.Put(dbMsg.Key(), data); err != nil {
				return err
			}
			updated = append(updated, dbMsg.toModel())
		}
		return nil
	})
	return updated, err
}

// ListCounterparts returns the ids of everyone the user has a conversation
// with, along with the newest-message timestamp for ordering.
func (s *BboltStorage) ListCounterparts(userID string) (map[string]int64, error) {
	counterparts := make(map[string]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPairs).ForEach(func(k, v []byte) error {
			var pair DBPair
			if err := pair.UnmarshalBinary(v); err != nil {
				return err
			}
			switch userID {
			case pair.UserA:
				counterparts[pair.UserB] = pair.LastCreatedAt
			case pair.UserB:
				counterparts[pair.UserA] = pair.LastCreatedAt
			}
			return nil
		})
	})
	return counterparts, err
}

// LastMessage returns the newest message of the pair, if any.
func (s *BboltStorage) LastMessage(userA, userB string) (models.Message, bool, error) {
	var (
		msg   models.Message
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		pairBucket := tx.Bucket(bucketMessages).Bucket([]byte(PairKey(userA, userB)))
		if pairBucket == nil {
			return nil
		}
		k, v := pairBucket.Cursor().Last()
		if k == nil {
			return nil
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		found = true
		return nil
	})
	return msg, found, err
}

// CountUnread counts messages in the pair the receiver has not seen yet.
// Tombstones do not count.
func (s *BboltStorage) CountUnread(userA, userB, receiver string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		pairBucket := tx.Bucket(bucketMessages).Bucket([]byte(PairKey(userA, userB)))
		if pairBucket == nil {
			return nil
		}
		return pairBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID == receiver && !dbMsg.Deleted &&
				dbMsg.Status != string(models.MessageStatusSeen) {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BboltStorage) UpsertToken(userID string, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		dbToken := &DBToken{
			UserID: userID,
			Token:  tokenHash,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbToken.Key(), data)
	})
}

// DeleteToken removes the token with the given hash.
func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStorage) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.Token] = dbToken.UserID
			return nil
		})
	})
	return tokens, err
}

func (s *BboltStorage) UpsertRegistrationToken(userID string, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRegistrationTokens)
		dbToken := &DBToken{
			UserID: userID,
			Token:  token,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		// Keyed by user id: a reset replaces the previous invite.
		return b.Put([]byte(userID), data)
	})
}

func (s *BboltStorage) DeleteRegistrationToken(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrationTokens).Delete([]byte(userID))
	})
}

func (s *BboltStorage) ListRegistrationTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrationTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.UserID] = dbToken.Token
			return nil
		})
	})
	return tokens, err
}

func (s *BboltStorage) UpsertPushSubscription(sub DBPushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubscriptions).Put(sub.Key(), data)
	})
}

func (s *BboltStorage) DeletePushSubscription(endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubscriptions).Delete([]byte(endpoint))
	})
}

// ListPushSubscriptions returns all push subscriptions of the user.
func (s *BboltStorage) ListPushSubscriptions(userID string) ([]DBPushSubscription, error) {
	var subs []DBPushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubscriptions).ForEach(func(k, v []byte) error {
			var sub DBPushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			if sub.UserID == userID {
				subs = append(subs, sub)
			}
			return nil
		})
	})
	return subs, err
}
