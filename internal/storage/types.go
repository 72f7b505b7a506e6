package storage

import (
	"encoding"
	"encoding/binary"
	"sort"
	"strings"

	"govorilka/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// PairKey returns the deterministic bucket key for the unordered user pair.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// SplitPairKey returns both user ids of a pair key.
func SplitPairKey(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, "|")
	return a, b, ok
}

type DBToken struct {
	UserID string `msgpack:"userId"`
	Token  string `msgpack:"token"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBUser struct {
	ID                  string `msgpack:"id"`
	UserName            string `msgpack:"userName"`
	DisplayName         string `msgpack:"displayName"`
	Email               string `msgpack:"email"`
	AvatarURL           string `msgpack:"avatarUrl"`
	LastSeen            int64  `msgpack:"lastSeen"`
	LastActive          int64  `msgpack:"lastActive"`
	PasswordHash        string `msgpack:"passwordHash"`
	TOTPSecret          string `msgpack:"totpSecret"`
	LastTOTP            int    `msgpack:"lastTOTP"`
	FailedLoginAttempts int64  `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64  `msgpack:"lastAttemptTime"`
	Status              string `msgpack:"status"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

// DBPair tracks per-pair conversation state: the last assigned sequence
// number and the creation time of the newest message (used for ordering
// conversation listings without opening every message bucket).
type DBPair struct {
	PairKey       string `msgpack:"pairKey"`
	UserA         string `msgpack:"userA"`
	UserB         string `msgpack:"userB"`
	LastSeq       int64  `msgpack:"lastSeq"`
	LastCreatedAt int64  `msgpack:"lastCreatedAt"`
}

func (p *DBPair) Key() []byte {
	return []byte(p.PairKey)
}

func (p *DBPair) MarshalBinary() (data []byte, err error) {
	type alias DBPair
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPair) UnmarshalBinary(data []byte) error {
	type alias DBPair
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBMessage struct {
	ID         string `msgpack:"id"`
	Seq        int64  `msgpack:"seq"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	ImageURL   string `msgpack:"imageUrl"`
	ImagePath  string `msgpack:"imagePath"`
	Status     string `msgpack:"status"`
	ReadAt     int64  `msgpack:"readAt"`
	Edited     bool   `msgpack:"edited"`
	Deleted    bool   `msgpack:"deleted"`
	CreatedAt  int64  `msgpack:"createdAt"`
	UpdatedAt  int64  `msgpack:"updatedAt"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func dbMessageFrom(m models.Message) DBMessage {
	db := DBMessage{
		ID:         m.ID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Status:     string(m.Status),
		ReadAt:     m.ReadAt,
		Edited:     m.Edited,
		Deleted:    m.Deleted,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.Image != nil {
		db.ImageURL = m.Image.URL
		db.ImagePath = m.Image.Path
	}
	return db
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:         m.ID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Status:     models.MessageStatus(m.Status),
		ReadAt:     m.ReadAt,
		Edited:     m.Edited,
		Deleted:    m.Deleted,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.ImageURL != "" || m.ImagePath != "" {
		msg.Image = &models.Image{URL: m.ImageURL, Path: m.ImagePath}
	}
	return msg
}

// DBMessageRef locates a message by id: which pair bucket and which seq key.
type DBMessageRef struct {
	ID      string `msgpack:"id"`
	PairKey string `msgpack:"pairKey"`
	Seq     int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBPushSubscription stores one browser push subscription. Payload is the
// subscription JSON exactly as the browser handed it over.
type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Payload  []byte `msgpack:"payload"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
