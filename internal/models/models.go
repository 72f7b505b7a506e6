package models

type UserStatus string

const (
	UserStatusCreated UserStatus = "created"
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a user in the system.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email,omitempty"`
	AvatarURL   string     `json:"avatarUrl"`
	Presence    Presence   `json:"presence"`
	Status      UserStatus `json:"status"`
}

// Presence represents the online status of a user.
//
// Online is authoritative and derived from an active realtime connection.
// LastSeen is updated on any authenticated request, LastActive only by the
// heartbeat. The two timestamps are reported as-is and never folded into
// the Online flag.
type Presence struct {
	Online     bool  `json:"online"`
	LastSeen   int64 `json:"lastSeen"`   // Unix timestamp (seconds)
	LastActive int64 `json:"lastActive"` // Unix timestamp (seconds)
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

// StatusRank orders delivery statuses for the monotonicity check:
// sent < delivered < seen. Unknown statuses rank below sent.
func StatusRank(s MessageStatus) int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusSeen:
		return 3
	}
	return 0
}

// Image is an attachment reference: the public URL clients load it from
// and the filestore path it is persisted under.
type Image struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Message is a direct message between exactly one ordered (sender, receiver)
// pair. Seq is assigned by storage, strictly increasing within the pair, and
// is the only ordering key. Deleted messages keep their slot as tombstones.
type Message struct {
	ID         string        `json:"id"`
	Seq        int64         `json:"seq"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content,omitempty"`
	Rendered   string        `json:"rendered,omitempty"`
	Image      *Image        `json:"image,omitempty"`
	Status     MessageStatus `json:"status"`
	ReadAt     int64         `json:"readAt,omitempty"` // Unix timestamp (seconds), 0 until seen
	Edited     bool          `json:"edited,omitempty"`
	Deleted    bool          `json:"deleted,omitempty"`
	CreatedAt  int64         `json:"createdAt"`
	UpdatedAt  int64         `json:"updatedAt"`
}

// ConversationSummary is a derived, unpersisted projection: for one
// counterpart, the most recent message and how many of their messages the
// current user has not seen yet.
type ConversationSummary struct {
	Counterpart User     `json:"counterpart"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	Unread      int      `json:"unread"`
}

type ChangeOp string

const (
	ChangeOpInsert ChangeOp = "insert"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeEvent is the typed realtime payload for message mutations.
// Insert and Update carry the message, Delete carries only the id.
// Sender and receiver ids are always present for routing.
type ChangeEvent struct {
	Op         ChangeOp `json:"op"`
	Message    *Message `json:"message,omitempty"`
	MessageID  string   `json:"messageId,omitempty"`
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
}

// Participants returns both user ids regardless of the event kind.
func (e ChangeEvent) Participants() (string, string) {
	return e.SenderID, e.ReceiverID
}

type ClientFrameType string

const (
	ClientFrameTypeSelect    ClientFrameType = "select"
	ClientFrameTypeSend      ClientFrameType = "send"
	ClientFrameTypeHeartbeat ClientFrameType = "heartbeat"
)

// ClientFrame is a message sent from the client over the realtime channel.
type ClientFrame struct {
	Type          ClientFrameType `json:"type"`
	CounterpartID string          `json:"counterpartId,omitempty"`
	Content       string          `json:"content,omitempty"`
	Image         *Image          `json:"image,omitempty"`
}

type ServerFrameType string

const (
	ServerFrameTypeHistory       ServerFrameType = "history"
	ServerFrameTypeEvent         ServerFrameType = "event"
	ServerFrameTypeOnline        ServerFrameType = "online"
	ServerFrameTypeOffline       ServerFrameType = "offline"
	ServerFrameTypeConversations ServerFrameType = "conversations"
	ServerFrameTypeError         ServerFrameType = "error"
)

// ServerFrame is a message pushed to the client over the realtime channel.
type ServerFrame struct {
	Type          ServerFrameType       `json:"type"`
	UserID        string                `json:"userId,omitempty"`
	CounterpartID string                `json:"counterpartId,omitempty"`
	Messages      []Message             `json:"messages,omitempty"`
	Event         *ChangeEvent          `json:"event,omitempty"`
	Summaries     []ConversationSummary `json:"summaries,omitempty"`
	Error         string                `json:"error,omitempty"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ResetPasswordResponse struct {
	APIResponse
	SetupLink string `json:"setupLink,omitempty"`
}
