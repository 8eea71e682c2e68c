package models

// MessageKind is the payload type of a chat message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
	MessageVoice MessageKind = "voice"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile, MessageVoice:
		return true
	}
	return false
}

// Attachment references an uploaded payload.
type Attachment struct {
	URL      string  `json:"url"`
	Filename string  `json:"filename,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
	Inline   bool    `json:"inline,omitempty"`
}

// ReplyRef points at the message being answered, with a denormalized preview.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Preview   string `json:"preview"`
}

// Message is a chat record under messages/{conversationKey}/{id}.
// Messages are never removed: delete clears the content and sets Deleted.
type Message struct {
	ID         string              `json:"id"`
	SenderID   string              `json:"senderId"`
	ReceiverID string              `json:"receiverId"`
	Kind       MessageKind         `json:"kind"`
	Text       string              `json:"text"`
	Attachment *Attachment         `json:"attachment,omitempty"`
	ReplyTo    *ReplyRef           `json:"replyTo,omitempty"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
	Edited     bool                `json:"edited"`
	Deleted    bool                `json:"deleted"`
	CreatedAt  int64               `json:"createdAt"`
	UpdatedAt  int64               `json:"updatedAt"`
}

// LastMessage is the snapshot copied into both participants' conversation metadata.
type LastMessage struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Text      string      `json:"text"`
	Kind      MessageKind `json:"kind"`
	Deleted   bool        `json:"deleted,omitempty"`
	CreatedAt int64       `json:"createdAt"`
}

// ConversationMeta is one participant's view of a conversation,
// stored under conversations/{conversationKey}/{userId}.
type ConversationMeta struct {
	ConversationKey string       `json:"conversationKey,omitempty"`
	OtherUserID     string       `json:"otherUserId"`
	LastMessage     *LastMessage `json:"lastMessage,omitempty"`
	LastMessageAt   int64        `json:"lastMessageAt"`
	UnreadCount     int64        `json:"unreadCount"`
	Typing          int64        `json:"typing,omitempty"`
}

// PresenceStatus is the coarse online state of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is stored under presence/{userId}.
type Presence struct {
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
}
