package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hearth/internal/models"
	"hearth/internal/observability"
	"hearth/internal/realtime"

	"golang.org/x/time/rate"
)

const (
	maxMessageLen       = 4000
	maxEmojiLen         = 32
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// ConversationKey returns the order-independent key of a two-user conversation.
func ConversationKey(a, b string) string {
	return models.PairKey(a, b)
}

func messagesPath(key string) string { return "messages/" + key }

func messagePath(key, id string) string { return "messages/" + key + "/" + id }

func metaPath(key, userID string) string { return "conversations/" + key + "/" + userID }

// IsTyping reports whether a typing timestamp is recent enough to show.
func IsTyping(meta models.ConversationMeta, now time.Time, window time.Duration) bool {
	return typingFresh(meta.Typing, now, window)
}

func typingFresh(ts int64, now time.Time, window time.Duration) bool {
	if ts <= 0 {
		return false
	}
	age := now.UnixMilli() - ts
	return age >= 0 && age <= window.Milliseconds()
}

// MessageInput is the content of a new message.
type MessageInput struct {
	Kind       models.MessageKind `json:"kind"`
	Text       string             `json:"text"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	ReplyTo    *models.ReplyRef   `json:"replyTo,omitempty"`
}

// ChatConfig tunes the chat service.
type ChatConfig struct {
	MessageWindow  int
	TypingWindow   time.Duration
	TypingThrottle time.Duration
	Now            func() time.Time
}

type typingState struct {
	limiter *rate.Limiter
	clear   *time.Timer
}

// ChatService implements one-to-one messaging on the realtime tree.
//
// Layout:
//
//	messages/{key}/{pushId}         Message
//	conversations/{key}/{userId}    ConversationMeta of that participant
type ChatService struct {
	tree          realtime.Tree
	notifications *NotificationService
	cfg           ChatConfig

	typingMu sync.Mutex
	typing   map[string]*typingState
}

func NewChatService(tree realtime.Tree, notifications *NotificationService, cfg ChatConfig) *ChatService {
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = defaultMessageLimit
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = 5 * time.Second
	}
	if cfg.TypingThrottle <= 0 {
		cfg.TypingThrottle = cfg.TypingWindow / 3
	}
	cfg.Now = orNow(cfg.Now)
	return &ChatService{
		tree:          tree,
		notifications: notifications,
		cfg:           cfg,
		typing:        map[string]*typingState{},
	}
}

// participant checks that userID is one of the two members of key.
func participant(key, userID string) error {
	for _, member := range strings.SplitN(key, "_", 2) {
		if member == userID {
			return nil
		}
	}
	return models.NewForbiddenError("You are not part of this conversation")
}

func translateTree(err error) error {
	var appErr *models.AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, realtime.ErrInvalidPath):
		return models.NewValidationError("Invalid conversation or message id")
	}
	return models.NewInternalError(err)
}

func (s *ChatService) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.MessageWindow
	}
	if limit > maxMessageLimit {
		return maxMessageLimit
	}
	return limit
}

// SendMessage stores the message and both participants' conversation
// metadata in one multi-path update, then bumps the receiver's unread count
// in a transaction so concurrent senders never lose an increment.
func (s *ChatService) SendMessage(ctx context.Context, senderID, receiverID string, in MessageInput) (*models.Message, error) {
	if senderID == "" || receiverID == "" {
		return nil, models.NewValidationError("Sender and receiver are required")
	}
	if senderID == receiverID {
		return nil, models.NewValidationError("Cannot send a message to yourself")
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" && in.Attachment == nil {
		return nil, models.NewValidationError("Message is empty")
	}
	if len(in.Text) > maxMessageLen {
		return nil, models.NewValidationError(fmt.Sprintf("Message too long (max %d characters)", maxMessageLen))
	}
	if in.Kind == "" {
		in.Kind = models.MessageText
		if in.Attachment != nil {
			in.Kind = models.MessageFile
		}
	}
	if !in.Kind.Valid() {
		return nil, models.NewValidationError("Unknown message kind")
	}

	key := ConversationKey(senderID, receiverID)
	now := nowMillis(s.cfg.Now)
	msg := &models.Message{
		ID:         realtime.NewPushID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       in.Kind,
		Text:       in.Text,
		Attachment: in.Attachment,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	last := models.LastMessage{
		ID:        msg.ID,
		SenderID:  senderID,
		Text:      msg.Text,
		Kind:      msg.Kind,
		CreatedAt: now,
	}

	s.stopTypingTimer(senderID, key)
	sender, receiver := metaPath(key, senderID), metaPath(key, receiverID)
	err := s.tree.Update(ctx, "", map[string]any{
		messagePath(key, msg.ID):    msg,
		sender + "/otherUserId":     receiverID,
		sender + "/lastMessage":     last,
		sender + "/lastMessageAt":   now,
		sender + "/unreadCount":     0,
		sender + "/typing":          nil,
		receiver + "/otherUserId":   senderID,
		receiver + "/lastMessage":   last,
		receiver + "/lastMessageAt": now,
	})
	if err != nil {
		return nil, translateTree(err)
	}

	// The message is stored; a lost increment must not fail the send.
	if _, err := s.tree.Increment(ctx, receiver+"/unreadCount", 1); err != nil {
		observability.LogSecondary(ctx, "chat_unread_increment", err, map[string]interface{}{"conversation": key, "user_id": receiverID})
	}

	preview := msg.Text
	if preview == "" {
		preview = string(msg.Kind)
	}
	s.notifications.notifySecondary(ctx, &models.Notification{
		UserID:   receiverID,
		ActorID:  senderID,
		Type:     models.NotificationMessage,
		EntityID: key,
		Text:     truncate(preview, 120),
	})
	return msg, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// messagesFrom decodes the children of a messages snapshot sorted by createdAt.
// The sort is stable so equal timestamps keep push-id order.
func messagesFrom(snap realtime.Snapshot) []models.Message {
	children := snap.Children()
	out := make([]models.Message, 0, len(children))
	for _, c := range children {
		var m models.Message
		if err := c.DecodeTo(&m); err != nil {
			continue
		}
		m.ID = c.Key
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// GetMessages returns the latest limit messages, oldest first.
func (s *ChatService) GetMessages(ctx context.Context, userID, otherID string, limit int) ([]models.Message, error) {
	snap, err := s.tree.Get(ctx, messagesPath(ConversationKey(userID, otherID)))
	if err != nil {
		return nil, translateTree(err)
	}
	msgs := messagesFrom(snap)
	if limit = s.clampLimit(limit); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ListenToMessages delivers the latest limit messages, oldest first, on every change.
func (s *ChatService) ListenToMessages(ctx context.Context, userID, otherID string, limit int, fn func([]models.Message)) (func(), error) {
	q := realtime.Query{OrderByChild: "createdAt", LimitToLast: s.clampLimit(limit)}
	unsubscribe, err := s.tree.Subscribe(ctx, messagesPath(ConversationKey(userID, otherID)), q, func(snap realtime.Snapshot) {
		fn(messagesFrom(snap))
	})
	return unsubscribe, translateTree(err)
}

// mutateMessage runs fn on the stored message inside a transaction.
func (s *ChatService) mutateMessage(ctx context.Context, userID, key, id string, fn func(*models.Message) error) (*models.Message, error) {
	if err := participant(key, userID); err != nil {
		return nil, err
	}
	var result models.Message
	_, err := s.tree.Transaction(ctx, messagePath(key, id), func(current any) (any, error) {
		if current == nil {
			return nil, models.NewNotFoundError("Message", id)
		}
		snap := realtime.Snapshot{Key: id, Value: current}
		var m models.Message
		if err := snap.DecodeTo(&m); err != nil {
			return nil, err
		}
		m.ID = id
		if err := fn(&m); err != nil {
			return nil, err
		}
		result = m
		return m, nil
	})
	if err != nil {
		return nil, translateTree(err)
	}
	return &result, nil
}

// EditMessage replaces the text of a message the user sent.
func (s *ChatService) EditMessage(ctx context.Context, userID, key, id, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewValidationError("Message is empty")
	}
	if len(text) > maxMessageLen {
		return nil, models.NewValidationError(fmt.Sprintf("Message too long (max %d characters)", maxMessageLen))
	}
	now := nowMillis(s.cfg.Now)
	m, err := s.mutateMessage(ctx, userID, key, id, func(m *models.Message) error {
		if m.SenderID != userID {
			return models.NewForbiddenError("You can only edit your own messages")
		}
		if m.Deleted {
			return models.NewValidationError("Cannot edit a deleted message")
		}
		m.Text = text
		m.Edited = true
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshLastMessage(ctx, key, m)
	return m, nil
}

// DeleteMessage soft-deletes a message the user sent.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, key, id string) (*models.Message, error) {
	now := nowMillis(s.cfg.Now)
	m, err := s.mutateMessage(ctx, userID, key, id, func(m *models.Message) error {
		if m.SenderID != userID {
			return models.NewForbiddenError("You can only delete your own messages")
		}
		m.Text = ""
		m.Attachment = nil
		m.Deleted = true
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshLastMessage(ctx, key, m)
	return m, nil
}

func validEmoji(emoji string) bool {
	return emoji != "" && len(emoji) <= maxEmojiLen && !strings.ContainsAny(emoji, "/.#$[] ")
}

// AddReaction toggles userID in the reactor set of emoji. Emptied sets are removed.
func (s *ChatService) AddReaction(ctx context.Context, userID, key, id, emoji string) (*models.Message, error) {
	if !validEmoji(emoji) {
		return nil, models.NewValidationError("Invalid reaction")
	}
	return s.mutateMessage(ctx, userID, key, id, func(m *models.Message) error {
		if m.Deleted {
			return models.NewValidationError("Cannot react to a deleted message")
		}
		if m.Reactions == nil {
			m.Reactions = map[string][]string{}
		}
		reactors := m.Reactions[emoji]
		kept := reactors[:0:0]
		removed := false
		for _, uid := range reactors {
			if uid == userID {
				removed = true
				continue
			}
			kept = append(kept, uid)
		}
		if !removed {
			kept = append(kept, userID)
		}
		if len(kept) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = kept
		}
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
		return nil
	})
}

// refreshLastMessage keeps both conversation previews in step with an edited
// or deleted message when it is the latest one.
func (s *ChatService) refreshLastMessage(ctx context.Context, key string, m *models.Message) {
	for _, uid := range []string{m.SenderID, m.ReceiverID} {
		_, err := s.tree.Transaction(ctx, metaPath(key, uid)+"/lastMessage", func(current any) (any, error) {
			if current == nil {
				return nil, realtime.ErrAborted
			}
			var last models.LastMessage
			if err := (realtime.Snapshot{Value: current}).DecodeTo(&last); err != nil {
				return nil, err
			}
			if last.ID != m.ID {
				return nil, realtime.ErrAborted
			}
			last.Text = m.Text
			last.Deleted = m.Deleted
			return last, nil
		})
		if err != nil && !errors.Is(err, realtime.ErrAborted) {
			observability.LogSecondary(ctx, "chat_last_message", err, map[string]interface{}{"conversation": key})
		}
	}
}

// MarkAsRead clears the caller's unread count. Repeated calls are harmless.
func (s *ChatService) MarkAsRead(ctx context.Context, userID, otherID string) error {
	path := metaPath(ConversationKey(userID, otherID), userID)
	snap, err := s.tree.Get(ctx, path)
	if err != nil {
		return translateTree(err)
	}
	if !snap.Exists() {
		return nil
	}
	return translateTree(s.tree.Set(ctx, path+"/unreadCount", 0))
}

func typingKey(userID, key string) string { return userID + "|" + key }

func (s *ChatService) stopTypingTimer(userID, key string) {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if st, ok := s.typing[typingKey(userID, key)]; ok && st.clear != nil {
		st.clear.Stop()
		st.clear = nil
	}
}

// SetTyping records or clears the caller's typing timestamp. Writes are
// throttled per conversation, and a timer owned by this writer clears the
// flag once the typing window passes without a new keystroke.
func (s *ChatService) SetTyping(ctx context.Context, userID, otherID string, typing bool) error {
	if userID == otherID {
		return models.NewValidationError("Invalid conversation")
	}
	key := ConversationKey(userID, otherID)
	path := metaPath(key, userID) + "/typing"

	if !typing {
		s.stopTypingTimer(userID, key)
		return translateTree(s.tree.Remove(ctx, path))
	}

	s.typingMu.Lock()
	st, ok := s.typing[typingKey(userID, key)]
	if !ok {
		st = &typingState{limiter: rate.NewLimiter(rate.Every(s.cfg.TypingThrottle), 1)}
		s.typing[typingKey(userID, key)] = st
	}
	write := st.limiter.Allow()
	if st.clear != nil {
		st.clear.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.TypingWindow, func() {
		s.typingMu.Lock()
		if st.clear != timer {
			s.typingMu.Unlock()
			return
		}
		delete(s.typing, typingKey(userID, key))
		s.typingMu.Unlock()
		if err := s.tree.Remove(context.Background(), path); err != nil {
			observability.LogSecondary(context.Background(), "typing_clear", err, map[string]interface{}{"conversation": key})
		}
	})
	st.clear = timer
	s.typingMu.Unlock()

	if !write {
		return nil
	}
	return translateTree(s.tree.Set(ctx, path, nowMillis(s.cfg.Now)))
}

// ListenToTyping reports whether otherID is typing to userID. A timestamp
// that ages out of the window is reported as not typing even if nobody
// clears it.
func (s *ChatService) ListenToTyping(ctx context.Context, userID, otherID string, fn func(bool)) (func(), error) {
	var (
		mu      sync.Mutex
		last    *bool
		expiry  *time.Timer
		stopped bool
	)
	deliver := func(typing bool) {
		if stopped || (last != nil && *last == typing) {
			return
		}
		last = &typing
		fn(typing)
	}

	path := metaPath(ConversationKey(userID, otherID), otherID) + "/typing"
	unsubscribe, err := s.tree.Subscribe(ctx, path, realtime.Query{}, func(snap realtime.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if expiry != nil {
			expiry.Stop()
			expiry = nil
		}
		ts, _ := snap.Value.(float64)
		now := s.cfg.Now()
		typing := typingFresh(int64(ts), now, s.cfg.TypingWindow)
		deliver(typing)
		if typing {
			remaining := time.Duration(int64(ts)+s.cfg.TypingWindow.Milliseconds()-now.UnixMilli())*time.Millisecond + time.Millisecond
			expiry = time.AfterFunc(remaining, func() {
				mu.Lock()
				defer mu.Unlock()
				deliver(false)
			})
		}
	})
	if err != nil {
		return nil, translateTree(err)
	}
	return func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		if expiry != nil {
			expiry.Stop()
		}
		mu.Unlock()
	}, nil
}

// conversationsFor extracts userID's conversations from the whole
// conversations tree, newest first. This reads every conversation in the
// system, so it only suits small deployments; a per-user index would be
// needed beyond that.
func conversationsFor(snap realtime.Snapshot, userID string) []models.ConversationMeta {
	out := []models.ConversationMeta{}
	for _, conv := range snap.Children() {
		if !strings.Contains(conv.Key, userID) {
			continue
		}
		mine := conv.Child(userID)
		if !mine.Exists() {
			continue
		}
		var meta models.ConversationMeta
		if err := mine.DecodeTo(&meta); err != nil || meta.LastMessage == nil {
			continue
		}
		meta.ConversationKey = conv.Key
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
	return out
}

// GetConversations returns userID's conversations, newest first.
func (s *ChatService) GetConversations(ctx context.Context, userID string) ([]models.ConversationMeta, error) {
	snap, err := s.tree.Get(ctx, "conversations")
	if err != nil {
		return nil, translateTree(err)
	}
	return conversationsFor(snap, userID), nil
}

// ListenToConversations delivers userID's conversation list on every change.
func (s *ChatService) ListenToConversations(ctx context.Context, userID string, fn func([]models.ConversationMeta)) (func(), error) {
	unsubscribe, err := s.tree.Subscribe(ctx, "conversations", realtime.Query{}, func(snap realtime.Snapshot) {
		fn(conversationsFor(snap, userID))
	})
	return unsubscribe, translateTree(err)
}

// Close stops pending typing clear timers.
func (s *ChatService) Close() {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	for k, st := range s.typing {
		if st.clear != nil {
			st.clear.Stop()
		}
		delete(s.typing, k)
	}
}
