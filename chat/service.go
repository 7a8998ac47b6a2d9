// Package chat owns conversations and their message lists: encryption before
// persistence, participant membership, block flags, delivery status, message
// reports, and in-order delivery to consumers.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kindlyrobotics/haven/crypto"
	"github.com/kindlyrobotics/haven/kvstore"
	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/notify"
	"github.com/kindlyrobotics/haven/ratelimit"
	"github.com/kindlyrobotics/haven/transport"
)

var (
	// ErrConversationNotFound is returned for an unknown conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotParticipant is returned when the sender is not a member of the
	// conversation.
	ErrNotParticipant = errors.New("sender is not a participant")

	// ErrBlocked is returned when the sender is the blocked party of the
	// conversation.
	ErrBlocked = errors.New("sender is blocked in this conversation")

	// ErrMessageNotFound is returned for an unknown message id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrStatusRegression is returned when a status update would move a
	// message backwards along sent -> delivered -> read, or into failed
	// from anywhere but sent.
	ErrStatusRegression = errors.New("invalid message status transition")

	// ErrSelfReport is returned when a sender reports their own message.
	ErrSelfReport = errors.New("sender cannot report their own message")

	// ErrReportNotFound is returned for an unknown report id.
	ErrReportNotFound = errors.New("report not found")

	// ErrReportTransition is returned when a report review would move
	// backwards along pending -> reviewed -> resolved.
	ErrReportTransition = errors.New("invalid report status transition")
)

// SendOptions carries the optional attributes of an outgoing message.
type SendOptions struct {
	Type        models.MessageType
	IsAnonymous bool
}

// Service is the conversation store. All mutations of the underlying
// collections go through its methods; unrelated conversations never contend
// beyond the collection lock.
type Service struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID][]*models.Message // per conversation, timestamp order
	msgIndex      map[uuid.UUID]uuid.UUID         // message id -> conversation id
	reports       map[uuid.UUID]*models.Report
	lastStamp     map[uuid.UUID]time.Time

	subsMu  sync.Mutex
	subs    map[uuid.UUID]map[int]func(*models.Message)
	nextSub int

	inbound inboundBuffers

	keyring   *crypto.Keyring
	transport transport.Transport
	store     kvstore.Store
	notifier  notify.Notifier
	limiter   *ratelimit.Limiter
	log       *logrus.Entry

	unhook func()
}

// Option configures a Service.
type Option func(*Service)

// WithStore sets the persistence collaborator.
func WithStore(store kvstore.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithTransport sets the transport collaborator and hooks inbound frames.
func WithTransport(t transport.Transport) Option {
	return func(s *Service) { s.transport = t }
}

// WithReportLimiter rate limits report submission.
func WithReportLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithInboundHold sets how long inbound frames are buffered for reordering
// before delivery to subscribers.
func WithInboundHold(d time.Duration) Option {
	return func(s *Service) { s.inbound.hold = d }
}

// NewService creates a conversation store backed by the given keyring.
func NewService(keyring *crypto.Keyring, opts ...Option) *Service {
	s := &Service{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID][]*models.Message),
		msgIndex:      make(map[uuid.UUID]uuid.UUID),
		reports:       make(map[uuid.UUID]*models.Report),
		lastStamp:     make(map[uuid.UUID]time.Time),
		subs:          make(map[uuid.UUID]map[int]func(*models.Message)),
		keyring:       keyring,
		store:         kvstore.NewMemory(),
		notifier:      notify.Noop{},
		log:           logrus.WithField("component", "chat"),
	}
	s.inbound.init(defaultInboundHold, s.deliverInbound)

	for _, opt := range opts {
		opt(s)
	}

	if s.transport != nil {
		s.unhook = s.transport.OnMessage(s.HandleInbound)
	}

	return s
}

// Close unregisters the service from its transport.
func (s *Service) Close() {
	if s.unhook != nil {
		s.unhook()
		s.unhook = nil
	}
}

// OpenDirect returns the direct conversation between the two participants,
// creating it if none exists.
func (s *Service) OpenDirect(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, errors.New("a direct conversation needs two distinct participants")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.HasParticipant(userA) && conv.HasParticipant(userB) {
			return conv, nil
		}
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:           uuid.New(),
		Participants: [2]string{userA, userB},
		IsEncrypted:  true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[conv.ID] = conv

	if err := s.persistConversation(ctx, conv); err != nil {
		return nil, err
	}

	return conv, nil
}

// Conversation returns a conversation by id.
func (s *Service) Conversation(id uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Send encrypts plaintext for the conversation's other participant, persists
// the sealed message, and hands it to the transport. The plaintext is held
// only for the duration of the call. Transport failure is recorded as status
// "failed" on the returned message, not returned as an error.
func (s *Service) Send(ctx context.Context, conversationID uuid.UUID, senderID, plaintext string, opts SendOptions) (*models.Message, error) {
	if opts.Type == "" {
		opts.Type = models.MessageText
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(senderID) {
		s.mu.Unlock()
		return nil, ErrNotParticipant
	}
	if conv.IsBlocked && conv.BlockedUser == senderID {
		s.mu.Unlock()
		return nil, ErrBlocked
	}
	recipientID := conv.PeerOf(senderID)
	stamp := s.nextStamp(conversationID)
	s.mu.Unlock()

	sealed, err := s.seal(conv, senderID, recipientID, plaintext)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Type:           opts.Type,
		Encrypted:      sealed,
		Timestamp:      stamp,
		Status:         models.StatusSent,
		IsAnonymous:    opts.IsAnonymous,
	}

	s.mu.Lock()
	s.insertMessage(msg)
	conv.LastMessage = msg
	conv.UpdatedAt = msg.Timestamp
	s.mu.Unlock()

	if err := s.persistMessage(ctx, msg); err != nil {
		return nil, err
	}

	if s.transport != nil {
		frame := transport.Frame{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			RecipientID:    msg.RecipientID,
			Type:           string(msg.Type),
			Envelope:       msg.Encrypted,
			Timestamp:      msg.Timestamp,
			IsAnonymous:    msg.IsAnonymous,
		}
		if err := s.transport.Transmit(ctx, frame); err != nil {
			// Partial delivery is steady state: the record stays visible
			// with status failed so the caller can offer a retry.
			s.log.WithError(err).WithField("message", msg.ID).Warn("transmit failed")
			s.mu.Lock()
			msg.Status = models.StatusFailed
			s.mu.Unlock()
			_ = s.persistMessage(ctx, msg)
		}
	}

	return msg, nil
}

// seal encrypts plaintext for the recipient. Unencrypted conversations pass
// the payload through as raw bytes.
func (s *Service) seal(conv *models.Conversation, senderID, recipientID, plaintext string) ([]byte, error) {
	if !conv.IsEncrypted {
		return []byte(plaintext), nil
	}

	pair, err := s.keyring.Pair(senderID)
	if err != nil {
		return nil, fmt.Errorf("sender %s: %w", senderID, err)
	}
	recipientKey, err := s.keyring.PublicKey(recipientID)
	if err != nil {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, err)
	}

	env, err := crypto.Encrypt([]byte(plaintext), pair, recipientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	sealed, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return sealed, nil
}

// Decrypt opens a message for the recipient and returns the plaintext. The
// plaintext is not retained by the store.
func (s *Service) Decrypt(msg *models.Message) (string, error) {
	s.mu.RLock()
	conv, ok := s.conversations[msg.ConversationID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrConversationNotFound
	}
	if !conv.IsEncrypted {
		return string(msg.Encrypted), nil
	}

	pair, err := s.keyring.Pair(msg.RecipientID)
	if err != nil {
		return "", fmt.Errorf("recipient %s: %w", msg.RecipientID, err)
	}
	senderKey, err := s.keyring.PublicKey(msg.SenderID)
	if err != nil {
		return "", fmt.Errorf("sender %s: %w", msg.SenderID, err)
	}

	var env crypto.Envelope
	if err := json.Unmarshal(msg.Encrypted, &env); err != nil {
		return "", fmt.Errorf("%w: malformed envelope", crypto.ErrDecryptionFailed)
	}

	plaintext, err := crypto.Decrypt(&env, pair, senderKey)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Messages returns the conversation's messages in timestamp order.
func (s *Service) Messages(conversationID uuid.UUID) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	msgs := s.messages[conversationID]
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MarkDelivered advances a message to delivered.
func (s *Service) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	return s.advance(ctx, messageID, models.StatusDelivered)
}

// MarkRead advances a message to read.
func (s *Service) MarkRead(ctx context.Context, messageID uuid.UUID) error {
	return s.advance(ctx, messageID, models.StatusRead)
}

// MarkFailed records a transport failure reported after the fact. Only a
// message still in sent may fail.
func (s *Service) MarkFailed(ctx context.Context, messageID uuid.UUID) error {
	return s.advance(ctx, messageID, models.StatusFailed)
}

func (s *Service) advance(ctx context.Context, messageID uuid.UUID, next models.MessageStatus) error {
	s.mu.Lock()
	msg, err := s.messageLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !models.CanAdvance(msg.Status, next) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, msg.Status, next)
	}
	msg.Status = next
	s.mu.Unlock()

	return s.persistMessage(ctx, msg)
}

// Block marks every conversation containing the participant as blocked
// against them; subsequent sends from that participant fail with ErrBlocked.
func (s *Service) Block(ctx context.Context, userID string) error {
	s.mu.Lock()
	var touched []*models.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) && !conv.IsBlocked {
			conv.IsBlocked = true
			conv.BlockedUser = userID
			conv.UpdatedAt = time.Now()
			touched = append(touched, conv)
		}
	}
	s.mu.Unlock()

	for _, conv := range touched {
		if err := s.persistConversation(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}

// Unblock clears block flags previously set against the participant.
func (s *Service) Unblock(ctx context.Context, userID string) error {
	s.mu.Lock()
	var touched []*models.Conversation
	for _, conv := range s.conversations {
		if conv.IsBlocked && conv.BlockedUser == userID {
			conv.IsBlocked = false
			conv.BlockedUser = ""
			conv.UpdatedAt = time.Now()
			touched = append(touched, conv)
		}
	}
	s.mu.Unlock()

	for _, conv := range touched {
		if err := s.persistConversation(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers an observer for messages delivered into the
// conversation and returns its unregistration handle. Handles are scoped to
// the service; there is no process-wide emitter.
func (s *Service) Subscribe(conversationID uuid.UUID, fn func(*models.Message)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int]func(*models.Message))
	}
	s.subs[conversationID][id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs[conversationID], id)
		s.subsMu.Unlock()
	}
}

// messageLocked finds a message by id. Caller holds s.mu.
func (s *Service) messageLocked(messageID uuid.UUID) (*models.Message, error) {
	convID, ok := s.msgIndex[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	for _, m := range s.messages[convID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, ErrMessageNotFound
}

// insertMessage places msg into its conversation's list, keeping timestamp
// order. Caller holds s.mu.
func (s *Service) insertMessage(msg *models.Message) {
	list := s.messages[msg.ConversationID]
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(msg.Timestamp) {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = msg
	s.messages[msg.ConversationID] = list
	s.msgIndex[msg.ID] = msg.ConversationID
}

// nextStamp returns a timestamp strictly after every message already in the
// conversation. Caller holds s.mu.
func (s *Service) nextStamp(conversationID uuid.UUID) time.Time {
	now := time.Now()
	if last, ok := s.lastStamp[conversationID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	s.lastStamp[conversationID] = now
	return now
}

func (s *Service) persistMessage(ctx context.Context, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	key := fmt.Sprintf("chat/msg/%s/%s", msg.ConversationID, msg.ID)
	if err := s.store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	return nil
}

func (s *Service) persistConversation(ctx context.Context, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to serialize conversation: %w", err)
	}
	key := fmt.Sprintf("chat/conv/%s", conv.ID)
	if err := s.store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return nil
}
