package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatsession/internal/storage"
)

const (
	DefaultRetention   = 7 * 24 * time.Hour
	DefaultMaxMessages = 200
	DefaultWelcomeText = "Hello! I'm your operations assistant. How can I help you today?"

	persistTimeout = 5 * time.Second
)

// Config controls a Store.
type Config struct {
	Adapter         *storage.Adapter
	WelcomeText     string
	Retention       time.Duration
	MaxMessages     int
	PersistDebounce time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// Store holds the message log and conversation handle of the bound user key and
// mirrors them into the storage adapter.
type Store struct {
	adapter     *storage.Adapter
	welcome     string
	retention   time.Duration
	maxMessages int
	debounce    time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	userKey  string
	messages []Message
	handle   string
	nextID   int64
	dirty    bool
	timer    *time.Timer

	// persistMu serializes backend writes. Snapshots are taken while holding it,
	// so a later write always carries a later snapshot.
	persistMu sync.Mutex
}

func NewStore(cfg Config) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if strings.TrimSpace(cfg.WelcomeText) == "" {
		cfg.WelcomeText = DefaultWelcomeText
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Store{
		adapter:     cfg.Adapter,
		welcome:     cfg.WelcomeText,
		retention:   cfg.Retention,
		maxMessages: cfg.MaxMessages,
		debounce:    cfg.PersistDebounce,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	s.messages = []Message{s.welcomeMessage()}
	s.nextID = WelcomeMessageID + 1
	return s
}

func (s *Store) welcomeMessage() Message {
	return Message{
		ID:        WelcomeMessageID,
		Role:      RoleAssistant,
		Text:      s.welcome,
		CreatedAt: s.now().UTC(),
	}
}

// InitialMessages returns the persisted log of userKey after applying the
// retention, ownership and size rules, or a fresh welcome message.
func (s *Store) InitialMessages(ctx context.Context, userKey string) []Message {
	if msgs := s.readRecord(ctx, userKey); len(msgs) > 0 {
		return msgs
	}
	return []Message{s.welcomeMessage()}
}

func (s *Store) readRecord(ctx context.Context, userKey string) []Message {
	if s.adapter == nil {
		return nil
	}
	var rec SessionRecord
	if !s.adapter.LoadJSON(ctx, storage.RecordMessages, userKey, &rec) {
		return nil
	}
	log := s.logger.With(zap.String("user_key", userKey))

	if rec.UserKey != userKey {
		log.Warn("discarding chat record owned by another identity", zap.String("record_user_key", rec.UserKey))
		s.adapter.Remove(ctx, storage.RecordMessages, userKey)
		return nil
	}
	if age := s.now().Sub(rec.SavedAt); age > s.retention {
		log.Info("discarding expired chat record", zap.Duration("age", age))
		s.adapter.Remove(ctx, storage.RecordMessages, userKey)
		return nil
	}
	if len(rec.Messages) == 0 {
		return nil
	}
	if len(rec.Messages) > s.maxMessages {
		log.Info("trimming oversized chat record", zap.Int("messages", len(rec.Messages)), zap.Int("max", s.maxMessages))
		rec.Messages = append([]Message(nil), rec.Messages[len(rec.Messages)-s.maxMessages:]...)
		s.adapter.SaveJSON(ctx, storage.RecordMessages, userKey, rec)
	}
	return rec.Messages
}

// Load binds the store to userKey, flushing any pending write of the previous
// identity first, and adopts userKey's persisted log and handle.
func (s *Store) Load(ctx context.Context, userKey string) []Message {
	s.Flush(ctx)

	msgs := s.InitialMessages(ctx, userKey)
	handle := ""
	if s.adapter != nil {
		handle, _ = s.adapter.LoadString(ctx, storage.RecordConversationID, userKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.userKey = userKey
	s.messages = msgs
	s.handle = strings.TrimSpace(handle)
	s.nextID = maxID(msgs) + 1
	s.dirty = false
	return cloneMessages(s.messages)
}

// Append assigns the next id to msg, adds it to the log and schedules a persist.
func (s *Store) Append(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.nextID
	s.nextID++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxMessages {
		s.messages = append([]Message(nil), s.messages[len(s.messages)-s.maxMessages:]...)
	}
	s.schedulePersistLocked()
	return msg
}

// SetConversationHandle replaces the live handle. A non-empty handle is
// persisted; an empty one removes the persisted record.
func (s *Store) SetConversationHandle(ctx context.Context, handle string) {
	handle = strings.TrimSpace(handle)
	s.mu.Lock()
	s.handle = handle
	userKey := s.userKey
	s.mu.Unlock()

	if s.adapter == nil {
		return
	}
	if handle == "" {
		s.adapter.Remove(ctx, storage.RecordConversationID, userKey)
		return
	}
	s.adapter.SaveString(ctx, storage.RecordConversationID, userKey, handle)
}

func (s *Store) ConversationHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Reset replaces the log with a fresh welcome message, clears the handle and
// deletes both persisted records of the bound identity.
func (s *Store) Reset(ctx context.Context) []Message {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	s.messages = []Message{s.welcomeMessage()}
	s.nextID = WelcomeMessageID + 1
	s.handle = ""
	userKey := s.userKey
	out := cloneMessages(s.messages)
	s.mu.Unlock()

	if s.adapter != nil {
		s.persistMu.Lock()
		s.adapter.Remove(ctx, storage.RecordMessages, userKey)
		s.adapter.Remove(ctx, storage.RecordConversationID, userKey)
		s.persistMu.Unlock()
	}
	return out
}

// Messages returns a copy of the current log.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// UserKey returns the identity the store is bound to.
func (s *Store) UserKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userKey
}

// Flush writes any pending snapshot synchronously.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.persist(ctx)
}

func (s *Store) schedulePersistLocked() {
	s.dirty = true
	if s.adapter == nil || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		s.persist(ctx)
	})
}

func (s *Store) persist(ctx context.Context) {
	if s.adapter == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	rec := SessionRecord{
		UserKey:  s.userKey,
		Messages: cloneMessages(s.messages),
		SavedAt:  s.now().UTC(),
	}
	s.mu.Unlock()

	if !s.adapter.SaveJSON(ctx, storage.RecordMessages, rec.UserKey, rec) {
		s.logger.Debug("chat record not persisted", zap.String("user_key", rec.UserKey), zap.Int("messages", len(rec.Messages)))
	}
}

func maxID(msgs []Message) int64 {
	var out int64
	for _, m := range msgs {
		if m.ID > out {
			out = m.ID
		}
	}
	return out
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
