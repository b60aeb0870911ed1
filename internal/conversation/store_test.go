package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/chatsession/internal/storage"
)

type countingKV struct {
	*storage.MemoryKV
	mu   sync.Mutex
	sets int
}

func (c *countingKV) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.MemoryKV.Set(ctx, key, value)
}

func (c *countingKV) Sets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, kv storage.KV, clock *fakeClock) *Store {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewStore(Config{
		Adapter:     storage.NewAdapter(kv, "ops", logger),
		WelcomeText: "welcome to ops",
		Now:         clock.Now,
		Logger:      logger,
	})
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func TestStoreFreshLoadSeedsWelcome(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryKV(), newClock())
	msgs := s.Load(context.Background(), "guest")

	require.Len(t, msgs, 1)
	assert.Equal(t, WelcomeMessageID, msgs[0].ID)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "welcome to ops", msgs[0].Text)
	assert.Nil(t, msgs[0].ResponseTimeSeconds)
	assert.Nil(t, msgs[0].TokenUsage)
	assert.Empty(t, s.ConversationHandle())
}

func TestStoreRoundTripPersistence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()

	s := newTestStore(t, kv, clock)
	s.Load(ctx, "alice")
	rt := 1.25
	tokens := 321
	s.Append(Message{Role: RoleUser, Text: "hello"})
	s.Append(Message{Role: RoleAssistant, Text: "hi", ResponseTimeSeconds: &rt, TokenUsage: &tokens, ServerMessageID: "m-1"})
	s.Append(Message{Role: RoleAssistant, Text: "oops", Error: true})
	want := s.Messages()
	s.Flush(ctx)

	reloaded := newTestStore(t, kv, clock)
	got := reloaded.Load(ctx, "alice")
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Role, got[i].Role)
		assert.Equal(t, want[i].Text, got[i].Text)
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt), "createdAt of message %d", i)
		assert.Equal(t, want[i].ServerMessageID, got[i].ServerMessageID)
		assert.Equal(t, want[i].Error, got[i].Error)
	}
	require.NotNil(t, got[2].ResponseTimeSeconds)
	assert.InDelta(t, 1.25, *got[2].ResponseTimeSeconds, 1e-9)
	require.NotNil(t, got[2].TokenUsage)
	assert.Equal(t, 321, *got[2].TokenUsage)
}

func TestStoreIDsStrictlyIncreaseAcrossReload(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()
	s := newTestStore(t, kv, clock)
	s.Load(ctx, "guest")
	a := s.Append(Message{Role: RoleUser, Text: "a"})
	b := s.Append(Message{Role: RoleAssistant, Text: "b"})
	assert.Greater(t, b.ID, a.ID)
	s.Flush(ctx)

	s2 := newTestStore(t, kv, clock)
	s2.Load(ctx, "guest")
	c := s2.Append(Message{Role: RoleUser, Text: "c"})
	assert.Greater(t, c.ID, b.ID)
}

func TestStoreRetentionDiscardsStaleRecord(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()

	s := newTestStore(t, kv, clock)
	s.Load(ctx, "alice")
	s.Append(Message{Role: RoleUser, Text: "old"})
	s.Flush(ctx)

	clock.Advance(DefaultRetention + time.Minute)

	s2 := newTestStore(t, kv, clock)
	msgs := s2.Load(ctx, "alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, WelcomeMessageID, msgs[0].ID)

	_, ok, _ := kv.Get(ctx, "ops-chat-messages-alice")
	assert.False(t, ok, "stale record must be removed")

	// A second load still yields a fresh seed.
	msgs = newTestStore(t, kv, clock).Load(ctx, "alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, "welcome to ops", msgs[0].Text)
}

func TestStoreTrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()

	s := newTestStore(t, kv, clock)
	s.Load(ctx, "guest")
	for i := 0; i < 250; i++ {
		s.Append(Message{Role: RoleUser, Text: fmt.Sprintf("m%d", i)})
	}
	s.Flush(ctx)

	msgs := newTestStore(t, kv, clock).Load(ctx, "guest")
	require.Len(t, msgs, DefaultMaxMessages)
	assert.Equal(t, "m50", msgs[0].Text)
	assert.Equal(t, "m249", msgs[len(msgs)-1].Text)
}

func TestStoreTrimsOversizedPersistedRecordOnLoad(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()
	adapter := storage.NewAdapter(kv, "ops", nil)

	rec := SessionRecord{UserKey: "guest", SavedAt: clock.Now()}
	for i := 1; i <= 230; i++ {
		rec.Messages = append(rec.Messages, Message{ID: int64(i), Role: RoleUser, Text: fmt.Sprintf("m%d", i)})
	}
	require.True(t, adapter.SaveJSON(ctx, storage.RecordMessages, "guest", rec))

	msgs := newTestStore(t, kv, clock).Load(ctx, "guest")
	require.Len(t, msgs, 200)
	assert.Equal(t, int64(31), msgs[0].ID)

	var stored SessionRecord
	require.True(t, adapter.LoadJSON(ctx, storage.RecordMessages, "guest", &stored))
	assert.Len(t, stored.Messages, 200, "trimmed record is written back")
}

func TestStoreDiscardsRecordOfOtherIdentity(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()
	adapter := storage.NewAdapter(kv, "ops", nil)
	require.True(t, adapter.SaveJSON(ctx, storage.RecordMessages, "alice", SessionRecord{
		UserKey:  "bob",
		SavedAt:  clock.Now(),
		Messages: []Message{{ID: 2, Role: RoleUser, Text: "bob's secret"}},
	}))

	msgs := newTestStore(t, kv, clock).Load(ctx, "alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, "welcome to ops", msgs[0].Text)
	_, ok, _ := kv.Get(ctx, "ops-chat-messages-alice")
	assert.False(t, ok)
}

func TestStoreCorruptRecordSeedsFresh(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "ops-chat-messages-guest", "<html>"))

	msgs := newTestStore(t, kv, newClock()).Load(ctx, "guest")
	require.Len(t, msgs, 1)
	_, ok, _ := kv.Get(ctx, "ops-chat-messages-guest")
	assert.False(t, ok)
}

func TestStoreHandlePersistence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()
	s := newTestStore(t, kv, clock)
	s.Load(ctx, "alice")

	s.SetConversationHandle(ctx, "c1")
	v, ok, _ := kv.Get(ctx, "ops-chat-conversation-id-alice")
	require.True(t, ok)
	assert.Equal(t, "c1", v)

	s2 := newTestStore(t, kv, clock)
	s2.Load(ctx, "alice")
	assert.Equal(t, "c1", s2.ConversationHandle())

	s.SetConversationHandle(ctx, "")
	_, ok, _ = kv.Get(ctx, "ops-chat-conversation-id-alice")
	assert.False(t, ok)
}

func TestStoreHandleExpiryKeepsMessages(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	s := newTestStore(t, kv, newClock())
	s.Load(ctx, "guest")
	s.Append(Message{Role: RoleUser, Text: "keep me"})
	s.SetConversationHandle(ctx, "c1")
	s.Flush(ctx)

	s.SetConversationHandle(ctx, "")
	_, ok, _ := kv.Get(ctx, "ops-chat-messages-guest")
	assert.True(t, ok)
	assert.Len(t, s.Messages(), 2)
}

func TestStoreResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	s := newTestStore(t, kv, newClock())
	s.Load(ctx, "alice")
	s.Append(Message{Role: RoleUser, Text: "hello"})
	s.SetConversationHandle(ctx, "c1")
	s.Flush(ctx)
	s.Append(Message{Role: RoleAssistant, Text: "pending write"})

	msgs := s.Reset(ctx)
	require.Len(t, msgs, 1)
	assert.Equal(t, WelcomeMessageID, msgs[0].ID)
	assert.Empty(t, s.ConversationHandle())

	s.Flush(ctx)
	assert.Empty(t, kv.Keys())
}

func TestStoreIdentityIsolation(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := newClock()
	s := newTestStore(t, kv, clock)

	s.Load(ctx, "alice")
	s.Append(Message{Role: RoleUser, Text: "from alice"})
	s.Load(ctx, "bob")
	s.Append(Message{Role: RoleUser, Text: "from bob"})
	s.Flush(ctx)

	texts := func(msgs []Message) []string {
		var out []string
		for _, m := range msgs {
			out = append(out, m.Text)
		}
		return out
	}
	alice := texts(newTestStore(t, kv, clock).Load(ctx, "alice"))
	bob := texts(newTestStore(t, kv, clock).Load(ctx, "bob"))
	assert.Contains(t, alice, "from alice")
	assert.NotContains(t, alice, "from bob")
	assert.Contains(t, bob, "from bob")
	assert.NotContains(t, bob, "from alice")
}

func TestStoreDebouncesPersistence(t *testing.T) {
	ctx := context.Background()
	kv := &countingKV{MemoryKV: storage.NewMemoryKV()}
	logger := zaptest.NewLogger(t)
	s := NewStore(Config{
		Adapter:         storage.NewAdapter(kv, "ops", logger),
		PersistDebounce: 20 * time.Millisecond,
		Logger:          logger,
	})
	s.Load(ctx, "guest")

	for i := 0; i < 5; i++ {
		s.Append(Message{Role: RoleUser, Text: fmt.Sprintf("m%d", i)})
	}
	require.Eventually(t, func() bool { return kv.Sets() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, kv.Sets())

	var rec SessionRecord
	adapter := storage.NewAdapter(kv, "ops", nil)
	require.True(t, adapter.LoadJSON(ctx, storage.RecordMessages, "guest", &rec))
	assert.Len(t, rec.Messages, 6)
	assert.Equal(t, "guest", rec.UserKey)
}

func TestStoreWithoutAdapterStaysInMemory(t *testing.T) {
	s := NewStore(Config{})
	s.Load(context.Background(), "guest")
	s.Append(Message{Role: RoleUser, Text: "x"})
	s.SetConversationHandle(context.Background(), "c9")
	s.Flush(context.Background())
	assert.Len(t, s.Messages(), 2)
	assert.Equal(t, "c9", s.ConversationHandle())
	assert.Equal(t, DefaultWelcomeText, s.Messages()[0].Text)
}
