package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"case-chat/internal/cache"
	"case-chat/internal/domain"
	"case-chat/internal/realtime"
	"case-chat/internal/repository"
)

// tickingClock avanza un milisegundo en cada lectura para que dos envíos
// seguidos nunca compartan timestamp.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type testEnv struct {
	store         *realtime.MemoryStore
	messages      *repository.RealtimeMessageRepository
	conversations *repository.RealtimeConversationRepository
	engine        *cache.Engine
	sync          *SyncService
	clock         *tickingClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTickingClock()
	store := realtime.NewMemoryStore()
	messages := repository.NewRealtimeMessageRepository(store)
	conversations := repository.NewRealtimeConversationRepository(store)
	engine := cache.New(nil, nil, cache.Options{Now: clock.Now, RetryBackoff: time.Millisecond})
	svc := NewSyncService(nil, messages, conversations, engine, SyncConfig{
		RemoteTimeout: time.Second,
		Now:           clock.Now,
	})
	return &testEnv{
		store:         store,
		messages:      messages,
		conversations: conversations,
		engine:        engine,
		sync:          svc,
		clock:         clock,
	}
}

func (e *testEnv) initialize(t *testing.T, conversationID string) {
	t.Helper()
	ok := e.sync.InitializeConversation(context.Background(), InitializeInput{
		ConversationID: conversationID,
		CaseReference:  "CASE-" + conversationID,
		ClientID:       "client-1",
		ClientName:     "Clara",
		AgentID:        "agent-1",
		AgentName:      "Ana",
	})
	require.True(t, ok)
}

// seed escribe directamente en el store remoto, como haría otro dispositivo.
func (e *testEnv) seed(t *testing.T, conversationID, senderID string, timestamps ...int64) []domain.Message {
	t.Helper()
	var out []domain.Message
	for _, ts := range timestamps {
		m := domain.Message{
			ID:             e.messages.NewKey(conversationID),
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderName:     senderID,
			SenderRole:     domain.RoleClient,
			Content:        "hola",
			Timestamp:      ts,
		}
		require.NoError(t, e.messages.Put(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func denyMessageWrites(op realtime.Op, path string, _ map[string]any) bool {
	return op == realtime.OpSet && strings.Contains(path, "/messages/")
}

func outgoing(conversationID, content string) domain.Message {
	return domain.Message{
		ConversationID: conversationID,
		SenderID:       "agent-1",
		SenderName:     "Ana",
		SenderRole:     domain.RoleAgent,
		Content:        content,
	}
}

func timestamps(messages []domain.Message) []int64 {
	out := make([]int64, len(messages))
	for i, m := range messages {
		out[i] = m.Timestamp
	}
	return out
}
