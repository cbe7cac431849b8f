package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"case-chat/internal/domain"
	"case-chat/internal/realtime"
)

func TestSyncService_SendValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	empty := outgoing("c1", "   ")
	_, err := env.sync.Send(ctx, empty)
	require.ErrorIs(t, err, domain.ErrValidation)

	noRole := outgoing("c1", "hola")
	noRole.SenderRole = 0
	_, err = env.sync.Send(ctx, noRole)
	require.ErrorIs(t, err, domain.ErrValidation)

	noConversation := outgoing("", "hola")
	_, err = env.sync.Send(ctx, noConversation)
	require.ErrorIs(t, err, domain.ErrValidation)

	tooLong := outgoing("c1", strings.Repeat("x", 10001))
	_, err = env.sync.Send(ctx, tooLong)
	require.ErrorIs(t, err, domain.ErrValidation)

	require.Empty(t, env.store.Paths(), "nothing reaches the remote store")
}

func TestSyncService_SendAttachmentOnly(t *testing.T) {
	env := newTestEnv(t)
	msg := outgoing("c1", "")
	msg.Attachments = []domain.Attachment{{Name: "informe.pdf", URL: "https://files/informe.pdf", MimeType: "application/pdf"}}

	sent, err := env.sync.Send(context.Background(), msg)
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)

	meta, ok, err := env.conversations.GetMeta(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "📎 informe.pdf", meta.LastMessage)
}

func TestSyncService_SendWritesMetadataThenMessage(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	ctx := context.Background()

	var order []string
	env.store.Deny(func(op realtime.Op, path string, _ map[string]any) bool {
		order = append(order, string(op)+" "+path)
		return false
	})

	sent, err := env.sync.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, sent.Status)
	require.Len(t, order, 2)
	require.Equal(t, "update conversations/c1/metadata", order[0])
	require.Equal(t, "set conversations/c1/messages/"+sent.ID, order[1])

	meta, _, err := env.conversations.GetMeta(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "hola", meta.LastMessage)
	require.Equal(t, sent.ID, meta.LastMessageID)
	require.Equal(t, sent.Timestamp, meta.LastMessageTime)

	snap, ok := env.engine.Get(ctx, "c1")
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, sent.ID, snap.Messages[0].ID)
}

func TestSyncService_SendReusesReservedID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := outgoing("c1", "hola")
	msg.ID = env.sync.ReserveID("c1")
	msg.Timestamp = 1000

	_, err := env.sync.Send(ctx, msg)
	require.NoError(t, err)
	_, err = env.sync.Send(ctx, msg)
	require.NoError(t, err)

	count, err := env.messages.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, count, "a repeated send overwrites instead of duplicating")
}

func TestSyncService_SendPermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	env.store.Deny(denyMessageWrites)

	_, err := env.sync.Send(context.Background(), outgoing("c1", "hola"))
	require.ErrorIs(t, err, domain.ErrPermission)

	_, ok := env.engine.Get(context.Background(), "c1")
	require.False(t, ok, "a failed send is not mirrored as sent")
}

func TestSyncService_SubscribeFiltersAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "c1", "client-1", 100, 200)
	require.NoError(t, env.engine.Set(ctx, "c1", nil, false, 0))

	var (
		mu      sync.Mutex
		batches [][]domain.Message
	)
	unsubscribe, err := env.sync.Subscribe(ctx, "c1", "agent-1", func(batch []domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	})
	require.NoError(t, err)
	defer unsubscribe()

	// El propio usuario no se recibe por la vía en vivo.
	own := outgoing("c1", "mío")
	own.ID = env.messages.NewKey("c1")
	own.Timestamp = 300
	require.NoError(t, env.messages.Put(ctx, own))

	env.seed(t, "c1", "client-1", 400)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2)
	require.Equal(t, []int64{100, 200}, timestamps(batches[0]))
	require.Equal(t, []int64{400}, timestamps(batches[1]))

	snap, ok := env.engine.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, []int64{100, 200, 400}, timestamps(snap.Messages))
}

func TestSyncService_SubscribeStartsAfterSyncedThrough(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seeded := env.seed(t, "c1", "client-1", 100, 200)
	require.NoError(t, env.engine.Set(ctx, "c1", seeded, false, 2))

	var got []domain.Message
	unsubscribe, err := env.sync.Subscribe(ctx, "c1", "agent-1", func(batch []domain.Message) {
		got = append(got, batch...)
	})
	require.NoError(t, err)
	defer unsubscribe()
	require.Empty(t, got, "cached messages are not replayed")

	env.seed(t, "c1", "client-1", 300)
	require.Equal(t, []int64{300}, timestamps(got))
}

func TestSyncService_ResubscribeReplacesListener(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var first, second int
	_, err := env.sync.Subscribe(ctx, "c1", "agent-1", func(batch []domain.Message) { first += len(batch) })
	require.NoError(t, err)
	unsubscribe, err := env.sync.Subscribe(ctx, "c1", "agent-1", func(batch []domain.Message) { second += len(batch) })
	require.NoError(t, err)

	env.seed(t, "c1", "client-1", 100)
	require.Equal(t, 0, first)
	require.Equal(t, 1, second)

	unsubscribe()
	env.seed(t, "c1", "client-1", 200)
	require.Equal(t, 1, second)
}

func TestSyncService_MarkReadSkipsDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.initialize(t, "c1")
	seeded := env.seed(t, "c1", "client-1", 100, 200, 300)
	env.seed(t, "c1", "agent-1", 400)
	require.NoError(t, env.engine.Set(ctx, "c1", seeded, false, 3))

	denied := seeded[1].ID
	env.store.Deny(func(op realtime.Op, path string, _ map[string]any) bool {
		return op == realtime.OpUpdate && strings.HasSuffix(path, denied)
	})

	marked, err := env.sync.MarkRead(ctx, "c1", "agent-1")
	require.NoError(t, err)
	require.Equal(t, 2, marked)

	unread, err := env.messages.Unread(ctx, "c1", "agent-1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, denied, unread[0].ID)

	snap, _ := env.engine.Get(ctx, "c1")
	require.True(t, snap.Messages[0].IsRead)
	require.False(t, snap.Messages[1].IsRead)
	require.True(t, snap.Messages[2].IsRead)
}

func TestSyncService_MarkReadReportsOtherErrors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", "client-1", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.sync.MarkRead(ctx, "c1", "agent-1")
	require.Error(t, err)
}

func TestSyncService_ListConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.initialize(t, "c1")
	env.initialize(t, "c2")

	older := outgoing("c1", "primero")
	older.Timestamp = 100
	_, err := env.sync.Send(ctx, older)
	require.NoError(t, err)

	newer := outgoing("c2", "segundo")
	newer.Timestamp = 200
	_, err = env.sync.Send(ctx, newer)
	require.NoError(t, err)

	env.seed(t, "c1", "agent-1", 150, 160)

	list, err := env.sync.ListConversations(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c2", list[0].ID)
	require.Equal(t, "segundo", list[0].LastMessage)
	require.Equal(t, 1, list[0].UnreadCount)
	require.Equal(t, "c1", list[1].ID)
	require.Equal(t, 3, list[1].UnreadCount)
	require.Equal(t, "CASE-c1", list[1].CaseReference)

	cached, ok := env.engine.GetConversationList(ctx, "client-1")
	require.True(t, ok)
	require.Equal(t, list, cached)

	again, err := env.sync.CachedConversations(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, list, again)
}

func TestSyncService_InitializeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.initialize(t, "c1")
	env.initialize(t, "c1")

	ids, err := env.conversations.ListIDsByUser(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids)

	ok := env.sync.InitializeConversation(ctx, InitializeInput{
		ConversationID: "c1",
		CaseReference:  "CASE-c1",
		ClientID:       "client-1",
		AgentID:        "agent-2",
		AgentName:      "Beto",
	})
	require.True(t, ok)
	meta, _, err := env.conversations.GetMeta(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "agent-2", meta.Participants.AgentID)
}

func TestSyncService_InitializeNeverFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.False(t, env.sync.InitializeConversation(ctx, InitializeInput{ConversationID: "c1"}))

	env.store.Deny(func(realtime.Op, string, map[string]any) bool { return true })
	require.False(t, env.sync.InitializeConversation(ctx, InitializeInput{
		ConversationID: "c1",
		CaseReference:  "CASE-1",
		ClientID:       "client-1",
		AgentID:        "agent-1",
	}))
}

func TestSyncService_FetchPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "c1", "client-1", 10, 20, 30, 40, 50)

	page, err := env.sync.FetchLatest(ctx, "c1", 2)
	require.NoError(t, err)
	require.Equal(t, []int64{40, 50}, timestamps(page.Items))
	require.True(t, page.HasMore)
	require.Equal(t, 5, page.TotalCount)

	page, err = env.sync.FetchBefore(ctx, "c1", 40, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{20, 30}, timestamps(page.Items))
	require.True(t, page.HasMore)

	page, err = env.sync.FetchBefore(ctx, "c1", 20, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{10}, timestamps(page.Items))
	require.False(t, page.HasMore)
}

func TestSyncService_DeleteConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.initialize(t, "c1")
	_, err := env.sync.ListConversations(ctx, "client-1")
	require.NoError(t, err)
	seeded := env.seed(t, "c1", "agent-1", 100)
	require.NoError(t, env.engine.Set(ctx, "c1", seeded, false, 1))

	require.NoError(t, env.sync.DeleteConversation(ctx, "client-1", "c1"))

	ids, err := env.conversations.ListIDsByUser(ctx, "client-1")
	require.NoError(t, err)
	require.Empty(t, ids)
	_, ok := env.engine.Get(ctx, "c1")
	require.False(t, ok)
	list, ok := env.engine.GetConversationList(ctx, "client-1")
	require.True(t, ok)
	require.Empty(t, list)
}

func TestSyncService_SubscribeConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.initialize(t, "c1")

	var (
		mu    sync.Mutex
		lists [][]domain.Conversation
	)
	unsubscribe, err := env.sync.SubscribeConversations(ctx, "client-1", func(list []domain.Conversation) {
		mu.Lock()
		defer mu.Unlock()
		lists = append(lists, list)
	})
	require.NoError(t, err)
	defer unsubscribe()

	last := func() []domain.Conversation {
		mu.Lock()
		defer mu.Unlock()
		if len(lists) == 0 {
			return nil
		}
		return lists[len(lists)-1]
	}
	require.Eventually(t, func() bool { return len(last()) == 1 }, time.Second, 5*time.Millisecond)

	env.initialize(t, "c2")
	require.Eventually(t, func() bool { return len(last()) == 2 }, time.Second, 5*time.Millisecond)

	msg := outgoing("c1", "novedad")
	msg.Timestamp = env.clock.Now().UnixMilli() + 10_000
	_, err = env.sync.Send(ctx, msg)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list := last()
		return len(list) == 2 && list[0].ID == "c1" && list[0].LastMessage == "novedad"
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteError(t *testing.T) {
	err := remoteError("write", context.DeadlineExceeded)
	require.ErrorIs(t, err, domain.ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = remoteError("write", domain.ErrPermission)
	require.ErrorIs(t, err, domain.ErrPermission)
	require.False(t, errors.Is(err, domain.ErrNetwork))
}

func TestSyncService_Authorize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.initialize(t, "c1")

	require.NoError(t, env.sync.Authorize(ctx, "c1", "client-1", domain.RoleClient))
	require.NoError(t, env.sync.Authorize(ctx, "c1", "agent-1", domain.RoleAgent))
	require.NoError(t, env.sync.Authorize(ctx, "c1", "root", domain.RoleAdmin))
	require.ErrorIs(t, env.sync.Authorize(ctx, "c1", "intruder", domain.RoleClient), domain.ErrPermission)
	require.ErrorIs(t, env.sync.Authorize(ctx, "missing", "client-1", domain.RoleClient), domain.ErrNotFound)
}
