package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"case-chat/internal/domain"
	"case-chat/internal/pagination"
)

var agent = SessionUser{ID: "agent-1", Name: "Ana", Role: domain.RoleAgent}

func seedRange(t *testing.T, env *testEnv, conversationID string, n int) {
	t.Helper()
	ts := make([]int64, n)
	for i := range ts {
		ts[i] = int64(i+1) * 10
	}
	env.seed(t, conversationID, "client-1", ts...)
}

func openTestSession(t *testing.T, env *testEnv, outbox *Outbox, opts SessionOptions) *ConversationSession {
	t.Helper()
	session, err := OpenSession(context.Background(), env.sync, outbox, "c1", agent, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })
	return session
}

func TestSession_OpenAndPageBack(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	seedRange(t, env, "c1", 30)
	ctx := context.Background()

	session := openTestSession(t, env, NewOutbox(nil, env.sync), SessionOptions{PageSize: 10})
	state := session.State()
	require.Equal(t, pagination.PhaseReady, state.Phase)
	require.Len(t, state.Items, 10)
	require.Equal(t, int64(210), state.OldestBoundary)
	require.True(t, state.HasMore)
	require.Equal(t, 30, state.TotalCount)

	require.NoError(t, session.LoadMore(ctx))
	require.NoError(t, session.LoadMore(ctx))
	state = session.State()
	require.Len(t, state.Items, 30)
	require.False(t, state.HasMore)
	require.Equal(t, int64(10), state.OldestBoundary)

	snap, ok := env.engine.Get(ctx, "c1")
	require.True(t, ok)
	require.Len(t, snap.Messages, 30, "older pages are kept in the cache window")
	require.False(t, snap.HasMore)

	require.NoError(t, session.LoadMore(ctx), "no-op once history is exhausted")
	require.Len(t, session.State().Items, 30)
}

func TestSession_LiveAndOptimisticMessages(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	seedRange(t, env, "c1", 3)
	ctx := context.Background()
	outbox := NewOutbox(nil, env.sync)

	var (
		mu         sync.Mutex
		sawPending bool
	)
	session := openTestSession(t, env, outbox, SessionOptions{
		PageSize: 10,
		OnChange: func(state pagination.State[domain.Message]) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range state.Items {
				if m.Status == domain.StatusPending {
					sawPending = true
				}
			}
		},
	})
	require.Len(t, session.State().Items, 3)

	env.seed(t, "c1", "client-1", 35)
	require.Len(t, session.State().Items, 4, "live message merged")

	tempID, err := session.Send(ctx, "respuesta", nil)
	require.NoError(t, err)
	outbox.Wait()

	mu.Lock()
	require.True(t, sawPending, "the pending row is shown before delivery")
	mu.Unlock()
	items := session.State().Items
	require.Len(t, items, 5, "the confirmed copy replaces the pending one")
	require.Equal(t, domain.StatusSent, items[4].Status)
	require.Equal(t, tempID, items[4].TempID)
	require.NotEmpty(t, items[4].ID)
}

func TestSession_FailedSendRetryAndDelete(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	ctx := context.Background()
	outbox := NewOutbox(nil, env.sync)
	session := openTestSession(t, env, outbox, SessionOptions{})

	env.store.Deny(denyMessageWrites)
	first, err := session.Send(ctx, "uno", nil)
	require.NoError(t, err)
	second, err := session.Send(ctx, "dos", nil)
	require.NoError(t, err)
	outbox.Wait()

	items := session.State().Items
	require.Len(t, items, 2)
	for _, m := range items {
		require.Equal(t, domain.StatusFailed, m.Status)
		require.NotEmpty(t, m.Error)
	}

	env.store.Deny(nil)
	require.NoError(t, session.Retry(ctx, first))
	outbox.Wait()
	require.NoError(t, session.DeleteFailed(ctx, second))

	items = session.State().Items
	require.Len(t, items, 1)
	require.Equal(t, first, items[0].TempID)
	require.Equal(t, domain.StatusSent, items[0].Status)

	require.ErrorIs(t, session.Retry(ctx, first), domain.ErrInvalidState)
}

func TestSession_MarkRead(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	seedRange(t, env, "c1", 3)
	ctx := context.Background()
	session := openTestSession(t, env, NewOutbox(nil, env.sync), SessionOptions{})

	marked, err := session.MarkRead(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, marked)
	for _, m := range session.State().Items {
		require.True(t, m.IsRead)
	}
}

func TestSession_CloseTrimsAndStopsLive(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	seedRange(t, env, "c1", 12)
	ctx := context.Background()

	session, err := OpenSession(ctx, env.sync, NewOutbox(nil, env.sync), "c1", agent, SessionOptions{PageSize: 10, KeepOnClose: 4})
	require.NoError(t, err)
	require.NoError(t, session.LoadMore(ctx))
	require.Len(t, session.State().Items, 12)

	require.NoError(t, session.Close(ctx))
	require.NoError(t, session.Close(ctx))

	snap, ok := env.engine.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, []int64{90, 100, 110, 120}, timestamps(snap.Messages))
	require.True(t, snap.HasMore)

	reopened := openTestSession(t, env, NewOutbox(nil, env.sync), SessionOptions{PageSize: 10})
	require.Equal(t, []int64{90, 100, 110, 120}, timestamps(reopened.State().Items), "reopening reads the trimmed window")

	env.seed(t, "c1", "client-1", 130)
	require.Len(t, session.State().Items, 12, "closed sessions ignore live messages")
	require.Equal(t, []int64{90, 100, 110, 120, 130}, timestamps(reopened.State().Items))
}

func TestOpenSession_Validates(t *testing.T) {
	env := newTestEnv(t)
	_, err := OpenSession(context.Background(), env.sync, NewOutbox(nil, env.sync), "", agent, SessionOptions{})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSession_OwnSendDoesNotHideUnseenRemoteMessages(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t, "c1")
	ctx := context.Background()
	env.seed(t, "c1", "client-1", 100)

	fetcher := NewMessageFetcher(env.sync, "c1")
	page, err := fetcher.FetchLatest(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{100}, timestamps(page.Items))

	// Otro dispositivo escribe mientras nadie escucha; después sale un envío propio.
	env.seed(t, "c1", "client-1", 200)
	outbox := NewOutbox(nil, env.sync)
	_, err = outbox.Send(ctx, outgoing("c1", "respuesta"))
	require.NoError(t, err)
	outbox.Wait()

	session := openTestSession(t, env, outbox, SessionOptions{PageSize: 10})
	require.NoError(t, session.LoadMore(ctx))
	items := session.State().Items
	require.Len(t, items, 3)
	require.Equal(t, []int64{100, 200}, timestamps(items[:2]))

	page, err = fetcher.FetchLatest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	require.Equal(t, int64(200), page.Items[1].Timestamp)

	snap, ok := env.engine.Get(ctx, "c1")
	require.True(t, ok)
	require.False(t, snap.Stale())
}
