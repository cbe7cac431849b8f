package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"case-chat/internal/domain"
)

type eventLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *eventLog) add(evt StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) statuses() []domain.MessageStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.MessageStatus, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Message.Status)
	}
	return out
}

func (l *eventLog) last() StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func newTestOutbox(t *testing.T) (*testEnv, *Outbox, *eventLog) {
	t.Helper()
	env := newTestEnv(t)
	env.initialize(t, "c1")
	outbox := NewOutbox(nil, env.sync)
	log := &eventLog{}
	unsubscribe := outbox.OnStatus("c1", log.add)
	t.Cleanup(unsubscribe)
	return env, outbox, log
}

func TestOutbox_SendSucceeds(t *testing.T) {
	env, outbox, log := newTestOutbox(t)
	ctx := context.Background()

	tempID, err := outbox.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	require.NotEmpty(t, tempID)
	outbox.Wait()

	require.Equal(t, []domain.MessageStatus{domain.StatusPending, domain.StatusSent}, log.statuses())
	sent := log.last().Message
	require.Equal(t, tempID, sent.TempID)
	require.NotEmpty(t, sent.ID)

	snap, ok := env.engine.Get(ctx, "c1")
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, sent.ID, snap.Messages[0].ID)
	require.Equal(t, tempID, snap.Messages[0].TempID)
	require.Equal(t, domain.StatusSent, snap.Messages[0].Status)

	_, tracked := outbox.Status(tempID)
	require.False(t, tracked, "delivered messages leave the outbox")
}

func TestOutbox_SendValidatesSynchronously(t *testing.T) {
	_, outbox, log := newTestOutbox(t)

	_, err := outbox.Send(context.Background(), outgoing("c1", ""))
	require.ErrorIs(t, err, domain.ErrValidation)
	outbox.Wait()
	require.Empty(t, log.statuses())
}

// Un envío rechazado queda FAILED; al habilitar la escritura, Retry lo
// confirma bajo la misma clave y el mismo TempID.
func TestOutbox_FailThenRetry(t *testing.T) {
	env, outbox, log := newTestOutbox(t)
	ctx := context.Background()
	env.store.Deny(denyMessageWrites)

	tempID, err := outbox.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	outbox.Wait()

	require.Equal(t, []domain.MessageStatus{domain.StatusPending, domain.StatusFailed}, log.statuses())
	failed := log.last().Message
	require.NotEmpty(t, failed.Error)

	snap, _ := env.engine.Get(ctx, "c1")
	require.Len(t, snap.Messages, 1)
	require.Equal(t, domain.StatusFailed, snap.Messages[0].Status)
	require.Equal(t, tempID, snap.Messages[0].TempID)

	meta, _, err := env.conversations.GetMeta(ctx, "c1")
	require.NoError(t, err)
	reserved := meta.LastMessageID
	require.NotEmpty(t, reserved, "metadata was written before the message")

	env.store.Deny(nil)
	require.NoError(t, outbox.Retry(ctx, "c1", tempID))
	outbox.Wait()

	require.Equal(t, []domain.MessageStatus{
		domain.StatusPending, domain.StatusFailed, domain.StatusPending, domain.StatusSent,
	}, log.statuses())
	sent := log.last().Message
	require.Equal(t, tempID, sent.TempID)
	require.Equal(t, reserved, sent.ID, "retry reuses the reserved key")
	require.Empty(t, sent.Error)

	count, err := env.messages.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	snap, _ = env.engine.Get(ctx, "c1")
	require.Len(t, snap.Messages, 1)
	require.Equal(t, domain.StatusSent, snap.Messages[0].Status)
	require.Equal(t, reserved, snap.Messages[0].ID)
}

func TestOutbox_RetryRequiresFailed(t *testing.T) {
	_, outbox, _ := newTestOutbox(t)
	ctx := context.Background()

	err := outbox.Retry(ctx, "c1", "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	tempID, err := outbox.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	outbox.Wait()

	err = outbox.Retry(ctx, "c1", tempID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOutbox_DeleteFailed(t *testing.T) {
	env, outbox, log := newTestOutbox(t)
	ctx := context.Background()
	env.store.Deny(denyMessageWrites)

	tempID, err := outbox.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	outbox.Wait()

	require.NoError(t, outbox.DeleteFailed(ctx, "c1", tempID))
	require.True(t, log.last().Deleted)

	snap, _ := env.engine.Get(ctx, "c1")
	require.Empty(t, snap.Messages)

	require.ErrorIs(t, outbox.DeleteFailed(ctx, "c1", tempID), domain.ErrNotFound)
	require.ErrorIs(t, outbox.Retry(ctx, "c1", tempID), domain.ErrNotFound)
}

func TestOutbox_RetryFromCacheAfterRestart(t *testing.T) {
	env, outbox, _ := newTestOutbox(t)
	ctx := context.Background()
	env.store.Deny(denyMessageWrites)

	tempID, err := outbox.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	outbox.Wait()

	restarted := NewOutbox(nil, env.sync)
	log := &eventLog{}
	defer restarted.OnStatus("c1", log.add)()

	env.store.Deny(nil)
	require.NoError(t, restarted.Retry(ctx, "c1", tempID))
	restarted.Wait()

	require.Equal(t, []domain.MessageStatus{domain.StatusPending, domain.StatusSent}, log.statuses())
	snap, _ := env.engine.Get(ctx, "c1")
	require.Len(t, snap.Messages, 1)
	require.Equal(t, domain.StatusSent, snap.Messages[0].Status)
	require.Equal(t, tempID, snap.Messages[0].TempID)
}

func TestOutbox_OnStatusUnsubscribe(t *testing.T) {
	_, outbox, _ := newTestOutbox(t)
	ctx := context.Background()

	var calls int
	unsubscribe := outbox.OnStatus("c1", func(StatusEvent) { calls++ })
	unsubscribe()
	unsubscribe()

	_, err := outbox.Send(ctx, outgoing("c1", "hola"))
	require.NoError(t, err)
	outbox.Wait()
	require.Zero(t, calls)
}
