package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"case-chat/internal/domain"
)

func TestBuildChildrenQueryPlain(t *testing.T) {
	query, args := buildChildrenQuery(Query{Path: "c/1/messages"})
	require.Equal(t, []any{"c/1/messages"}, args)
	require.Contains(t, query, "WHERE parent = $1")
	require.Contains(t, query, "ORDER BY ord, key")
	require.NotContains(t, query, "LIMIT")
}

func TestBuildChildrenQueryBoundsAndLimit(t *testing.T) {
	query, args := buildChildrenQuery(Query{
		Path:        "c/1/messages",
		OrderBy:     "timestamp",
		StartAfter:  ptr(10),
		EndBefore:   ptr(90),
		LimitToLast: 20,
	})
	require.Equal(t, []any{"c/1/messages", "timestamp", int64(10), int64(90), 20}, args)
	require.Contains(t, query, "COALESCE((value->>$2)::bigint, 0) > $3")
	require.Contains(t, query, "COALESCE((value->>$2)::bigint, 0) < $4")
	require.Contains(t, query, "ORDER BY ord DESC, key DESC LIMIT $5")
}

func TestBuildChildrenQueryIgnoresBoundsWithoutOrder(t *testing.T) {
	_, args := buildChildrenQuery(Query{Path: "p", StartAfter: ptr(1)})
	require.Equal(t, []any{"p"}, args)
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `a\_b\%c\\d`, escapeLike(`a_b%c\d`))
}

func TestClassifyPgError(t *testing.T) {
	require.NoError(t, classifyPgError(nil))

	denied := classifyPgError(fmt.Errorf("exec: %w", &pgconn.PgError{Code: "42501"}))
	require.True(t, errors.Is(denied, domain.ErrPermission))

	timeout := classifyPgError(context.DeadlineExceeded)
	require.True(t, errors.Is(timeout, domain.ErrNetwork))

	other := errors.New("boom")
	require.Equal(t, other, classifyPgError(other))
}
