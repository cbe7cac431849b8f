package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"case-chat/internal/domain"
)

const pgChannel = "realtime_nodes"

// PgSchema crea la tabla de nodos y el trigger que publica cada cambio por NOTIFY.
const PgSchema = `
CREATE TABLE IF NOT EXISTS realtime_nodes (
	path       TEXT PRIMARY KEY,
	parent     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS realtime_nodes_parent_idx ON realtime_nodes (parent, key);

CREATE OR REPLACE FUNCTION realtime_nodes_notify() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('realtime_nodes', json_build_object('op', TG_OP, 'path', OLD.path, 'parent', OLD.parent)::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('realtime_nodes', json_build_object('op', TG_OP, 'path', NEW.path, 'parent', NEW.parent)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS realtime_nodes_notify ON realtime_nodes;
CREATE TRIGGER realtime_nodes_notify
	AFTER INSERT OR UPDATE OR DELETE ON realtime_nodes
	FOR EACH ROW EXECUTE FUNCTION realtime_nodes_notify();
`

// PgStore implementa Store sobre Postgres: una fila jsonb por nodo hoja y
// LISTEN/NOTIFY para las suscripciones en vivo. Las suscripciones solo
// reciben eventos mientras Listen está corriendo.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	subs   *registry
}

func NewPgStore(pool *pgxpool.Pool, logger *zap.Logger) *PgStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgStore{pool: pool, logger: logger, subs: newRegistry()}
}

// EnsureSchema aplica PgSchema; es idempotente.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PgSchema)
	return classifyPgError(err)
}

func (s *PgStore) PushKey(string) string {
	return newPushKey()
}

func (s *PgStore) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	path = Join(path)
	parent, key := Split(path)
	const query = `
		INSERT INTO realtime_nodes (path, parent, key, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	_, err = s.pool.Exec(ctx, query, path, parent, key, raw)
	return classifyPgError(err)
}

func (s *PgStore) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	path = Join(path)
	parent, key := Split(path)
	const query = `
		INSERT INTO realtime_nodes (path, parent, key, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (path) DO UPDATE SET value = realtime_nodes.value || EXCLUDED.value, updated_at = now()
	`
	_, err = s.pool.Exec(ctx, query, path, parent, key, raw)
	return classifyPgError(err)
}

func (s *PgStore) Get(ctx context.Context, path string) (Node, bool, error) {
	path = Join(path)
	const query = `SELECT key, value FROM realtime_nodes WHERE path = $1`
	var (
		key string
		raw []byte
	)
	err := s.pool.QueryRow(ctx, query, path).Scan(&key, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, classifyPgError(err)
	}
	return Node{Key: key, Path: path, Value: raw}, true, nil
}

func (s *PgStore) Children(ctx context.Context, q Query) ([]Node, error) {
	q.Path = Join(q.Path)
	query, args := buildChildrenQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			n   Node
			raw []byte
		)
		if err := rows.Scan(&n.Key, &n.Path, &raw); err != nil {
			return nil, classifyPgError(err)
		}
		n.Value = raw
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return nodes, nil
}

func (s *PgStore) Count(ctx context.Context, path string) (int, error) {
	const query = `SELECT count(*) FROM realtime_nodes WHERE parent = $1`
	var n int
	if err := s.pool.QueryRow(ctx, query, Join(path)).Scan(&n); err != nil {
		return 0, classifyPgError(err)
	}
	return n, nil
}

func (s *PgStore) Remove(ctx context.Context, path string) error {
	path = Join(path)
	const query = `DELETE FROM realtime_nodes WHERE path = $1 OR path LIKE $2`
	_, err := s.pool.Exec(ctx, query, path, escapeLike(path)+"/%")
	return classifyPgError(err)
}

func (s *PgStore) OnChildAdded(ctx context.Context, q Query, fn func([]Node)) (func(), error) {
	q.Path = Join(q.Path)
	live := q
	live.LimitToLast = 0
	unsubscribe := s.subs.addChild(live, fn)
	initial, err := s.Children(ctx, q)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	if len(initial) > 0 {
		fn(initial)
	}
	return unsubscribe, nil
}

func (s *PgStore) OnValue(ctx context.Context, path string, fn func([]Node)) (func(), error) {
	path = Join(path)
	unsubscribe := s.subs.addValue(path, fn)
	nodes, err := s.valueOf(ctx, path)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	fn(nodes)
	return unsubscribe, nil
}

func (s *PgStore) valueOf(ctx context.Context, path string) ([]Node, error) {
	node, ok, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok {
		return []Node{node}, nil
	}
	return s.Children(ctx, Query{Path: path})
}

type pgNotification struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Parent string `json:"parent"`
}

// Listen mantiene una conexión dedicada con LISTEN y despacha las
// notificaciones a los suscriptores. Si la conexión cae, reintenta cada
// retryEvery hasta que ctx termine.
func (s *PgStore) Listen(ctx context.Context, retryEvery time.Duration) error {
	if retryEvery <= 0 {
		retryEvery = time.Second
	}
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("realtime listener stopped", zap.Error(err), zap.Duration("retry_in", retryEvery))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryEvery):
		}
	}
}

func (s *PgStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return classifyPgError(err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		return classifyPgError(err)
	}
	s.logger.Info("realtime listener attached", zap.String("channel", pgChannel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return classifyPgError(err)
		}
		var evt pgNotification
		if err := json.Unmarshal([]byte(notification.Payload), &evt); err != nil {
			s.logger.Warn("invalid realtime payload", zap.String("payload", notification.Payload), zap.Error(err))
			continue
		}
		s.dispatch(ctx, evt)
	}
}

func (s *PgStore) dispatch(ctx context.Context, evt pgNotification) {
	if s.subs.empty() {
		return
	}
	if evt.Op == "INSERT" {
		if listeners := s.subs.childListeners(evt.Parent); len(listeners) > 0 {
			node, ok, err := s.Get(ctx, evt.Path)
			if err != nil {
				s.logger.Warn("realtime child fetch failed", zap.String("path", evt.Path), zap.Error(err))
			} else if ok {
				for _, sub := range listeners {
					if sub.q.matches(node) {
						sub.fn([]Node{node})
					}
				}
			}
		}
	}
	for _, sub := range s.subs.valueListeners(evt.Path) {
		nodes, err := s.valueOf(ctx, sub.path)
		if err != nil {
			s.logger.Warn("realtime value fetch failed", zap.String("path", sub.path), zap.Error(err))
			continue
		}
		sub.fn(nodes)
	}
}

// buildChildrenQuery traduce Query a SQL. El orden es (campo, clave) y
// LimitToLast se resuelve con una subconsulta descendente.
func buildChildrenQuery(q Query) (string, []any) {
	args := []any{q.Path}
	ord := "0::bigint"
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		ord = "COALESCE((value->>$2)::bigint, 0)"
	}
	where := "parent = $1"
	if q.OrderBy != "" && q.StartAfter != nil {
		args = append(args, *q.StartAfter)
		where += fmt.Sprintf(" AND %s > $%d", ord, len(args))
	}
	if q.OrderBy != "" && q.EndBefore != nil {
		args = append(args, *q.EndBefore)
		where += fmt.Sprintf(" AND %s < $%d", ord, len(args))
	}
	inner := fmt.Sprintf("SELECT key, path, value, %s AS ord FROM realtime_nodes WHERE %s", ord, where)
	if q.LimitToLast > 0 {
		args = append(args, q.LimitToLast)
		return fmt.Sprintf("SELECT key, path, value FROM (%s ORDER BY ord DESC, key DESC LIMIT $%d) t ORDER BY ord, key", inner, len(args)), args
	}
	return fmt.Sprintf("SELECT key, path, value FROM (%s) t ORDER BY ord, key", inner), args
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// classifyPgError traduce errores de Postgres a la taxonomía del dominio.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42501" {
		return fmt.Errorf("%w: %w", domain.ErrPermission, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	return err
}
