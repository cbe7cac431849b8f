package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"case-chat/internal/domain"
)

// Op identifica una escritura para las reglas de acceso del MemoryStore.
type Op string

const (
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Rule devuelve true si la escritura debe rechazarse con ErrPermission.
type Rule func(op Op, path string, fields map[string]any) bool

// MemoryStore es un store remoto en proceso: útil para tests, la CLI sin
// backend y como referencia de la semántica del contrato.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]json.RawMessage
	deny  Rule
	subs  *registry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]json.RawMessage),
		subs:  newRegistry(),
	}
}

// Deny instala reglas de acceso, como haría el backend remoto.
func (s *MemoryStore) Deny(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny = rule
}

func (s *MemoryStore) PushKey(string) string {
	return newPushKey()
}

func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	path = Join(path)

	s.mu.Lock()
	if s.deny != nil && s.deny(OpSet, path, nil) {
		s.mu.Unlock()
		return fmt.Errorf("%w: set %s", domain.ErrPermission, path)
	}
	_, existed := s.nodes[path]
	s.nodes[path] = raw
	s.mu.Unlock()

	s.notify(path, raw, !existed)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Join(path)

	s.mu.Lock()
	if s.deny != nil && s.deny(OpUpdate, path, fields) {
		s.mu.Unlock()
		return fmt.Errorf("%w: update %s", domain.ErrPermission, path)
	}
	existing, existed := s.nodes[path]
	merged, err := mergeFields(existing, fields)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("merge %s: %w", path, err)
	}
	s.nodes[path] = merged
	s.mu.Unlock()

	s.notify(path, merged, !existed)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Node, bool, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, false, err
	}
	path = Join(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.nodes[path]
	if !ok {
		return Node{}, false, nil
	}
	_, key := Split(path)
	return Node{Key: key, Path: path, Value: raw}, true, nil
}

func (s *MemoryStore) Children(ctx context.Context, q Query) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.Path = Join(q.Path)
	return applyQuery(s.directChildren(q.Path), q), nil
}

func (s *MemoryStore) Count(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(s.directChildren(Join(path))), nil
}

func (s *MemoryStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Join(path)

	s.mu.Lock()
	if s.deny != nil && s.deny(OpRemove, path, nil) {
		s.mu.Unlock()
		return fmt.Errorf("%w: remove %s", domain.ErrPermission, path)
	}
	removed := false
	for p := range s.nodes {
		if p == path || IsUnder(p, path) {
			delete(s.nodes, p)
			removed = true
		}
	}
	s.mu.Unlock()

	if removed {
		s.notifyValue(path)
	}
	return nil
}

func (s *MemoryStore) OnChildAdded(ctx context.Context, q Query, fn func([]Node)) (func(), error) {
	q.Path = Join(q.Path)
	live := q
	live.LimitToLast = 0
	// Alta antes de la lectura inicial: un hijo que llegue en medio puede
	// entregarse dos veces, nunca perderse.
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

func (s *MemoryStore) OnValue(ctx context.Context, path string, fn func([]Node)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = Join(path)
	unsubscribe := s.subs.addValue(path, fn)
	fn(s.valueOf(path))
	return unsubscribe, nil
}

// valueOf devuelve el propio nodo si path es una hoja, o sus hijos si es contenedor.
func (s *MemoryStore) valueOf(path string) []Node {
	s.mu.RLock()
	raw, ok := s.nodes[path]
	s.mu.RUnlock()
	if ok {
		_, key := Split(path)
		return []Node{{Key: key, Path: path, Value: raw}}
	}
	return s.directChildren(path)
}

func (s *MemoryStore) directChildren(parent string) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for p, raw := range s.nodes {
		dir, key := Split(p)
		if dir == parent {
			out = append(out, Node{Key: key, Path: p, Value: raw})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *MemoryStore) notify(path string, raw json.RawMessage, added bool) {
	if added {
		parent, key := Split(path)
		node := Node{Key: key, Path: path, Value: raw}
		for _, sub := range s.subs.childListeners(parent) {
			if sub.q.matches(node) {
				sub.fn([]Node{node})
			}
		}
	}
	s.notifyValue(path)
}

func (s *MemoryStore) notifyValue(changed string) {
	for _, sub := range s.subs.valueListeners(changed) {
		sub.fn(s.valueOf(sub.path))
	}
}

// Paths lista todas las rutas hoja; pensado para tests y depuración.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// String resume el contenido para logs de depuración.
func (s *MemoryStore) String() string {
	return "realtime.MemoryStore{" + strings.Join(s.Paths(), ",") + "}"
}
