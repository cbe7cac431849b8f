package realtime

import "sync"

type childSub struct {
	q  Query
	fn func([]Node)
}

type valueSub struct {
	path string
	fn   func([]Node)
}

// registry guarda los listeners activos de un store. Los callbacks nunca se
// invocan con el mutex tomado.
type registry struct {
	mu     sync.Mutex
	nextID int
	child  map[int]childSub
	value  map[int]valueSub
}

func newRegistry() *registry {
	return &registry{
		child: make(map[int]childSub),
		value: make(map[int]valueSub),
	}
}

func (r *registry) addChild(q Query, fn func([]Node)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.child[id] = childSub{q: q, fn: fn}
	return r.remover(func() { delete(r.child, id) })
}

func (r *registry) addValue(path string, fn func([]Node)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.value[id] = valueSub{path: path, fn: fn}
	return r.remover(func() { delete(r.value, id) })
}

func (r *registry) remover(del func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			del()
		})
	}
}

// childListeners devuelve los listeners de child-added sobre parent.
func (r *registry) childListeners(parent string) []childSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []childSub
	for _, s := range r.child {
		if s.q.Path == parent {
			out = append(out, s)
		}
	}
	return out
}

// valueListeners devuelve los listeners de valor afectados por un cambio en changed.
func (r *registry) valueListeners(changed string) []valueSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []valueSub
	for _, s := range r.value {
		if changed == s.path || IsUnder(changed, s.path) || IsUnder(s.path, changed) {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.child) == 0 && len(r.value) == 0
}
