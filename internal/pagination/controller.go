// Package pagination implementa un paginador genérico por cursor para
// elementos ordenados cronológicamente: carga inicial, carga de anteriores y
// refresco, con un único fetch en vuelo a la vez.
package pagination

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
)

// Timestamped es cualquier elemento con marca de tiempo; el cursor es la mínima.
type Timestamped interface {
	GetTimestamp() int64
}

type Page[T any] struct {
	Items      []T
	HasMore    bool
	TotalCount int
}

type Fetcher[T any] interface {
	FetchLatest(ctx context.Context, limit int) (Page[T], error)
	// FetchBefore devuelve elementos estrictamente anteriores a cursor.
	FetchBefore(ctx context.Context, cursor int64, limit int) (Page[T], error)
}

// FreshFetcher es opcional: si el Fetcher lo implementa, Refresh lo usa para
// saltarse cualquier caché intermedia.
type FreshFetcher[T any] interface {
	FetchFresh(ctx context.Context, limit int) (Page[T], error)
}

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseLoadingInitial
	PhaseLoadingMore
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoadingInitial:
		return "loading_initial"
	case PhaseLoadingMore:
		return "loading_more"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

type State[T any] struct {
	Items          []T   `json:"items"`
	HasMore        bool  `json:"has_more"`
	OldestBoundary int64 `json:"oldest_boundary"`
	TotalCount     int   `json:"total_count"`
	Phase          Phase `json:"phase"`
	Err            error `json:"-"`
}

type op uint8

const (
	opNone op = iota
	opInitial
	opMore
)

type Config[T any] struct {
	PageSize int
	// Same decide si dos elementos son el mismo; es obligatorio.
	Same func(a, b T) bool
	// OnChange recibe cada estado nuevo, fuera de cualquier lock.
	OnChange func(State[T])
}

const DefaultPageSize = 20

type Controller[T Timestamped] struct {
	fetcher  Fetcher[T]
	same     func(a, b T) bool
	pageSize int
	onChange func(State[T])

	mu       sync.Mutex
	state    State[T]
	inFlight bool
	failedOp op

	// Mientras corre una carga inicial, las mutaciones locales quedan
	// anotadas para reaplicarlas sobre la página que llegue.
	loading bool
	touched []T
	removed []T
}

func New[T Timestamped](fetcher Fetcher[T], cfg Config[T]) (*Controller[T], error) {
	if fetcher == nil {
		return nil, errors.New("pagination: fetcher must not be nil")
	}
	if cfg.Same == nil {
		return nil, errors.New("pagination: duplicate predicate must not be nil")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Controller[T]{
		fetcher:  fetcher,
		same:     cfg.Same,
		pageSize: cfg.PageSize,
		onChange: cfg.OnChange,
	}, nil
}

// State devuelve una copia del estado actual.
func (c *Controller[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller[T]) snapshot() State[T] {
	s := c.state
	s.Items = append([]T(nil), c.state.Items...)
	return s
}

// LoadInitial trae la primera página y reemplaza los elementos. Lo insertado,
// actualizado, fusionado o quitado mientras la página viajaba se reaplica
// sobre ella. Si ya hay un fetch en vuelo no hace nada.
func (c *Controller[T]) LoadInitial(ctx context.Context) error {
	return c.loadInitial(ctx, c.fetcher.FetchLatest)
}

// LoadMore trae la página anterior al elemento más antiguo y la antepone. No
// hace nada si no hay más, si hay un fetch en vuelo o si no hay elementos.
func (c *Controller[T]) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	ready := c.state.Phase == PhaseReady || (c.state.Phase == PhaseError && c.failedOp == opMore)
	if c.inFlight || !ready || !c.state.HasMore || len(c.state.Items) == 0 {
		c.mu.Unlock()
		return nil
	}
	cursor := minTimestamp(c.state.Items)
	c.inFlight = true
	c.state.Phase = PhaseLoadingMore
	c.state.Err = nil
	s := c.snapshot()
	c.mu.Unlock()
	c.emit(s)

	page, err := c.fetcher.FetchBefore(ctx, cursor, c.pageSize)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.fail(opMore, err)
	} else {
		if len(page.Items) == 0 {
			c.state.HasMore = false
		} else {
			older := c.unique(c.state.Items, page.Items)
			c.state.Items = append(older, c.state.Items...)
			c.state.HasMore = page.HasMore
			c.sortItems()
		}
		if page.TotalCount > c.state.TotalCount {
			c.state.TotalCount = page.TotalCount
		}
		c.state.Phase = PhaseReady
		c.failedOp = opNone
	}
	s = c.snapshot()
	c.mu.Unlock()
	c.emit(s)
	return err
}

// Refresh limpia error y HasMore y repite la carga inicial, con FetchFresh si
// el fetcher lo ofrece.
func (c *Controller[T]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil
	}
	c.state.Err = nil
	c.state.HasMore = false
	c.failedOp = opNone
	c.mu.Unlock()

	fetch := c.fetcher.FetchLatest
	if fresh, ok := c.fetcher.(FreshFetcher[T]); ok {
		fetch = fresh.FetchFresh
	}
	return c.loadInitial(ctx, fetch)
}

func (c *Controller[T]) loadInitial(ctx context.Context, fetch func(context.Context, int) (Page[T], error)) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.loading = true
	c.touched, c.removed = nil, nil
	c.state.Phase = PhaseLoadingInitial
	c.state.Err = nil
	s := c.snapshot()
	c.mu.Unlock()
	c.emit(s)

	page, err := fetch(ctx, c.pageSize)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.fail(opInitial, err)
	} else {
		c.state.Items = c.replay(c.unique(nil, page.Items))
		c.state.HasMore = page.HasMore
		c.state.TotalCount = page.TotalCount
		c.state.Phase = PhaseReady
		c.failedOp = opNone
		c.sortItems()
	}
	c.loading = false
	c.touched, c.removed = nil, nil
	s = c.snapshot()
	c.mu.Unlock()
	c.emit(s)
	return err
}

// replay reaplica sobre una página recién traída las mutaciones locales
// ocurridas mientras se pedía: lo borrado no vuelve y lo agregado o cambiado
// queda en su versión actual.
func (c *Controller[T]) replay(items []T) []T {
	for _, gone := range c.removed {
		items = slices.DeleteFunc(items, func(it T) bool { return c.same(it, gone) })
	}
	for _, changed := range c.touched {
		idx := slices.IndexFunc(c.state.Items, func(it T) bool { return c.same(it, changed) })
		if idx < 0 {
			continue
		}
		current := c.state.Items[idx]
		if at := slices.IndexFunc(items, func(it T) bool { return c.same(it, current) }); at >= 0 {
			items[at] = current
		} else {
			items = append(items, current)
		}
	}
	return items
}

// Insert agrega un elemento local (por ejemplo un envío optimista) si no está.
func (c *Controller[T]) Insert(item T) bool {
	c.mu.Lock()
	for _, existing := range c.state.Items {
		if c.same(existing, item) {
			c.mu.Unlock()
			return false
		}
	}
	c.state.Items = append(append([]T(nil), c.state.Items...), item)
	if c.loading {
		c.touched = append(c.touched, item)
	}
	c.sortItems()
	s := c.snapshot()
	c.mu.Unlock()
	c.emit(s)
	return true
}

// Update reemplaza el primer elemento que cumple match por fn(elemento).
func (c *Controller[T]) Update(match func(T) bool, fn func(T) T) bool {
	c.mu.Lock()
	for i, existing := range c.state.Items {
		if !match(existing) {
			continue
		}
		items := append([]T(nil), c.state.Items...)
		items[i] = fn(existing)
		c.state.Items = items
		if c.loading {
			if !c.same(existing, items[i]) {
				c.removed = append(c.removed, existing)
			}
			c.touched = append(c.touched, items[i])
		}
		c.sortItems()
		s := c.snapshot()
		c.mu.Unlock()
		c.emit(s)
		return true
	}
	c.mu.Unlock()
	return false
}

// Remove quita los elementos que cumplen match.
func (c *Controller[T]) Remove(match func(T) bool) bool {
	c.mu.Lock()
	kept := make([]T, 0, len(c.state.Items))
	for _, existing := range c.state.Items {
		switch {
		case !match(existing):
			kept = append(kept, existing)
		case c.loading:
			c.removed = append(c.removed, existing)
		}
	}
	if len(kept) == len(c.state.Items) {
		c.mu.Unlock()
		return false
	}
	c.state.Items = kept
	c.sortItems()
	s := c.snapshot()
	c.mu.Unlock()
	c.emit(s)
	return true
}

// Merge agrega elementos que llegan por otra vía (en vivo) sin duplicarlos.
func (c *Controller[T]) Merge(items []T) int {
	c.mu.Lock()
	fresh := c.unique(c.state.Items, items)
	if len(fresh) == 0 {
		c.mu.Unlock()
		return 0
	}
	c.state.Items = append(append([]T(nil), c.state.Items...), fresh...)
	if c.loading {
		c.touched = append(c.touched, fresh...)
	}
	c.sortItems()
	s := c.snapshot()
	c.mu.Unlock()
	c.emit(s)
	return len(fresh)
}

func (c *Controller[T]) fail(failed op, err error) {
	c.state.Phase = PhaseError
	c.state.Err = err
	c.failedOp = failed
}

func (c *Controller[T]) unique(existing, incoming []T) []T {
	out := make([]T, 0, len(incoming))
	for _, item := range incoming {
		if containsBy(existing, item, c.same) || containsBy(out, item, c.same) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (c *Controller[T]) sortItems() {
	sort.SliceStable(c.state.Items, func(i, j int) bool {
		return c.state.Items[i].GetTimestamp() < c.state.Items[j].GetTimestamp()
	})
	c.state.OldestBoundary = 0
	if len(c.state.Items) > 0 {
		c.state.OldestBoundary = c.state.Items[0].GetTimestamp()
	}
}

func (c *Controller[T]) emit(s State[T]) {
	if c.onChange != nil {
		c.onChange(s)
	}
}

func containsBy[T any](list []T, item T, same func(a, b T) bool) bool {
	for _, existing := range list {
		if same(existing, item) {
			return true
		}
	}
	return false
}

func minTimestamp[T Timestamped](items []T) int64 {
	lowest := items[0].GetTimestamp()
	for _, item := range items[1:] {
		if ts := item.GetTimestamp(); ts < lowest {
			lowest = ts
		}
	}
	return lowest
}
