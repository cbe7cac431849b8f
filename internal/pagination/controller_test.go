package pagination

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type item struct {
	ID string
	TS int64
}

func (i item) GetTimestamp() int64 { return i.TS }

func sameItem(a, b item) bool { return a.ID == b.ID }

type fetchResult struct {
	page Page[item]
	err  error
}

// scriptedFetcher devuelve las respuestas en orden; gate permite bloquear un fetch.
type scriptedFetcher struct {
	mu      sync.Mutex
	latest  []fetchResult
	before  []fetchResult
	cursors []int64
	gate    chan struct{}
	entered chan struct{}
	calls   int
}

func (f *scriptedFetcher) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *scriptedFetcher) FetchLatest(context.Context, int) (Page[item], error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r := f.latest[0]
	f.latest = f.latest[1:]
	return r.page, r.err
}

func (f *scriptedFetcher) FetchBefore(_ context.Context, cursor int64, _ int) (Page[item], error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	r := f.before[0]
	f.before = f.before[1:]
	return r.page, r.err
}

type freshFetcher struct {
	*scriptedFetcher
	fresh int
}

func (f *freshFetcher) FetchFresh(ctx context.Context, limit int) (Page[item], error) {
	f.fresh++
	return f.scriptedFetcher.FetchLatest(ctx, limit)
}

func newController(t *testing.T, f Fetcher[item]) *Controller[item] {
	t.Helper()
	c, err := New[item](f, Config[item]{PageSize: 20, Same: sameItem})
	require.NoError(t, err)
	return c
}

func itemIDs(items []item) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.ID)
	}
	return out
}

func TestNewValidates(t *testing.T) {
	_, err := New[item](nil, Config[item]{Same: sameItem})
	require.Error(t, err)
	_, err = New[item](&scriptedFetcher{}, Config[item]{})
	require.Error(t, err)
}

func TestLoadInitialReplacesItems(t *testing.T) {
	f := &scriptedFetcher{latest: []fetchResult{
		{page: Page[item]{Items: []item{{"m2", 200}, {"m1", 100}}, HasMore: true, TotalCount: 25}},
	}}
	c := newController(t, f)

	require.NoError(t, c.LoadInitial(context.Background()))
	s := c.State()
	require.Equal(t, []string{"m1", "m2"}, itemIDs(s.Items))
	require.True(t, s.HasMore)
	require.Equal(t, 25, s.TotalCount)
	require.Equal(t, int64(100), s.OldestBoundary)
	require.Equal(t, PhaseReady, s.Phase)
}

func TestLoadMorePrependsOlderPage(t *testing.T) {
	f := &scriptedFetcher{
		latest: []fetchResult{{page: Page[item]{Items: []item{{"m1", 100}, {"m2", 200}}, HasMore: true, TotalCount: 3}}},
		before: []fetchResult{{page: Page[item]{Items: []item{{"m0", 50}}, HasMore: false}}},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))

	require.NoError(t, c.LoadMore(ctx))
	s := c.State()
	require.Equal(t, []string{"m0", "m1", "m2"}, itemIDs(s.Items))
	require.False(t, s.HasMore)
	require.Equal(t, []int64{100}, f.cursors)

	// Sin más páginas, LoadMore no vuelve a pedir nada.
	require.NoError(t, c.LoadMore(ctx))
	require.Equal(t, 2, f.calls)
}

func TestLoadMoreEmptyPageEndsPagination(t *testing.T) {
	f := &scriptedFetcher{
		latest: []fetchResult{{page: Page[item]{Items: []item{{"m1", 100}}, HasMore: true}}},
		before: []fetchResult{{page: Page[item]{HasMore: true}}},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))
	require.NoError(t, c.LoadMore(ctx))
	require.False(t, c.State().HasMore)
}

func TestLoadMoreDedupesAcrossBoundary(t *testing.T) {
	f := &scriptedFetcher{
		latest: []fetchResult{{page: Page[item]{Items: []item{{"m1", 100}, {"m2", 200}}, HasMore: true}}},
		before: []fetchResult{{page: Page[item]{Items: []item{{"m0", 50}, {"m1", 100}}, HasMore: true}}},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))
	require.NoError(t, c.LoadMore(ctx))
	require.Equal(t, []string{"m0", "m1", "m2"}, itemIDs(c.State().Items))
}

func TestLoadMoreIsSingleFlight(t *testing.T) {
	f := &scriptedFetcher{
		latest: []fetchResult{{page: Page[item]{Items: []item{{"m1", 100}}, HasMore: true}}},
		before: []fetchResult{{page: Page[item]{Items: []item{{"m0", 50}}, HasMore: true}}},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))

	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- c.LoadMore(ctx) }()
	<-f.entered

	require.Equal(t, PhaseLoadingMore, c.State().Phase)
	require.NoError(t, c.LoadMore(ctx))
	require.NoError(t, c.LoadInitial(ctx))

	close(f.gate)
	require.NoError(t, <-done)
	require.Equal(t, 2, f.calls)
	require.Equal(t, []string{"m0", "m1"}, itemIDs(c.State().Items))
}

func TestLoadMoreNoopBeforeInitialLoad(t *testing.T) {
	f := &scriptedFetcher{}
	c := newController(t, f)
	require.NoError(t, c.LoadMore(context.Background()))
	require.Zero(t, f.calls)
	require.Equal(t, PhaseIdle, c.State().Phase)
}

func TestErrorKeepsItemsAndRecovers(t *testing.T) {
	boom := errors.New("offline")
	f := &scriptedFetcher{
		latest: []fetchResult{{page: Page[item]{Items: []item{{"m1", 100}}, HasMore: true}}},
		before: []fetchResult{
			{err: boom},
			{page: Page[item]{Items: []item{{"m0", 50}}, HasMore: false}},
		},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))

	require.ErrorIs(t, c.LoadMore(ctx), boom)
	s := c.State()
	require.Equal(t, PhaseError, s.Phase)
	require.ErrorIs(t, s.Err, boom)
	require.Equal(t, []string{"m1"}, itemIDs(s.Items))

	require.NoError(t, c.LoadMore(ctx))
	s = c.State()
	require.Equal(t, PhaseReady, s.Phase)
	require.NoError(t, s.Err)
	require.Equal(t, []string{"m0", "m1"}, itemIDs(s.Items))
}

func TestRefreshUsesFreshFetcher(t *testing.T) {
	base := &scriptedFetcher{latest: []fetchResult{
		{err: errors.New("offline")},
		{page: Page[item]{Items: []item{{"m9", 900}}, HasMore: false, TotalCount: 1}},
	}}
	f := &freshFetcher{scriptedFetcher: base}
	c := newController(t, f)
	ctx := context.Background()

	require.Error(t, c.LoadInitial(ctx))
	require.Equal(t, PhaseError, c.State().Phase)

	require.NoError(t, c.Refresh(ctx))
	s := c.State()
	require.Equal(t, 1, f.fresh)
	require.Equal(t, PhaseReady, s.Phase)
	require.Equal(t, []string{"m9"}, itemIDs(s.Items))
}

func TestLocalMutationsKeepOrder(t *testing.T) {
	f := &scriptedFetcher{latest: []fetchResult{{page: Page[item]{Items: []item{{"m1", 100}, {"m3", 300}}}}}}
	var states []State[item]
	c, err := New[item](f, Config[item]{Same: sameItem, OnChange: func(s State[item]) { states = append(states, s) }})
	require.NoError(t, err)
	require.NoError(t, c.LoadInitial(context.Background()))

	require.True(t, c.Insert(item{"t2", 200}))
	require.False(t, c.Insert(item{"t2", 200}))
	require.True(t, c.Update(func(i item) bool { return i.ID == "t2" }, func(i item) item { i.ID = "m2"; return i }))
	require.Equal(t, 1, c.Merge([]item{{"m2", 200}, {"m4", 400}}))
	require.True(t, c.Remove(func(i item) bool { return i.ID == "m1" }))
	require.False(t, c.Remove(func(i item) bool { return i.ID == "zz" }))

	s := c.State()
	require.Equal(t, []string{"m2", "m3", "m4"}, itemIDs(s.Items))
	require.Equal(t, int64(200), s.OldestBoundary)
	require.Len(t, states, 6)
}

func TestMutationsDuringInitialLoadSurvive(t *testing.T) {
	f := &scriptedFetcher{
		latest: []fetchResult{
			{page: Page[item]{Items: []item{{"t2", 200}, {"m5", 500}}}},
			{page: Page[item]{Items: []item{{"m1", 100}, {"t2", 200}, {"m5", 500}}, TotalCount: 3}},
		},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))

	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-f.entered

	require.Equal(t, 1, c.Merge([]item{{"live", 300}}))
	require.True(t, c.Update(func(i item) bool { return i.ID == "t2" }, func(i item) item { i.TS = 250; return i }))
	require.True(t, c.Remove(func(i item) bool { return i.ID == "m5" }))
	require.True(t, c.Insert(item{"t9", 900}))

	close(f.gate)
	require.NoError(t, <-done)
	s := c.State()
	require.Equal(t, PhaseReady, s.Phase)
	require.Equal(t, []string{"m1", "t2", "live", "t9"}, itemIDs(s.Items))
	require.Equal(t, int64(250), s.Items[1].TS, "the local update wins over the fetched copy")

	// Pasada la carga, nada queda anotado para la siguiente.
	f.gate, f.entered = nil, nil
	f.latest = append(f.latest, fetchResult{page: Page[item]{Items: []item{{"m1", 100}}}})
	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, []string{"m1"}, itemIDs(c.State().Items))
}

func TestIdentityChangingUpdateDuringLoad(t *testing.T) {
	f := &scriptedFetcher{
		latest: []fetchResult{
			{page: Page[item]{Items: []item{{"t1", 100}}}},
			{page: Page[item]{Items: []item{{"t1", 100}}}},
		},
	}
	c := newController(t, f)
	ctx := context.Background()
	require.NoError(t, c.LoadInitial(ctx))

	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-f.entered

	require.True(t, c.Update(func(i item) bool { return i.ID == "t1" }, func(i item) item { i.ID = "m1"; return i }))
	close(f.gate)
	require.NoError(t, <-done)
	require.Equal(t, []string{"m1"}, itemIDs(c.State().Items))
}
