package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordja/convobridge/internal/config"
	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/pkg/taskservice"
)

type fakeTier2 struct {
	mu      sync.Mutex
	entries map[string]models.ListCacheEntry
	puts    int
}

func newFakeTier2() *fakeTier2 {
	return &fakeTier2{entries: make(map[string]models.ListCacheEntry)}
}

func (f *fakeTier2) GetListCacheEntry(_ context.Context, folderID, yearMonth string) (models.ListCacheEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[folderID+"|"+yearMonth]
	return e, ok, nil
}

func (f *fakeTier2) PutListCacheEntry(_ context.Context, entry models.ListCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.entries[entry.CacheKey()] = entry
	return nil
}

type fakeRemote struct {
	calls       int32
	createCalls int32
	delay       time.Duration
	lists       []taskservice.ListRef
	createdID   string
}

func (f *fakeRemote) FindListsByFolder(ctx context.Context, folderID string) ([]taskservice.ListRef, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.lists, nil
}

func (f *fakeRemote) CreateList(ctx context.Context, folderID, name string) (taskservice.ListRef, error) {
	atomic.AddInt32(&f.createCalls, 1)
	id := f.createdID
	if id == "" {
		id = "created-" + name
	}
	return taskservice.ListRef{ListID: id, Name: name}, nil
}

func testResolverConfig() config.ResolverConfig {
	return config.ResolverConfig{
		FuzzyMatchThreshold:    0.85,
		Tier1TTLSeconds:        3600,
		Tier2HorizonSeconds:    86400,
		FallbackListID:         "fallback-list",
		Tier3Timeout:           5 * time.Second,
		CircuitBreakerFailures: 5,
	}
}

func TestResolve_ExactMatch(t *testing.T) {
	mappings := []models.FolderMapping{{ClientNameNormalized: "acme corp", FolderID: "folder-1"}}
	remote := &fakeRemote{lists: []taskservice.ListRef{{ListID: "list-2026-01", Name: "2026-01"}}}
	r := New(mappings, newFakeTier2(), remote, testResolverConfig(), nil)

	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	listID, err := r.Resolve(context.Background(), "Acme Corp", now)
	require.NoError(t, err)
	assert.Equal(t, "list-2026-01", listID)
}

func TestResolve_FuzzyMatchAboveThreshold(t *testing.T) {
	mappings := []models.FolderMapping{{ClientNameNormalized: "acme corporation", FolderID: "folder-1"}}
	remote := &fakeRemote{lists: []taskservice.ListRef{{ListID: "list-2026-01", Name: "2026-01"}}}
	r := New(mappings, newFakeTier2(), remote, testResolverConfig(), nil)

	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	listID, err := r.Resolve(context.Background(), "Acme Corporatoin", now)
	require.NoError(t, err)
	assert.Equal(t, "list-2026-01", listID)
}

func TestResolve_NoMatchFallsBack(t *testing.T) {
	mappings := []models.FolderMapping{{ClientNameNormalized: "acme corp", FolderID: "folder-1"}}
	remote := &fakeRemote{}
	r := New(mappings, newFakeTier2(), remote, testResolverConfig(), nil)

	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	listID, err := r.Resolve(context.Background(), "Completely Unrelated Name", now)
	require.NoError(t, err)
	assert.Equal(t, "fallback-list", listID)
}

func TestResolveList_Tier1CacheHitAvoidsRemote(t *testing.T) {
	remote := &fakeRemote{lists: []taskservice.ListRef{{ListID: "list-2026-01", Name: "2026-01"}}}
	r := New(nil, newFakeTier2(), remote, testResolverConfig(), nil)

	listID, err := r.resolveList(context.Background(), "folder-1", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, "list-2026-01", listID)
	assert.Equal(t, int32(1), remote.calls)

	listID, err = r.resolveList(context.Background(), "folder-1", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, "list-2026-01", listID)
	assert.Equal(t, int32(1), remote.calls, "second call should be served from tier 1")
}

func TestResolveList_NoMatchingListAutoProvisionsOne(t *testing.T) {
	remote := &fakeRemote{lists: []taskservice.ListRef{{ListID: "list-2025-12", Name: "2025-12"}}, createdID: "list-2026-03"}
	tier2 := newFakeTier2()
	r := New(nil, tier2, remote, testResolverConfig(), nil)

	listID, err := r.resolveList(context.Background(), "folder-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, "list-2026-03", listID)
	assert.Equal(t, int32(1), remote.createCalls)

	entry, found, _ := tier2.GetListCacheEntry(context.Background(), "folder-1", "2026-03")
	assert.True(t, found)
	assert.Equal(t, "list-2026-03", entry.ListID)
}

func TestResolveList_SingleFlightCoalescesConcurrentTier3Calls(t *testing.T) {
	remote := &fakeRemote{delay: 50 * time.Millisecond, lists: []taskservice.ListRef{{ListID: "list-2026-02", Name: "2026-02"}}}
	r := New(nil, newFakeTier2(), remote, testResolverConfig(), nil)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			listID, err := r.resolveList(context.Background(), "folder-9", "2026-02")
			require.NoError(t, err)
			results[idx] = listID
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, "list-2026-02", got)
	}
	assert.Equal(t, int32(1), remote.calls, "concurrent lookups for the same key must coalesce into one tier-3 call")
}
