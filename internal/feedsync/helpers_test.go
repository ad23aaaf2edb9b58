package feedsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decro-app/decro-sync/internal/auth"
	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/remote"
	"go.uber.org/zap"
)

var fixedTestTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time {
	return fixedTestTime
}

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(localstore.Config{
		Path:   filepath.Join(t.TempDir(), "feed.db"),
		Logger: zap.NewNop(),
		Clock:  testClock,
	})
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestGateway() *remote.MemoryGateway {
	return remote.NewMemoryGateway(remote.MemoryGatewayConfig{Clock: testClock})
}

type testEngineOptions struct {
	store       LocalStore
	gateway     remote.Gateway
	names       DisplayNameResolver
	maxAttempts int
}

func newTestEngine(t *testing.T, options testEngineOptions) *Engine {
	t.Helper()
	if options.store == nil {
		options.store = openTestStore(t)
	}
	if options.gateway == nil {
		options.gateway = newTestGateway()
	}
	keyCounter := 0
	engine, err := NewEngine(EngineConfig{
		Store:       options.store,
		Gateway:     options.gateway,
		Names:       options.names,
		Logger:      zap.NewNop(),
		Clock:       testClock,
		Interval:    10 * time.Millisecond,
		MaxAttempts: options.maxAttempts,
		NewClientKey: func() (string, error) {
			keyCounter++
			return fmt.Sprintf("client-key-%d", keyCounter), nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

func signIn(engine *Engine, userID string) {
	engine.SetSession(&auth.Session{UserID: userID, Email: userID + "@example.com"})
}

type staticNames map[string]string

func (names staticNames) DisplayNames(_ context.Context, userIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		if name, ok := names[userID]; ok {
			resolved[userID] = name
		} else {
			resolved[userID] = placeholderCreator
		}
	}
	return resolved, nil
}

var errGatewayDown = remote.NewError(remote.ErrUnavailable, 503, "", "service unavailable")

// scriptedGateway wraps a gateway and fails the first writeFailures write
// calls with writeErr, or every read when failReads is set.
type scriptedGateway struct {
	remote.Gateway

	mu            sync.Mutex
	writeFailures int
	writeErr      error
	failReads     bool
	writeCalls    int
	selectCalls   int
}

func (g *scriptedGateway) nextWrite() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeCalls++
	if g.writeFailures < 0 || g.writeCalls <= g.writeFailures {
		if g.writeErr != nil {
			return g.writeErr
		}
		return errGatewayDown
	}
	return nil
}

func (g *scriptedGateway) readErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selectCalls++
	if g.failReads {
		return errGatewayDown
	}
	return nil
}

func (g *scriptedGateway) setFailReads(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failReads = fail
}

func (g *scriptedGateway) writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeCalls
}

func (g *scriptedGateway) Select(ctx context.Context, query remote.Query) ([]remote.Row, error) {
	if err := g.readErr(); err != nil {
		return nil, err
	}
	return g.Gateway.Select(ctx, query)
}

func (g *scriptedGateway) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := g.nextWrite(); err != nil {
		return nil, err
	}
	return g.Gateway.Insert(ctx, table, row)
}

func (g *scriptedGateway) Upsert(ctx context.Context, table string, row remote.Row, conflictColumns []string) (remote.Row, error) {
	if err := g.nextWrite(); err != nil {
		return nil, err
	}
	return g.Gateway.Upsert(ctx, table, row, conflictColumns)
}

func (g *scriptedGateway) Delete(ctx context.Context, table string, filters []remote.Filter) error {
	if err := g.nextWrite(); err != nil {
		return err
	}
	return g.Gateway.Delete(ctx, table, filters)
}

// stalledGateway never answers until released.
type stalledGateway struct {
	release chan struct{}
}

func newStalledGateway() *stalledGateway {
	return &stalledGateway{release: make(chan struct{})}
}

func (g *stalledGateway) wait() error {
	<-g.release
	return errGatewayDown
}

func (g *stalledGateway) Select(context.Context, remote.Query) ([]remote.Row, error) {
	return nil, g.wait()
}

func (g *stalledGateway) Insert(context.Context, string, remote.Row) (remote.Row, error) {
	return nil, g.wait()
}

func (g *stalledGateway) Upsert(context.Context, string, remote.Row, []string) (remote.Row, error) {
	return nil, g.wait()
}

func (g *stalledGateway) Delete(context.Context, string, []remote.Filter) error {
	return g.wait()
}

func (g *stalledGateway) Count(context.Context, string, []remote.Filter) (int64, error) {
	return 0, g.wait()
}

var errDiskFull = errors.New("disk full")

// brokenOutboxStore delegates to a real store but cannot enqueue.
type brokenOutboxStore struct {
	*localstore.Store
}

func (s brokenOutboxStore) Enqueue(context.Context, *localstore.OutboxEntry) error {
	return errDiskFull
}

func mustPending(t *testing.T, store *localstore.Store) []localstore.OutboxEntry {
	t.Helper()
	entries, err := store.PendingOutbox(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending outbox failed: %v", err)
	}
	return entries
}

func postIDs(posts []Post) []string {
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}
	return ids
}

func equalStrings(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
