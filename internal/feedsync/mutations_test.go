package feedsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/remote"
)

// slowLikeStore holds the first PutLike until released.
type slowLikeStore struct {
	*localstore.Store

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowLikeStore) PutLike(ctx context.Context, like localstore.CachedLike) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.PutLike(ctx, like)
}

// flakyOutboxStore fails the first failures Enqueue calls.
type flakyOutboxStore struct {
	*localstore.Store

	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyOutboxStore) Enqueue(ctx context.Context, entry *localstore.OutboxEntry) error {
	s.mu.Lock()
	s.calls++
	failing := s.calls <= s.failures
	s.mu.Unlock()
	if failing {
		return errDiskFull
	}
	return s.Store.Enqueue(ctx, entry)
}

// heldCommentsGateway reads the comments table, then holds the result until
// released.
type heldCommentsGateway struct {
	remote.Gateway

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *heldCommentsGateway) Select(ctx context.Context, query remote.Query) ([]remote.Row, error) {
	rows, err := g.Gateway.Select(ctx, query)
	if query.Table == remote.TableComments {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return rows, err
}

func drain(t *testing.T, engine *Engine, passes int) {
	t.Helper()
	for pass := 0; pass < passes; pass++ {
		if _, err := engine.ReplayOnce(context.Background()); err != nil {
			t.Fatalf("pass %d failed: %v", pass, err)
		}
	}
}

func TestConcurrentTogglesReachRemoteInOrder(t *testing.T) {
	ctx := context.Background()
	store := &slowLikeStore{
		Store:   openTestStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	memory := newTestGateway()
	engine := newTestEngine(t, testEngineOptions{store: store, gateway: memory})
	signIn(engine, "u1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.ToggleLike(ctx, "p1")
	}()
	<-store.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.ToggleLike(ctx, "p1")
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	entries := mustPending(t, store.Store)
	if len(entries) != 2 {
		t.Fatalf("expected two outbox entries, got %d", len(entries))
	}
	first, err := actionFromEntry(entries[0])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if like, ok := first.(LikeAction); !ok || !like.Add {
		t.Fatalf("expected the like to be queued before the unlike, got %+v", first)
	}

	drain(t, engine, 3)
	likes := memory.Rows(remote.TableLikes)
	if engine.IsLiked("p1") || len(likes) != 0 {
		t.Fatalf("local and remote diverged: liked=%v remote likes=%d", engine.IsLiked("p1"), len(likes))
	}
}

func TestUnlikeFollowsVolatileLikeIntoMemory(t *testing.T) {
	ctx := context.Background()
	store := &flakyOutboxStore{Store: openTestStore(t), failures: 1}
	memory := newTestGateway()
	engine := newTestEngine(t, testEngineOptions{store: store, gateway: memory})
	signIn(engine, "u1")

	engine.ToggleLike(ctx, "p1")
	engine.ToggleLike(ctx, "p1")
	if engine.VolatilePending() != 2 {
		t.Fatalf("expected both actions held in memory, got %d", engine.VolatilePending())
	}
	if entries := mustPending(t, store.Store); len(entries) != 0 {
		t.Fatalf("expected no durable entries, got %d", len(entries))
	}

	drain(t, engine, 3)
	if engine.VolatilePending() != 0 {
		t.Fatalf("expected volatile queue drained, got %d", engine.VolatilePending())
	}
	if likes := memory.Rows(remote.TableLikes); engine.IsLiked("p1") || len(likes) != 0 {
		t.Fatalf("local and remote diverged: liked=%v remote likes=%d", engine.IsLiked("p1"), len(likes))
	}
}

func TestOtherPostsStayDurableWhileOneIsVolatile(t *testing.T) {
	ctx := context.Background()
	store := &flakyOutboxStore{Store: openTestStore(t), failures: 1}
	engine := newTestEngine(t, testEngineOptions{store: store})
	signIn(engine, "u1")

	engine.ToggleLike(ctx, "p1")
	engine.ToggleLike(ctx, "p2")
	if engine.VolatilePending() != 1 {
		t.Fatalf("expected one volatile action, got %d", engine.VolatilePending())
	}
	entries := mustPending(t, store.Store)
	if len(entries) != 1 || entries[0].PostID != "p2" {
		t.Fatalf("expected p2 in the outbox, got %+v", entries)
	}
}

func TestRetriedLikeHoldsBackLaterUnlike(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	memory := newTestGateway()
	gateway := &scriptedGateway{Gateway: memory, writeFailures: 1}
	engine := newTestEngine(t, testEngineOptions{store: store, gateway: gateway})
	signIn(engine, "u1")

	engine.ToggleLike(ctx, "p1")
	engine.ToggleLike(ctx, "p1")

	first, err := engine.ReplayOnce(ctx)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if first.Retried != 1 || first.Deferred != 1 || first.Attempted != 1 {
		t.Fatalf("expected the unlike to wait for the like, got %+v", first)
	}

	drain(t, engine, 2)
	if pending := mustPending(t, store); len(pending) != 0 {
		t.Fatalf("expected outbox drained, got %d", len(pending))
	}
	if likes := memory.Rows(remote.TableLikes); engine.IsLiked("p1") || len(likes) != 0 {
		t.Fatalf("local and remote diverged: liked=%v remote likes=%d", engine.IsLiked("p1"), len(likes))
	}
}

func TestToggleLikePersistsAfterCallerCancellation(t *testing.T) {
	store := openTestStore(t)
	engine := newTestEngine(t, testEngineOptions{store: store})
	signIn(engine, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !engine.ToggleLike(ctx, "p1") {
		t.Fatalf("expected the like to apply")
	}

	count, err := store.CountOutbox(context.Background())
	if err != nil {
		t.Fatalf("count outbox failed: %v", err)
	}
	if count != 1 || engine.VolatilePending() != 0 {
		t.Fatalf("expected a durable entry, got outbox=%d volatile=%d", count, engine.VolatilePending())
	}
	likes, err := store.ListLikes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("cached likes failed: %v", err)
	}
	if len(likes) != 1 {
		t.Fatalf("expected cached like, got %+v", likes)
	}
}

func TestCommentOnPersistsAfterCallerCancellation(t *testing.T) {
	store := openTestStore(t)
	engine := newTestEngine(t, testEngineOptions{store: store})
	signIn(engine, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := engine.CommentOn(ctx, "p1", "hello"); !ok {
		t.Fatalf("expected the comment to apply")
	}
	if entries := mustPending(t, store); len(entries) != 1 {
		t.Fatalf("expected a durable entry, got %d", len(entries))
	}
}

func TestRefreshCommentsKeepsCommentConfirmedDuringRead(t *testing.T) {
	ctx := context.Background()
	gateway := &heldCommentsGateway{
		Gateway: newTestGateway(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := newTestEngine(t, testEngineOptions{gateway: gateway})
	signIn(engine, "u1")
	if _, ok := engine.CommentOn(ctx, "p1", "hello"); !ok {
		t.Fatalf("expected the comment to apply")
	}

	refreshed := make(chan error, 1)
	go func() {
		refreshed <- engine.RefreshComments(ctx, "p1")
	}()
	<-gateway.entered

	result, err := engine.ReplayOnce(ctx)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if result.Delivered != 1 {
		t.Fatalf("expected the comment delivered, got %+v", result)
	}
	close(gateway.release)
	if err := <-refreshed; err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	comments := engine.Comments("p1")
	if len(comments) != 1 || comments[0].Content != "hello" || comments[0].Pending {
		t.Fatalf("expected the confirmed comment kept, got %+v", comments)
	}

	if err := engine.RefreshComments(ctx, "p1"); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	comments = engine.Comments("p1")
	if len(comments) != 1 || comments[0].ClientKey != "client-key-1" {
		t.Fatalf("expected one remote comment after a full refresh, got %+v", comments)
	}
}
