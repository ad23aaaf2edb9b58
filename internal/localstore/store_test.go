package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "local.db"),
		Logger: zap.NewNop(),
		Clock: func() time.Time {
			return time.UnixMilli(1704067200000)
		},
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func stringPointer(value string) *string {
	return &value
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(Config{Path: "  "}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenReportsCurrentSchemaVersion(t *testing.T) {
	store := openTestStore(t)
	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", CurrentSchemaVersion, version)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	for attempt := 0; attempt < 3; attempt++ {
		store, err := Open(Config{Path: path})
		if err != nil {
			t.Fatalf("open attempt %d failed: %v", attempt, err)
		}
		version, err := store.SchemaVersion(context.Background())
		if err != nil {
			t.Fatalf("schema version failed: %v", err)
		}
		if version != CurrentSchemaVersion {
			t.Fatalf("attempt %d: expected version %d, got %d", attempt, CurrentSchemaVersion, version)
		}
		_ = store.Close()
	}
}

func TestListPostsOrdersByDateDescending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, post := range []CachedPost{
		{ID: "p1", Type: "image", Date: "2024-01-01T00:00:00Z"},
		{ID: "p3", Type: "music", Date: "2024-01-03T00:00:00Z"},
		{ID: "p2", Type: "video", Date: "2024-01-02T00:00:00Z"},
	} {
		if err := store.PutPost(ctx, post); err != nil {
			t.Fatalf("put post %s failed: %v", post.ID, err)
		}
	}

	posts, err := store.ListPosts(ctx)
	if err != nil {
		t.Fatalf("list posts failed: %v", err)
	}
	got := []string{}
	for _, post := range posts {
		got = append(got, post.ID)
	}
	want := []string{"p3", "p2", "p1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestReplacePostsSupersedesPreviousRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.PutPost(ctx, CachedPost{ID: "p1", Type: "image", Title: "old", Date: "2024-01-01", SubgroupID: stringPointer("sg-old")}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fresh := []CachedPost{
		{ID: "p2", Type: "image", Title: "second", Date: "2024-01-03"},
		{ID: "p1", Type: "image", Title: "new", Date: "2024-01-02"},
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := store.ReplacePosts(ctx, fresh); err != nil {
			t.Fatalf("replace attempt %d failed: %v", attempt, err)
		}
	}

	posts, err := store.ListPosts(ctx)
	if err != nil {
		t.Fatalf("list posts failed: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	if posts[0].ID != "p2" || posts[1].ID != "p1" {
		t.Fatalf("unexpected order: %s, %s", posts[0].ID, posts[1].ID)
	}
	if posts[1].Title != "new" || posts[1].Date != "2024-01-02" {
		t.Fatalf("expected p1 to be fully replaced, got %+v", posts[1])
	}
	if posts[1].SubgroupID != nil {
		t.Fatalf("expected stale subgroup to be dropped, got %q", *posts[1].SubgroupID)
	}
}

func TestReplacePostsRejectsEmptyIDWithoutClearing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.PutPost(ctx, CachedPost{ID: "p1", Type: "image", Date: "2024-01-01"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	err := store.ReplacePosts(ctx, []CachedPost{{ID: "", Type: "image"}})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
	if _, err := store.GetPost(ctx, "p1"); err != nil {
		t.Fatalf("expected previous post to survive: %v", err)
	}
}

func TestPutLikeDoesNotDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	like := CachedLike{PostID: "p1", UserID: "u1"}
	for attempt := 0; attempt < 3; attempt++ {
		if err := store.PutLike(ctx, like); err != nil {
			t.Fatalf("put like failed: %v", err)
		}
	}
	likes, err := store.ListLikes(ctx, "u1")
	if err != nil {
		t.Fatalf("list likes failed: %v", err)
	}
	if len(likes) != 1 {
		t.Fatalf("expected a single like row, got %d", len(likes))
	}

	if err := store.DeleteLike(ctx, "p1", "u1"); err != nil {
		t.Fatalf("delete like failed: %v", err)
	}
	if _, err := store.GetLike(ctx, "p1", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestAddCommentAssignsLocalIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first := &CachedComment{PostID: "p1", UserID: "u1", Content: "first"}
	second := &CachedComment{PostID: "p1", UserID: "u1", Content: "second", CreatedAtMillis: 1704067300000}
	if err := store.AddComment(ctx, first); err != nil {
		t.Fatalf("add first comment failed: %v", err)
	}
	if err := store.AddComment(ctx, second); err != nil {
		t.Fatalf("add second comment failed: %v", err)
	}
	if first.ID == 0 || second.ID <= first.ID {
		t.Fatalf("expected increasing ids, got %d and %d", first.ID, second.ID)
	}
	if first.CreatedAtMillis != 1704067200000 {
		t.Fatalf("expected clock timestamp, got %d", first.CreatedAtMillis)
	}

	comments, err := store.ListComments(ctx, "p1")
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	if len(comments) != 2 || comments[0].Content != "first" {
		t.Fatalf("unexpected comments: %+v", comments)
	}

	if err := store.AddComment(ctx, &CachedComment{PostID: "p1", UserID: "u1", Content: "   "}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected blank comment to be rejected, got %v", err)
	}
}

func TestPendingOutboxReturnsOldestFirstWithLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for index := 0; index < 12; index++ {
		entry := &OutboxEntry{Kind: OutboxKindLike, PostID: "p" + string(rune('a'+index)), UserID: "u1", Add: true}
		if err := store.Enqueue(ctx, entry); err != nil {
			t.Fatalf("enqueue %d failed: %v", index, err)
		}
	}

	entries, err := store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending outbox failed: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for index := 1; index < len(entries); index++ {
		if entries[index].ID <= entries[index-1].ID {
			t.Fatalf("entries not ordered oldest first: %d then %d", entries[index-1].ID, entries[index].ID)
		}
	}
	if entries[0].PostID != "pa" {
		t.Fatalf("expected oldest entry first, got %s", entries[0].PostID)
	}

	if err := store.DeleteOutbox(ctx, entries[0].ID); err != nil {
		t.Fatalf("delete outbox failed: %v", err)
	}
	count, err := store.CountOutbox(ctx)
	if err != nil {
		t.Fatalf("count outbox failed: %v", err)
	}
	if count != 11 {
		t.Fatalf("expected 11 pending entries, got %d", count)
	}
}

func TestEnqueueValidatesEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cases := []OutboxEntry{
		{Kind: OutboxKindLike, PostID: "", UserID: "u1"},
		{Kind: OutboxKindComment, PostID: "p1", UserID: "u1", Content: " "},
		{Kind: OutboxKind("share"), PostID: "p1", UserID: "u1"},
	}
	for _, entry := range cases {
		candidate := entry
		if err := store.Enqueue(ctx, &candidate); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected invalid record for %+v, got %v", entry, err)
		}
	}
}

func TestDeadLetterMovesEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	entry := &OutboxEntry{Kind: OutboxKindComment, PostID: "p1", UserID: "u1", Content: "hello", ClientKey: "key-1"}
	if err := store.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := store.DeadLetter(ctx, *entry, "rejected", 4); err != nil {
		t.Fatalf("dead letter failed: %v", err)
	}
	if _, err := store.GetOutboxEntry(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected entry to leave the outbox, got %v", err)
	}
	letters, err := store.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(letters) != 1 || letters[0].OutboxID != entry.ID || letters[0].Attempts != 4 || letters[0].ClientKey != "key-1" {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
}
