package feedsync

import (
	"context"
	"sort"

	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/remote"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const placeholderCreator = "brokebop"

var postColumns = []string{
	"id",
	"content_type",
	"title",
	"media_url",
	"audio_url",
	"video_url",
	"is_curated",
	"views",
	"created_at",
	"creator_id",
	"subgroup_id",
}

// Hydrate paints the cached feed, then replaces it with the latest remote
// posts and persists them. A remote failure leaves the previous feed in place;
// a cache write failure is logged and the in-memory feed stays authoritative.
func (e *Engine) Hydrate(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, opHydrate)
	defer span.End()

	e.paintFromCache(ctx)

	rows, err := e.gateway.Select(ctx, remote.Query{
		Table:   remote.TablePosts,
		Columns: postColumns,
		Order:   []remote.Order{{Column: "created_at", Descending: true}},
		Limit:   e.feedLimit,
	})
	if err != nil {
		e.metrics.observeHydration("remote", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote select failed")
		e.logWarn(opHydrate, "remote_select_failed", err)
		return newServiceError(opHydrate, "remote_select_failed", err)
	}

	names := e.creatorNames(ctx, rows)
	posts := make([]Post, 0, len(rows))
	for _, row := range rows {
		post, ok := postFromRow(row, names)
		if !ok {
			continue
		}
		posts = append(posts, post)
	}
	sortNewestFirst(posts)

	e.mu.Lock()
	e.posts = posts
	e.mu.Unlock()
	e.metrics.observeHydration("remote", "ok")
	span.SetAttributes(attribute.Int("feed.posts", len(posts)))
	e.publish(ChangePosts)

	cached := make([]localstore.CachedPost, 0, len(posts))
	for _, post := range posts {
		cached = append(cached, cacheFromPost(post))
	}
	if err := e.store.ReplacePosts(ctx, cached); err != nil {
		e.metrics.observeHydration("cache_write", "error")
		e.logWarn(opHydrate, "cache_write_failed", err, zap.Int("posts", len(cached)))
	}
	return nil
}

func (e *Engine) paintFromCache(ctx context.Context) {
	cached, err := e.store.ListPosts(ctx)
	if err != nil {
		e.metrics.observeHydration("cache", "error")
		e.logWarn(opHydrate, "cache_read_failed", err)
		return
	}
	if len(cached) == 0 {
		e.metrics.observeHydration("cache", "empty")
		return
	}
	posts := make([]Post, 0, len(cached))
	for _, entry := range cached {
		posts = append(posts, postFromCache(entry))
	}
	sortNewestFirst(posts)

	e.mu.Lock()
	e.posts = posts
	e.mu.Unlock()
	e.metrics.observeHydration("cache", "ok")
	e.publish(ChangePosts)
}

func (e *Engine) creatorNames(ctx context.Context, rows []remote.Row) map[string]string {
	seen := make(map[string]struct{}, len(rows))
	creatorIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		creatorID := row.String("creator_id")
		if creatorID == "" {
			continue
		}
		if _, ok := seen[creatorID]; ok {
			continue
		}
		seen[creatorID] = struct{}{}
		creatorIDs = append(creatorIDs, creatorID)
	}
	if len(creatorIDs) == 0 || e.names == nil {
		return map[string]string{}
	}
	sort.Strings(creatorIDs)

	names, err := e.names.DisplayNames(ctx, creatorIDs)
	if err != nil {
		e.logWarn(opHydrate, "creator_lookup_failed", err, zap.Int("creators", len(creatorIDs)))
	}
	if names == nil {
		names = map[string]string{}
	}
	return names
}

func postFromRow(row remote.Row, names map[string]string) (Post, bool) {
	postID := row.String("id")
	if postID == "" {
		return Post{}, false
	}
	creator := names[row.String("creator_id")]
	if creator == "" {
		creator = placeholderCreator
	}
	return Post{
		ID:          postID,
		Type:        PostType(row.String("content_type")),
		Title:       row.String("title"),
		ImageURL:    row.String("media_url"),
		AspectRatio: defaultAspectRatio,
		AudioURL:    row.OptionalString("audio_url"),
		VideoURL:    row.OptionalString("video_url"),
		Creator:     creator,
		Date:        row.String("created_at"),
		IsCurated:   row.Bool("is_curated"),
		Views:       row.Int64("views"),
		SubgroupID:  row.OptionalString("subgroup_id"),
	}, true
}

// LoadLikes replaces the liked set with the signed-in user's remote likes.
func (e *Engine) LoadLikes(ctx context.Context) error {
	userID := e.UserID()
	if userID == "" {
		return newServiceError(opLoadLikes, "missing_user", errMissingUserID)
	}
	rows, err := e.gateway.Select(ctx, remote.Query{
		Table:   remote.TableLikes,
		Columns: []string{"post_id"},
		Filters: []remote.Filter{remote.Eq("user_id", userID)},
	})
	if err != nil {
		e.logWarn(opLoadLikes, "remote_select_failed", err)
		return newServiceError(opLoadLikes, "remote_select_failed", err)
	}
	liked := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if postID := row.String("post_id"); postID != "" {
			liked[postID] = struct{}{}
		}
	}

	e.mu.Lock()
	if e.session == nil || e.session.UserID != userID {
		e.mu.Unlock()
		return nil
	}
	e.liked = liked
	e.mu.Unlock()
	e.publish(ChangeLikes)
	return nil
}
