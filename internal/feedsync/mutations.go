package feedsync

import (
	"context"
	"strings"
	"time"

	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/remote"
	"go.uber.org/zap"
)

type volatileAction struct {
	id         int64
	action     Action
	enqueuedAt time.Time
}

// ToggleLike flips the like state of postID for the signed-in user and
// returns the new state. The flip is visible before any I/O; the local cache
// and the outbox are written afterwards, detached from ctx cancellation.
// Toggles are serialised so outbox entries follow the order of the flips.
// Without a signed-in user or a post id nothing changes.
func (e *Engine) ToggleLike(ctx context.Context, postID string) bool {
	postID = strings.TrimSpace(postID)
	persistCtx := context.WithoutCancel(ctx)

	e.mutationMu.Lock()
	defer e.mutationMu.Unlock()

	e.mu.Lock()
	if e.session == nil || postID == "" {
		e.mu.Unlock()
		return false
	}
	userID := e.session.UserID
	_, wasLiked := e.liked[postID]
	if wasLiked {
		delete(e.liked, postID)
	} else {
		e.liked[postID] = struct{}{}
	}
	e.mu.Unlock()
	e.publish(ChangeLikes, postID)

	add := !wasLiked
	if add {
		if err := e.store.PutLike(persistCtx, localstore.CachedLike{PostID: postID, UserID: userID}); err != nil {
			e.logWarn(opToggleLike, "cache_write_failed", err, zap.String("post_id", postID))
		}
	} else {
		if err := e.store.DeleteLike(persistCtx, postID, userID); err != nil {
			e.logWarn(opToggleLike, "cache_delete_failed", err, zap.String("post_id", postID))
		}
	}

	e.enqueue(persistCtx, opToggleLike, LikeAction{PostID: postID, UserID: userID, Add: add})
	return add
}

// CommentOn appends an optimistic comment to postID and queues its remote
// insert. Blank text, a missing post id or a signed-out session are no-ops.
func (e *Engine) CommentOn(ctx context.Context, postID, text string) (Comment, bool) {
	postID = strings.TrimSpace(postID)
	content := strings.TrimSpace(text)
	if postID == "" || content == "" {
		return Comment{}, false
	}
	clientKey, err := e.newClientKey()
	if err != nil {
		e.logError(opSubmitComment, "client_key_failed", err)
		return Comment{}, false
	}

	persistCtx := context.WithoutCancel(ctx)
	e.mutationMu.Lock()
	defer e.mutationMu.Unlock()

	now := e.clock().UTC()
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return Comment{}, false
	}
	userID := e.session.UserID
	e.nextLocalID--
	comment := Comment{
		LocalID:   e.nextLocalID,
		ClientKey: clientKey,
		PostID:    postID,
		UserID:    userID,
		Content:   content,
		CreatedAt: now,
		Pending:   true,
	}
	e.comments[postID] = append(e.comments[postID], comment)
	e.mu.Unlock()
	e.publish(ChangeComments, postID)

	cached := &localstore.CachedComment{
		PostID:          postID,
		UserID:          userID,
		Content:         content,
		CreatedAtMillis: now.UnixMilli(),
	}
	if err := e.store.AddComment(persistCtx, cached); err != nil {
		e.logWarn(opSubmitComment, "cache_write_failed", err, zap.String("post_id", postID))
	}

	e.enqueue(persistCtx, opSubmitComment, CommentAction{
		PostID:    postID,
		UserID:    userID,
		Content:   content,
		LocalID:   comment.LocalID,
		ClientKey: clientKey,
	})
	return comment, true
}

// SubmitComment posts the current draft on the selected post and clears the
// draft. It is a no-op when nothing would be submitted.
func (e *Engine) SubmitComment(ctx context.Context) (Comment, bool) {
	e.mu.Lock()
	postID := e.selectedPostID
	draft := e.commentDraft
	signedIn := e.session != nil
	if postID == "" || strings.TrimSpace(draft) == "" || !signedIn {
		e.mu.Unlock()
		return Comment{}, false
	}
	e.commentDraft = ""
	e.mu.Unlock()

	return e.CommentOn(ctx, postID, draft)
}

// RefreshComments replaces the comment list of postID with the remote list.
// Optimistic comments missing from the remote result are kept at the end:
// those still pending, and those confirmed after the read began. A failed
// read leaves the current list untouched.
func (e *Engine) RefreshComments(ctx context.Context, postID string) error {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return newServiceError(opRefreshComments, "missing_post", ErrInvalidPostID)
	}
	e.mu.RLock()
	readStartedAt := e.confirmSeq
	e.mu.RUnlock()

	rows, err := e.gateway.Select(ctx, remote.Query{
		Table:   remote.TableComments,
		Filters: []remote.Filter{remote.Eq("post_id", postID)},
		Order:   []remote.Order{{Column: "created_at"}},
	})
	if err != nil {
		e.logWarn(opRefreshComments, "remote_select_failed", err, zap.String("post_id", postID))
		return newServiceError(opRefreshComments, "remote_select_failed", err)
	}

	fresh := make([]Comment, 0, len(rows))
	confirmedKeys := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		comment := commentFromRow(row)
		if comment.ClientKey != "" {
			confirmedKeys[comment.ClientKey] = struct{}{}
		}
		fresh = append(fresh, comment)
	}

	e.mu.Lock()
	for _, existing := range e.comments[postID] {
		if _, listed := confirmedKeys[existing.ClientKey]; listed && existing.ClientKey != "" {
			delete(e.confirmedAt, existing.ClientKey)
			continue
		}
		if existing.Pending {
			fresh = append(fresh, existing)
			continue
		}
		if seq, ok := e.confirmedAt[existing.ClientKey]; ok && seq > readStartedAt {
			fresh = append(fresh, existing)
		}
	}
	e.comments[postID] = fresh
	e.mu.Unlock()
	e.publish(ChangeComments, postID)
	return nil
}

func commentFromRow(row remote.Row) Comment {
	createdAt, _ := row.Time("created_at")
	return Comment{
		ID:        row.String("id"),
		ClientKey: row.String("client_key"),
		PostID:    row.String("post_id"),
		UserID:    row.String("user_id"),
		Content:   row.String("content"),
		CreatedAt: createdAt,
	}
}

// RecordView registers that the signed-in user viewed postID and returns the
// post's distinct viewer count.
func (e *Engine) RecordView(ctx context.Context, postID string) (int64, error) {
	validPostID, err := NewPostID(postID)
	if err != nil {
		return 0, newServiceError(opRecordView, "invalid_post", err)
	}
	userID := e.UserID()
	if userID == "" {
		return 0, newServiceError(opRecordView, "missing_user", errMissingUserID)
	}
	row := remote.Row{"post_id": validPostID.String(), "user_id": userID}
	if _, err := e.gateway.Upsert(ctx, remote.TableViews, row, []string{"post_id", "user_id"}); err != nil {
		e.logWarn(opRecordView, "remote_upsert_failed", err, zap.String("post_id", validPostID.String()))
		return 0, newServiceError(opRecordView, "remote_upsert_failed", err)
	}
	return e.ViewCount(ctx, validPostID.String())
}

// ViewCount returns the number of distinct viewers of postID.
func (e *Engine) ViewCount(ctx context.Context, postID string) (int64, error) {
	return e.count(ctx, remote.TableViews, postID)
}

// LikeCount returns the number of likes on postID.
func (e *Engine) LikeCount(ctx context.Context, postID string) (int64, error) {
	return e.count(ctx, remote.TableLikes, postID)
}

func (e *Engine) count(ctx context.Context, table, postID string) (int64, error) {
	validPostID, err := NewPostID(postID)
	if err != nil {
		return 0, newServiceError(opCount, "invalid_post", err)
	}
	total, err := e.gateway.Count(ctx, table, []remote.Filter{remote.Eq("post_id", validPostID.String())})
	if err != nil {
		e.logWarn(opCount, "remote_count_failed", err, zap.String("table", table), zap.String("post_id", validPostID.String()))
		return 0, newServiceError(opCount, "remote_count_failed", err)
	}
	return total, nil
}

// enqueue records action durably, falling back to the volatile queue when the
// outbox cannot be written so the remote call is still attempted. Once a like
// is held in memory, later likes of the same post follow it there so the pair
// reaches the remote in order.
func (e *Engine) enqueue(ctx context.Context, operation string, action Action) {
	if e.holdsVolatile(action) {
		e.appendVolatile(action)
		e.publish(ChangeOutbox, action.Post())
		return
	}

	entry := entryFromAction(action)
	entry.EnqueuedAtMillis = e.clock().UnixMilli()
	err := e.store.Enqueue(ctx, &entry)
	if err == nil {
		e.publish(ChangeOutbox, action.Post())
		return
	}
	e.logWarn(operation, "outbox_write_failed", err, zap.String("post_id", action.Post()))
	e.appendVolatile(action)
	e.publish(ChangeOutbox, action.Post())
}

func (e *Engine) holdsVolatile(action Action) bool {
	key := orderingKey(action)
	if key == "" {
		return false
	}
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	for _, queued := range e.volatile {
		if orderingKey(queued.action) == key {
			return true
		}
	}
	return false
}

func (e *Engine) appendVolatile(action Action) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	e.nextVolatile++
	e.volatile = append(e.volatile, volatileAction{
		id:         e.nextVolatile,
		action:     action,
		enqueuedAt: e.clock().UTC(),
	})
}

// VolatilePending reports actions held only in memory because the outbox
// could not be written.
func (e *Engine) VolatilePending() int {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	return len(e.volatile)
}
