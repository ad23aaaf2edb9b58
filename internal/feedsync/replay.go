package feedsync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/remote"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const replayFlightKey = "replay"

// PassResult summarises one replay pass. Deferred counts items held back
// because an earlier action on the same like stayed pending in the pass.
type PassResult struct {
	Attempted    int   `json:"attempted"`
	Delivered    int   `json:"delivered"`
	Retried      int   `json:"retried"`
	DeadLettered int   `json:"deadLettered"`
	Deferred     int   `json:"deferred"`
	Pending      int64 `json:"pending"`
}

// replayItem is one unit of work in a pass: a durable outbox entry or a
// volatile action held in memory.
type replayItem struct {
	entry      localstore.OutboxEntry
	volatileID int64
	action     Action
	decodeErr  error
}

func (item replayItem) key() string {
	if item.volatileID != 0 {
		return "volatile:" + strconv.FormatInt(item.volatileID, 10)
	}
	return "outbox:" + strconv.FormatInt(item.entry.ID, 10)
}

// orderingKey groups actions that must reach the remote in enqueue order.
// Likes of one post by one user share a key; comments carry none.
func orderingKey(action Action) string {
	like, ok := action.(LikeAction)
	if !ok {
		return ""
	}
	return string(localstore.OutboxKindLike) + ":" + like.PostID + ":" + like.UserID
}

func (item replayItem) kind() string {
	if item.action != nil {
		return string(item.action.Kind())
	}
	if item.entry.Kind != "" {
		return string(item.entry.Kind)
	}
	return "unknown"
}

// ReplayOnce drains up to one batch of pending actions against the remote
// gateway. Concurrent callers share the pass already in flight, and a started
// pass runs to completion even when ctx is cancelled.
func (e *Engine) ReplayOnce(ctx context.Context) (PassResult, error) {
	value, err, _ := e.flight.Do(replayFlightKey, func() (any, error) {
		return e.replayPass(context.WithoutCancel(ctx))
	})
	result, _ := value.(PassResult)
	return result, err
}

func (e *Engine) replayPass(ctx context.Context) (PassResult, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, opReplay)
	defer span.End()

	var result PassResult
	var passErr error

	items := make([]replayItem, 0, e.batchSize)
	entries, err := e.store.PendingOutbox(ctx, e.batchSize)
	if err != nil {
		e.logWarn(opReplay, "outbox_read_failed", err)
		passErr = newServiceError(opReplay, "outbox_read_failed", err)
	}
	for _, entry := range entries {
		action, decodeErr := actionFromEntry(entry)
		items = append(items, replayItem{entry: entry, action: action, decodeErr: decodeErr})
	}

	e.replayMu.Lock()
	for _, queued := range e.volatile {
		if len(items) >= e.batchSize {
			break
		}
		items = append(items, replayItem{volatileID: queued.id, action: queued.action})
	}
	e.replayMu.Unlock()

	blocked := make(map[string]struct{})
	for _, item := range items {
		key := orderingKey(item.action)
		if _, held := blocked[key]; held && key != "" {
			result.Deferred++
			continue
		}
		result.Attempted++
		switch e.replayItem(ctx, item) {
		case EntryConfirmed:
			result.Delivered++
		case EntryPending:
			result.Retried++
			if key != "" {
				blocked[key] = struct{}{}
			}
		case EntryDeadLettered:
			result.DeadLettered++
		}
	}

	pending, err := e.store.CountOutbox(ctx)
	if err != nil {
		e.logWarn(opReplay, "outbox_count_failed", err)
		pending = 0
	}
	result.Pending = pending + int64(e.VolatilePending())
	e.metrics.setPending(result.Pending)
	e.metrics.observePass(time.Since(started).Seconds())

	span.SetAttributes(
		attribute.Int("replay.attempted", result.Attempted),
		attribute.Int("replay.delivered", result.Delivered),
		attribute.Int("replay.retried", result.Retried),
		attribute.Int("replay.dead_lettered", result.DeadLettered),
		attribute.Int("replay.deferred", result.Deferred),
		attribute.Int64("replay.pending", result.Pending),
	)
	if passErr != nil {
		span.SetStatus(codes.Error, "outbox read failed")
	}
	if result.Attempted > 0 {
		e.publish(ChangeOutbox)
	}
	return result, passErr
}

func (e *Engine) replayItem(ctx context.Context, item replayItem) EntryState {
	ctx, span := e.tracer.Start(ctx, opReplay+".entry")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.kind", item.kind()),
		attribute.String("outbox.key", item.key()),
	)

	if item.decodeErr != nil {
		span.SetStatus(codes.Error, "undecodable entry")
		e.deadLetter(ctx, item, item.decodeErr.Error(), e.recordAttempt(item))
		return EntryDeadLettered
	}
	span.SetAttributes(attribute.String("post.id", item.action.Post()))

	row, err := e.deliver(ctx, item.action)
	if err == nil {
		e.confirm(ctx, item, row)
		e.metrics.observeReplay(item.kind(), EntryConfirmed)
		return EntryConfirmed
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")
	attempts := e.recordAttempt(item)
	if remote.IsPermanent(err) {
		e.deadLetter(ctx, item, err.Error(), attempts)
		return EntryDeadLettered
	}
	if e.maxAttempts > 0 && attempts >= e.maxAttempts {
		e.deadLetter(ctx, item, fmt.Sprintf("gave up after %d attempts: %v", attempts, err), attempts)
		return EntryDeadLettered
	}
	e.logWarn(opReplay, "delivery_failed", err,
		zap.String("entry", item.key()),
		zap.String("kind", item.kind()),
		zap.Int("attempts", attempts),
	)
	e.metrics.observeReplay(item.kind(), EntryPending)
	return EntryPending
}

func (e *Engine) deliver(ctx context.Context, action Action) (remote.Row, error) {
	switch typed := action.(type) {
	case LikeAction:
		if !typed.Add {
			return nil, e.gateway.Delete(ctx, remote.TableLikes, []remote.Filter{
				remote.Eq("post_id", typed.PostID),
				remote.Eq("user_id", typed.UserID),
			})
		}
		row, err := e.gateway.Insert(ctx, remote.TableLikes, remote.Row{
			"post_id":   typed.PostID,
			"user_id":   typed.UserID,
			"source_id": e.sourceID,
		})
		if remote.IsConflict(err) {
			return nil, nil
		}
		return row, err
	case CommentAction:
		row := remote.Row{
			"post_id":   typed.PostID,
			"user_id":   typed.UserID,
			"content":   typed.Content,
			"source_id": e.sourceID,
		}
		if typed.ClientKey == "" {
			return e.gateway.Insert(ctx, remote.TableComments, row)
		}
		row["client_key"] = typed.ClientKey
		return e.gateway.Upsert(ctx, remote.TableComments, row, []string{"client_key"})
	default:
		return nil, remote.NewError(remote.ErrInvalidQuery, 0, "", fmt.Sprintf("unsupported action %T", action))
	}
}

func (e *Engine) confirm(ctx context.Context, item replayItem, row remote.Row) {
	e.clearAttempts(item)
	if item.volatileID != 0 {
		e.dropVolatile(item.volatileID)
	} else if err := e.store.DeleteOutbox(ctx, item.entry.ID); err != nil {
		e.logWarn(opReplay, "outbox_delete_failed", err, zap.Int64("entry_id", item.entry.ID))
	}

	comment, ok := item.action.(CommentAction)
	if !ok {
		return
	}
	e.mu.Lock()
	list := e.comments[comment.PostID]
	replaced := false
	for index := range list {
		if list[index].LocalID != comment.LocalID || list[index].ClientKey != comment.ClientKey {
			continue
		}
		if len(row) > 0 {
			confirmed := commentFromRow(row)
			if confirmed.PostID == "" {
				confirmed.PostID = comment.PostID
			}
			if confirmed.UserID == "" {
				confirmed.UserID = comment.UserID
			}
			if confirmed.Content == "" {
				confirmed.Content = comment.Content
			}
			if confirmed.CreatedAt.IsZero() {
				confirmed.CreatedAt = list[index].CreatedAt
			}
			confirmed.ClientKey = comment.ClientKey
			list[index] = confirmed
		} else {
			list[index].Pending = false
		}
		replaced = true
		break
	}
	if replaced && comment.ClientKey != "" {
		e.confirmSeq++
		e.confirmedAt[comment.ClientKey] = e.confirmSeq
	}
	e.mu.Unlock()
	if replaced {
		e.publish(ChangeComments, comment.PostID)
	}
}

func (e *Engine) deadLetter(ctx context.Context, item replayItem, reason string, attempts int) {
	e.clearAttempts(item)
	e.metrics.observeReplay(item.kind(), EntryDeadLettered)
	fields := []zap.Field{
		zap.String("entry", item.key()),
		zap.String("kind", item.kind()),
		zap.String("reason_detail", reason),
		zap.Int("attempts", attempts),
	}
	if item.volatileID != 0 {
		e.dropVolatile(item.volatileID)
		e.logError(opReplay, "dead_lettered_volatile", nil, fields...)
		return
	}
	if err := e.store.DeadLetter(ctx, item.entry, reason, attempts); err != nil {
		e.logError(opReplay, "dead_letter_failed", err, fields...)
		return
	}
	e.logError(opReplay, "dead_lettered", nil, fields...)
}

func (e *Engine) recordAttempt(item replayItem) int {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	e.attempts[item.key()]++
	return e.attempts[item.key()]
}

func (e *Engine) clearAttempts(item replayItem) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	delete(e.attempts, item.key())
}

func (e *Engine) dropVolatile(volatileID int64) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	for index, queued := range e.volatile {
		if queued.id == volatileID {
			e.volatile = append(e.volatile[:index], e.volatile[index+1:]...)
			return
		}
	}
}

// Start launches the background replay worker. The worker drains the outbox,
// sleeps for the configured interval, and repeats until ctx is done or Stop
// is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.cancel != nil {
		return newServiceError(opStart, "already_running", errAlreadyRunning)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	go e.run(runCtx, done)
	e.loggerOrDefault().Info("replay worker started", zap.Duration("interval", e.interval), zap.Int("batch_size", e.batchSize))
	return nil
}

// Stop signals the worker and waits for it to exit. A pass in flight runs to
// completion first.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.loggerOrDefault().Info("replay worker stopped")
}

// Running reports whether the replay worker is active.
func (e *Engine) Running() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.cancel != nil
}

func (e *Engine) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.ReplayOnce(ctx); err != nil {
			e.logWarn(opReplay, "pass_failed", err)
		}
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(e.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
