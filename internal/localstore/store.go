// Package localstore persists the on-device cache (posts, likes, comments) and
// the pending-mutation outbox in SQLite through GORM.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	opOpen           = "localstore.open"
	opGetPost        = "localstore.get_post"
	opPutPost        = "localstore.put_post"
	opDeletePost     = "localstore.delete_post"
	opListPosts      = "localstore.list_posts"
	opReplacePosts   = "localstore.replace_posts"
	opGetLike        = "localstore.get_like"
	opPutLike        = "localstore.put_like"
	opDeleteLike     = "localstore.delete_like"
	opListLikes      = "localstore.list_likes"
	opAddComment     = "localstore.add_comment"
	opGetComment     = "localstore.get_comment"
	opDeleteComment  = "localstore.delete_comment"
	opListComments   = "localstore.list_comments"
	opEnqueue        = "localstore.enqueue"
	opGetOutbox      = "localstore.get_outbox"
	opPendingOutbox  = "localstore.pending_outbox"
	opDeleteOutbox   = "localstore.delete_outbox"
	opCountOutbox    = "localstore.count_outbox"
	opDeadLetter     = "localstore.dead_letter"
	opListDead       = "localstore.list_dead_letters"
	opSchemaVersion  = "localstore.schema_version"
	replaceBatchSize = 100
)

var (
	// ErrNotFound reports a missing record for a key lookup.
	ErrNotFound = errors.New("localstore: record not found")
	// ErrInvalidRecord reports a record that fails basic validation before write.
	ErrInvalidRecord = errors.New("localstore: invalid record")
	errMissingPath   = errors.New("database path is required")
)

// StoreError wraps a persistence failure with the operation that produced it.
type StoreError struct {
	operation string
	err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.operation, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Operation returns the failing store operation.
func (e *StoreError) Operation() string {
	return e.operation
}

func wrap(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return &StoreError{operation: operation, err: err}
}

// Config describes how to open the local store.
type Config struct {
	Path   string
	Logger *zap.Logger
	Clock  func() time.Time
}

// Store is the durable on-device store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// Open creates or opens the SQLite database at cfg.Path and brings its schema
// up to CurrentSchemaVersion.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, wrap(opOpen, errMissingPath)
	}
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return nil, wrap(opOpen, err)
			}
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, wrap(opOpen, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrap(opOpen, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		_ = sqlDB.Close()
		return nil, wrap(opOpen, err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := applyMigrations(db, logger, clock); err != nil {
		_ = sqlDB.Close()
		return nil, wrap(opOpen, err)
	}

	logger.Info("local store initialized", zap.String("path", path))
	return &Store{db: db, logger: logger, clock: clock}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SchemaVersion reports how many named migrations have been applied.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&migrationRecord{}).Count(&count).Error; err != nil {
		return 0, wrap(opSchemaVersion, err)
	}
	return int(count), nil
}

// GetPost loads a cached post by id.
func (s *Store) GetPost(ctx context.Context, postID string) (CachedPost, error) {
	var post CachedPost
	if err := s.db.WithContext(ctx).Where("id = ?", postID).Take(&post).Error; err != nil {
		return CachedPost{}, wrap(opGetPost, err)
	}
	return post, nil
}

// PutPost inserts or overwrites a single cached post.
func (s *Store) PutPost(ctx context.Context, post CachedPost) error {
	if strings.TrimSpace(post.ID) == "" {
		return wrap(opPutPost, fmt.Errorf("%w: empty post id", ErrInvalidRecord))
	}
	return wrap(opPutPost, s.db.WithContext(ctx).Save(&post).Error)
}

// DeletePost removes a cached post; deleting an absent post is not an error.
func (s *Store) DeletePost(ctx context.Context, postID string) error {
	return wrap(opDeletePost, s.db.WithContext(ctx).Where("id = ?", postID).Delete(&CachedPost{}).Error)
}

// ListPosts returns every cached post, newest date first.
func (s *Store) ListPosts(ctx context.Context) ([]CachedPost, error) {
	var posts []CachedPost
	if err := s.db.WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}}).
		Find(&posts).Error; err != nil {
		return nil, wrap(opListPosts, err)
	}
	return posts, nil
}

// ReplacePosts clears the post collection and bulk inserts posts in one
// transaction. Either the whole new set is visible or the old set remains.
func (s *Store) ReplacePosts(ctx context.Context, posts []CachedPost) error {
	for _, post := range posts {
		if strings.TrimSpace(post.ID) == "" {
			return wrap(opReplacePosts, fmt.Errorf("%w: empty post id", ErrInvalidRecord))
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&CachedPost{}).Error; err != nil {
			return err
		}
		if len(posts) == 0 {
			return nil
		}
		rows := make([]CachedPost, len(posts))
		copy(rows, posts)
		return transaction.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&rows, replaceBatchSize).Error
	})
	return wrap(opReplacePosts, err)
}

// GetLike returns the like row for (postID, userID) or ErrNotFound.
func (s *Store) GetLike(ctx context.Context, postID, userID string) (CachedLike, error) {
	var like CachedLike
	if err := s.db.WithContext(ctx).Where("post_id = ? AND user_id = ?", postID, userID).Take(&like).Error; err != nil {
		return CachedLike{}, wrap(opGetLike, err)
	}
	return like, nil
}

// PutLike records a like; repeating it leaves a single row.
func (s *Store) PutLike(ctx context.Context, like CachedLike) error {
	if strings.TrimSpace(like.PostID) == "" || strings.TrimSpace(like.UserID) == "" {
		return wrap(opPutLike, fmt.Errorf("%w: like requires post and user", ErrInvalidRecord))
	}
	return wrap(opPutLike, s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error)
}

// DeleteLike removes the like row for (postID, userID) if present.
func (s *Store) DeleteLike(ctx context.Context, postID, userID string) error {
	return wrap(opDeleteLike, s.db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		Delete(&CachedLike{}).Error)
}

// ListLikes returns the cached likes of a user.
func (s *Store) ListLikes(ctx context.Context, userID string) ([]CachedLike, error) {
	var likes []CachedLike
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("post_id ASC").Find(&likes).Error; err != nil {
		return nil, wrap(opListLikes, err)
	}
	return likes, nil
}

// AddComment stores a comment and assigns its local auto-increment id.
func (s *Store) AddComment(ctx context.Context, comment *CachedComment) error {
	if comment == nil || strings.TrimSpace(comment.Content) == "" || comment.PostID == "" {
		return wrap(opAddComment, fmt.Errorf("%w: comment requires post and content", ErrInvalidRecord))
	}
	comment.ID = 0
	if comment.CreatedAtMillis == 0 {
		comment.CreatedAtMillis = s.clock().UnixMilli()
	}
	return wrap(opAddComment, s.db.WithContext(ctx).Create(comment).Error)
}

// GetComment loads a cached comment by local id.
func (s *Store) GetComment(ctx context.Context, commentID int64) (CachedComment, error) {
	var comment CachedComment
	if err := s.db.WithContext(ctx).Where("id = ?", commentID).Take(&comment).Error; err != nil {
		return CachedComment{}, wrap(opGetComment, err)
	}
	return comment, nil
}

// DeleteComment removes a cached comment by local id.
func (s *Store) DeleteComment(ctx context.Context, commentID int64) error {
	return wrap(opDeleteComment, s.db.WithContext(ctx).Where("id = ?", commentID).Delete(&CachedComment{}).Error)
}

// ListComments returns the cached comments of a post, oldest first.
func (s *Store) ListComments(ctx context.Context, postID string) ([]CachedComment, error) {
	var comments []CachedComment
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&comments).Error; err != nil {
		return nil, wrap(opListComments, err)
	}
	return comments, nil
}
