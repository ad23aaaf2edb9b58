// Package feedsync keeps the feed view model, the on-device cache and the
// remote system of record in step. Mutations apply optimistically in memory,
// are recorded in a durable outbox, and are replayed against the remote
// gateway by a single background worker.
package feedsync

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/decro-app/decro-sync/internal/auth"
	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/remote"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultReplayInterval = 3 * time.Second
	defaultBatchSize      = 10
	defaultFeedLimit      = 100
	defaultSourceID       = "decro"
	tracerName            = "github.com/decro-app/decro-sync/internal/feedsync"
)

// LocalStore is the durable cache and outbox the engine writes through.
type LocalStore interface {
	ListPosts(ctx context.Context) ([]localstore.CachedPost, error)
	ReplacePosts(ctx context.Context, posts []localstore.CachedPost) error
	PutLike(ctx context.Context, like localstore.CachedLike) error
	DeleteLike(ctx context.Context, postID, userID string) error
	AddComment(ctx context.Context, comment *localstore.CachedComment) error
	Enqueue(ctx context.Context, entry *localstore.OutboxEntry) error
	PendingOutbox(ctx context.Context, limit int) ([]localstore.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, entryID int64) error
	CountOutbox(ctx context.Context) (int64, error)
	DeadLetter(ctx context.Context, entry localstore.OutboxEntry, reason string, attempts int) error
}

// DisplayNameResolver maps creator ids to display names in one call.
type DisplayNameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// EngineConfig describes the engine's collaborators and tuning.
type EngineConfig struct {
	Store      LocalStore
	Gateway    remote.Gateway
	Names      DisplayNameResolver
	Sessions   auth.SessionProvider
	Dispatcher *ChangeDispatcher
	Metrics    *Metrics
	Logger     *zap.Logger
	Clock      func() time.Time
	// Interval separates the end of one replay pass from the start of the next.
	Interval time.Duration
	// BatchSize caps the outbox entries fetched per pass.
	BatchSize int
	// FeedLimit caps the posts requested during hydration.
	FeedLimit int
	// MaxAttempts dead-letters an entry after this many retryable failures
	// within the process. Zero retries forever.
	MaxAttempts int
	// SourceID tags rows written to the remote tables.
	SourceID string
	// NewClientKey generates comment idempotency keys.
	NewClientKey func() (string, error)
}

// Engine is the single authority over feed, like and comment state.
type Engine struct {
	store      LocalStore
	gateway    remote.Gateway
	names      DisplayNameResolver
	sessions   auth.SessionProvider
	dispatcher *ChangeDispatcher
	metrics    *Metrics
	logger     *zap.Logger
	clock      func() time.Time
	tracer     trace.Tracer

	interval     time.Duration
	batchSize    int
	feedLimit    int
	maxAttempts  int
	sourceID     string
	newClientKey func() (string, error)

	// mutationMu orders local mutations so outbox entries follow the order
	// of the state changes they record.
	mutationMu sync.Mutex

	mu             sync.RWMutex
	session        *auth.Session
	posts          []Post
	liked          map[string]struct{}
	comments       map[string][]Comment
	selectedPostID string
	commentDraft   string
	nextLocalID    int64
	confirmSeq     uint64
	confirmedAt    map[string]uint64

	replayMu     sync.Mutex
	attempts     map[string]int
	volatile     []volatileAction
	nextVolatile int64
	flight       singleflight.Group

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine validates cfg and constructs an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Gateway == nil {
		return nil, newServiceError(opEngineNew, "missing_gateway", errMissingGateway)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewChangeDispatcher()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReplayInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	feedLimit := cfg.FeedLimit
	if feedLimit <= 0 {
		feedLimit = defaultFeedLimit
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	sourceID := strings.TrimSpace(cfg.SourceID)
	if sourceID == "" {
		sourceID = defaultSourceID
	}
	newClientKey := cfg.NewClientKey
	if newClientKey == nil {
		newClientKey = newUUIDv7
	}

	return &Engine{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		names:        cfg.Names,
		sessions:     cfg.Sessions,
		dispatcher:   dispatcher,
		metrics:      cfg.Metrics,
		logger:       logger,
		clock:        clock,
		tracer:       otel.Tracer(tracerName),
		interval:     interval,
		batchSize:    batchSize,
		feedLimit:    feedLimit,
		maxAttempts:  maxAttempts,
		sourceID:     sourceID,
		newClientKey: newClientKey,
		liked:        make(map[string]struct{}),
		comments:     make(map[string][]Comment),
		confirmedAt:  make(map[string]uint64),
		attempts:     make(map[string]int),
	}, nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Subscribe streams change notifications for the given kinds.
func (e *Engine) Subscribe(ctx context.Context, kinds ...ChangeKind) (<-chan ChangeEvent, func()) {
	return e.dispatcher.Subscribe(ctx, kinds...)
}

func (e *Engine) publish(kind ChangeKind, postIDs ...string) {
	e.dispatcher.Publish(ChangeEvent{Kind: kind, PostIDs: postIDs, Timestamp: e.clock().UTC()})
}

// SetSession adopts the given identity and reports whether the user changed.
// A change of user clears the liked set; callers reload it with LoadLikes.
func (e *Engine) SetSession(session *auth.Session) bool {
	var next *auth.Session
	if session != nil && strings.TrimSpace(session.UserID) != "" {
		copied := *session
		copied.UserID = strings.TrimSpace(copied.UserID)
		next = &copied
	}

	e.mu.Lock()
	previous := ""
	if e.session != nil {
		previous = e.session.UserID
	}
	current := ""
	if next != nil {
		current = next.UserID
	}
	e.session = next
	changed := previous != current
	if changed {
		e.liked = make(map[string]struct{})
	}
	e.mu.Unlock()

	if changed {
		e.publish(ChangeSession)
		e.publish(ChangeLikes)
	}
	return changed
}

// RefreshSession asks the session provider for the current identity and,
// when a different user is now signed in, reloads their likes.
func (e *Engine) RefreshSession(ctx context.Context) error {
	if e.sessions == nil {
		return nil
	}
	session, err := e.sessions.GetSession(ctx)
	if err != nil {
		e.logWarn(opRefreshSession, "session_lookup_failed", err)
		return newServiceError(opRefreshSession, "session_lookup_failed", err)
	}
	if !e.SetSession(session) || session == nil {
		return nil
	}
	return e.LoadLikes(ctx)
}

// Session returns a copy of the current identity, or nil when signed out.
func (e *Engine) Session() *auth.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil
	}
	copied := *e.session
	return &copied
}

// UserID returns the signed-in user id or "".
func (e *Engine) UserID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return ""
	}
	return e.session.UserID
}

// Posts returns the current feed, newest first.
func (e *Engine) Posts() []Post {
	e.mu.RLock()
	defer e.mu.RUnlock()
	posts := make([]Post, len(e.posts))
	copy(posts, e.posts)
	return posts
}

// SortedPosts returns the feed arranged for display: shuffled, newest first,
// or only curated posts.
func (e *Engine) SortedPosts(mode SortMode) ([]Post, error) {
	posts := e.Posts()
	switch mode {
	case SortRandom, "":
		rand.Shuffle(len(posts), func(left, right int) {
			posts[left], posts[right] = posts[right], posts[left]
		})
		return posts, nil
	case SortNewest:
		sortNewestFirst(posts)
		return posts, nil
	case SortCurated:
		curated := make([]Post, 0, len(posts))
		for _, post := range posts {
			if post.IsCurated {
				curated = append(curated, post)
			}
		}
		return curated, nil
	default:
		return nil, newServiceError(opSortedPosts, "unknown_mode", errUnknownSortMode)
	}
}

// LikedPostIDs returns the liked post ids in ascending order.
func (e *Engine) LikedPostIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.liked))
	for postID := range e.liked {
		ids = append(ids, postID)
	}
	sort.Strings(ids)
	return ids
}

// IsLiked reports whether the current user likes postID.
func (e *Engine) IsLiked(postID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.liked[strings.TrimSpace(postID)]
	return ok
}

// Comments returns the in-memory comments of a post, oldest first.
func (e *Engine) Comments(postID string) []Comment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	comments := e.comments[strings.TrimSpace(postID)]
	copied := make([]Comment, len(comments))
	copy(copied, comments)
	return copied
}

// CommentsByPost returns a snapshot of every loaded comment list.
func (e *Engine) CommentsByPost() map[string][]Comment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snapshot := make(map[string][]Comment, len(e.comments))
	for postID, comments := range e.comments {
		copied := make([]Comment, len(comments))
		copy(copied, comments)
		snapshot[postID] = copied
	}
	return snapshot
}

// SelectPost marks the post whose detail view is open; "" clears it.
func (e *Engine) SelectPost(postID string) {
	e.mu.Lock()
	e.selectedPostID = strings.TrimSpace(postID)
	e.mu.Unlock()
}

// SelectedPost returns the selected post id or "".
func (e *Engine) SelectedPost() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selectedPostID
}

// SetCommentDraft stores the comment input text.
func (e *Engine) SetCommentDraft(text string) {
	e.mu.Lock()
	e.commentDraft = text
	e.mu.Unlock()
}

// CommentDraft returns the comment input text.
func (e *Engine) CommentDraft() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.commentDraft
}

func sortNewestFirst(posts []Post) {
	sort.SliceStable(posts, func(left, right int) bool {
		return compareDates(posts[left].Date, posts[right].Date) > 0
	})
}

func compareDates(left, right string) int {
	leftTime, leftOK := remote.ParseTimestamp(left)
	rightTime, rightOK := remote.ParseTimestamp(right)
	if leftOK && rightOK {
		return leftTime.Compare(rightTime)
	}
	return strings.Compare(left, right)
}
