// Package server exposes the sync engine to an out-of-process view layer over
// HTTP: feed reads, optimistic mutations, and a change stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/decro-app/decro-sync/internal/auth"
	"github.com/decro-app/decro-sync/internal/directory"
	"github.com/decro-app/decro-sync/internal/feedsync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const defaultServiceName = "decro-sync"

var errMissingEngine = errors.New("feed engine dependency required")

// FeedEngine is the engine surface the bridge drives.
type FeedEngine interface {
	SortedPosts(mode feedsync.SortMode) ([]feedsync.Post, error)
	Hydrate(ctx context.Context) error
	LoadLikes(ctx context.Context) error
	LikedPostIDs() []string
	ToggleLike(ctx context.Context, postID string) bool
	Comments(postID string) []feedsync.Comment
	CommentOn(ctx context.Context, postID, text string) (feedsync.Comment, bool)
	RefreshComments(ctx context.Context, postID string) error
	RecordView(ctx context.Context, postID string) (int64, error)
	LikeCount(ctx context.Context, postID string) (int64, error)
	ViewCount(ctx context.Context, postID string) (int64, error)
	SetSession(session *auth.Session) bool
	Session() *auth.Session
	Subscribe(ctx context.Context, kinds ...feedsync.ChangeKind) (<-chan feedsync.ChangeEvent, func())
}

// SubgroupSearcher looks up subgroups by name or slug.
type SubgroupSearcher interface {
	SearchSubgroups(ctx context.Context, query string) ([]directory.Subgroup, error)
}

// UsernameResolver maps a username to the account email.
type UsernameResolver interface {
	ResolveUsername(ctx context.Context, username string) (string, error)
}

// SessionValidator resolves the viewer session carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// Dependencies wires the bridge.
type Dependencies struct {
	Engine         FeedEngine
	Subgroups      SubgroupSearcher
	Usernames      UsernameResolver
	Sessions       SessionValidator
	Logger         *zap.Logger
	ServiceName    string
	AllowedOrigins []string
	// HeartbeatInterval spaces keep-alive events on the change stream.
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router serving the bridge.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	serviceName := strings.TrimSpace(deps.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(otelgin.Middleware(serviceName))
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		engine:    deps.Engine,
		subgroups: deps.Subgroups,
		usernames: deps.Usernames,
		sessions:  deps.Sessions,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	bridge := router.Group("/")
	bridge.Use(handler.adoptSession)
	bridge.GET("/session", handler.handleSession)
	bridge.GET("/feed", handler.handleFeed)
	bridge.POST("/feed/refresh", handler.handleFeedRefresh)
	bridge.GET("/likes", handler.handleLikes)
	bridge.POST("/posts/:id/like", handler.requireSession, handler.handleToggleLike)
	bridge.GET("/posts/:id/comments", handler.handleComments)
	bridge.POST("/posts/:id/comments", handler.requireSession, handler.handleSubmitComment)
	bridge.POST("/posts/:id/comments/refresh", handler.handleRefreshComments)
	bridge.POST("/posts/:id/views", handler.requireSession, handler.handleRecordView)
	bridge.GET("/posts/:id/stats", handler.handleStats)
	bridge.GET("/events", handler.handleEvents)
	if deps.Subgroups != nil {
		bridge.GET("/subgroups", handler.handleSubgroups)
	}
	if deps.Usernames != nil {
		bridge.GET("/users/resolve", handler.handleResolveUsername)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine    FeedEngine
	subgroups SubgroupSearcher
	usernames UsernameResolver
	sessions  SessionValidator
	logger    *zap.Logger
	heartbeat time.Duration
}

// adoptSession applies the identity carried by the session cookie. Requests
// without a cookie leave the engine's identity unchanged.
func (h *httpHandler) adoptSession(c *gin.Context) {
	if h.sessions == nil {
		c.Next()
		return
	}
	session, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken):
		c.Next()
		return
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("token validation failed", zap.Error(err))
		h.engine.SetSession(nil)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_expired"})
		return
	case err != nil:
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.engine.SetSession(&session) {
		if err := h.engine.LoadLikes(c.Request.Context()); err != nil {
			h.logger.Warn("failed to load likes for new session", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	c.Next()
}

func (h *httpHandler) requireSession(c *gin.Context) {
	if h.engine.Session() == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func postIDParam(c *gin.Context) (feedsync.PostID, bool) {
	postID, err := feedsync.NewPostID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return "", false
	}
	return postID, true
}
