package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/decro-app/decro-sync/internal/directory"
	"github.com/decro-app/decro-sync/internal/feedsync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type commentRequest struct {
	Content string `json:"content"`
}

type postStats struct {
	PostID string `json:"postId"`
	Likes  int64  `json:"likes"`
	Views  int64  `json:"views"`
	Liked  bool   `json:"liked"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	session := h.engine.Session()
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	mode, err := feedsync.ParseSortMode(c.Query("sort"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}
	posts, err := h.engine.SortedPosts(mode)
	if err != nil {
		h.respondEngineError(c, "feed", err)
		return
	}
	if posts == nil {
		posts = []feedsync.Post{}
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "sort": mode})
}

func (h *httpHandler) handleFeedRefresh(c *gin.Context) {
	if err := h.engine.Hydrate(c.Request.Context()); err != nil {
		h.respondEngineError(c, "feed_refresh", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLikes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"postIds": h.engine.LikedPostIDs()})
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	liked := h.engine.ToggleLike(c.Request.Context(), postID.String())
	c.JSON(http.StatusAccepted, gin.H{"postId": postID.String(), "liked": liked})
}

func (h *httpHandler) handleComments(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	comments := h.engine.Comments(postID.String())
	if comments == nil {
		comments = []feedsync.Comment{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *httpHandler) handleSubmitComment(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	var request commentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_comment"})
		return
	}
	comment, submitted := h.engine.CommentOn(c.Request.Context(), postID.String(), request.Content)
	if !submitted {
		c.JSON(http.StatusConflict, gin.H{"error": "comment_not_submitted"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"comment": comment})
}

func (h *httpHandler) handleRefreshComments(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.RefreshComments(c.Request.Context(), postID.String()); err != nil {
		h.respondEngineError(c, "comments_refresh", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": h.engine.Comments(postID.String())})
}

func (h *httpHandler) handleRecordView(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	views, err := h.engine.RecordView(c.Request.Context(), postID.String())
	if err != nil {
		h.respondEngineError(c, "record_view", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"postId": postID.String(), "views": views})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	likes, err := h.engine.LikeCount(ctx, postID.String())
	if err != nil {
		h.respondEngineError(c, "stats", err)
		return
	}
	views, err := h.engine.ViewCount(ctx, postID.String())
	if err != nil {
		h.respondEngineError(c, "stats", err)
		return
	}
	liked := false
	for _, id := range h.engine.LikedPostIDs() {
		if id == postID.String() {
			liked = true
			break
		}
	}
	c.JSON(http.StatusOK, postStats{PostID: postID.String(), Likes: likes, Views: views, Liked: liked})
}

func (h *httpHandler) handleSubgroups(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"subgroups": []any{}})
		return
	}
	subgroups, err := h.subgroups.SearchSubgroups(c.Request.Context(), query)
	if err != nil {
		h.respondEngineError(c, "subgroups", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subgroups": subgroups})
}

func (h *httpHandler) handleResolveUsername(c *gin.Context) {
	email, err := h.usernames.ResolveUsername(c.Request.Context(), c.Query("username"))
	switch {
	case errors.Is(err, directory.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username"})
		return
	case errors.Is(err, directory.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case err != nil:
		h.respondEngineError(c, "users_resolve", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": email})
}

// respondEngineError maps engine failures onto a stable error code. Remote
// unavailability surfaces as 502 so the view keeps showing cached state.
func (h *httpHandler) respondEngineError(c *gin.Context, route string, err error) {
	var serviceErr *feedsync.ServiceError
	code := route + "_failed"
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	h.logger.Warn("bridge request failed", zap.String("route", route), zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": code})
}
