package feedsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decro-app/decro-sync/internal/localstore"
)

const maxIdentifierLength = 190

// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
var ErrInvalidPostID = errors.New("feedsync: invalid post id")

// PostID represents a validated post identifier.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPostID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPostID, maxIdentifierLength)
	}
	return PostID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// PostType enumerates the media kinds a post can carry.
type PostType string

const (
	PostTypeMusic         PostType = "music"
	PostTypeImage         PostType = "image"
	PostTypeVideo         PostType = "video"
	PostTypeFilm          PostType = "film"
	PostTypePhysicalArt   PostType = "physical-art"
	PostTypeEdits         PostType = "edits"
	PostTypeGraphicDesign PostType = "graphic-design"
)

const defaultAspectRatio = "square"

// Post is the view model of a feed card.
type Post struct {
	ID          string   `json:"id"`
	Type        PostType `json:"type"`
	Title       string   `json:"title"`
	ImageURL    string   `json:"imageUrl"`
	AspectRatio string   `json:"aspectRatio"`
	AudioURL    *string  `json:"audioUrl,omitempty"`
	VideoURL    *string  `json:"videoUrl,omitempty"`
	Creator     string   `json:"creator"`
	Date        string   `json:"date"`
	IsCurated   bool     `json:"isCurated"`
	Views       int64    `json:"views"`
	SubgroupID  *string  `json:"subgroupId,omitempty"`
}

// Comment is a post comment as shown to the viewer. Optimistic comments carry
// a negative LocalID and Pending until the remote write is confirmed.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	LocalID   int64     `json:"localId,omitempty"`
	ClientKey string    `json:"clientKey,omitempty"`
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Pending   bool      `json:"pending"`
}

// SortMode selects how SortedPosts orders the feed.
type SortMode string

const (
	SortRandom  SortMode = "random"
	SortNewest  SortMode = "newest"
	SortCurated SortMode = "curated"
)

// ParseSortMode validates a sort mode; blank input means random.
func ParseSortMode(raw string) (SortMode, error) {
	switch mode := SortMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return SortRandom, nil
	case SortRandom, SortNewest, SortCurated:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownSortMode, raw)
	}
}

// Action is a pending mutation replayed against the remote gateway.
type Action interface {
	Kind() localstore.OutboxKind
	Post() string
	User() string
}

// LikeAction adds or removes a like.
type LikeAction struct {
	PostID string
	UserID string
	Add    bool
}

// Kind implements Action.
func (a LikeAction) Kind() localstore.OutboxKind { return localstore.OutboxKindLike }

// Post implements Action.
func (a LikeAction) Post() string { return a.PostID }

// User implements Action.
func (a LikeAction) User() string { return a.UserID }

// CommentAction inserts a comment identified by ClientKey.
type CommentAction struct {
	PostID    string
	UserID    string
	Content   string
	LocalID   int64
	ClientKey string
}

// Kind implements Action.
func (a CommentAction) Kind() localstore.OutboxKind { return localstore.OutboxKindComment }

// Post implements Action.
func (a CommentAction) Post() string { return a.PostID }

// User implements Action.
func (a CommentAction) User() string { return a.UserID }

// EntryState is the lifecycle position of an outbox entry.
type EntryState string

const (
	// EntryPending is queued and not yet confirmed.
	EntryPending EntryState = "pending"
	// EntryConfirmed was accepted remotely and removed from the outbox.
	EntryConfirmed EntryState = "confirmed"
	// EntryDeadLettered was given up on and moved aside.
	EntryDeadLettered EntryState = "dead_lettered"
)

func actionFromEntry(entry localstore.OutboxEntry) (Action, error) {
	switch entry.Kind {
	case localstore.OutboxKindLike:
		return LikeAction{PostID: entry.PostID, UserID: entry.UserID, Add: entry.Add}, nil
	case localstore.OutboxKindComment:
		return CommentAction{
			PostID:    entry.PostID,
			UserID:    entry.UserID,
			Content:   entry.Content,
			LocalID:   entry.LocalCommentID,
			ClientKey: entry.ClientKey,
		}, nil
	default:
		return nil, fmt.Errorf("unknown outbox kind %q", entry.Kind)
	}
}

func entryFromAction(action Action) localstore.OutboxEntry {
	switch typed := action.(type) {
	case LikeAction:
		return localstore.OutboxEntry{
			Kind:   localstore.OutboxKindLike,
			PostID: typed.PostID,
			UserID: typed.UserID,
			Add:    typed.Add,
		}
	case CommentAction:
		return localstore.OutboxEntry{
			Kind:           localstore.OutboxKindComment,
			PostID:         typed.PostID,
			UserID:         typed.UserID,
			Content:        typed.Content,
			LocalCommentID: typed.LocalID,
			ClientKey:      typed.ClientKey,
		}
	default:
		return localstore.OutboxEntry{}
	}
}

func postFromCache(cached localstore.CachedPost) Post {
	aspect := cached.AspectRatio
	if aspect == "" {
		aspect = defaultAspectRatio
	}
	return Post{
		ID:          cached.ID,
		Type:        PostType(cached.Type),
		Title:       cached.Title,
		ImageURL:    cached.ImageURL,
		AspectRatio: aspect,
		AudioURL:    cached.AudioURL,
		VideoURL:    cached.VideoURL,
		Creator:     cached.Creator,
		Date:        cached.Date,
		IsCurated:   cached.IsCurated,
		Views:       cached.Views,
		SubgroupID:  cached.SubgroupID,
	}
}

func cacheFromPost(post Post) localstore.CachedPost {
	return localstore.CachedPost{
		ID:          post.ID,
		Type:        string(post.Type),
		Title:       post.Title,
		ImageURL:    post.ImageURL,
		AspectRatio: post.AspectRatio,
		AudioURL:    post.AudioURL,
		VideoURL:    post.VideoURL,
		Creator:     post.Creator,
		Date:        post.Date,
		IsCurated:   post.IsCurated,
		Views:       post.Views,
		SubgroupID:  post.SubgroupID,
	}
}
