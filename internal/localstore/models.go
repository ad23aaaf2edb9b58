package localstore

// OutboxKind distinguishes the mutation carried by an outbox entry.
type OutboxKind string

const (
	// OutboxKindLike toggles a like for (post, user).
	OutboxKindLike OutboxKind = "like"
	// OutboxKindComment inserts a comment.
	OutboxKindComment OutboxKind = "comment"
)

// CachedPost mirrors a remote post row for instant paint on start.
type CachedPost struct {
	ID          string  `gorm:"column:id;primaryKey;size:190;not null"`
	Type        string  `gorm:"column:type;size:32;not null"`
	Title       string  `gorm:"column:title;type:text;not null;default:''"`
	ImageURL    string  `gorm:"column:image_url;type:text;not null;default:''"`
	AspectRatio string  `gorm:"column:aspect_ratio;size:16;not null;default:'square'"`
	AudioURL    *string `gorm:"column:audio_url;type:text"`
	VideoURL    *string `gorm:"column:video_url;type:text"`
	Creator     string  `gorm:"column:creator;size:320;not null;default:''"`
	Date        string  `gorm:"column:date;size:64;not null;index:idx_cached_posts_date"`
	IsCurated   bool    `gorm:"column:is_curated;not null;default:false"`
	Views       int64   `gorm:"column:views;not null;default:0"`
	SubgroupID  *string `gorm:"column:subgroup_id;size:190;index:idx_cached_posts_subgroup"`
}

// TableName provides the explicit table binding for GORM.
func (CachedPost) TableName() string {
	return "cached_posts"
}

// CachedLike records that a user likes a post. Row existence is the like state.
type CachedLike struct {
	PostID string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedLike) TableName() string {
	return "cached_likes"
}

// CachedComment is a locally written comment. Its id is local and never
// reconciled with the server-assigned id.
type CachedComment struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PostID          string `gorm:"column:post_id;size:190;not null;index:idx_cached_comments_post"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedComment) TableName() string {
	return "cached_comments"
}

// OutboxEntry is a pending mutation awaiting remote confirmation. Entries are
// created and deleted, never updated.
type OutboxEntry struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Kind             OutboxKind `gorm:"column:kind;size:16;not null;index:idx_outbox_kind_post,priority:1"`
	PostID           string     `gorm:"column:post_id;size:190;not null;index:idx_outbox_kind_post,priority:2"`
	UserID           string     `gorm:"column:user_id;size:190;not null"`
	Add              bool       `gorm:"column:add_like;not null;default:false"`
	Content          string     `gorm:"column:content;type:text;not null;default:''"`
	LocalCommentID   int64      `gorm:"column:local_comment_id;not null;default:0"`
	ClientKey        string     `gorm:"column:client_key;size:64;not null;default:''"`
	EnqueuedAtMillis int64      `gorm:"column:enqueued_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxEntry) TableName() string {
	return "outbox_entries"
}

// DeadLetter keeps an outbox entry that was given up on, with the reason.
type DeadLetter struct {
	OutboxID       int64      `gorm:"column:outbox_id;primaryKey"`
	Kind           OutboxKind `gorm:"column:kind;size:16;not null"`
	PostID         string     `gorm:"column:post_id;size:190;not null"`
	UserID         string     `gorm:"column:user_id;size:190;not null"`
	Add            bool       `gorm:"column:add_like;not null;default:false"`
	Content        string     `gorm:"column:content;type:text;not null;default:''"`
	ClientKey      string     `gorm:"column:client_key;size:64;not null;default:''"`
	Reason         string     `gorm:"column:reason;type:text;not null"`
	Attempts       int        `gorm:"column:attempts;not null;default:0"`
	FailedAtMillis int64      `gorm:"column:failed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeadLetter) TableName() string {
	return "outbox_dead_letters"
}
