package localstore

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// legacyCachedPost is the v1 posts shape, before subgroup_id existed.
type legacyCachedPost struct {
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
}

func (legacyCachedPost) TableName() string {
	return "cached_posts"
}

// legacyOutboxEntry is the outbox shape before client keys were introduced.
type legacyOutboxEntry struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Kind             OutboxKind `gorm:"column:kind;size:16;not null;index:idx_outbox_kind_post,priority:1"`
	PostID           string     `gorm:"column:post_id;size:190;not null;index:idx_outbox_kind_post,priority:2"`
	UserID           string     `gorm:"column:user_id;size:190;not null"`
	Add              bool       `gorm:"column:add_like;not null;default:false"`
	Content          string     `gorm:"column:content;type:text;not null;default:''"`
	LocalCommentID   int64      `gorm:"column:local_comment_id;not null;default:0"`
	EnqueuedAtMillis int64      `gorm:"column:enqueued_at_ms;not null;default:0"`
}

func (legacyOutboxEntry) TableName() string {
	return "outbox_entries"
}

func TestOpenBackfillsFieldsMissingFromLegacySchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "legacy.db")

	legacy, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := legacy.AutoMigrate(&legacyCachedPost{}, &legacyOutboxEntry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to create legacy schema: %v", err)
	}
	if err := legacy.Create(&migrationRecord{Name: migrationInitialSchema, AppliedAtSeconds: 1}).Error; err != nil {
		testContext.Fatalf("failed to record initial migration: %v", err)
	}
	if err := legacy.Create(&legacyCachedPost{ID: "p1", Type: "image", Title: "legacy", Date: "2024-01-01"}).Error; err != nil {
		testContext.Fatalf("failed to insert legacy post: %v", err)
	}
	if err := legacy.Create(&legacyOutboxEntry{Kind: OutboxKindComment, PostID: "p1", UserID: "u1", Content: "hi"}).Error; err != nil {
		testContext.Fatalf("failed to insert legacy outbox entry: %v", err)
	}
	legacySQL, err := legacy.DB()
	if err != nil {
		testContext.Fatalf("failed to access legacy handle: %v", err)
	}
	_ = legacySQL.Close()

	store, err := Open(Config{Path: databasePath, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to open migrated store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	post, err := store.GetPost(ctx, "p1")
	if err != nil {
		testContext.Fatalf("failed to read migrated post: %v", err)
	}
	if post.SubgroupID != nil {
		testContext.Fatalf("expected absent subgroup id after migration, got %q", *post.SubgroupID)
	}
	if post.Title != "legacy" {
		testContext.Fatalf("expected legacy fields to survive, got %+v", post)
	}

	entries, err := store.PendingOutbox(ctx, 0)
	if err != nil {
		testContext.Fatalf("failed to read migrated outbox: %v", err)
	}
	if len(entries) != 1 || entries[0].ClientKey == "" {
		testContext.Fatalf("expected legacy outbox entry to receive a client key, got %+v", entries)
	}

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		testContext.Fatalf("schema version failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		testContext.Fatalf("expected schema version %d, got %d", CurrentSchemaVersion, version)
	}

	var record migrationRecord
	if err := store.db.Where("name = ?", migrationPostsSubgroupID).Take(&record).Error; err != nil {
		testContext.Fatalf("expected subgroup migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
