package localstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationInitialSchema      = "2024-01-01_initial_schema"
	migrationPostsSubgroupID    = "2024-02-01_posts_subgroup_id"
	migrationOutboxClientKey    = "2024-03-01_outbox_client_key"
	columnSubgroupID            = "subgroup_id"
	columnClientKey             = "client_key"
	backfillSubgroupIDStatement = "UPDATE cached_posts SET subgroup_id = NULL WHERE subgroup_id IS NULL OR subgroup_id = ''"
)

// CurrentSchemaVersion is the number of named migrations a fully upgraded store has applied.
const CurrentSchemaVersion = 3

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func schemaMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationInitialSchema, apply: createInitialSchema},
		{name: migrationPostsSubgroupID, apply: addPostsSubgroupID},
		{name: migrationOutboxClientKey, apply: addOutboxClientKey},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, clock func() time.Time) error {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}

	for _, migration := range schemaMigrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		transactionErr := db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			return transaction.Create(&migrationRecord{
				Name:             migration.name,
				AppliedAtSeconds: clock().UTC().Unix(),
			}).Error
		})
		if transactionErr != nil {
			return transactionErr
		}
		logger.Info("local store migration applied", zap.String("migration", migration.name))
	}

	// Later migrations only add columns and indices, so reconciling every model
	// with its current definition is safe on any schema version.
	return db.AutoMigrate(&CachedPost{}, &CachedLike{}, &CachedComment{}, &OutboxEntry{}, &DeadLetter{})
}

func createInitialSchema(db *gorm.DB) error {
	return db.AutoMigrate(&CachedPost{}, &CachedLike{}, &CachedComment{}, &OutboxEntry{}, &DeadLetter{})
}

func addPostsSubgroupID(db *gorm.DB) error {
	migrator := db.Migrator()
	if !migrator.HasColumn(&CachedPost{}, columnSubgroupID) {
		if err := migrator.AddColumn(&CachedPost{}, "SubgroupID"); err != nil {
			return err
		}
	}
	if !migrator.HasIndex(&CachedPost{}, "idx_cached_posts_subgroup") {
		if err := migrator.CreateIndex(&CachedPost{}, "idx_cached_posts_subgroup"); err != nil {
			return err
		}
	}
	return db.Exec(backfillSubgroupIDStatement).Error
}

func addOutboxClientKey(db *gorm.DB) error {
	migrator := db.Migrator()
	if !migrator.HasColumn(&OutboxEntry{}, columnClientKey) {
		if err := migrator.AddColumn(&OutboxEntry{}, "ClientKey"); err != nil {
			return err
		}
	}

	var legacyIDs []int64
	if err := db.Model(&OutboxEntry{}).
		Where("client_key IS NULL OR client_key = ''").
		Pluck("id", &legacyIDs).Error; err != nil {
		return err
	}
	for _, entryID := range legacyIDs {
		key, err := uuid.NewV7()
		if err != nil {
			return err
		}
		if err := db.Model(&OutboxEntry{}).
			Where("id = ?", entryID).
			Update(columnClientKey, key.String()).Error; err != nil {
			return err
		}
	}
	return nil
}
