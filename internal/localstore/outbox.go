package localstore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Enqueue appends an entry to the outbox and assigns its id.
func (s *Store) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	if entry == nil {
		return wrap(opEnqueue, fmt.Errorf("%w: nil entry", ErrInvalidRecord))
	}
	if err := validateEntry(*entry); err != nil {
		return wrap(opEnqueue, err)
	}
	entry.ID = 0
	if entry.EnqueuedAtMillis == 0 {
		entry.EnqueuedAtMillis = s.clock().UnixMilli()
	}
	return wrap(opEnqueue, s.db.WithContext(ctx).Create(entry).Error)
}

// GetOutboxEntry loads a single outbox entry.
func (s *Store) GetOutboxEntry(ctx context.Context, entryID int64) (OutboxEntry, error) {
	var entry OutboxEntry
	if err := s.db.WithContext(ctx).Where("id = ?", entryID).Take(&entry).Error; err != nil {
		return OutboxEntry{}, wrap(opGetOutbox, err)
	}
	return entry, nil
}

// PendingOutbox returns up to limit entries, oldest first. A non-positive limit
// returns every pending entry.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	query := s.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []OutboxEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, wrap(opPendingOutbox, err)
	}
	return entries, nil
}

// DeleteOutbox removes a confirmed entry.
func (s *Store) DeleteOutbox(ctx context.Context, entryID int64) error {
	return wrap(opDeleteOutbox, s.db.WithContext(ctx).Where("id = ?", entryID).Delete(&OutboxEntry{}).Error)
}

// CountOutbox reports how many entries are pending.
func (s *Store) CountOutbox(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OutboxEntry{}).Count(&count).Error; err != nil {
		return 0, wrap(opCountOutbox, err)
	}
	return count, nil
}

// DeadLetter moves an entry out of the outbox into the dead-letter collection.
func (s *Store) DeadLetter(ctx context.Context, entry OutboxEntry, reason string, attempts int) error {
	letter := DeadLetter{
		OutboxID:       entry.ID,
		Kind:           entry.Kind,
		PostID:         entry.PostID,
		UserID:         entry.UserID,
		Add:            entry.Add,
		Content:        entry.Content,
		ClientKey:      entry.ClientKey,
		Reason:         reason,
		Attempts:       attempts,
		FailedAtMillis: s.clock().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Save(&letter).Error; err != nil {
			return err
		}
		return transaction.Where("id = ?", entry.ID).Delete(&OutboxEntry{}).Error
	})
	return wrap(opDeadLetter, err)
}

// ListDeadLetters returns given-up entries, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var letters []DeadLetter
	if err := s.db.WithContext(ctx).Order("outbox_id ASC").Find(&letters).Error; err != nil {
		return nil, wrap(opListDead, err)
	}
	return letters, nil
}

func validateEntry(entry OutboxEntry) error {
	if strings.TrimSpace(entry.PostID) == "" || strings.TrimSpace(entry.UserID) == "" {
		return fmt.Errorf("%w: outbox entry requires post and user", ErrInvalidRecord)
	}
	switch entry.Kind {
	case OutboxKindLike:
		return nil
	case OutboxKindComment:
		if strings.TrimSpace(entry.Content) == "" {
			return fmt.Errorf("%w: comment entry requires content", ErrInvalidRecord)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown outbox kind %q", ErrInvalidRecord, entry.Kind)
	}
}
