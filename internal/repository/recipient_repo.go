package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatusCount struct {
	Status domain.RecipientStatus `gorm:"column:status"`
	Count  int                    `gorm:"column:count"`
}

type RecipientRepository interface {
	ClaimPending(ctx context.Context, jobID string, limit int) ([]domain.Recipient, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Release(ctx context.Context, ids []int64) error
	CountByStatus(ctx context.Context, jobID string) (domain.Counters, error)
	LastFailures(ctx context.Context, jobID string, limit int) ([]domain.Recipient, error)
	ReleaseStale(ctx context.Context, jobID string, olderThan time.Time) (int64, error)
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

// ClaimPending locks up to limit pending rows of the job, skipping rows held by
// other claimers, and flips them to sending in the same transaction.
func (r *GormRecipientRepo) ClaimPending(ctx context.Context, jobID string, limit int) ([]domain.Recipient, error) {
	if limit < 1 {
		limit = 1
	}

	var models []RecipientModel
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("job_id = ? AND status = ?", jobID, domain.RecipientStatusPending).
			Order("id ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(models))
		for i := range models {
			ids = append(ids, models[i].ID)
		}

		return tx.Model(&RecipientModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     domain.RecipientStatusSending,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	recipients := make([]domain.Recipient, 0, len(models))
	for i := range models {
		models[i].Status = domain.RecipientStatusSending
		models[i].Attempts++
		models[i].UpdatedAt = now
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}
	return recipients, nil
}

func (r *GormRecipientRepo) MarkSent(ctx context.Context, id int64) error {
	now := time.Now()
	return r.finishSending(ctx, id, map[string]any{
		"status":     domain.RecipientStatusSent,
		"error":      nil,
		"sent_at":    now,
		"updated_at": now,
	})
}

func (r *GormRecipientRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.finishSending(ctx, id, map[string]any{
		"status":     domain.RecipientStatusFailed,
		"error":      reason,
		"updated_at": time.Now(),
	})
}

// finishSending applies a terminal write only while the row is still sending.
func (r *GormRecipientRepo) finishSending(ctx context.Context, id int64, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("id = ? AND status = ?", id, domain.RecipientStatusSending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Release returns sending rows to pending.
func (r *GormRecipientRepo) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("id IN ? AND status = ?", ids, domain.RecipientStatusSending).
		Updates(map[string]any{
			"status":     domain.RecipientStatusPending,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormRecipientRepo) CountByStatus(ctx context.Context, jobID string) (domain.Counters, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Select("status, COUNT(*) as count").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return domain.Counters{}, err
	}

	counts := make(map[domain.RecipientStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return domain.CountersFromStatuses(counts), nil
}

func (r *GormRecipientRepo) LastFailures(ctx context.Context, jobID string, limit int) ([]domain.Recipient, error) {
	var models []RecipientModel
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, domain.RecipientStatusFailed).
		Order("updated_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	recipients := make([]domain.Recipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}
	return recipients, nil
}

// ReleaseStale returns sending rows last touched before olderThan to pending.
func (r *GormRecipientRepo) ReleaseStale(ctx context.Context, jobID string, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("job_id = ? AND status = ? AND updated_at < ?", jobID, domain.RecipientStatusSending, olderThan).
		Updates(map[string]any{
			"status":     domain.RecipientStatusPending,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
