package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"gorm.io/gorm"
)

const recipientInsertBatchSize = 500

type JobRepository interface {
	CreateWithRecipients(ctx context.Context, job *domain.Job, targets []domain.Target) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetStatus(ctx context.Context, id string) (domain.JobStatus, error)
	MarkRunning(ctx context.Context, id string) error
	MarkPaused(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status domain.JobStatus, lastError *string) (bool, error)
	UpdateCounters(ctx context.Context, id string, counters domain.Counters) error
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

// CreateWithRecipients persists the job and its recipient snapshot atomically.
func (r *GormJobRepo) CreateWithRecipients(ctx context.Context, job *domain.Job, targets []domain.Target) error {
	model := jobModelFromDomain(job)
	if model == nil {
		return errors.New("job is nil")
	}
	model.Total = len(targets)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}
		recipients := recipientModelsFromTargets(model.ID, targets)
		return tx.CreateInBatches(&recipients, recipientInsertBatchSize).Error
	})
	if err != nil {
		return err
	}

	*job = *jobModelToDomain(model)
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) GetStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	var model JobModel
	err := r.db.WithContext(ctx).
		Select("status").
		Where("id = ?", id).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Status, nil
}

// MarkRunning moves a non-done job to running. started_at is stamped on the first start only.
func (r *GormJobRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status IN ?", id, domain.TransitionSources(domain.JobStatusRunning)).
		Updates(map[string]any{
			"status":      domain.JobStatusRunning,
			"started_at":  gorm.Expr("COALESCE(started_at, ?)", now),
			"finished_at": nil,
			"last_error":  nil,
			"updated_at":  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) MarkPaused(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status IN ?", id, domain.TransitionSources(domain.JobStatusPaused)).
		Updates(map[string]any{
			"status":     domain.JobStatusPaused,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Finish moves a running job to done or failed. It reports false when the job was no longer running.
func (r *GormJobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, lastError *string) (bool, error) {
	if status != domain.JobStatusDone && status != domain.JobStatusFailed {
		return false, errors.New("finish status must be done or failed")
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status IN ?", id, domain.TransitionSources(status)).
		Updates(map[string]any{
			"status":      status,
			"last_error":  lastError,
			"finished_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormJobRepo) UpdateCounters(ctx context.Context, id string, counters domain.Counters) error {
	return r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent":       counters.Sent,
			"failed":     counters.Failed,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormJobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}
