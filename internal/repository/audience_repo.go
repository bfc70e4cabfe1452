package repository

import (
	"context"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"gorm.io/gorm"
)

type AudienceRepository interface {
	Resolve(ctx context.Context, tag string) ([]domain.Target, error)
}

type GormAudienceRepo struct {
	db *gorm.DB
}

func NewGormAudienceRepo(db *gorm.DB) *GormAudienceRepo {
	return &GormAudienceRepo{db: db}
}

// Resolve returns the members of tag in insertion order, first occurrence of each target wins.
func (r *GormAudienceRepo) Resolve(ctx context.Context, tag string) ([]domain.Target, error) {
	var models []AudienceMemberModel
	err := r.db.WithContext(ctx).
		Where("tag = ?", tag).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	targets := make([]domain.Target, 0, len(models))
	for i := range models {
		targets = append(targets, domain.Target{Address: models[i].Target, Role: models[i].Role})
	}
	return domain.DedupeTargets(targets), nil
}
