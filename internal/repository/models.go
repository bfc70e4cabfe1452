package repository

import (
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
)

// JobModel is the persistence model for the broadcast_jobs table.
type JobModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	Audience   string           `gorm:"type:varchar(64);not null"`
	Text       string           `gorm:"type:text;not null"`
	Status     domain.JobStatus `gorm:"type:varchar(16);not null"`
	Total      int              `gorm:"not null;default:0"`
	Sent       int              `gorm:"not null;default:0"`
	Failed     int              `gorm:"not null;default:0"`
	LastError  *string          `gorm:"type:text"`
	CreatedAt  time.Time
	StartedAt  *time.Time `gorm:"type:timestamptz"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
	UpdatedAt  time.Time
}

func (JobModel) TableName() string {
	return "broadcast_jobs"
}

// RecipientModel is the persistence model for broadcast_recipients.
type RecipientModel struct {
	ID        int64                  `gorm:"primaryKey;autoIncrement"`
	JobID     string                 `gorm:"type:uuid;not null"`
	Target    string                 `gorm:"type:varchar(255);not null"`
	Role      string                 `gorm:"type:varchar(32);not null;default:''"`
	Status    domain.RecipientStatus `gorm:"type:varchar(16);not null"`
	Error     *string                `gorm:"type:text"`
	Attempts  int                    `gorm:"not null;default:0"`
	SentAt    *time.Time             `gorm:"type:timestamptz"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RecipientModel) TableName() string {
	return "broadcast_recipients"
}

// AudienceMemberModel is the persistence model for audience_members.
type AudienceMemberModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Tag       string `gorm:"type:varchar(64);not null"`
	Target    string `gorm:"type:varchar(255);not null"`
	Role      string `gorm:"type:varchar(32);not null;default:''"`
	CreatedAt time.Time
}

func (AudienceMemberModel) TableName() string {
	return "audience_members"
}

func jobModelFromDomain(j *domain.Job) *JobModel {
	if j == nil {
		return nil
	}

	return &JobModel{
		ID:         j.ID,
		Audience:   j.Audience,
		Text:       j.Text,
		Status:     j.Status,
		Total:      j.Total,
		Sent:       j.Sent,
		Failed:     j.Failed,
		LastError:  j.LastError,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func jobModelToDomain(m *JobModel) *domain.Job {
	if m == nil {
		return nil
	}

	return &domain.Job{
		ID:         m.ID,
		Audience:   m.Audience,
		Text:       m.Text,
		Status:     m.Status,
		Total:      m.Total,
		Sent:       m.Sent,
		Failed:     m.Failed,
		LastError:  m.LastError,
		CreatedAt:  m.CreatedAt,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func recipientModelToDomain(m *RecipientModel) *domain.Recipient {
	if m == nil {
		return nil
	}

	return &domain.Recipient{
		ID:        m.ID,
		JobID:     m.JobID,
		Target:    m.Target,
		Role:      m.Role,
		Status:    m.Status,
		Error:     m.Error,
		Attempts:  m.Attempts,
		SentAt:    m.SentAt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func recipientModelsFromTargets(jobID string, targets []domain.Target) []RecipientModel {
	models := make([]RecipientModel, 0, len(targets))
	for _, t := range targets {
		models = append(models, RecipientModel{
			JobID:  jobID,
			Target: t.Address,
			Role:   t.Role,
			Status: domain.RecipientStatusPending,
		})
	}
	return models
}
