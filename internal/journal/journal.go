// Package journal keeps the local history of call attempts and the operator's
// web push subscriptions.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("journal: not found")

type CallRecord struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallID          string    `gorm:"type:varchar(100);index" json:"call_id"`
	IntakeID        string    `gorm:"type:varchar(100);index" json:"intake_id"`
	PatientName     string    `gorm:"type:varchar(200)" json:"patient_name,omitempty"`
	State           string    `gorm:"type:varchar(20);not null" json:"state"`
	Reason          string    `gorm:"type:varchar(40);not null" json:"reason"`
	Message         string    `gorm:"type:text" json:"message,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	StartedAt       time.Time `gorm:"index" json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Endpoint  string    `gorm:"type:varchar(1024);uniqueIndex;not null" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

type Journal struct {
	db *gorm.DB
}

// Open opens the sqlite database at path and migrates the schema.
func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.AutoMigrate(&CallRecord{}, &PushSubscription{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (j *Journal) RecordCall(ctx context.Context, rec *CallRecord) error {
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record call %s: %w", rec.CallID, err)
	}
	return nil
}

// RecentCalls returns the latest records first. A non-positive limit means 50.
func (j *Journal) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []CallRecord
	err := j.db.WithContext(ctx).
		Order("ended_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return records, nil
}

// SaveSubscription stores a subscription, replacing the keys of an existing
// one with the same endpoint.
func (j *Journal) SaveSubscription(ctx context.Context, sub *PushSubscription) error {
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "updated_at"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (j *Journal) Subscriptions(ctx context.Context) ([]PushSubscription, error) {
	var subs []PushSubscription
	if err := j.db.WithContext(ctx).Order("created_at").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

func (j *Journal) DeleteSubscription(ctx context.Context, endpoint string) error {
	res := j.db.WithContext(ctx).Where("endpoint = ?", endpoint).Delete(&PushSubscription{})
	if res.Error != nil {
		return fmt.Errorf("delete subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
