// Package usagestore tracks per-user, per-feature usage counters keyed by
// calendar month. Counters reset by time: a new month reads as zero, old
// rows are never deleted.
package usagestore

import (
	"context"
	"errors"
	"time"

	"github.com/verseforge/creditcore/pkg/credit"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const periodLayout = "2006-01"

// UsageCounter mirrors the usage_counters table.
type UsageCounter struct {
	UserID    string    `gorm:"primaryKey"`
	Feature   string    `gorm:"primaryKey"`
	Period    string    `gorm:"primaryKey"`
	Count     int64     `gorm:"column:used;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UsageCounter) TableName() string { return "usage_counters" }

// Store implements credit.UsageStore using GORM.
type Store struct {
	db    *gorm.DB
	nowFn func() int64
}

// New returns a Store backed by gorm.DB; now supplies unix UTC seconds.
func New(db *gorm.DB, now func() int64) *Store {
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	return &Store{db: db, nowFn: now}
}

// FeatureUsage reads the current-period counter for one feature. A missing
// row means zero usage this month.
func (store *Store) FeatureUsage(ctx context.Context, userID string, feature credit.Feature) (credit.UsageCount, error) {
	period, resetAt := store.currentWindow()
	var row UsageCounter
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND feature = ? AND period = ?", userID, feature.String(), period).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.UsageCount{Count: 0, ResetAtUnixUTC: resetAt}, nil
		}
		return credit.UsageCount{}, credit.WrapError("usagestore", "counter", "get", err)
	}
	return credit.UsageCount{Count: row.Count, ResetAtUnixUTC: resetAt}, nil
}

// CurrentUsage aggregates the current period across all features.
func (store *Store) CurrentUsage(ctx context.Context, userID string) (credit.UsageSnapshot, error) {
	period, resetAt := store.currentWindow()
	var rows []UsageCounter
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND period = ?", userID, period).
		Find(&rows).Error
	if err != nil {
		return credit.UsageSnapshot{}, credit.WrapError("usagestore", "counter", "list", err)
	}
	snapshot := credit.UsageSnapshot{ResetAtUnixUTC: resetAt}
	for _, row := range rows {
		switch credit.Feature(row.Feature) {
		case credit.FeatureSong:
			snapshot.Songs = row.Count
		case credit.FeatureLyrics:
			snapshot.Lyrics = row.Count
		case credit.FeatureInsight:
			snapshot.Insights = row.Count
		}
	}
	return snapshot, nil
}

// RecordUsage increments the current-period counter for a feature. It is
// called after the gated action completes, not by the limit checker.
func (store *Store) RecordUsage(ctx context.Context, userID string, feature credit.Feature) error {
	period, _ := store.currentWindow()
	now := time.Unix(store.nowFn(), 0).UTC()
	row := UsageCounter{
		UserID:    userID,
		Feature:   feature.String(),
		Period:    period,
		Count:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "feature"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"used":       gorm.Expr("used + 1"),
				"updated_at": now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return credit.WrapError("usagestore", "counter", "increment", err)
	}
	return nil
}

// currentWindow returns the current period key and the unix time the window
// resets: the first instant of the next calendar month, UTC.
func (store *Store) currentWindow() (string, int64) {
	now := time.Unix(store.nowFn(), 0).UTC()
	period := now.Format(periodLayout)
	reset := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return period, reset.Unix()
}
