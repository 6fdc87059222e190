package contact

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// SaveAll persists every extracted value for a session. The unique index on
// (session_id, kind, value) plus DO NOTHING makes repeated extraction of the
// same conversation idempotent.
func (r *Repo) SaveAll(ctx context.Context, sessionID uint64, messageID *uint64, extracted map[Kind][]string, at time.Time) error {
	var records []Record
	for kind, values := range extracted {
		for _, v := range values {
			records = append(records, Record{
				SessionID:   sessionID,
				MessageID:   messageID,
				Kind:        kind,
				Value:       v,
				ExtractedAt: at,
			})
		}
	}
	if len(records) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&records).Error
}

func (r *Repo) ListBySession(ctx context.Context, sessionID uint64) ([]Record, error) {
	var recs []Record
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("extracted_at ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *Repo) ListRecent(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []Record
	if err := r.db.WithContext(ctx).
		Order("extracted_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *Repo) Search(ctx context.Context, term string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var recs []Record
	if err := r.db.WithContext(ctx).
		Where("value LIKE ?", "%"+term+"%").
		Order("extracted_at DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

type Stats struct {
	Total          int64          `json:"total"`
	ByKind         map[Kind]int64 `json:"by_kind"`
	UniqueSessions int64          `json:"unique_sessions"`
}

func (r *Repo) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByKind: map[Kind]int64{}}

	if err := r.db.WithContext(ctx).Model(&Record{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	var rows []struct {
		Kind  Kind
		Count int64
	}
	if err := r.db.WithContext(ctx).Model(&Record{}).
		Select("kind, COUNT(*) AS count").
		Group("kind").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByKind[row.Kind] = row.Count
	}

	err := r.db.WithContext(ctx).Model(&Record{}).
		Distinct("session_id").
		Count(&stats.UniqueSessions).Error
	return stats, err
}

// DeleteOlderThan prunes contact records past the retention horizon.
func (r *Repo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("extracted_at < ?", cutoff).
		Delete(&Record{})
	return res.RowsAffected, res.Error
}
