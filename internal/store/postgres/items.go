package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Martian-dev/mailmove/internal/model"
)

// GetItem returns the ledger row of one source item.
func (s *Store) GetItem(ctx context.Context, jobID string, dt model.DataType, sourceID string) (*model.MigratedItem, error) {
	var r itemRow
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND data_type = ? AND source_id = ?", jobID, string(dt), sourceID).
		First(&r).Error
	if err != nil {
		return nil, translate(err, "item", sourceID)
	}
	return &model.MigratedItem{
		JobID: r.JobID, DataType: model.DataType(r.DataType), SourceID: r.SourceID,
		TargetID: r.TargetID, Status: model.ItemStatus(r.Status), Error: r.Error, UpdatedAt: r.UpdatedAt,
	}, nil
}

// SaveItem upserts a ledger row. A failed attempt never erases the target
// id of an earlier success.
func (s *Store) SaveItem(ctx context.Context, it *model.MigratedItem) error {
	it.UpdatedAt = s.now()
	r := &itemRow{
		JobID: it.JobID, DataType: string(it.DataType), SourceID: it.SourceID,
		TargetID: it.TargetID, Status: string(it.Status), Error: it.Error, UpdatedAt: it.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "data_type"}, {Name: "source_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":     gorm.Expr("EXCLUDED.status"),
			"error":      gorm.Expr("EXCLUDED.error"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
			"target_id":  gorm.Expr("CASE WHEN EXCLUDED.target_id = '' THEN migrated_items.target_id ELSE EXCLUDED.target_id END"),
		}),
	}).Create(r).Error
	return translate(err, "item", it.SourceID)
}

// CountItems counts ledger rows of a job and type in the given status.
func (s *Store) CountItems(ctx context.Context, jobID string, dt model.DataType, status model.ItemStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("job_id = ? AND data_type = ? AND status = ?", jobID, string(dt), string(status)).
		Count(&n).Error
	if err != nil {
		return 0, translate(err, "items", jobID)
	}
	return n, nil
}
