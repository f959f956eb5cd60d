package repo

import (
	"context"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wq_miner/internal/model"
)

type SeriesRepo struct {
	db *gorm.DB
}

func NewSeriesRepo(db *gorm.DB) *SeriesRepo {
	return &SeriesRepo{db: db}
}

// Save upserts by alpha id.
func (seriesRepo *SeriesRepo) Save(ctx context.Context, series *model.ReturnSeries) error {
	result := seriesRepo.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alpha_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"region", "pool", "points", "finalized", "fetched_at"}),
	}).Create(series)
	if result.Error != nil {
		log.Errorf("failed to save series for alpha %s: %v", series.AlphaID, result.Error)
		return result.Error
	}
	return nil
}

func (seriesRepo *SeriesRepo) FindByAlphaId(ctx context.Context, alphaID string) (*model.ReturnSeries, error) {
	var series model.ReturnSeries
	result := seriesRepo.db.WithContext(ctx).Where("alpha_id = ?", alphaID).First(&series)
	if result.Error != nil {
		if notFound(result.Error) {
			return nil, ErrNotFound
		}
		log.Errorf("failed to find series %s: %v", alphaID, result.Error)
		return nil, result.Error
	}
	return &series, nil
}

func (seriesRepo *SeriesRepo) FindByPool(ctx context.Context, pool string) ([]model.ReturnSeries, error) {
	var list []model.ReturnSeries
	result := seriesRepo.db.WithContext(ctx).Where("pool = ?", pool).Find(&list)
	if result.Error != nil {
		log.Errorf("FindByPool %s Error: %v", pool, result.Error)
		return nil, result.Error
	}
	return list, nil
}

// DeletePoolExcept removes rows of pool whose alpha id is not in keep.
func (seriesRepo *SeriesRepo) DeletePoolExcept(ctx context.Context, pool string, keep []string) (int64, error) {
	q := seriesRepo.db.WithContext(ctx).Where("pool = ?", pool)
	if len(keep) > 0 {
		q = q.Where("alpha_id NOT IN ?", keep)
	}
	result := q.Delete(&model.ReturnSeries{})
	if result.Error != nil {
		log.Errorf("DeletePoolExcept %s Error: %v", pool, result.Error)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
