package repo

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wq_miner/internal/constant"
	"wq_miner/internal/model"
)

type AlphaRepo struct {
	db *gorm.DB
}

func NewAlphaRepo(db *gorm.DB) *AlphaRepo {
	return &AlphaRepo{db: db}
}

// Add stores a simulated alpha; an alpha id seen before is left untouched.
func (alphaRepo *AlphaRepo) Add(ctx context.Context, alphaModel *model.Alpha) (bool, error) {
	result := alphaRepo.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "alpha_id"}}, DoNothing: true}).
		Create(alphaModel)
	if result.Error != nil {
		log.Errorf("failed to add alpha %s: %v", alphaModel.AlphaID, result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (alphaRepo *AlphaRepo) FindByAlphaId(ctx context.Context, alphaID string) (*model.Alpha, error) {
	var alpha model.Alpha
	result := alphaRepo.db.WithContext(ctx).Where("alpha_id = ?", alphaID).First(&alpha)
	if result.Error != nil {
		if notFound(result.Error) {
			return nil, ErrNotFound
		}
		log.Errorf("failed to find alpha %s: %v", alphaID, result.Error)
		return nil, result.Error
	}
	return &alpha, nil
}

// FindPending returns pending alphas with sharpe at least minSharpe, best first.
func (alphaRepo *AlphaRepo) FindPending(ctx context.Context, minSharpe float64, limit int) ([]model.Alpha, error) {
	var alphas []model.Alpha
	q := alphaRepo.db.WithContext(ctx).
		Where("status = ? AND sharpe >= ?", constant.AlphaPending, minSharpe).
		Order("sharpe DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if result := q.Find(&alphas); result.Error != nil {
		log.Errorf("FindPending Error: %v", result.Error)
		return nil, result.Error
	}
	return alphas, nil
}

// FindSurvivors returns alphas of one partition's stage passing the metric floors.
func (alphaRepo *AlphaRepo) FindSurvivors(ctx context.Context, dataset, region string, stage int,
	minSharpe, minFitness float64, limit int) ([]model.Alpha, error) {
	var alphas []model.Alpha
	q := alphaRepo.db.WithContext(ctx).
		Where("dataset_id = ? AND region = ? AND stage = ? AND sharpe >= ? AND fitness >= ?",
			dataset, region, stage, minSharpe, minFitness).
		Order("sharpe DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if result := q.Find(&alphas); result.Error != nil {
		log.Errorf("FindSurvivors Error: %v", result.Error)
		return nil, result.Error
	}
	return alphas, nil
}

func (alphaRepo *AlphaRepo) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	result := alphaRepo.db.WithContext(ctx).Model(&model.Alpha{}).Where("status = ?", status).Count(&n)
	return n, result.Error
}

// Verdict is the outcome of one correlation check written back to an alpha.
type Verdict struct {
	AlphaID        string
	Status         string
	Color          string
	SelfCorr       *float64
	PoolCorr       *float64
	AggressiveMode bool
}

// ApplyVerdicts writes every verdict in one transaction.
func (alphaRepo *AlphaRepo) ApplyVerdicts(ctx context.Context, verdicts []Verdict) (int64, error) {
	var totalRowAffected int64
	now := time.Now()
	err := alphaRepo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, v := range verdicts {
			result := tx.Model(&model.Alpha{}).Where("alpha_id = ?", v.AlphaID).Updates(map[string]interface{}{
				"status":          v.Status,
				"color":           v.Color,
				"self_corr":       v.SelfCorr,
				"pool_corr":       v.PoolCorr,
				"aggressive_mode": v.AggressiveMode,
				"checked_at":      now,
			})
			if result.Error != nil {
				log.Errorf("Update verdict for alpha %s Error: %v", v.AlphaID, result.Error)
				return result.Error
			}
			totalRowAffected += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return totalRowAffected, nil
}

// MarkRemoved retires pending or rejected alphas; checked alphas are left alone.
func (alphaRepo *AlphaRepo) MarkRemoved(ctx context.Context, alphaIDs []string) (int64, error) {
	if len(alphaIDs) == 0 {
		return 0, nil
	}
	result := alphaRepo.db.WithContext(ctx).Model(&model.Alpha{}).
		Where("alpha_id IN ? AND status IN ?", alphaIDs, []string{constant.AlphaPending, constant.AlphaRejected}).
		Update("status", constant.AlphaRemoved)
	if result.Error != nil {
		log.Errorf("MarkRemoved Error: %v", result.Error)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
