package repo

import (
	"context"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wq_miner/internal/model"
)

type ExpressionRepo struct {
	db *gorm.DB
}

func NewExpressionRepo(db *gorm.DB) *ExpressionRepo {
	return &ExpressionRepo{db: db}
}

// Add inserts the expression unless its partition key exists and reports whether a row was written.
func (exprRepo *ExpressionRepo) Add(ctx context.Context, expr *model.FactorExpression) (bool, error) {
	if expr.ExprHash == "" {
		expr.ExprHash = model.HashExpression(expr.Expression)
	}
	result := exprRepo.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(expr)
	if result.Error != nil {
		log.Errorf("failed to add expression %s: %v", expr.Expression, result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (exprRepo *ExpressionRepo) AddFailure(ctx context.Context, failed *model.FailedExpression) (bool, error) {
	if failed.ExprHash == "" {
		failed.ExprHash = model.HashExpression(failed.Expression)
	}
	result := exprRepo.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(failed)
	if result.Error != nil {
		log.Errorf("failed to add failed expression %s: %v", failed.Expression, result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkSimulated records the platform alpha id once a simulation resolves.
func (exprRepo *ExpressionRepo) MarkSimulated(ctx context.Context, hash, dataset, region string, stage int, alphaID string) error {
	result := exprRepo.db.WithContext(ctx).Model(&model.FactorExpression{}).
		Where("expr_hash = ? AND dataset_id = ? AND region = ? AND stage = ?", hash, dataset, region, stage).
		Updates(map[string]interface{}{"simulated": true, "alpha_id": alphaID})
	if result.Error != nil {
		log.Errorf("MarkSimulated for %s Error: %v", hash, result.Error)
		return result.Error
	}
	return nil
}

// DeleteUnsimulated removes a generated expression that never resolved, so a later run may regenerate it.
// Rows that already carry a simulation result are left alone.
func (exprRepo *ExpressionRepo) DeleteUnsimulated(ctx context.Context, hash, dataset, region string, stage int) (bool, error) {
	result := exprRepo.db.WithContext(ctx).
		Where("expr_hash = ? AND dataset_id = ? AND region = ? AND stage = ? AND simulated = ?", hash, dataset, region, stage, false).
		Delete(&model.FactorExpression{})
	if result.Error != nil {
		log.Errorf("DeleteUnsimulated for %s Error: %v", hash, result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindHashes returns every expression hash recorded for one partition.
func (exprRepo *ExpressionRepo) FindHashes(ctx context.Context, dataset, region string, stage int) ([]string, error) {
	var hashes []string
	result := exprRepo.db.WithContext(ctx).Model(&model.FactorExpression{}).
		Where("dataset_id = ? AND region = ? AND stage = ?", dataset, region, stage).
		Pluck("expr_hash", &hashes)
	if result.Error != nil {
		log.Errorf("FindHashes Error: %v", result.Error)
		return nil, result.Error
	}
	return hashes, nil
}

func (exprRepo *ExpressionRepo) Count(ctx context.Context, dataset, region string, stage int) (int64, error) {
	var n int64
	result := exprRepo.db.WithContext(ctx).Model(&model.FactorExpression{}).
		Where("dataset_id = ? AND region = ? AND stage = ?", dataset, region, stage).
		Count(&n)
	return n, result.Error
}

func (exprRepo *ExpressionRepo) FindFailures(ctx context.Context, dataset, region string, stage int) ([]model.FailedExpression, error) {
	var list []model.FailedExpression
	result := exprRepo.db.WithContext(ctx).
		Where("dataset_id = ? AND region = ? AND stage = ?", dataset, region, stage).
		Order("id").Find(&list)
	if result.Error != nil {
		log.Errorf("FindFailures Error: %v", result.Error)
		return nil, result.Error
	}
	return list, nil
}
