package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FactorExpression corresponds to the `factor_expression` table in the database.
// A row is written once before the expression is submitted and is never rewritten
// except to record that its simulation resolved. A row whose simulation never resolved
// is deleted when its batch is dropped.
type FactorExpression struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExprHash   string    `gorm:"column:expr_hash;type:char(64);not null;uniqueIndex:uk_expr_partition,priority:1" json:"expr_hash"`
	Expression string    `gorm:"column:expression;type:text;not null" json:"expression"`
	DatasetID  string    `gorm:"column:dataset_id;type:varchar(64);not null;uniqueIndex:uk_expr_partition,priority:2" json:"dataset_id"`
	Region     string    `gorm:"column:region;type:varchar(16);not null;uniqueIndex:uk_expr_partition,priority:3" json:"region"`
	Stage      int       `gorm:"column:stage;not null;uniqueIndex:uk_expr_partition,priority:4" json:"stage"`
	Simulated  bool      `gorm:"column:simulated;default:false;not null" json:"simulated"`
	AlphaID    string    `gorm:"column:alpha_id;type:varchar(32)" json:"alpha_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e *FactorExpression) TableName() string {
	return "factor_expression"
}

// FailedExpression corresponds to the `failed_expression` table in the database.
type FailedExpression struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExprHash      string    `gorm:"column:expr_hash;type:char(64);not null;uniqueIndex:uk_failed,priority:1" json:"expr_hash"`
	Expression    string    `gorm:"column:expression;type:text;not null" json:"expression"`
	DatasetID     string    `gorm:"column:dataset_id;type:varchar(64);not null;uniqueIndex:uk_failed,priority:2" json:"dataset_id"`
	Region        string    `gorm:"column:region;type:varchar(16);not null;uniqueIndex:uk_failed,priority:3" json:"region"`
	Stage         int       `gorm:"column:stage;not null;uniqueIndex:uk_failed,priority:4" json:"stage"`
	FailureReason string    `gorm:"column:failure_reason;type:varchar(32);not null;uniqueIndex:uk_failed,priority:5" json:"failure_reason"`
	Detail        string    `gorm:"column:detail;type:text" json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

func (f *FailedExpression) TableName() string {
	return "failed_expression"
}

// HashExpression is the hex sha256 of the expression text.
func HashExpression(expr string) string {
	sum := sha256.Sum256([]byte(expr))
	return hex.EncodeToString(sum[:])
}
