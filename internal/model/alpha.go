package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Alpha corresponds to the `alpha` table in the database.
type Alpha struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AlphaID        string         `gorm:"column:alpha_id;type:varchar(32);not null;uniqueIndex" json:"alpha_id"`
	Expression     string         `gorm:"column:expression;type:text;not null" json:"expression"`
	DatasetID      string         `gorm:"column:dataset_id;type:varchar(64);index:idx_alpha_partition" json:"dataset_id"`
	Region         string         `gorm:"column:region;type:varchar(16);index:idx_alpha_partition" json:"region"`
	Stage          int            `gorm:"column:stage;index:idx_alpha_partition" json:"stage"`
	SimulationEnv  datatypes.JSON `gorm:"column:simulation_env;type:json" json:"simulation_env"`
	Fitness        float64        `gorm:"column:fitness" json:"fitness"`
	Sharpe         float64        `gorm:"column:sharpe;index" json:"sharpe"`
	Turnover       float64        `gorm:"column:turnover" json:"turnover"`
	Returns        float64        `gorm:"column:returns" json:"returns"`
	Drawdown       float64        `gorm:"column:drawdown" json:"drawdown"`
	Margin         float64        `gorm:"column:margin" json:"margin"`
	LongCount      int64          `gorm:"column:long_count" json:"long_count"`
	ShortCount     int64          `gorm:"column:short_count" json:"short_count"`
	OperatorCount  int            `gorm:"column:operator_count" json:"operator_count"`
	Tags           string         `gorm:"column:tags;type:varchar(255);index" json:"tags"`
	Color          string         `gorm:"column:color;type:varchar(16);default:NONE" json:"color"`
	Status         string         `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	AggressiveMode bool           `gorm:"column:aggressive_mode;default:false" json:"aggressive_mode"`
	SelfCorr       *float64       `gorm:"column:self_corr" json:"self_corr"`
	PoolCorr       *float64       `gorm:"column:pool_corr" json:"pool_corr"`
	CheckedAt      *time.Time     `gorm:"column:checked_at" json:"checked_at"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"delete_at"`
}

func (a *Alpha) TableName() string {
	return "alpha"
}
