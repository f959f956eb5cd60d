package model

import (
	"time"

	"gorm.io/datatypes"
)

// ReturnSeries corresponds to the `return_series` table in the database.
// Points holds the cumulative pnl recordset as [[date, pnl], ...].
type ReturnSeries struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AlphaID   string         `gorm:"column:alpha_id;type:varchar(32);not null;uniqueIndex" json:"alpha_id"`
	Region    string         `gorm:"column:region;type:varchar(16);index" json:"region"`
	Pool      string         `gorm:"column:pool;type:varchar(16);index" json:"pool"`
	Points    datatypes.JSON `gorm:"column:points;type:json" json:"points"`
	Finalized bool           `gorm:"column:finalized;default:false" json:"finalized"`
	FetchedAt time.Time      `gorm:"column:fetched_at" json:"fetched_at"`
}

func (ReturnSeries) TableName() string {
	return "return_series"
}
