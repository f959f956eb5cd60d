package model

import (
	"time"
)

// ProcessTask corresponds to the `process_task` table in the database.
type ProcessTask struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID     string     `gorm:"column:task_id;type:varchar(36);not null;uniqueIndex" json:"task_id"`
	ScriptType string     `gorm:"column:script_type;type:varchar(16);not null" json:"script_type"`
	Stage      int        `gorm:"column:stage;default:0" json:"stage"`
	Dataset    string     `gorm:"column:dataset;type:varchar(64)" json:"dataset"`
	Tag        string     `gorm:"column:tag;type:varchar(255)" json:"tag"`
	Pid        int        `gorm:"column:pid" json:"pid"`
	Status     string     `gorm:"column:status;type:varchar(16);not null" json:"status"`
	State      string     `gorm:"column:state;type:varchar(32)" json:"state"`
	Processed  int64      `gorm:"column:processed;default:0" json:"processed"`
	Accepted   int64      `gorm:"column:accepted;default:0" json:"accepted"`
	Failed     int64      `gorm:"column:failed;default:0" json:"failed"`
	LastError  string     `gorm:"column:last_error;type:text" json:"last_error"`
	LogPath    string     `gorm:"column:log_path;type:varchar(255)" json:"log_path"`
	StartedAt  time.Time  `gorm:"column:started_at" json:"started_at"`
	StoppedAt  *time.Time `gorm:"column:stopped_at" json:"stopped_at"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p *ProcessTask) TableName() string {
	return "process_task"
}

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{
		&FactorExpression{},
		&FailedExpression{},
		&Alpha{},
		&ReturnSeries{},
		&ProcessTask{},
	}
}
