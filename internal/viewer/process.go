package viewer

import (
	"time"

	"wq_miner/internal/model"
)

// ProcessTask is one mining or correlation task as shown by the control api.
type ProcessTask struct {
	TaskID     string     `json:"task_id"`
	ScriptType string     `json:"script_type"`
	Stage      int        `json:"stage"`
	Dataset    string     `json:"dataset"`
	Tag        string     `json:"tag"`
	Pid        int        `json:"pid"`
	Status     string     `json:"status"`
	State      string     `json:"state"`
	Running    bool       `json:"running"`
	Processed  int64      `json:"processed"`
	Accepted   int64      `json:"accepted"`
	Failed     int64      `json:"failed"`
	LastError  string     `json:"last_error,omitempty"`
	LogPath    string     `json:"log_path"`
	LogTail    []string   `json:"log_tail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}

func NewProcessTask(t *model.ProcessTask, running bool) ProcessTask {
	return ProcessTask{
		TaskID:     t.TaskID,
		ScriptType: t.ScriptType,
		Stage:      t.Stage,
		Dataset:    t.Dataset,
		Tag:        t.Tag,
		Pid:        t.Pid,
		Status:     t.Status,
		State:      t.State,
		Running:    running,
		Processed:  t.Processed,
		Accepted:   t.Accepted,
		Failed:     t.Failed,
		LastError:  t.LastError,
		LogPath:    t.LogPath,
		StartedAt:  t.StartedAt,
		StoppedAt:  t.StoppedAt,
	}
}
