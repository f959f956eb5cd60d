package api

import (
	"wq_miner/internal/viewer"
)

type MessageResp struct {
	Message string `json:"message"`
}

type ProcessResp struct {
	Message string              `json:"message"`
	Task    *viewer.ProcessTask `json:"task"`
}

type ProcessListResp struct {
	Message string               `json:"message"`
	Tasks   []viewer.ProcessTask `json:"tasks"`
}

type ProcessLogResp struct {
	Message string   `json:"message"`
	TaskId  string   `json:"task_id"`
	Lines   []string `json:"lines"`
}

type PendingAlphaResp struct {
	Message string         `json:"message"`
	Count   int64          `json:"count"`
	Alphas  []viewer.Alpha `json:"alphas"`
}
