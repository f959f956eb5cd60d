package api

type StartProcessReq struct {
	ScriptType string `json:"script_type" binding:"required"`
	Stage      int    `json:"stage"`
	Dataset    string `json:"dataset"`
	NJobs      int    `json:"n_jobs"`
}

type StopProcessReq struct {
	TaskId string `json:"task_id" binding:"required"`
	Force  bool   `json:"force"`
}

type DeleteProcessReq struct {
	TaskId string `json:"task_id" binding:"required"`
}
