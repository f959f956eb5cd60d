package viewer

import (
	"encoding/json"
	"time"

	"wq_miner/internal/model"
)

type Alpha struct {
	AlphaID        string          `json:"alpha_id"`
	Expression     string          `json:"expression"`
	DatasetID      string          `json:"dataset_id"`
	Region         string          `json:"region"`
	Stage          int             `json:"stage"`
	SimulationEnv  json.RawMessage `json:"simulation_env"`
	Sharpe         float64         `json:"sharpe"`
	Fitness        float64         `json:"fitness"`
	Turnover       float64         `json:"turnover"`
	OperatorCount  int             `json:"operator_count"`
	Tags           string          `json:"tags"`
	Status         string          `json:"status"`
	Color          string          `json:"color"`
	AggressiveMode bool            `json:"aggressive_mode"`
	SelfCorr       *float64        `json:"self_corr,omitempty"`
	PoolCorr       *float64        `json:"pool_corr,omitempty"`
	CheckedAt      *time.Time      `json:"checked_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func NewAlpha(a *model.Alpha) Alpha {
	return Alpha{
		AlphaID:        a.AlphaID,
		Expression:     a.Expression,
		DatasetID:      a.DatasetID,
		Region:         a.Region,
		Stage:          a.Stage,
		SimulationEnv:  json.RawMessage(a.SimulationEnv),
		Sharpe:         a.Sharpe,
		Fitness:        a.Fitness,
		Turnover:       a.Turnover,
		OperatorCount:  a.OperatorCount,
		Tags:           a.Tags,
		Status:         a.Status,
		Color:          a.Color,
		AggressiveMode: a.AggressiveMode,
		SelfCorr:       a.SelfCorr,
		PoolCorr:       a.PoolCorr,
		CheckedAt:      a.CheckedAt,
		CreatedAt:      a.CreatedAt,
	}
}

func NewAlphaList(alphas []model.Alpha) []Alpha {
	list := make([]Alpha, 0, len(alphas))
	for i := range alphas {
		list = append(list, NewAlpha(&alphas[i]))
	}
	return list
}
