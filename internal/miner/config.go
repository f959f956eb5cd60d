package miner

import (
	"fmt"
	"time"

	"wq_miner/configs"
	"wq_miner/internal/factory"
	"wq_miner/internal/svc"
)

// StageConfig is everything one mining run needs, resolved from the global config.
type StageConfig struct {
	Dataset  string
	Stage    int
	Settings svc.Settings
	// Recommended fields are mined in stage 1 even when the catalog fetch misses them.
	Recommended []string
	Limits      factory.Limits

	NJobs      int
	RetryNum   int64
	ChannelLen int64

	SurvivorMinSharpe  float64
	SurvivorMinFitness float64
	SurvivorLimit      int
	PendingMinSharpe   float64
	PendingMinFitness  float64

	IdleWait  time.Duration
	BatchWait time.Duration
	ErrorWait time.Duration

	FieldRetries    int
	FieldRetryDelay time.Duration
	Milestones      []float64
}

// NewStageConfig builds the config of one stage. nJobs overrides mining.n_jobs when positive.
func NewStageConfig(conf *configs.GlobalConfig, dataset string, stage, nJobs int) (StageConfig, error) {
	mining := conf.MiningConfig
	if nJobs <= 0 {
		nJobs = mining.NJobs
	}
	cfg := StageConfig{
		Dataset:           dataset,
		Stage:             stage,
		Settings:          svc.SettingsFromConf(conf.SimulationConfig),
		Recommended:       mining.RecommendedField,
		Limits:            factory.Limits{MaxDepth: mining.MaxDepth, MaxLength: mining.MaxLength},
		NJobs:             nJobs,
		RetryNum:          mining.RetryNum,
		ChannelLen:        mining.ChannelLen,
		SurvivorLimit:     mining.SurvivorLimit,
		PendingMinSharpe:  mining.PendingMinSharpe,
		PendingMinFitness: mining.PendingMinFitness,
		IdleWait:          configs.Duration(mining.IdleWait, time.Hour),
		BatchWait:         configs.Duration(mining.BatchWait, 30*time.Minute),
		ErrorWait:         configs.Duration(mining.ErrorWait, 5*time.Minute),
		FieldRetries:      conf.SimulationConfig.ApiMaxRetries,
		FieldRetryDelay:   configs.Duration(conf.SimulationConfig.ApiRetryDelay, 5*time.Second),
		Milestones:        conf.NotifyConfig.Milestones,
	}
	// stage n mines the survivors of stage n-1
	switch stage {
	case 2:
		cfg.SurvivorMinSharpe, cfg.SurvivorMinFitness = mining.Stage1MinSharpe, mining.Stage1MinFitness
	case 3:
		cfg.SurvivorMinSharpe, cfg.SurvivorMinFitness = mining.Stage2MinSharpe, mining.Stage2MinFitness
	}
	return cfg, cfg.Validate()
}

func (c StageConfig) Validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	if c.Stage < 1 || c.Stage > 3 {
		return fmt.Errorf("stage %d out of range [1, 3]", c.Stage)
	}
	if c.NJobs < 1 {
		return fmt.Errorf("n_jobs must be positive, got %d", c.NJobs)
	}
	return nil
}

// Tag labels every simulation of the stage, e.g. USA_1_EQUITY_TOP3000_fundamental6_step1.
func (c StageConfig) Tag() string {
	return TagFor(c.Settings, c.Dataset, c.Stage)
}

func TagFor(s svc.Settings, dataset string, stage int) string {
	return fmt.Sprintf("%s_%d_%s_%s_%s_step%d", s.Region, s.Delay, s.InstrumentType, s.Universe, dataset, stage)
}

// Continuous stages keep polling for fresh survivors instead of finishing.
func (c StageConfig) Continuous() bool {
	return c.Stage > 1
}

func (c StageConfig) stageLabel() string {
	return fmt.Sprintf("%d", c.Stage)
}
