package factory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog lists the operators and argument grids the factory composes.
type Catalog struct {
	Basic       []string `yaml:"basic"`
	TS          []string `yaml:"ts"`
	Arsenal     []string `yaml:"arsenal"`
	Group       []string `yaml:"group"`
	Vec         []string `yaml:"vec"`
	TradeWhen   string   `yaml:"trade_when"`
	Days        []int    `yaml:"days"`
	Groups      []string `yaml:"groups"`
	Vectors     []string `yaml:"vectors"`
	OpenEvents  []string `yaml:"open_events"`
	ExitEvents  []string `yaml:"exit_events"`
	Preprocess  string   `yaml:"preprocess"`
	Involutions []string `yaml:"involutions"`
	Idempotent  []string `yaml:"idempotent"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Basic: []string{"log", "sqrt", "reverse", "inverse", "rank", "zscore", "log_diff", "s_log_1p",
			"fraction", "quantile", "normalize", "scale_down"},
		TS: []string{"ts_rank", "ts_zscore", "ts_delta", "ts_sum", "ts_product", "ts_ir", "ts_std_dev",
			"ts_mean", "ts_arg_min", "ts_arg_max", "ts_min_diff", "ts_max_diff", "ts_returns", "ts_scale",
			"ts_skewness", "ts_kurtosis", "ts_quantile"},
		Arsenal: []string{"ts_moment", "ts_entropy", "ts_min_max_cps", "ts_min_max_diff", "inst_tvr", "sigmoid",
			"ts_decay_exp_window", "ts_percentage", "vector_neut", "vector_proj", "signed_power"},
		Group:     []string{"group_neutralize", "group_rank", "group_normalize", "group_scale", "group_zscore"},
		Vec:       []string{"vec_avg", "vec_sum", "vec_ir", "vec_max", "vec_count", "vec_skewness", "vec_stddev", "vec_choose"},
		TradeWhen: "trade_when",
		Days:      []int{5, 22, 66, 120, 240},
		Groups:    []string{"market", "sector", "industry", "subindustry", "country"},
		Vectors:   []string{"cap"},
		OpenEvents: []string{
			"ts_arg_max(volume, 5) == 0",
			"ts_corr(close, volume, 20) < 0",
			"ts_corr(close, volume, 5) < 0",
			"ts_mean(volume,10)>ts_mean(volume,60)",
			"group_rank(ts_std_dev(returns,60), sector) > 0.7",
			"ts_zscore(returns,60) > 2",
			"ts_arg_min(volume, 5) > 3",
			"ts_std_dev(returns, 5) > ts_std_dev(returns, 20)",
			"ts_arg_max(close, 5) == 0",
			"ts_arg_max(close, 20) == 0",
			"ts_corr(close, volume, 5) > 0",
			"ts_corr(close, volume, 5) > 0.3",
			"ts_corr(close, volume, 5) > 0.5",
			"ts_corr(close, volume, 20) > 0",
			"ts_corr(close, volume, 20) > 0.3",
			"ts_corr(close, volume, 20) > 0.5",
			"ts_regression(returns, %s, 5, lag = 0, rettype = 2) > 0",
			"ts_regression(returns, %s, 20, lag = 0, rettype = 2) > 0",
			"ts_regression(returns, ts_step(20), 20, lag = 0, rettype = 2) > 0",
			"ts_regression(returns, ts_step(5), 5, lag = 0, rettype = 2) > 0",
		},
		ExitEvents:  []string{"abs(returns) > 0.1", "-1"},
		Preprocess:  "winsorize(ts_backfill(%s, 120), std=4)",
		Involutions: []string{"reverse", "inverse"},
		Idempotent:  []string{"rank", "zscore", "normalize", "quantile", "scale", "scale_down", "sign", "abs", "sigmoid"},
	}
}

// LoadCatalog overlays the yaml file at path onto DefaultCatalog. Lists present in the file replace the defaults.
func LoadCatalog(path string) (Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read catalog: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

// Filter keeps only operators the platform reports as available. Argument grids are kept.
func (c Catalog) Filter(available map[string]bool) Catalog {
	keep := func(ops []string) []string {
		out := make([]string, 0, len(ops))
		for _, op := range ops {
			if available[op] {
				out = append(out, op)
			}
		}
		return out
	}
	filtered := c
	filtered.Basic = keep(c.Basic)
	filtered.TS = keep(c.TS)
	filtered.Arsenal = keep(c.Arsenal)
	filtered.Group = keep(c.Group)
	filtered.Vec = keep(c.Vec)
	if !available[c.TradeWhen] {
		filtered.TradeWhen = ""
	}
	return filtered
}

// FirstOrderOps is the ordered op list used by stage 1.
func (c Catalog) FirstOrderOps() []string {
	ops := make([]string, 0, len(c.Basic)+len(c.TS)+len(c.Arsenal))
	ops = append(ops, c.Basic...)
	ops = append(ops, c.TS...)
	ops = append(ops, c.Arsenal...)
	return uniq(ops)
}

func (c Catalog) compact() Catalog {
	c.Basic = uniq(c.Basic)
	c.TS = uniq(c.TS)
	c.Arsenal = uniq(c.Arsenal)
	c.Group = uniq(c.Group)
	c.Vec = uniq(c.Vec)
	c.Days = uniq(c.Days)
	c.Groups = uniq(c.Groups)
	c.Vectors = uniq(c.Vectors)
	c.OpenEvents = uniq(c.OpenEvents)
	c.ExitEvents = uniq(c.ExitEvents)
	return c
}
