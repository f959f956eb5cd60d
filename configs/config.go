package configs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	rlog "github.com/lestrrat-go/file-rotatelogs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalConfig GlobalConfig
	once         sync.Once
)

type GlobalConfig struct {
	AppConfig         AppConf         `yaml:"app" mapstructure:"app"`
	LogConfig         LogConf         `yaml:"log" mapstructure:"log"`
	DbConfig          DbConf          `yaml:"db" mapstructure:"db"`
	CredentialConfig  CredentialConf  `yaml:"credential" mapstructure:"credential"`
	SimulationConfig  SimulationConf  `yaml:"simulation" mapstructure:"simulation"`
	MiningConfig      MiningConf      `yaml:"mining" mapstructure:"mining"`
	CorrelationConfig CorrelationConf `yaml:"correlation" mapstructure:"correlation"`
	CacheConfig       CacheConf       `yaml:"cache" mapstructure:"cache"`
	NotifyConfig      NotifyConf      `yaml:"notify" mapstructure:"notify"`
	MetricsConfig     MetricsConf     `yaml:"metrics" mapstructure:"metrics"`
}

type AppConf struct {
	AppName     string `yaml:"app_name" mapstructure:"app_name"`
	Version     string `yaml:"version" mapstructure:"version"`
	Port        int    `yaml:"port" mapstructure:"port"`
	RunMod      string `yaml:"run_mod"  mapstructure:"run_mod"`
	Concurrency int64  `yaml:"concurrency" mapstructure:"concurrency"`
}

type LogConf struct {
	LogPattern string `yaml:"log_pattern" mapstructure:"log_pattern"`
	LogPath    string `yaml:"log_path" mapstructure:"log_path"`
	SaveDays   uint   `yaml:"save_days" mapstructure:"save_days"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	Level      string `yaml:"level" mapstructure:"level"`
	TaskDir    string `yaml:"task_dir" mapstructure:"task_dir"`
}

type DbConf struct {
	Driver                   string `yaml:"driver" mapstructure:"driver"`
	Path                     string `yaml:"path" mapstructure:"path"`
	Host                     string `yaml:"host" mapstructure:"host"`
	Port                     int    `yaml:"port" mapstructure:"port"`
	User                     string `yaml:"user" mapstructure:"user"`
	Password                 string `yaml:"password" mapstructure:"password"`
	Dbname                   string `yaml:"dbname" mapstructure:"db_name"`
	MaxIdleConn              int    `yaml:"max_idle_conn" mapstructure:"max_idle_conn"`
	MaxOpenConn              int    `yaml:"max_open_conn" mapstructure:"max_open_conn"`
	MaxIdleTime              int    `yaml:"max_idle_time" mapstructure:"max_idle_time"`
	SlowThresholdMillisecond int    `yaml:"slow_threshold_millisecond" mapstructure:"slow_threshold_millisecond"`
}

type CredentialConf struct {
	UserName string `yaml:"user_name" mapstructure:"user_name"`
	Password string `yaml:"password" mapstructure:"password"`
	// Token guards the control API.
	Token string `yaml:"token" mapstructure:"token"`
}

// SimulationConf holds the platform simulation settings plus the HTTP client knobs.
type SimulationConf struct {
	BaseUrl        string  `yaml:"base_url" mapstructure:"base_url"`
	InstrumentType string  `yaml:"instrument_type" mapstructure:"instrument_type"`
	Region         string  `yaml:"region" mapstructure:"region"`
	Universe       string  `yaml:"universe" mapstructure:"universe"`
	Delay          int     `yaml:"delay" mapstructure:"delay"`
	Decay          int     `yaml:"decay" mapstructure:"decay"`
	Neutralization string  `yaml:"neutralization" mapstructure:"neutralization"`
	Truncation     float64 `yaml:"truncation" mapstructure:"truncation"`
	Pasteurization string  `yaml:"pasteurization" mapstructure:"pasteurization"`
	NanHandling    string  `yaml:"nan_handling" mapstructure:"nan_handling"`
	UnitHandling   string  `yaml:"unit_handling" mapstructure:"unit_handling"`
	MaxTrade       string  `yaml:"max_trade" mapstructure:"max_trade"`
	Language       string  `yaml:"language" mapstructure:"language"`
	TestPeriod     string  `yaml:"test_period" mapstructure:"test_period"`

	RequestTimeout  string  `yaml:"request_timeout" mapstructure:"request_timeout"`
	ApiMaxRetries   int     `yaml:"api_max_retries" mapstructure:"api_max_retries"`
	ApiRetryDelay   string  `yaml:"api_retry_delay" mapstructure:"api_retry_delay"`
	RequestsPerSec  float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst           int     `yaml:"burst" mapstructure:"burst"`
	BreakerFailures uint32  `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldown string  `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

type MiningConf struct {
	NJobs        int    `yaml:"n_jobs" mapstructure:"n_jobs"`
	MultiMode    string `yaml:"multi_mode" mapstructure:"multi_mode"`
	MultiSize    int    `yaml:"multi_size" mapstructure:"multi_size"`
	RetryNum     int64  `yaml:"retry_num" mapstructure:"retry_num"`
	ChannelLen   int64  `yaml:"channel_len" mapstructure:"channel_len"`
	BatchTimeout string `yaml:"batch_timeout" mapstructure:"batch_timeout"`
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval"`
	IdleWait     string `yaml:"idle_wait" mapstructure:"idle_wait"`
	BatchWait    string `yaml:"batch_wait" mapstructure:"batch_wait"`
	ErrorWait    string `yaml:"error_wait" mapstructure:"error_wait"`

	CatalogPath      string   `yaml:"catalog_path" mapstructure:"catalog_path"`
	Datasets         []string `yaml:"datasets" mapstructure:"datasets"`
	RecommendedField []string `yaml:"recommended_fields" mapstructure:"recommended_fields"`
	MaxDepth         int      `yaml:"max_depth" mapstructure:"max_depth"`
	MaxLength        int      `yaml:"max_length" mapstructure:"max_length"`

	Stage1MinSharpe   float64 `yaml:"stage1_min_sharpe" mapstructure:"stage1_min_sharpe"`
	Stage1MinFitness  float64 `yaml:"stage1_min_fitness" mapstructure:"stage1_min_fitness"`
	Stage2MinSharpe   float64 `yaml:"stage2_min_sharpe" mapstructure:"stage2_min_sharpe"`
	Stage2MinFitness  float64 `yaml:"stage2_min_fitness" mapstructure:"stage2_min_fitness"`
	SurvivorLimit     int     `yaml:"survivor_limit" mapstructure:"survivor_limit"`
	PendingMinSharpe  float64 `yaml:"pending_min_sharpe" mapstructure:"pending_min_sharpe"`
	PendingMinFitness float64 `yaml:"pending_min_fitness" mapstructure:"pending_min_fitness"`
}

type CorrelationConf struct {
	Interval         string  `yaml:"interval" mapstructure:"interval"`
	BatchSize        int     `yaml:"batch_size" mapstructure:"batch_size"`
	FetchWorkers     int     `yaml:"fetch_workers" mapstructure:"fetch_workers"`
	TimeWindowYears  int     `yaml:"time_window_years" mapstructure:"time_window_years"`
	MinOverlapDays   int     `yaml:"min_overlap_days" mapstructure:"min_overlap_days"`
	SelfThreshold    float64 `yaml:"self_threshold" mapstructure:"self_threshold"`
	PoolThreshold    float64 `yaml:"pool_threshold" mapstructure:"pool_threshold"`
	SelfMinSharpe    float64 `yaml:"self_min_sharpe" mapstructure:"self_min_sharpe"`
	SelfMinFitness   float64 `yaml:"self_min_fitness" mapstructure:"self_min_fitness"`
	PoolMinSharpe    float64 `yaml:"pool_min_sharpe" mapstructure:"pool_min_sharpe"`
	PoolMinFitness   float64 `yaml:"pool_min_fitness" mapstructure:"pool_min_fitness"`
	PoolMaxOperators int     `yaml:"pool_max_operators" mapstructure:"pool_max_operators"`
	MaxZeroRunDays   int     `yaml:"max_zero_run_days" mapstructure:"max_zero_run_days"`
	MarkBatchSize    int     `yaml:"mark_batch_size" mapstructure:"mark_batch_size"`

	AggressiveMinPoints     int     `yaml:"aggressive_min_points" mapstructure:"aggressive_min_points"`
	AggressiveLongSeries    int     `yaml:"aggressive_long_series" mapstructure:"aggressive_long_series"`
	AggressiveSplitLong     float64 `yaml:"aggressive_split_long" mapstructure:"aggressive_split_long"`
	AggressiveSplitShort    float64 `yaml:"aggressive_split_short" mapstructure:"aggressive_split_short"`
	AggressiveZeroFraction  float64 `yaml:"aggressive_zero_fraction" mapstructure:"aggressive_zero_fraction"`
	AggressiveGrowthRatio   float64 `yaml:"aggressive_growth_ratio" mapstructure:"aggressive_growth_ratio"`
	AggressiveExtendedYears int     `yaml:"aggressive_extended_years" mapstructure:"aggressive_extended_years"`
}

type CacheConf struct {
	SeriesTTL string `yaml:"series_ttl" mapstructure:"series_ttl"`
	Backend   string `yaml:"backend" mapstructure:"backend"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPass string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB   int    `yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

type NotifyConf struct {
	ServerSecret   string    `yaml:"server_secret" mapstructure:"server_secret"`
	ServerChanUrl  string    `yaml:"server_chan_url" mapstructure:"server_chan_url"`
	TelegramToken  string    `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatId int64     `yaml:"telegram_chat_id" mapstructure:"telegram_chat_id"`
	Milestones     []float64 `yaml:"milestones" mapstructure:"milestones"`
}

type MetricsConf struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// Duration parses values such as "5s", "30m" or "1d".
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := str2duration.ParseDuration(value)
	if err != nil {
		log.Warnf("bad duration %q, using %s: %v", value, fallback, err)
		return fallback
	}
	return d
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.app_name", "wq_miner")
	v.SetDefault("app.port", 8088)
	v.SetDefault("app.concurrency", 15)

	v.SetDefault("log.log_pattern", "stdout")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.save_days", 7)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.task_dir", "./logs/tasks")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "./data/wq_miner.db")
	v.SetDefault("db.max_idle_conn", 5)
	v.SetDefault("db.max_open_conn", 20)
	v.SetDefault("db.max_idle_time", 300)

	v.SetDefault("simulation.base_url", "https://api.worldquantbrain.com")
	v.SetDefault("simulation.instrument_type", "EQUITY")
	v.SetDefault("simulation.region", "USA")
	v.SetDefault("simulation.universe", "TOP3000")
	v.SetDefault("simulation.delay", 1)
	v.SetDefault("simulation.decay", 6)
	v.SetDefault("simulation.neutralization", "SUBINDUSTRY")
	v.SetDefault("simulation.truncation", 0.08)
	v.SetDefault("simulation.pasteurization", "ON")
	v.SetDefault("simulation.nan_handling", "OFF")
	v.SetDefault("simulation.unit_handling", "VERIFY")
	v.SetDefault("simulation.max_trade", "OFF")
	v.SetDefault("simulation.language", "FASTEXPR")
	v.SetDefault("simulation.request_timeout", "60s")
	v.SetDefault("simulation.api_max_retries", 3)
	v.SetDefault("simulation.api_retry_delay", "5s")
	v.SetDefault("simulation.requests_per_sec", 4.0)
	v.SetDefault("simulation.burst", 8)
	v.SetDefault("simulation.breaker_failures", 10)
	v.SetDefault("simulation.breaker_cooldown", "60s")

	v.SetDefault("mining.n_jobs", 5)
	v.SetDefault("mining.multi_mode", "auto")
	v.SetDefault("mining.multi_size", 10)
	v.SetDefault("mining.retry_num", 3)
	v.SetDefault("mining.channel_len", 64)
	v.SetDefault("mining.batch_timeout", "20m")
	v.SetDefault("mining.poll_interval", "5s")
	v.SetDefault("mining.idle_wait", "1h")
	v.SetDefault("mining.batch_wait", "30m")
	v.SetDefault("mining.error_wait", "5m")
	v.SetDefault("mining.max_depth", 8)
	v.SetDefault("mining.max_length", 1024)
	v.SetDefault("mining.stage1_min_sharpe", 0.75)
	v.SetDefault("mining.stage1_min_fitness", 0.5)
	v.SetDefault("mining.stage2_min_sharpe", 1.0)
	v.SetDefault("mining.stage2_min_fitness", 0.7)
	v.SetDefault("mining.survivor_limit", 500)
	v.SetDefault("mining.pending_min_sharpe", 1.2)
	v.SetDefault("mining.pending_min_fitness", 0.7)

	v.SetDefault("correlation.interval", "5m")
	v.SetDefault("correlation.batch_size", 20)
	v.SetDefault("correlation.fetch_workers", 3)
	v.SetDefault("correlation.time_window_years", 4)
	v.SetDefault("correlation.min_overlap_days", 120)
	v.SetDefault("correlation.self_threshold", 0.7)
	v.SetDefault("correlation.pool_threshold", 0.5)
	v.SetDefault("correlation.self_min_sharpe", 1.58)
	v.SetDefault("correlation.self_min_fitness", 1.0)
	v.SetDefault("correlation.pool_min_sharpe", 1.0)
	v.SetDefault("correlation.pool_min_fitness", 1.0)
	v.SetDefault("correlation.pool_max_operators", 8)
	v.SetDefault("correlation.max_zero_run_days", 5)
	v.SetDefault("correlation.mark_batch_size", 30)
	v.SetDefault("correlation.aggressive_min_points", 100)
	v.SetDefault("correlation.aggressive_long_series", 1000)
	v.SetDefault("correlation.aggressive_split_long", 0.8)
	v.SetDefault("correlation.aggressive_split_short", 0.7)
	v.SetDefault("correlation.aggressive_zero_fraction", 0.6)
	v.SetDefault("correlation.aggressive_growth_ratio", 1.5)
	v.SetDefault("correlation.aggressive_extended_years", 6)

	v.SetDefault("cache.series_ttl", "1d")
	v.SetDefault("cache.backend", "db")
	v.SetDefault("cache.key_prefix", "wq_miner:series:")

	v.SetDefault("notify.server_chan_url", "https://sctapi.ftqq.com")
	v.SetDefault("notify.milestones", []float64{95, 98, 99, 99.5})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "wq_miner")
}

// Load reads path (or ./configs/config.yaml when empty) on top of the defaults.
// A local .env is applied first so WQ_* variables can override the file.
func Load(path string) (*GlobalConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("load .env failed: %v", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		//从程序工作目录开始
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn("no config file found, running on defaults")
	}

	var conf GlobalConfig
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &conf, nil
}

// GetGlobalConfig returns the process-wide config read from ./configs.
func GetGlobalConfig() *GlobalConfig {
	once.Do(readConf)
	return &globalConfig
}

func readConf() {
	conf, err := Load(os.Getenv("WQ_CONFIG"))
	if err != nil {
		panic("read config error " + err.Error())
	}
	globalConfig = *conf
	fmt.Println("read config success")
}

// InitGlobalConfig reads the config and configures the std logrus logger.
func InitGlobalConfig() {
	config := GetGlobalConfig()
	if err := InitLogger(config.LogConfig); err != nil {
		panic("log init err " + err.Error())
	}
}

func InitLogger(conf LogConf) error {
	level, err := log.ParseLevel(conf.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetFormatter(NewLogFormatter())
	log.SetReportCaller(true)
	log.SetLevel(level)

	switch conf.LogPattern {
	case "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	case "file":
		logger, err := rlog.New(
			conf.LogPath+".%Y%m%d",
			rlog.WithRotationTime(time.Hour*24),
			rlog.WithRotationCount(conf.SaveDays))
		if err != nil {
			return fmt.Errorf("rotatelogs: %w", err)
		}
		log.SetOutput(logger)
	case "rotate":
		log.SetOutput(&lumberjack.Logger{
			Filename: conf.LogPath,
			MaxSize:  conf.MaxSizeMB,
			MaxAge:   int(conf.SaveDays),
			Compress: true,
		})
	default:
		return fmt.Errorf("unknown log pattern %q", conf.LogPattern)
	}
	return nil
}
