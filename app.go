package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"wq_miner/configs"
	"wq_miner/internal/auth"
	"wq_miner/internal/correlation"
	"wq_miner/internal/factory"
	"wq_miner/internal/metrics"
	"wq_miner/internal/notify"
	"wq_miner/internal/pkg/gormcli"
	"wq_miner/internal/repo"
	"wq_miner/internal/scheduler"
	"wq_miner/internal/store"
	"wq_miner/internal/svc"
)

// services holds everything a command needs, built once from the config.
type services struct {
	conf    *configs.GlobalConfig
	db      *gorm.DB
	redis   redis.UniversalClient
	alphas  *repo.AlphaRepo
	tasks   *repo.ProcessTaskRepo
	metrics *metrics.Metrics
	builder scheduler.Builder
}

func newServices(ctx context.Context, conf *configs.GlobalConfig) (*services, error) {
	db, err := gormcli.Open(conf.DbConfig)
	if err != nil {
		return nil, err
	}
	s := &services{
		conf:   conf,
		db:     db,
		alphas: repo.NewAlphaRepo(db),
		tasks:  repo.NewProcessTaskRepo(db),
	}
	if conf.MetricsConfig.Enabled {
		s.metrics = metrics.New(conf.MetricsConfig.Namespace)
	}

	simConf := conf.SimulationConfig
	credentials, err := auth.NewCredentialManager(conf.CredentialConfig, simConf.BaseUrl,
		configs.Duration(simConf.RequestTimeout, 60*time.Second))
	if err != nil {
		s.Close()
		return nil, err
	}
	brain := svc.NewBrainService(credentials, simConf)

	seriesStore, err := s.seriesStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	cache := correlation.NewCache(brain, seriesStore, correlation.CacheOptions{
		TTL:     configs.Duration(conf.CacheConfig.SeriesTTL, 24*time.Hour),
		Workers: conf.CorrelationConfig.FetchWorkers,
		Metrics: s.metrics,
	})

	catalog, err := factory.LoadCatalog(conf.MiningConfig.CatalogPath)
	if err != nil {
		log.Warnf("%v, using the built-in operator catalog", err)
	}

	s.builder = scheduler.NewBuilder(scheduler.Deps{
		Conf:     conf,
		Brain:    brain,
		Exprs:    store.NewExpressionStore(repo.NewExpressionRepo(db)),
		Alphas:   s.alphas,
		Cache:    cache,
		Catalog:  catalog,
		Metrics:  s.metrics,
		Notifier: notify.New(conf.NotifyConfig),
	})
	return s, nil
}

func (s *services) seriesStore(ctx context.Context) (correlation.SeriesStore, error) {
	cacheConf := s.conf.CacheConfig
	if cacheConf.Backend != "redis" {
		return correlation.NewGormSeriesStore(repo.NewSeriesRepo(s.db)), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cacheConf.RedisAddr,
		Password: cacheConf.RedisPass,
		DB:       cacheConf.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cacheConf.RedisAddr, err)
	}
	s.redis = client
	log.Infof("return series cached in redis %s", cacheConf.RedisAddr)
	return correlation.NewRedisSeriesStore(client, cacheConf.KeyPrefix), nil
}

func (s *services) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warnf("close redis: %v", err)
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
