package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"wq_miner/api"
	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/scheduler"
	"wq_miner/router"
)

var config *configs.GlobalConfig

func main() {
	app := &cli.App{
		Name:  "wq_miner",
		Usage: "mine and correlation-filter WorldQuant BRAIN alphas",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"WQ_CONFIG"}, Usage: "config file"},
		},
		Before: func(c *cli.Context) error {
			conf, err := configs.Load(c.String("config"))
			if err != nil {
				return err
			}
			config = conf
			return configs.InitLogger(conf.LogConfig)
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the task control API",
				Action: serve,
			},
			{
				Name:  "mine",
				Usage: "run one mining stage in the foreground",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "stage", Value: 1},
					&cli.StringFlag{Name: "dataset", Required: true},
					&cli.IntFlag{Name: "n_jobs", Usage: "overrides mining.n_jobs"},
				},
				Action: func(c *cli.Context) error {
					return foreground(scheduler.StartRequest{
						ScriptType: constant.ScriptMining,
						Stage:      c.Int("stage"),
						Dataset:    c.String("dataset"),
						NJobs:      c.Int("n_jobs"),
					})
				},
			},
			{
				Name:  "check",
				Usage: "run the correlation checker in the foreground",
				Action: func(c *cli.Context) error {
					return foreground(scheduler.StartRequest{ScriptType: constant.ScriptCorrelation})
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	log.Infof("The service %s starting", config.AppConfig.AppName)

	ctx, cancelFunc := context.WithCancel(c.Context)
	defer cancelFunc()
	s, err := newServices(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	level, _ := log.ParseLevel(config.LogConfig.Level)
	manager, err := scheduler.NewProcessManager(ctx, s.tasks, s.builder, scheduler.Options{
		LogDir:   config.LogConfig.TaskDir,
		LogLevel: level,
		MaxTasks: int(config.AppConfig.Concurrency),
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown(30 * time.Second)

	if config.CredentialConfig.Token == "" {
		log.Warn("credential.token is empty, every API request will be rejected")
	}
	r := router.SetRouter(api.NewHandler(manager, s.alphas), config.CredentialConfig.Token, s.metrics.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", config.AppConfig.Port), Handler: r}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server run error: %v", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}
	return nil
}

// foreground runs a single job in this process. The first signal stops it gracefully, the second forces it.
func foreground(req scheduler.StartRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()
	s, err := newServices(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	entry := log.WithField("script", req.ScriptType)
	job, err := s.builder(req, entry, func(p scheduler.Progress) {
		entry.Debugf("progress: %+v", p)
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		force := false
		for {
			select {
			case <-sigCh:
				entry.Infof("stop requested (force=%v)", force)
				job.Stop(force)
				force = true
			case <-ctx.Done():
				return
			}
		}
	}()
	return job.Run(ctx)
}
