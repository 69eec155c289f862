package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/config"
	"forge/internal/logger"
	"forge/internal/master/api"
	"forge/internal/master/callback"
	"forge/internal/master/credential"
	"forge/internal/master/idgen"
	"forge/internal/master/scheduler"
	"forge/internal/master/stats"
	"forge/internal/master/task"
	"forge/pkg/catalog"
	"forge/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "forge-master",
		Short:        "Cluster provisioning orchestrator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default ./forge.yaml or /etc/forge/forge.yaml)")
	flags.StringSlice("etcd.endpoints", nil, "etcd endpoints")
	flags.String("etcd.prefix", "", "key prefix in etcd")
	flags.String("callback.backend", "", "callback queue backend: etcd or redis")
	flags.String("redis.addr", "", "redis address for the callback queue")
	flags.String("metrics.listen", "", "listen address for the HTTP API and /metrics")
	flags.String("log.level", "", "log level")
	flags.String("log.format", "", "log format: json or console")
	flags.String("catalog.path", "", "action catalog YAML (built-in table when empty)")
	flags.Int("scheduler.max-retries", 0, "max retries of a single task")
	return cmd
}

func run(cfg *config.Config) error {
	// 1. 日志
	log, flush, err := logger.Install(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer flush()
	sugar := log.Sugar().Named("master")

	// 2. 操作表 (启动时校验，不一致直接退出)
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	// 3. 初始化 Etcd 连接
	etcdManager, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, log)
	if err != nil {
		return err
	}
	defer etcdManager.Close()
	sugar.Infow("connected to etcd", "endpoints", cfg.Etcd.Endpoints, "prefix", cfg.Etcd.Prefix)

	// 4. 回调队列
	var queue callback.Queue
	switch cfg.Callback.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping().Err(); err != nil {
			return errors.Wrapf(err, "connecting to redis %s", cfg.Redis.Addr)
		}
		queue = callback.NewRedisQueue(client)
	default:
		queue = callback.NewEtcdQueue(etcdManager.Client(), cfg.Etcd.Prefix)
	}

	// 5. 编排核心 (依赖注入)
	st := stats.New()
	svc := task.NewService(etcdManager, cat,
		idgen.NewEtcdIssuer(etcdManager.Client(), cfg.Etcd.Prefix),
		st,
		callback.NewEmitter(queue),
		credential.NewScrubber(credential.NewEtcdStore(etcdManager.Client(), cfg.Etcd.Prefix)))

	var preparer scheduler.Preparer = scheduler.NopPreparer{}
	if cfg.Scheduler.Prepare == config.PrepareAddresses {
		preparer = scheduler.AddressPreparer{}
	}
	sched := scheduler.NewScheduler(etcdManager, svc, st, preparer, scheduler.Config{
		MaxRetries:      cfg.Scheduler.MaxRetries,
		PendingInterval: cfg.Scheduler.PendingInterval,
		WatchBackoff:    cfg.Scheduler.WatchBackoff,
	})

	// 6. 指标与 HTTP 接口
	registry := prometheus.NewRegistry()
	registry.MustRegister(st, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           api.NewServer(etcdManager, sched, st, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. 启动调度器和 HTTP 服务，等待 Ctrl+C 信号优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		sugar.Infow("http listening", "addr", cfg.Metrics.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		sugar.Errorw("http server failed", "error", err)
		stop()
	case <-done:
		// 调度器只应在 ctx 结束时返回
		err = errors.New("scheduler stopped unexpectedly")
		sugar.Error(err)
		stop()
	}

	sugar.Info("shutting down master")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown", "error", err)
	}
	<-done
	zap.L().Info("master stopped")
	return err
}
