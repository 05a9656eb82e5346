package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codecompete/internal/common/cache"
	"codecompete/internal/common/db"
	commonmw "codecompete/internal/common/http/middleware"
	"codecompete/internal/common/mq"
	"codecompete/internal/common/storage"
	"codecompete/internal/judge/autoscale"
	"codecompete/internal/judge/controller"
	"codecompete/internal/judge/evaluator"
	"codecompete/internal/judge/model"
	"codecompete/internal/judge/progress"
	"codecompete/internal/judge/repository"
	"codecompete/internal/judge/router"
	"codecompete/internal/judge/sandbox"
	"codecompete/internal/judge/service"
	"codecompete/internal/judge/worker"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"
	"codecompete/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_service.yaml"

const readinessTimeout = 2 * time.Second

// infra holds the backing services shared by the pipeline.
type infra struct {
	store     repository.Store
	broker    mq.Broker
	storage   storage.ObjectStorage
	producer  *mq.KafkaProducer
	publisher repository.EventPublisher
	closers   []func() error
	checks    map[string]func(context.Context) error
}

func (i *infra) close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		_ = i.closers[n]()
	}
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()
	deps, err := initInfra(ctx, appCfg)
	if err != nil {
		logger.Error(ctx, "init infrastructure failed", zap.Error(err))
		return
	}
	defer deps.close()

	exec, err := buildExecutor(appCfg)
	if err != nil {
		logger.Error(ctx, "init executor failed", zap.Error(err))
		return
	}
	judgeEvaluator, err := evaluator.New(exec, evaluator.Config{MaxOutputBytes: appCfg.Judge.MaxOutputBytes})
	if err != nil {
		logger.Error(ctx, "init evaluator failed", zap.Error(err))
		return
	}
	aggregator, err := progress.NewAggregator(progress.Config{Store: deps.store, MaxRetries: appCfg.Judge.ProgressRetries})
	if err != nil {
		logger.Error(ctx, "init progress aggregator failed", zap.Error(err))
		return
	}

	specs := make(map[model.Language]mq.QueueSpec, len(appCfg.Languages))
	for _, section := range appCfg.Languages {
		specs[section.language()] = router.QueueSpec(section.language(), appCfg.Queue.MaxDeliveries, appCfg.Queue.VisibilityTimeout)
	}
	queueRouter, err := router.New(deps.broker, specs)
	if err != nil {
		logger.Error(ctx, "init router failed", zap.Error(err))
		return
	}
	if err := queueRouter.Declare(ctx); err != nil {
		logger.Error(ctx, "declare queues failed", zap.Error(err))
		return
	}

	judgeSvc, err := service.NewJudgeService(service.JudgeConfig{
		Store:          deps.store,
		Evaluator:      judgeEvaluator,
		Aggregator:     aggregator,
		Storage:        deps.storage,
		SourceBucket:   appCfg.Source.Bucket,
		Publisher:      deps.publisher,
		StorageTimeout: appCfg.Source.Timeout,
		JudgeTimeout:   appCfg.Judge.Timeout,
		MaxSourceBytes: appCfg.Source.MaxBytes,
	})
	if err != nil {
		logger.Error(ctx, "init judge service failed", zap.Error(err))
		return
	}
	submitSvc, err := service.NewSubmitService(service.SubmitConfig{
		Store:          deps.store,
		Router:         queueRouter,
		Aggregator:     aggregator,
		Storage:        deps.storage,
		SourceBucket:   appCfg.Source.Bucket,
		MaxSourceBytes: appCfg.Source.MaxBytes,
		StorageTimeout: appCfg.Source.Timeout,
	})
	if err != nil {
		logger.Error(ctx, "init submit service failed", zap.Error(err))
		return
	}

	var advisor autoscale.Advisor
	if deps.producer != nil {
		advisor = autoscale.NewProducerAdvisor(deps.producer, appCfg.Kafka.ScalingTopic)
	}
	scaler, err := autoscale.NewController(autoscale.ControllerConfig{
		Depth:    deps.broker,
		Advisor:  advisor,
		Interval: appCfg.Autoscale.Interval,
	})
	if err != nil {
		logger.Error(ctx, "init autoscaler failed", zap.Error(err))
		return
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	pools := make([]*worker.Pool, 0, len(appCfg.Languages))
	sizers := make(map[model.Language]service.PoolSizer, len(appCfg.Languages))
	for _, section := range appCfg.Languages {
		lang := section.language()
		pool, err := worker.NewPool(worker.Config{
			Name:              string(lang) + "-workers",
			Broker:            deps.broker,
			Queue:             lang.QueueName(),
			Processor:         judgeSvc.Process,
			DeadLetter:        judgeSvc.HandleDeadLetter,
			Size:              section.Scaling.Min,
			MinSize:           section.Scaling.Min,
			MaxSize:           section.Scaling.Max,
			PollWait:          appCfg.Queue.PollWait,
			HeartbeatInterval: appCfg.Queue.HeartbeatInterval,
			ReclaimInterval:   appCfg.Queue.ReclaimInterval,
		})
		if err != nil {
			logger.Error(ctx, "init worker pool failed", zap.String("language", string(lang)), zap.Error(err))
			return
		}
		if err := scaler.Register(pool, section.Scaling, section.Capacity); err != nil {
			logger.Error(ctx, "register autoscaling failed", zap.String("language", string(lang)), zap.Error(err))
			return
		}
		pool.Start(workerCtx)
		pools = append(pools, pool)
		sizers[lang] = pool
	}
	if appCfg.Autoscale.Enabled {
		go scaler.Run(workerCtx)
	}

	monitor, err := service.NewQueueMonitor(queueRouter, sizers)
	if err != nil {
		logger.Error(ctx, "init queue monitor failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, controller.NewJudgeController(submitSvc, monitor), deps.checks)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("languages", len(pools)),
			zap.Bool("local", appCfg.Local.Enabled),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	// Judgments interrupted here are released back to their queue without using up a delivery.
	stopWorkers()
	for _, pool := range pools {
		pool.Stop()
	}
}

func initInfra(ctx context.Context, cfg *AppConfig) (*infra, error) {
	deps := &infra{publisher: repository.NopEventPublisher{}, checks: map[string]func(context.Context) error{}}

	objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("init minio failed: %w", err)
	}
	deps.storage = objStorage
	deps.checks["minio"] = objStorage.Ping

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(cfg.Kafka.toMQConfig())
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("init kafka failed: %w", err)
		}
		deps.closers = append(deps.closers, producer.Close)
		deps.checks["kafka"] = producer.Ping
		deps.producer = producer
		deps.publisher = repository.NewMQEventPublisher(producer, cfg.Kafka.VerdictTopic, cfg.Kafka.AlertTopic)
	}

	if cfg.Local.Enabled {
		memStore := repository.NewMemoryStore()
		if cfg.Local.QuestionsFile != "" {
			questions, err := loadQuestions(cfg.Local.QuestionsFile)
			if err != nil {
				deps.close()
				return nil, err
			}
			for i := range questions {
				memStore.PutQuestion(&questions[i])
			}
			logger.Info(ctx, "local questions loaded", zap.Int("count", len(questions)))
		}
		deps.store = memStore
		deps.broker = mq.NewMemoryBroker(nil)
		return deps, nil
	}

	mysqlDB, err := db.NewMySQLWithConfig(&cfg.Database)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("init database failed: %w", err)
	}
	deps.closers = append(deps.closers, mysqlDB.Close)
	deps.checks["mysql"] = mysqlDB.Ping

	redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("init redis failed: %w", err)
	}
	deps.closers = append(deps.closers, redisCache.Close)
	deps.checks["redis"] = redisCache.Ping

	store, err := repository.NewMySQLStore(mysqlDB, repository.MySQLStoreOptions{
		Cache:             redisCache,
		QuestionTTL:       cfg.QuestionCache.TTL,
		QuestionEmptyTTL:  cfg.QuestionCache.EmptyTTL,
		CompressThreshold: cfg.Judge.CompressThreshold,
	})
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("init store failed: %w", err)
	}
	deps.store = store

	broker, err := mq.NewRedisBroker(redisCache.Client(), mq.RedisBrokerOptions{PollInterval: cfg.Queue.PollInterval})
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("init queue broker failed: %w", err)
	}
	deps.broker = broker
	return deps, nil
}

// buildExecutor registers one Piston client per distinct endpoint and routes each language to it.
func buildExecutor(cfg *AppConfig) (sandbox.Executor, error) {
	runtimes := sandbox.DefaultPistonRuntimes()
	for _, section := range cfg.Languages {
		if section.Runtime != nil {
			runtimes[section.language()] = *section.Runtime
		}
	}
	newClient := func(baseURL string) (sandbox.Executor, error) {
		return sandbox.NewPistonExecutor(sandbox.PistonConfig{
			BaseURL:        baseURL,
			Runtimes:       runtimes,
			CompileTimeout: cfg.Executor.CompileTimeout,
			MaxConcurrent:  cfg.Executor.MaxConcurrent,
			RequestSlack:   cfg.Executor.RequestSlack,
		})
	}

	fallback, err := newClient(cfg.Executor.BaseURL)
	if err != nil {
		return nil, err
	}
	registry := sandbox.NewRegistry(fallback)
	byURL := map[string]sandbox.Executor{cfg.Executor.BaseURL: fallback}
	for _, section := range cfg.Languages {
		if section.ExecutorURL == "" {
			continue
		}
		exec, ok := byURL[section.ExecutorURL]
		if !ok {
			exec, err = newClient(section.ExecutorURL)
			if err != nil {
				return nil, fmt.Errorf("executor for %s: %w", section.Name, err)
			}
			byURL[section.ExecutorURL] = exec
		}
		registry.Register(section.language(), exec)
	}
	return registry, nil
}

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController, checks map[string]func(context.Context) error) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(commonmw.TraceContextMiddleware())
	engine.Use(requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	engine.GET("/readyz", readinessHandler(checks))
	judgeController.Register(engine.Group("/api/v1"))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// readinessHandler pings every backing service and reports 503 when any is down.
func readinessHandler(checks map[string]func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()
		failed := make(map[string]string)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			logger.Warn(ctx, "readiness check failed", zap.Any("failed", failed))
			response.Error(c, appErr.New(appErr.ServiceUnavailable).WithDetail("failed", failed))
			return
		}
		response.Success(c, gin.H{"status": "ready"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
