package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/bulkdl/internal/config"
	"github.com/cuongbtq/bulkdl/internal/download"
	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"github.com/cuongbtq/bulkdl/internal/fetch"
	"github.com/cuongbtq/bulkdl/internal/linklist"
	"github.com/cuongbtq/bulkdl/internal/report"
	"github.com/cuongbtq/bulkdl/internal/status"
	"github.com/cuongbtq/bulkdl/shared/coordinator"
	"github.com/cuongbtq/bulkdl/shared/logger"
	"github.com/cuongbtq/bulkdl/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// batchResultFD is the descriptor a batch child writes its result to
const batchResultFD = 3

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	configFlag := flag.String("config", "", "Path to configuration file (default $BULKDL_CONFIG_PATH or "+config.DefaultPath+")")
	linksFlag := flag.String("links", "", "Path to the link list, overrides download.links_file")
	debugFlag := flag.Bool("debug", false, "Enable debug output")
	batchFlag := flag.Bool("batch", false, "Run one batch read from stdin (used by process dispatch)")
	flag.Parse()

	configPath := config.Path(*configFlag)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *linksFlag != "" {
		cfg.Download.LinksFile = *linksFlag
	}
	if *debugFlag {
		cfg.Download.Debug = true
	}
	if cfg.Download.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *batchFlag {
		return runBatch(ctx, cfg)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting downloader",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("mode", cfg.Dispatch.Mode),
	)

	return runDownload(ctx, cfg, configPath, appLogger.Logger)
}

func runDownload(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	if cfg.Download.LinksFile == "" {
		return errors.New("no link list given: set download.links_file or -links")
	}

	list, err := linklist.Load(cfg.Download.LinksFile)
	if err != nil {
		return err
	}

	job, err := newJob(cfg, list)
	if err != nil {
		return err
	}

	recorder := report.NewRecorder()
	reporters, closeReporters, err := initReporters(ctx, cfg, job.RunID, logger)
	if err != nil {
		return err
	}
	defer closeReporters()
	reporters = append(reporters, recorder)

	runner, err := initRunner(cfg, configPath, reporters, logger)
	if err != nil {
		return err
	}

	tracker := status.NewTracker(job.RunID, job.Total(), recorder)
	if cfg.Status.Enabled {
		server, err := initStatus(cfg, tracker, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := server.Shutdown(); err != nil {
				logger.Warn("Status server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	orchestrator := download.NewOrchestrator(&download.Config{
		Logger: logger,
		Dispatcher: download.NewDispatcher(&download.DispatcherConfig{
			Logger:      logger,
			Runner:      runner,
			FaultPolicy: cfg.Dispatch.FaultPolicy,
		}),
		Reporter: reporters,
		CPUs:     cpuSource(cfg.Dispatch.CPUs),
		OnRound:  tracker.Observe,
	})

	result, runErr := orchestrator.Run(ctx, job)
	tracker.Finish(result)

	logger.Info(fmt.Sprintf("%d was expected, %d was downloaded", result.Total, result.Downloaded),
		slog.String("run_id", result.RunID),
		slog.Int("rounds", result.Rounds),
		slog.Bool("degraded", result.Degraded),
	)
	for _, link := range result.Failed {
		logger.Debug("Link not downloaded", slog.String("link", link))
	}

	return runErr
}

func newJob(cfg *config.Config, list *linklist.List) (*domain.Job, error) {
	job, err := domain.NewJob(list.Links, list.Files, cfg.Download.Destination)
	if err != nil {
		return nil, err
	}

	job.HTTP2 = cfg.Download.HTTP2
	job.MaxRetries = cfg.Download.MaxRetries
	job.Convert = cfg.Download.Convert
	job.Debug = cfg.Download.Debug
	job.Concurrency = cfg.Download.Concurrency
	job.FetchTimeout = cfg.Download.FetchTimeout

	return job, nil
}

// runBatch is the child side of process dispatch. The request arrives on stdin
// and the result leaves on descriptor 3 so stray output cannot corrupt it.
func runBatch(ctx context.Context, cfg *config.Config) error {
	result := os.NewFile(batchResultFD, "batch-result")
	if result == nil {
		return errors.New("batch mode requires a result descriptor")
	}
	defer result.Close()

	// The parent's stdout and stderr are shared; keep the child quiet unless debugging.
	cfg.Logging.Output = "stderr"
	if !cfg.Download.Debug {
		cfg.Logging.Level = "warn"
	}
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	var closeReporters func()
	defer func() {
		if closeReporters != nil {
			closeReporters()
		}
	}()

	return download.ServeBatch(ctx, os.Stdin, result, func(req *download.BatchRequest) (*download.BatchRunner, error) {
		fetcher, err := initFetcher(cfg, req.HTTP2)
		if err != nil {
			return nil, err
		}

		reporters, closer, err := initReporters(ctx, cfg, req.RunID, appLogger.Logger)
		if err != nil {
			return nil, err
		}
		closeReporters = closer

		return download.NewBatchRunner(&download.BatchRunnerConfig{
			Logger:       appLogger.With(slog.Int("batch", req.Batch.Index), slog.Int("cpu", req.Batch.CPU)).Logger,
			Fetcher:      fetcher,
			Reporter:     reporters,
			Placer:       download.ProcessPlacer{},
			Concurrency:  req.Concurrency,
			FetchTimeout: req.FetchTimeout,
		}), nil
	})
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

func initFetcher(cfg *config.Config, http2 bool) (*fetch.Fetcher, error) {
	return fetch.New(fetch.Options{
		HTTP2:               http2,
		UserAgent:           cfg.Download.UserAgent,
		MaxIdleConnsPerHost: cfg.Download.MaxIdleConnsPerHost,
	})
}

// initReporters builds the coordinator and broker reporters. The returned
// func closes the broker connection.
func initReporters(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (report.Fanout, func(), error) {
	var reporters report.Fanout
	closer := func() {}

	if cfg.Coordinator.IsEnabled() {
		client := coordinator.NewClient(&coordinator.Config{
			Host:         cfg.Coordinator.Host,
			Port:         cfg.Coordinator.Port,
			HeaderSize:   cfg.Coordinator.HeaderSize,
			DialTimeout:  cfg.Coordinator.DialTimeout,
			WriteTimeout: cfg.Coordinator.WriteTimeout,
		}, logger)
		reporters = append(reporters, report.NewCoordinator(client, logger))
	}

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		reporters = append(reporters, report.NewBroker(rabbitClient, runID))
		closer = func() {
			if err := rabbitClient.Close(); err != nil {
				logger.Warn("Failed to close RabbitMQ connection", slog.Any("error", err))
			}
		}
	}

	return reporters, closer, nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}

func initRunner(cfg *config.Config, configPath string, reporter download.Reporter, logger *slog.Logger) (download.Runner, error) {
	if cfg.Dispatch.Mode == config.ModeProcess {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable for process dispatch: %w", err)
		}

		return download.NewProcessRunner(&download.ProcessRunnerConfig{
			Logger: logger,
			Path:   exe,
			Args:   batchArgs(cfg, configPath),
			Output: os.Stderr,
		}), nil
	}

	fetcher, err := initFetcher(cfg, cfg.Download.HTTP2)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP session: %w", err)
	}

	return download.NewLocalRunner(download.NewBatchRunner(&download.BatchRunnerConfig{
		Logger:       logger,
		Fetcher:      fetcher,
		Reporter:     reporter,
		Placer:       download.ThreadPlacer{},
		Concurrency:  cfg.Download.Concurrency,
		FetchTimeout: cfg.Download.FetchTimeout,
	})), nil
}

// batchArgs selects batch mode in a child and carries the flags that only
// live on the parent's command line
func batchArgs(cfg *config.Config, configPath string) []string {
	args := []string{"-batch", "-config", configPath}
	if cfg.Download.Debug {
		args = append(args, "-debug")
	}
	return args
}

// initStatus starts the read-only status API
func initStatus(cfg *config.Config, tracker *status.Tracker, logger *slog.Logger) (*status.Server, error) {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	gin.DefaultWriter = io.Discard

	router := status.NewRouter(status.NewHandler(tracker, cfg.App.Name), logger)
	server := status.NewServer(&status.ServerConfig{
		Port:            cfg.Status.Port,
		ReadTimeout:     cfg.Status.ReadTimeout,
		WriteTimeout:    cfg.Status.WriteTimeout,
		ShutdownTimeout: cfg.Status.ShutdownTimeout,
	}, router, logger)

	if _, err := server.Start(); err != nil {
		return nil, err
	}
	return server, nil
}

// cpuSource restricts the affinity mask to the configured CPUs, if any
func cpuSource(want []int) download.CPUSource {
	return func() ([]int, error) {
		available, err := download.AvailableCPUs()
		if err != nil {
			return nil, err
		}
		return download.SelectCPUs(available, want), nil
	}
}
