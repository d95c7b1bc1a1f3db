package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"benchflow/src/addrtranslate"
	"benchflow/src/clients"
	"benchflow/src/coordinator"
	"benchflow/src/deadletter"
	"benchflow/src/platform/config"
	"benchflow/src/platform/health"
	"benchflow/src/platform/lifecycle"
	"benchflow/src/platform/logging"
	"benchflow/src/presence"
	"benchflow/src/sink"
	"benchflow/src/transport"
	"benchflow/src/util/concurrency"
	"benchflow/src/wire"
	"benchflow/src/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagCoordinator        bool
	flagNumPairs           int
	flagReceiversPerSender int
	flagSenderBind         bool
	flagCoordinatorIP      string
	flagShort              bool
	flagLogLevel           string
	flagConfigFile         string
)

func main() {
	root := &cobra.Command{
		Use:   "benchflow",
		Short: "Distributed sender/receiver message-passing benchmark harness",
	}

	senderCmd := &cobra.Command{
		Use:   "sender",
		Short: "Run a sender worker, optionally co-located with the coordinator",
		RunE:  func(cmd *cobra.Command, args []string) error { return runWorker(cmd.Context(), wire.RoleSender) },
	}
	receiverCmd := &cobra.Command{
		Use:   "receiver",
		Short: "Run a receiver worker, optionally co-located with the coordinator",
		RunE:  func(cmd *cobra.Command, args []string) error { return runWorker(cmd.Context(), wire.RoleReceiver) },
	}
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Load and print the effective configuration, then exit",
		RunE:  func(cmd *cobra.Command, args []string) error { return runConfig() },
	}

	for _, cmd := range []*cobra.Command{senderCmd, receiverCmd} {
		cmd.Flags().BoolVar(&flagCoordinator, "coordinator", false, "launch the coordinator alongside this worker on the same host")
		cmd.Flags().IntVar(&flagNumPairs, "num-pairs", 1, "number of sender/receiver groups the coordinator waits to assemble")
		cmd.Flags().IntVar(&flagReceiversPerSender, "receivers-per-sender", 1, "receivers grouped with each sender")
		cmd.Flags().BoolVar(&flagSenderBind, "sender-bind", true, "sender binds the data-plane listener (false: receivers bind)")
		cmd.Flags().StringVar(&flagCoordinatorIP, "coordinator-ip", "127.0.0.1", "coordinator host to connect to")
		cmd.Flags().BoolVar(&flagShort, "short", false, "use a small matrix suitable for a smoke test")
	}
	for _, cmd := range []*cobra.Command{senderCmd, receiverCmd, configCmd} {
		cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "root log level override")
		cmd.Flags().StringVar(&flagConfigFile, "config-file", "/app/config/config.yaml", "path to the YAML config file")
	}

	root.AddCommand(senderCmd, receiverCmd, configCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logging.LoggerFactory, error) {
	cfg, err := config.Load(config.LoadConfigOptions{
		YamlFilePaths: []string{flagConfigFile},
		EnvVarPrefix:  "BENCH_",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Logging.RootLevel = flagLogLevel
	}

	loggerFactory, err := logging.NewFactory(&logging.Options{
		AppInstanceID: cfg.Application.InstanceName,
		AppVersion:    cfg.Application.Version,
		AppCommit:     cfg.Application.Commit,
		AppBuildDate:  cfg.Application.BuildTime,
		RootLevel:     cfg.Logging.RootLevel,
		LiteralLevels: cfg.Logging.LiteralLevels,
		RegexLevels:   cfg.Logging.RegexLevels,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger factory: %w", err)
	}

	return cfg, loggerFactory, nil
}

func runConfig() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// shortMatrix is the smoke-test sweep for --short: one small test instead of
// the full cross-product of cfg.TestMatrix's sizes/counts.
func shortMatrix() []wire.TestConfig {
	return []wire.TestConfig{{TestNumber: 1, Count: 100, Size: 64}}
}

func buildMatrix(cfg *config.Config) []wire.TestConfig {
	if flagShort {
		return shortMatrix()
	}
	var matrix []wire.TestConfig
	testNumber := 1
	for _, size := range cfg.TestMatrix.MessageSizes {
		for _, count := range cfg.TestMatrix.MessageCounts {
			matrix = append(matrix, wire.TestConfig{
				TestNumber: testNumber,
				Count:      count,
				Size:       size,
				ZeroCopy:   cfg.TestMatrix.ZeroCopy,
				Pub:        cfg.TestMatrix.Pub,
				SendHWM:    cfg.TestMatrix.SendHWM,
				RecvHWM:    cfg.TestMatrix.RecvHWM,
			})
			testNumber++
		}
	}
	return matrix
}

func newCallback(cfg config.CallbackConfig, outputDir string) func(wire.TestConfig, int) worker.Callback {
	return func(_ wire.TestConfig, testNumber int) worker.Callback {
		switch cfg.Name {
		case "write_npy":
			return worker.NewNpyCallback(outputDir, cfg.BufferSizeBytes, cfg.Format, testNumber)
		default:
			return worker.NoopCallback{}
		}
	}
}

func runWorker(ctx context.Context, role wire.Role) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, loggerFactory, err := loadConfig()
	if err != nil {
		return err
	}
	logger := loggerFactory.Child("main")

	storageClients, err := clients.BuildStorageClients(cfg, loggerFactory)
	if err != nil {
		return fmt.Errorf("build storage clients: %w", err)
	}

	var presenceSvc *presence.Service
	var deadletterSvc *deadletter.Service

	services := map[string]lifecycle.ServiceLifecycle{}
	dependencies := map[string][]string{}

	if storageClients.Redis != nil {
		services["redis"] = storageClients.Redis

		presenceSvc = presence.NewService(storageClients.Redis, storageClients.NATS, loggerFactory.Child("presence"))
		services["presence"] = presenceSvc
		dependencies["presence"] = []string{"redis"}

		deadletterSvc, err = deadletter.NewService(storageClients.Redis, loggerFactory.Child("deadletter"))
		if err != nil {
			return fmt.Errorf("create deadletter service: %w", err)
		}
	}
	if storageClients.NATS != nil {
		services["nats"] = storageClients.NATS
		if _, ok := dependencies["presence"]; ok {
			dependencies["presence"] = append(dependencies["presence"], "nats")
		}
	}

	var controller *lifecycle.Controller
	if len(services) > 0 {
		controller, err = lifecycle.NewController(lifecycle.ControllerOptions{
			Services:     services,
			Dependencies: dependencies,
			Timeouts:     lifecycle.ControllerTimeoutsOptions{},
			Logger:       loggerFactory.Child("lifecycle"),
		})
		if err != nil {
			return fmt.Errorf("build lifecycle controller: %w", err)
		}
		if err := controller.Start(ctx); err != nil {
			return fmt.Errorf("start ambient services: %w", err)
		}
		defer controller.Stop(context.Background())
	}

	healthDeps := map[string]health.Pingable{}
	if storageClients.Redis != nil {
		healthDeps["redis"] = storageClients.Redis
	}
	if storageClients.NATS != nil {
		healthDeps["nats"] = storageClients.NATS
	}
	if len(healthDeps) > 0 {
		healthController, err := health.NewController(&health.ControllerConfig{
			Dependencies: healthDeps,
			Logger:       loggerFactory.Child("health"),
		})
		if err != nil {
			return fmt.Errorf("build health controller: %w", err)
		}

		names := make([]string, 0, len(healthDeps))
		tasks := make([]concurrency.Task[health.PingResult], 0, len(healthDeps))
		for name, dep := range healthDeps {
			name, dep := name, dep
			names = append(names, name)
			tasks = append(tasks, func() (health.PingResult, error) {
				result := dep.PingDeep(ctx)
				if !result.Healthy() {
					return result, fmt.Errorf("%s: %s", name, result.PrettyJSON())
				}
				return result, nil
			})
		}
		for i, settled := range concurrency.AllSettled(ctx, tasks) {
			if settled.Err != nil {
				logger.Warn().Str("dependency", names[i]).Err(settled.Err).Msg("startup health check failed, continuing")
			}
		}

		healthController.Start()
		defer healthController.Stop()
	}

	runID := uuid.NewString()

	if flagCoordinator {
		go runCoordinator(ctx, cfg, storageClients, presenceSvc, deadletterSvc, runID, logger)
		time.Sleep(500 * time.Millisecond)
	}

	var translator *addrtranslate.Translator
	if len(cfg.Worker.ExternalAddressMap) > 0 {
		translator = addrtranslate.New(cfg.Worker.ExternalAddressMap, loggerFactory.Child("addrtranslate"))
	}

	w := worker.New(worker.Config{
		WorkerID:              uuid.NewString(),
		Role:                  role,
		CoordinatorRouterAddr: fmt.Sprintf("%s:%d", flagCoordinatorIP, cfg.Network.RouterPort),
		CoordinatorPubAddr:    fmt.Sprintf("%s:%d", flagCoordinatorIP, cfg.Network.PubPort),
		SenderBind:            flagSenderBind,
		SetupDelay:            time.Duration(cfg.Worker.SetupDelaySeconds) * time.Second,
		PeerHost:              cfg.Worker.PeerHost,
		AddrTranslator:        translator,
		NewCallback:           newCallback(cfg.Callback, cfg.Output.Directory),
		Logger:                loggerFactory.Child("worker"),
	})

	return w.Run(ctx)
}

func runCoordinator(
	ctx context.Context,
	cfg *config.Config,
	storageClients *clients.StorageClients,
	presenceSvc *presence.Service,
	deadletterSvc *deadletter.Service,
	runID string,
	logger zerolog.Logger,
) {
	csvSink, err := sink.NewCSV(cfg.Output.Directory, cfg.Output.AddDateTime)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open csv sink")
		return
	}
	defer csvSink.Close()

	matrix := buildMatrix(cfg)
	if err := sink.WriteJSONSnapshot(cfg.Output.Directory, cfg.Output.AddDateTime, matrix); err != nil {
		logger.Error().Err(err).Msg("failed to write config snapshot")
	}

	var pgSink *sink.Postgres
	if storageClients.PostgreSQL != nil {
		if err := storageClients.PostgreSQL.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to start postgresql client, continuing without durable sink")
		} else {
			defer storageClients.PostgreSQL.Stop(ctx)
			pgSink, err = sink.NewPostgres(ctx, storageClients.PostgreSQL, runID)
			if err != nil {
				logger.Error().Err(err).Msg("failed to initialize postgresql sink")
			}
		}
	}

	natsPublisher := sink.NewNATSPublisher(storageClients.NATS, runID)

	coord := coordinator.New(coordinator.Config{
		RouterAddr:         fmt.Sprintf("0.0.0.0:%d", cfg.Network.RouterPort),
		PubAddr:            fmt.Sprintf("0.0.0.0:%d", cfg.Network.PubPort),
		NumPairs:           flagNumPairs,
		ReceiversPerSender: flagReceiversPerSender,
		DataPortStart:      int(cfg.Network.DataPortStart),
		SenderBind:         flagSenderBind,
		Matrix:             matrix,
		OnTestResults: func(testNumber int, results []wire.TestResult) {
			if err := csvSink.WriteResults(results); err != nil {
				logger.Error().Err(err).Int("test_number", testNumber).Msg("failed to write csv results")
			}
			if pgSink != nil {
				if err := pgSink.WriteResults(ctx, results); err != nil {
					logger.Error().Err(err).Int("test_number", testNumber).Msg("failed to write postgresql results")
				}
			}
			_ = natsPublisher.Publish("test_finished", fmt.Sprintf("test_number=%d", testNumber))
		},
		OnDeadLetter: func(remote transport.Identity, raw []byte, decodeErr error) {
			if deadletterSvc == nil {
				return
			}
			deadletterSvc.Capture(ctx, string(remote), raw, decodeErr)
		},
		Logger: logger,
	})

	if presenceSvc != nil {
		coord.Registry().PresenceHook = func(identity transport.Identity, workerID string) {
			presenceSvc.Touch(string(identity), workerID)
		}
	}

	_ = natsPublisher.Publish("assembly_started", "")
	if err := coord.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("coordinator exited with error")
	}
	_ = natsPublisher.Publish("shutdown", "")
}
