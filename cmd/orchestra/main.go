// Command orchestra runs either the coordinator or a single agent,
// selected by --role. Dependency construction (store, oracle client,
// spawner, logger) happens once in main and is passed down, following
// the teacher's construct-once-pass-down wiring style.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/basket/orchestra/internal/agentrt"
	"github.com/basket/orchestra/internal/bus"
	"github.com/basket/orchestra/internal/config"
	"github.com/basket/orchestra/internal/coordinator"
	"github.com/basket/orchestra/internal/cronjobs"
	"github.com/basket/orchestra/internal/logging"
	"github.com/basket/orchestra/internal/metrics"
	"github.com/basket/orchestra/internal/oracle"
	"github.com/basket/orchestra/internal/spawn"
	"github.com/basket/orchestra/internal/store"
)

func printUsage() {
	fmt.Fprintln(os.Stderr, "orchestra --role {agent|orchestrator} [flags]")
	flag.PrintDefaults()
}

func main() {
	role := flag.String("role", "orchestrator", "process role: agent or orchestrator")
	agentName := flag.String("agent-name", "", "agent mode: this agent's name")
	agentRole := flag.String("agent-role", "", "agent mode: this agent's role")
	goalID := flag.String("goal-id", "", "agent mode: the goal this agent works on")
	instructionsPath := flag.String("instructions", "", "path to this agent's instruction document")
	heartbeatPath := flag.String("heartbeat", "", "agent mode: path to the heartbeat directive file")
	redisURL := flag.String("redis-url", "", "redis connection string, overriding config.yaml")
	logLevel := flag.String("log-level", "", "log level, overriding config.yaml")
	dryRun := flag.Bool("dry-run", false, "orchestrator mode: log spawns instead of executing them")
	loopInterval := flag.Int("loop-interval", 0, "agent loop interval in seconds")
	heartbeatInterval := flag.Int("heartbeat-interval", 0, "heartbeat interval in seconds")
	instructionInterval := flag.Int("instruction-interval", 0, "instruction reload interval in seconds")
	provider := flag.String("provider", "", "oracle provider, overriding config.yaml")
	model := flag.String("model", "", "oracle model, overriding config.yaml")
	metricsAddr := flag.String("metrics-addr", "", "bind address for the /metrics endpoint, overriding config.yaml; the endpoint is off only when the configured address is empty")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestra: load config:", err)
		os.Exit(2)
	}
	applyFlagOverrides(&cfg, *redisURL, *logLevel, *instructionsPath, *provider, *model, *loopInterval, *heartbeatInterval, *instructionInterval, *metricsAddr)

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{"role": *role},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestra: build logger:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout(),
		ReadTimeout:  cfg.Redis.ReadTimeout(),
		WriteTimeout: cfg.Redis.WriteTimeout(),
	})
	st := store.NewRedisStore(rdb)

	reg := metrics.New()
	if cfg.MetricsBindAddr != "" {
		go func() {
			if err := serveMetrics(cfg.MetricsBindAddr, reg); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	switch *role {
	case "agent":
		if *agentName == "" || *agentRole == "" || *goalID == "" || *heartbeatPath == "" {
			printUsage()
			os.Exit(2)
		}
		os.Exit(runAgent(ctx, cfg, st, logger, agentConfig{
			name:      *agentName,
			role:      *agentRole,
			goalID:    *goalID,
			instrPath: *instructionsPath,
			heartbeat: *heartbeatPath,
		}))
	case "orchestrator":
		os.Exit(runOrchestrator(ctx, cfg, st, logger, *dryRun))
	default:
		fmt.Fprintf(os.Stderr, "orchestra: unknown role %q\n", *role)
		printUsage()
		os.Exit(2)
	}
}

func applyFlagOverrides(cfg *config.Config, redisURL, logLevel, instrPath, provider, model string, loopInterval, heartbeatInterval, instructionInterval int, metricsAddr string) {
	if redisURL != "" {
		cfg.Redis.Address = redisURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if instrPath != "" {
		cfg.InstructionsPath = instrPath
	}
	if provider != "" {
		cfg.Oracle.Provider = provider
	}
	if model != "" {
		cfg.Oracle.Model = model
	}
	if loopInterval > 0 {
		cfg.LoopIntervalSec = loopInterval
	}
	if heartbeatInterval > 0 {
		cfg.HeartbeatIntervalSec = heartbeatInterval
	}
	if instructionInterval > 0 {
		cfg.InstructionIntervalSec = instructionInterval
	}
	if metricsAddr != "" {
		cfg.MetricsBindAddr = metricsAddr
	}
}

type agentConfig struct {
	name      string
	role      string
	goalID    string
	instrPath string
	heartbeat string
}

func runAgent(ctx context.Context, cfg config.Config, st store.Store, logger *zap.Logger, ac agentConfig) int {
	oc := newOracleClient(cfg, st, logger)

	rt := agentrt.New(agentrt.Config{
		AgentName:           ac.name,
		AgentRole:           ac.role,
		GoalID:              ac.goalID,
		HeartbeatPath:       ac.heartbeat,
		InstructionPath:     ac.instrPath,
		LoopInterval:        time.Duration(cfg.LoopIntervalSec) * time.Second,
		HeartbeatInterval:   time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		InstructionInterval: time.Duration(cfg.InstructionIntervalSec) * time.Second,
		LeaseTTL:            time.Duration(cfg.LeaseTTLSec) * time.Second,
	}, st, oc, logger)

	if snapshot, err := st.LoadMemorySnapshot(ctx, ac.name); err == nil && len(snapshot) > 0 {
		for _, entry := range snapshot {
			rt.Memory().Append(entry)
		}
	}

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent run stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func runOrchestrator(ctx context.Context, cfg config.Config, st store.Store, logger *zap.Logger, dryRun bool) int {
	oc := newOracleClient(cfg, st, logger)

	var spawner spawn.Adapter
	if dryRun {
		spawner = spawn.NewDryRunAdapter(logger)
	} else {
		spawner = spawn.NewSupervisorAdapter("spawn", logger)
	}

	eventBus := bus.New()

	coordCfg := coordinator.Config{
		InstructionsPath: cfg.InstructionsPath,
		PollInterval:     time.Duration(cfg.PollIntervalSec) * time.Second,
		Spawn: coordinator.SpawnConfig{
			Executable:             selfExecutable(),
			RedisURL:               cfg.Redis.Address,
			LoopIntervalSec:        cfg.LoopIntervalSec,
			HeartbeatIntervalSec:   cfg.HeartbeatIntervalSec,
			InstructionIntervalSec: cfg.InstructionIntervalSec,
			OracleArgs:             cfg.OracleArgs(),
		},
	}
	coord := coordinator.New(coordCfg, st, oc, spawner, eventBus, logger)

	if len(cfg.Cron) > 0 {
		jobs := make([]cronjobs.Job, len(cfg.Cron))
		for i, j := range cfg.Cron {
			jobs[i] = cronjobs.Job{GoalID: j.GoalID, Expression: j.Expression}
		}
		sched, err := cronjobs.New(ctx, coord, jobs, logger)
		if err != nil {
			logger.Error("cron schedule construction failed", zap.Error(err))
			return 2
		}
		sched.Start()
		defer sched.Stop()
	}

	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("coordinator run stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func newOracleClient(cfg config.Config, st store.Store, logger *zap.Logger) oracle.Client {
	if cfg.Oracle.Transport == "genkit" {
		apiKey := ""
		if cfg.Oracle.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.Oracle.APIKeyEnv)
		}
		g, modelName := oracle.InitGenkit(context.Background(), cfg.Oracle.Provider, cfg.Oracle.Model, apiKey)
		return oracle.NewGenkitClient(oracle.GenkitConfig{Genkit: g, ModelName: modelName})
	}
	return oracle.NewCLIClient(oracle.CLIConfig{
		Executable: cfg.Oracle.Executable,
		ExtraArgs:  cfg.OracleArgs(),
		SpendingCapCallback: func(goalID string, sleepFor time.Duration) {
			_ = st.SetGoalSpendingCapUntil(context.Background(), goalID, time.Now().Add(sleepFor))
		},
	}, logger)
}

func selfExecutable() string {
	exe, err := os.Executable()
	if err != nil {
		return "orchestra"
	}
	return exe
}

func serveMetrics(addr string, reg *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	return http.ListenAndServe(addr, mux)
}
