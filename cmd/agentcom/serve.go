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

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/api"
	"github.com/agentcom/agentcom/pkg/auth"
	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/health"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/llmreg"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/orchestrator"
	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/repos"
	"github.com/agentcom/agentcom/pkg/router"
	"github.com/agentcom/agentcom/pkg/scheduler"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/agentcom/agentcom/pkg/workspace"
	"github.com/agentcom/agentcom/pkg/ws"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination hub",
	Long: `Start the hub: durable task queue, scheduler, WebSocket agent
sessions, goal orchestrator and the autonomous cycle, all behind one
HTTP listener.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format == "json",
	})
	logger := log.WithComponent("serve")

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Error().Err(err).Str("data_dir", cfg.Storage.DataDir).Msg("failed to open storage")
		os.Exit(1)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	authStore, err := auth.NewStore(store)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load auth store")
		os.Exit(1)
	}

	repoReg, err := repos.NewRegistry(store, cfg.Repos.DefaultRepo)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load repo registry")
		os.Exit(1)
	}

	taskQueue := queue.New(store, broker, repoReg)

	endpoints := llmreg.NewRegistry(store)
	prober := llmreg.NewProber(endpoints, 0, 0)
	prober.Start()
	defer prober.Stop()

	agents := agent.NewRegistry(taskQueue, broker, agent.Timeouts{})

	tracker := presence.NewTracker(agents, 0, 0)
	tracker.Start()
	defer tracker.Stop()

	wsHub := ws.NewHub(authStore, agents, taskQueue, tracker, endpoints)

	routing := router.DefaultConfig()
	if len(cfg.Router.StandardModels) > 0 {
		routing.StandardModels = cfg.Router.StandardModels
	}
	if cfg.Router.CloudModel != "" {
		routing.CloudModel = cfg.Router.CloudModel
	}
	routing.CloudEnabled = cfg.CloudEnabled()

	sched := scheduler.New(taskQueue, agents, repoReg, endpoints.Snapshot, broker, scheduler.Config{
		SweepInterval: cfg.Scheduler.SweepInterval.Std(),
		StuckAfter:    cfg.Scheduler.StuckAfter.Std(),
		TaskTTL:       cfg.Scheduler.TaskTTL.Std(),
		FallbackWait:  cfg.Scheduler.FallbackWait.Std(),
		Routing:       routing,
	})
	sched.Start()
	defer sched.Stop()

	goals := backlog.New(store, broker)

	ledger := llm.NewLedger(cfg.LLM.DailyTokenBudget)
	llmClient := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}, ledger)

	workspaces := workspace.NewManager(cfg.Workspace.Root)
	orch := orchestrator.New(goals, taskQueue, workspaces, llmClient, llmClient, broker)

	monitor := health.NewMonitor(broker, 0)
	sampler := health.NewSampler(monitor, health.Probes{
		QueueDepth: func() int {
			counts, err := taskQueue.Stats()
			if err != nil {
				return 0
			}
			return counts[types.TaskQueued]
		},
		StuckTasks: func() int {
			stuck, err := taskQueue.StaleAssigned(time.Now().Add(-cfg.Scheduler.StuckAfter.Std()))
			if err != nil {
				return 0
			}
			return len(stuck)
		},
		AgentsOnline: agents.Count,
		Endpoints: func() (int, int) {
			snap, err := endpoints.Snapshot()
			if err != nil {
				return 0, 0
			}
			total, healthy := 0, 0
			for _, ep := range snap.Endpoints {
				total++
				if ep.Health == types.EndpointHealthy {
					healthy++
				}
			}
			return total, healthy
		},
	}, broker, 0)
	sampler.Start()
	defer sampler.Stop()

	hubFSM := hub.New(
		hub.Sources{
			PendingGoals: func() int {
				stats, err := goals.Stats()
				if err != nil {
					return 0
				}
				return stats.ByStatus[types.GoalSubmitted]
			},
			ActiveGoals:     orch.ActiveGoals,
			BudgetExhausted: ledger.Exhausted,
			CriticalHealth:  monitor.CriticalActive,
		},
		hub.Hooks{
			OrchestratorTick: orch.Tick,
			Heal: func() error {
				sched.Sweep()
				return endpoints.ResetHealth()
			},
			NotifyState: ledger.NotifyHubState,
		},
		broker,
		hub.Config{
			TickInterval:    cfg.Hub.TickInterval.Std(),
			Watchdog:        cfg.Hub.Watchdog.Std(),
			IdleAfter:       cfg.Hub.IdleAfter.Std(),
			HealingCooldown: cfg.Hub.HealingCooldown.Std(),
		},
	)
	hubFSM.Start()
	defer hubFSM.Stop()

	server := api.NewServer(api.Deps{
		Backlog:   goals,
		Queue:     taskQueue,
		Repos:     repoReg,
		Endpoints: endpoints,
		Hub:       hubFSM,
		Monitor:   monitor,
		Auth:      authStore,
		Store:     store,
		Ws:        wsHub,
		RateLimit: cfg.Server.RateLimit,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("hub listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
}
