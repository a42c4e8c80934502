// Package app wires configuration into a running chatbridge service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/agent"
	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/channel/lark"
	"github.com/ent0n29/chatbridge/internal/config"
	"github.com/ent0n29/chatbridge/internal/events"
	"github.com/ent0n29/chatbridge/internal/httpapi"
	"github.com/ent0n29/chatbridge/internal/logger"
	"github.com/ent0n29/chatbridge/internal/observability"
	"github.com/ent0n29/chatbridge/internal/orchestrator"
	"github.com/ent0n29/chatbridge/internal/policy"
	"github.com/ent0n29/chatbridge/internal/session"
	"github.com/ent0n29/chatbridge/internal/tasks"
	"github.com/ent0n29/chatbridge/internal/workspace"
)

// Receiver binds an inbound transport to the agent it serves.
type Receiver struct {
	AgentID  string
	Receiver channel.Receiver
}

type BuildResult struct {
	Config       *config.Config
	Logger       *logger.Logger
	API          *httpapi.Server
	Orchestrator *orchestrator.Orchestrator
	Tasks        *tasks.Manager
	Sessions     *session.Manager
	Metrics      *observability.Metrics
	Bus          events.Bus
	Receivers    []Receiver

	// Cleanup should be called on shutdown to release external resources (DB, NATS).
	Cleanup func() error
}

func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*BuildResult, error) {
	if log == nil {
		log = logger.Default()
	}
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	bus, err := buildBus(cfg.NATS, log)
	if err != nil {
		return nil, err
	}
	eventSubject := events.Subject(cfg.NATS.SubjectPrefix, ">")
	metricsSub, err := bus.Subscribe(eventSubject, func(_ context.Context, ev *events.Event) error {
		metrics.TaskEvent(ev.Type)
		return nil
	})
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("subscribe task metrics: %w", err)
	}

	store, err := tasks.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		_ = metricsSub.Unsubscribe()
		bus.Close()
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	storeMode := "in-memory"
	if store != nil {
		storeMode = "postgres"
	}

	taskQueue := tasks.NewManager(tasks.Options{
		Retention:     cfg.Queue.Retention,
		Store:         store,
		Publisher:     bus,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        log,
	})
	sessions := session.NewManager(session.Options{
		IdleTTL:                  cfg.Session.TTL,
		IdleSweepInterval:        cfg.Session.IdleSweepInterval,
		InteractiveSweepInterval: cfg.Session.InteractiveSweepInterval,
		Logger:                   log,
	})

	closeAll := func() error {
		var errs []error
		_ = metricsSub.Unsubscribe()
		if store != nil {
			errs = append(errs, store.Close())
		}
		bus.Close()
		return errors.Join(errs...)
	}

	registryAgents := make([]workspace.Agent, 0, len(cfg.Agents))
	agents := make([]orchestrator.Agent, 0, len(cfg.Agents))
	cardCallbacks := make(map[string]http.Handler)
	var receivers []Receiver
	for _, ac := range cfg.Agents {
		registryAgents = append(registryAgents, workspace.Agent{
			ID:               ac.ID,
			Workspaces:       toWorkspaces(ac.Workspaces),
			DefaultWorkspace: ac.DefaultWorkspace,
		})

		launcher, err := agent.NewLauncher(agent.Config{
			Mode:      ac.Launcher.Mode,
			CLIPath:   ac.Launcher.CLIPath,
			ExtraArgs: ac.Launcher.ExtraArgs,
		})
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("agent %s launcher: %w", ac.ID, err)
		}

		var ch channel.Channel
		if ac.Lark.Enabled() {
			gw, err := lark.New(ac.ID, lark.Config{
				AppID:             ac.Lark.AppID,
				AppSecret:         ac.Lark.AppSecret,
				BaseDomain:        ac.Lark.BaseDomain,
				VerificationToken: ac.Lark.VerificationToken,
				EncryptKey:        ac.Lark.EncryptKey,
			}, log)
			if err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("agent %s lark channel: %w", ac.ID, err)
			}
			ch = gw
			receivers = append(receivers, Receiver{AgentID: ac.ID, Receiver: gw})
			cardCallbacks[ac.ID] = gw.CardCallbackHandler()
		} else {
			log.Info("agent has no lark credentials, using console channel", zap.String("agent_id", ac.ID))
			ch = channel.NewConsole(ac.ID, log)
		}

		agents = append(agents, orchestrator.Agent{
			ID:           ac.ID,
			Name:         ac.Name,
			Channel:      ch,
			Launcher:     launcher,
			Access:       policy.NewAccess(ac.AllowedUsers, ac.Admins),
			AllowedTools: ac.AllowedTools,
			MaxTurns:     ac.MaxTurns,
			MaxBudgetUSD: ac.MaxBudgetUSD,
		})
	}

	registry, err := workspace.NewRegistry(registryAgents)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("workspace registry: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ExecutionTimeout: cfg.Session.ExecutionTimeout,
		InputTimeout:     cfg.Session.InputTimeout,
		ThrottleInterval: cfg.Throttle.Interval,
		NextTaskDelay:    cfg.Queue.NextTaskDelay,
	}, orchestrator.Deps{
		Tasks:      taskQueue,
		Sessions:   sessions,
		Workspaces: registry,
		Metrics:    metrics,
		Logger:     log,
	}, agents)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	api := httpapi.New(httpapi.Options{
		Orchestrator:  orch,
		Tasks:         taskQueue,
		Bus:           bus,
		Metrics:       metrics,
		Logger:        log,
		CardCallbacks: cardCallbacks,
		StoreMode:     storeMode,
		EventSubject:  eventSubject,
	})

	cleanup := func() error {
		orch.Close()
		return closeAll()
	}

	return &BuildResult{
		Config:       cfg,
		Logger:       log,
		API:          api,
		Orchestrator: orch,
		Tasks:        taskQueue,
		Sessions:     sessions,
		Metrics:      metrics,
		Bus:          bus,
		Receivers:    receivers,
		Cleanup:      cleanup,
	}, nil
}

// buildBus keeps events in process and mirrors them to NATS when a URL is
// configured.
func buildBus(cfg config.NATSConfig, log *logger.Logger) (events.Bus, error) {
	mem := events.NewMemoryBus(log)
	if strings.TrimSpace(cfg.URL) == "" {
		return mem, nil
	}
	nb, err := events.NewNATSBus(events.NATSConfig{
		URL:           cfg.URL,
		ClientID:      cfg.ClientID,
		MaxReconnects: cfg.MaxReconnects,
	}, log)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("nats bus init failed: %w", err)
	}
	return events.Fanout{mem, nb}, nil
}

func toWorkspaces(in []config.WorkspaceConfig) []workspace.Workspace {
	out := make([]workspace.Workspace, 0, len(in))
	for _, w := range in {
		out = append(out, workspace.Workspace{ID: w.ID, Name: w.Name, Path: w.Path})
	}
	return out
}
