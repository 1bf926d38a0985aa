// Package main is the entry point for tetherd, the local agent daemon. It
// bridges a terminal REPL running in a tmux pane to chat messengers, email,
// LAN peer agents, and the signed internet relay.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/access"
	"github.com/tether-agent/tether/internal/channels/chat"
	"github.com/tether-agent/tether/internal/channels/email"
	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/common/pathutil"
	"github.com/tether-agent/tether/internal/db"
	"github.com/tether-agent/tether/internal/events/bus"
	gateway "github.com/tether-agent/tether/internal/gateway/websocket"
	"github.com/tether-agent/tether/internal/network"
	"github.com/tether-agent/tether/internal/peercomms"
	"github.com/tether-agent/tether/internal/router"
	"github.com/tether-agent/tether/internal/scheduler"
	"github.com/tether-agent/tether/internal/secrets"
	"github.com/tether-agent/tether/internal/server"
	"github.com/tether-agent/tether/internal/session"
	"github.com/tether-agent/tether/internal/sidecar"
	"github.com/tether-agent/tether/internal/state"
	"github.com/tether-agent/tether/internal/transcript"
	"github.com/tether-agent/tether/internal/watchdog"
)

// shutdownGrace bounds how long in-flight work may take once a signal lands.
const shutdownGrace = 3 * time.Second

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting tetherd...", zap.String("agent", cfg.Agent.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. State directory
	dir, err := state.OpenDir(cfg.State.Dir)
	if err != nil {
		log.Fatal("Failed to open state directory", zap.Error(err))
	}

	// 4. Event bus (in-memory by default, NATS when configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Secret store chain: env vars, then the OS keychain where one
	// exists, then the credentials file.
	secretStore := secrets.NewManager(log)
	secretStore.AddProvider(secrets.NewEnvProvider())
	if runtime.GOOS == "darwin" {
		secretStore.AddProvider(secrets.NewKeychainProvider(cfg.Agent.Name))
	}
	secretStore.AddProvider(secrets.NewFileProvider("~/.tether/credentials.json"))

	// 6. Session bridge
	bridge := session.NewBridge(cfg.Session, session.ShellRunner{}, log)

	// 7. Channel router + delivery log + transcript stream
	deliveryLog, err := state.NewJSONLWriter(dir.File(state.DeliveryLogFile))
	if err != nil {
		log.Fatal("Failed to open delivery log", zap.Error(err))
	}
	defer deliveryLog.Close()

	limiter := router.NewRateLimiter(cfg.Security.RateLimits)
	rtr := router.New(dir, limiter, eventBus, log)
	defer rtr.Stop()

	// With a configured transcript path, polling starts at the file's
	// current tail; otherwise the path arrives with the first hook.
	var tailer *transcript.Tailer
	if cfg.Transcript.Path != "" {
		tailer, err = transcript.NewTailer(pathutil.ExpandHome(cfg.Transcript.Path))
		if err != nil {
			log.Fatal("Failed to open transcript", zap.Error(err))
		}
	} else {
		tailer = transcript.NewTailerFromStart("")
	}
	stream := transcript.NewStream(cfg.Transcript, tailer, rtr, bridge, deliveryLog, eventBus, log)
	stream.Start(ctx)
	defer stream.Stop()

	// 8. Access control
	acl, err := access.NewController(dir, cfg.Security.RateLimits, log)
	if err != nil {
		log.Fatal("Failed to load access control state", zap.Error(err))
	}

	// 9. Chat adapter (first configured provider; the wire format is
	// provider-agnostic)
	var chatAdapter *chat.Adapter
	if len(cfg.Channels.Chat.Providers) > 0 {
		provider := chat.NewHTTPProvider(cfg.Channels.Chat.Providers[0], secretStore)
		chatAdapter = chat.NewAdapter(cfg.Channels.Chat, provider, acl, bridge, stream, rtr, log)
		rtr.RegisterAdapter(router.ChannelChat, chatAdapter)
		log.Info("Chat adapter registered", zap.String("provider", provider.Name()))
	}

	// 10. Email adapter
	var emailAdapter *email.Adapter
	if len(cfg.Channels.Email.Providers) > 0 {
		provider := email.NewHTTPProvider(cfg.Channels.Email.Providers[0], secretStore)
		emailAdapter = email.NewAdapter(cfg.Channels.Email, provider, acl, bridge, stream, log)
		log.Info("Email adapter registered", zap.String("provider", provider.Name()))
	}

	// 11. LAN peer comms
	var peerSvc *peercomms.Service
	if cfg.AgentComms.Enabled {
		peerSvc, err = peercomms.NewService(&cfg.AgentComms, cfg.Agent.Name, secretStore, bridge, stream, eventBus, dir, log)
		if err != nil {
			log.Fatal("Failed to initialize peer comms", zap.Error(err))
		}
		defer peerSvc.Close()
		log.Info("Peer comms enabled", zap.Int("peers", len(cfg.AgentComms.Peers)))
	}

	// 12. Relay network
	var (
		relayClient *network.Client
		relayPoller *network.Poller
	)
	if cfg.Network.Enabled {
		identity, err := network.LoadOrCreateIdentity(ctx, cfg.Agent.Name, secretStore)
		if err != nil {
			log.Fatal("Failed to load relay identity", zap.Error(err))
		}

		pool, err := db.Open(cfg.Database)
		if err != nil {
			log.Fatal("Failed to open database", zap.Error(err))
		}
		defer pool.Close()

		replay, err := network.NewReplayStore(ctx, pool)
		if err != nil {
			log.Fatal("Failed to initialize replay store", zap.Error(err))
		}

		relayClient = network.NewClient(cfg.Network.RelayURL, identity, cfg.Network.OwnerEmail, log)
		status, err := relayClient.Register(ctx)
		if err != nil {
			log.Warn("Relay registration failed; will keep polling anyway", zap.Error(err))
		} else {
			log.Info("Relay registration", zap.String("status", status))
		}

		relayPoller = network.NewPoller(relayClient, replay, bridge, stream, log)
	}

	sender := network.NewSender(peerSvc, relayClient, log)

	// 13. Sidecars
	supervisor := sidecar.New(cfg.Sidecars, eventBus, log)
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("Failed to start sidecars", zap.Error(err))
	}
	defer supervisor.Stop()

	// 14. Scheduler with the built-in tasks
	sched := scheduler.New(bridge, log)
	registerBuiltinTasks(sched, cfg, bridge, dir, acl, peerSvc, relayPoller, emailAdapter, log)

	declaredTasks := cfg.Scheduler.Tasks
	if extra, err := scheduler.LoadTasksFile(cfg.Scheduler.TasksFile); err != nil {
		log.Warn("Failed to load tasks file", zap.Error(err))
	} else {
		declaredTasks = append(declaredTasks, extra...)
	}
	for _, taskCfg := range declaredTasks {
		name := taskCfg.Name
		if err := sched.Register(taskCfg, func(ctx context.Context) error {
			// Declarative tasks without a built-in body inject their name
			// as a REPL command.
			_, err := bridge.InjectText(ctx, "/"+name)
			return err
		}); err != nil {
			log.Warn("Skipping task", zap.String("task", name), zap.Error(err))
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	// 15. WebSocket gateway
	hub, err := gateway.NewHub(eventBus, log)
	if err != nil {
		log.Fatal("Failed to start websocket gateway", zap.Error(err))
	}
	defer hub.Close()

	// 16. HTTP endpoint. Disabled subsystems stay out of Deps entirely so
	// their routes answer 503 instead of dereferencing a nil service.
	deps := server.Deps{
		Session:   bridge,
		Hooks:     stream,
		Sender:    sender,
		Router:    rtr,
		Limiter:   limiter,
		WebSocket: hub,
	}
	if peerSvc != nil {
		deps.Peers = peerSvc
	}
	if chatAdapter != nil {
		deps.Chat = chatAdapter
	}
	srv := server.New(&cfg.Daemon, deps, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info("tetherd ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)),
		zap.String("state_dir", dir.Path()))

	// 17. Wait for a signal, then shut down within the grace window.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	cancel()
}

// registerBuiltinTasks wires the daemon's own periodic work into the
// scheduler. Every task remains individually overridable from config by
// registering first under the same name there.
func registerBuiltinTasks(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	bridge *session.Bridge,
	dir *state.Dir,
	acl *access.Controller,
	peerSvc *peercomms.Service,
	relayPoller *network.Poller,
	emailAdapter *email.Adapter,
	log *logger.Logger,
) {
	register := func(taskCfg config.TaskConfig, fn scheduler.TaskFunc) {
		if err := sched.Register(taskCfg, fn); err != nil {
			log.Warn("Built-in task not registered", zap.String("task", taskCfg.Name), zap.Error(err))
		}
	}

	wd := watchdog.New(dir.File("context-usage"), bridge, log)
	register(config.TaskConfig{Name: "context-watchdog", Interval: 30, Enabled: true}, wd.Check)

	register(config.TaskConfig{Name: "approval-audit", Interval: 3600, Enabled: true},
		func(ctx context.Context) error {
			demoted := acl.AuditExpirations()
			if demoted > 0 {
				log.Info("Approvals expired", zap.Int("demoted", demoted))
			}
			return nil
		})

	register(config.TaskConfig{Name: "memory-sync", Interval: 1800, Enabled: true, BusyGate: true, MinGap: 600},
		func(ctx context.Context) error {
			_, err := bridge.InjectText(ctx, "/memory-sync")
			return err
		})

	if peerSvc != nil {
		register(config.TaskConfig{Name: "peer-heartbeat", Interval: 60, Enabled: true}, peerSvc.Heartbeat)
	}

	if relayPoller != nil {
		interval := int(cfg.Network.PollIntervalDuration().Seconds())
		register(config.TaskConfig{Name: "relay-inbox-poll", Interval: interval, Enabled: true}, relayPoller.Poll)
	}

	if emailAdapter != nil {
		register(config.TaskConfig{Name: "email-check", Interval: 120, Enabled: true},
			func(ctx context.Context) error {
				_, err := emailAdapter.Poll(ctx)
				return err
			})
	}
}
