package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/agent"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/bridge"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/channels"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/cron"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/discovery"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/heartbeat"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/plugins"
)

// keyringService is the keyring entry for the gateway token.
const keyringService = "clawdbot"

// newServeCmd creates `clawdbot serve`: the long-running gateway daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon (bridge, discovery, cron, heartbeat)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cli, err := buildContext(cmd)
	if err != nil {
		return err
	}
	logger := cli.logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := channels.NewManager(logger)
	gw := gateway.New(gateway.Options{
		Config:     cli.cfg,
		Runner:     cli.runner,
		Pairing:    cli.pairing,
		ChannelMgr: mgr,
		Logger:     logger,
	})

	// Plugins.
	registry := plugins.NewRegistry(
		[]string{"read", "write", "edit", "grep", "find", "ls", "bash", "process"},
		logger)
	registry.Load(cli.cfg.Plugins)
	for _, d := range registry.Diagnostics() {
		logger.Warn("plugin diagnostic", "plugin", d.PluginID, "message", d.Message)
	}
	registry.StartServices(ctx)
	defer registry.StopServices()

	// Heartbeat.
	hb := heartbeat.New(
		func(hctx context.Context, prompt string) (string, error) {
			res, err := cli.runner.Run(hctx, agent.RunParams{
				Message:        prompt,
				SessionKey:     cli.runner.MainKey(),
				SkipDirectives: true,
			})
			if err != nil {
				return "", err
			}
			return res.Response, nil
		},
		func(text string) {
			// Main-session heartbeat output goes to the main surface
			// when one is attached; otherwise it is logged.
			logger.Info("heartbeat", "text", text)
		},
		heartbeat.Options{
			Interval:    cli.cfg.Heartbeat.EffectiveInterval(),
			AckMaxChars: cli.cfg.Heartbeat.EffectiveAckMaxChars(),
			Prompt:      cli.cfg.Agent.HeartbeatPrompt,
			Logger:      logger,
		},
	)
	gw.SetHeartbeat(hb)
	hb.Start(ctx)
	defer hb.Stop()

	// Cron scheduler.
	var scheduler *cron.Scheduler
	if cli.cfg.Cron.IsEnabled() && !cli.rt.SkipCron() {
		storePath := cli.cfg.Cron.Store
		if storePath == "" {
			storePath = filepath.Join(cli.rt.CronDir(), "jobs.json")
		}
		scheduler = cron.New(cron.NewStore(storePath, logger), cron.Options{
			Runner:            gw,
			Wake:              gw.Wake,
			MaxConcurrentRuns: cli.cfg.Cron.MaxConcurrentRuns,
			Logger:            logger,
		})
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
	} else {
		logger.Info("cron scheduler disabled")
	}

	// Bridge.
	var bridgeServer *bridge.Server
	if os.Getenv("CLAWDBOT_BRIDGE_ENABLED") != "0" {
		bridgeServer = bridge.NewServer(bridge.Options{
			ServerName: "clawdbot",
			Store:      cli.pairing,
			OnMessage: func(mctx context.Context, nodeID string, msg bridge.Message) {
				gw.HandleBridgeMessage(mctx, nodeID, msg.MessageID, msg.Text)
			},
			Logger: logger,
		})
		bcfg := cli.cfg.Bridge.Effective()
		host := envOr("CLAWDBOT_BRIDGE_HOST", bcfg.Bind)
		port := envPort("CLAWDBOT_BRIDGE_PORT", bcfg.Port)
		if err := bridgeServer.Listen(ctx, host, port); err != nil {
			logger.Error("bridge unavailable", "error", err)
		} else {
			defer bridgeServer.Close()
		}
	}

	// Discovery.
	if os.Getenv("CLAWDBOT_DISABLE_BONJOUR") != "1" {
		var wan *discovery.WideAreaServer
		if cli.cfg.Discovery.WideArea.Enabled {
			wan = discovery.NewWideAreaServer(logger)
			go func() {
				if err := wan.ListenAndServe(":8053"); err != nil {
					logger.Warn("wide-area responder stopped", "error", err)
				}
			}()
			defer wan.Shutdown()
		}

		host, _ := os.Hostname()
		bcfg := cli.cfg.Bridge.Effective()
		publisher := discovery.NewPublisher(discovery.Beacon{
			InstanceName: host,
			DisplayName:  host,
			BridgePort:   envPort("CLAWDBOT_BRIDGE_PORT", bcfg.Port),
			GatewayPort:  envPort("CLAWDBOT_GATEWAY_PORT", 0),
			SSHPort:      envPort("CLAWDBOT_SSH_PORT", 0),
			TailnetDNS:   os.Getenv("CLAWDBOT_TAILNET_DNS"),
			CLIPath:      os.Getenv("CLAWDBOT_CLI_PATH"),
		}, wan, logger)
		if err := publisher.Start(ctx); err != nil {
			logger.Warn("discovery unavailable", "error", err)
		} else {
			defer publisher.Stop()
		}
	}

	// Dashboard websocket: served when a gateway port is configured.
	if port := envPort("CLAWDBOT_GATEWAY_PORT", 0); port > 0 {
		auth := bridge.DashboardAuth{Token: gatewayToken(cli.cfg)}
		mux := http.NewServeMux()
		mux.Handle("/ws", bridge.DashboardHandler(auth, func(ws *websocket.Conn) {
			defer ws.Close()
			ws.WriteJSON(map[string]any{"type": "hello", "server": "clawdbot"})
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}, logger))
		httpServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("gateway http server stopped", "error", err)
			}
		}()
		defer httpServer.Shutdown(context.Background())
	}

	mgr.ConnectAll(ctx)
	gw.Start(ctx)

	logger.Info("clawdbot gateway running",
		"workspace", cli.workspaceDir(),
		"state_dir", cli.rt.StateDir,
		"channels", mgr.Names(),
	)

	// Block until interrupted.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	cancel()
	mgr.DisconnectAll()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	gw.WaitForIdle(drainCtx)
	return nil
}

// gatewayToken resolves the dashboard token: env first, keyring second,
// config last.
func gatewayToken(cfg *config.Config) string {
	if tok := os.Getenv("CLAWDBOT_GATEWAY_TOKEN"); tok != "" {
		return tok
	}
	if tok, err := keyring.Get(keyringService, "gateway-token"); err == nil && tok != "" {
		return tok
	}
	return cfg.Bridge.Token
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envPort(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return fallback
}
