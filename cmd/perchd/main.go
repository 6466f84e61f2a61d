package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/perch/internal/auth"
	"github.com/ehrlich-b/perch/internal/bridge"
	"github.com/ehrlich-b/perch/internal/config"
	"github.com/ehrlich-b/perch/internal/launcher"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/manager"
	"github.com/ehrlich-b/perch/internal/registry"
	"github.com/ehrlich-b/perch/internal/session"
	"github.com/ehrlich-b/perch/internal/store"
)

const staleCheckInterval = time.Minute

func main() {
	root := &cobra.Command{
		Use:   "perchd",
		Short: "perch orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return run(configPath)
		},
	}
	root.Flags().String("config", "", "path to perch.yaml (defaults apply if unset)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	jwtSecret, err := auth.LoadJWTSecret(st, cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("load jwt secret: %w", err)
	}
	agentSecret, err := auth.LoadAgentSecret(st, cfg.Auth.AgentSecret)
	if err != nil {
		return fmt.Errorf("load agent secret: %w", err)
	}

	launch := &launcher.Launcher{
		Command:     cfg.Agent.Command,
		Args:        cfg.Agent.Args,
		WSURL:       fmt.Sprintf("ws://127.0.0.1%s/ws/agent", cfg.Listen),
		AgentSecret: auth.EncodeSecret(agentSecret),
	}

	hub := bridge.NewHub()
	fan := &session.MultiNotifier{hub}
	reg := registry.New(st, procLauncher{launch}, fan, cfg.Approval.Timeout.Std())
	sup := manager.NewSupervisor(reg)
	*fan = append(*fan, sup)

	if err := reg.Restore(); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			logger.SetLevel(next.Logging.Level)
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	go staleLoop(ctx, sup)

	srv := bridge.NewServer(cfg.Listen, reg, sup, hub, jwtSecret, agentSecret, cfg.Auth.PasswordHash)
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}

	logger.Info("persisting sessions before exit")
	if err := reg.PersistAll(); err != nil {
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}

func staleLoop(ctx context.Context, sup *manager.Supervisor) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.CheckStale()
		}
	}
}

// procLauncher adapts the concrete launcher to the registry interface.
type procLauncher struct {
	l *launcher.Launcher
}

func (p procLauncher) Launch(info session.Info) (int, error) { return p.l.Launch(info) }
func (p procLauncher) Alive(pid int) bool                    { return launcher.Alive(pid) }
func (p procLauncher) Kill(pid int)                          { launcher.Kill(pid) }
