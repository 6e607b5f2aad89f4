package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/config"
	"github.com/raaihank/moltshield/internal/events"
	"github.com/raaihank/moltshield/internal/gatekeeper"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/server"
)

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	var (
		port       = fs.Int("port", 0, "Server port (default: configured port)")
		policyPath = fs.String("policy", "", "Policy file (default: configured policy path)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	if *port != 0 {
		a.cfg.Server.Port = *port
	}
	if *policyPath != "" {
		a.cfg.Policy.Path = *policyPath
	}

	log.Info("Starting moltshield",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("vault_backend", a.cfg.Vault.Backend),
		zap.String("policy", a.cfg.Policy.Path),
	)

	engine, err := a.loadEngine("")
	if err != nil {
		return err
	}
	t, err := newTransformer(a.cfg, engine, log.WithComponent("gatekeeper").Logger)
	if err != nil {
		return err
	}
	manager, err := a.openManager()
	if err != nil {
		return err
	}
	defer manager.Close()
	svc := gatekeeper.NewService(t, manager, log.WithComponent("gatekeeper").Logger)

	var hub *events.Hub
	if a.cfg.Events.Enabled {
		ec := a.cfg.Events
		hub = events.NewHub(&events.Config{
			MaxConnections:  ec.MaxConnections,
			ReadBufferSize:  ec.ReadBufferSize,
			WriteBufferSize: ec.WriteBufferSize,
			PingInterval:    ec.PingInterval,
			PongTimeout:     ec.PongTimeout,
			WriteTimeout:    ec.WriteTimeout,
			MaxMessageSize:  ec.MaxMessageSize,
			AllowedOrigins:  ec.AllowedOrigins,
		}, log.WithComponent("events").Logger)
	}

	srv, err := server.New(a.cfg, log, svc, hub)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Policy.Watch {
		err := policy.Watch(ctx, a.cfg.Policy.Path, log.WithComponent("policy").Logger, func(e *policy.Engine) {
			svc.SetTransformer(svc.Transformer().WithEngine(e))
			if hub != nil {
				hub.Publish(events.EventTypePolicyReload, events.PolicyReloadEvent{
					Path:    a.cfg.Policy.Path,
					Version: e.Policy().Version,
					Rules:   len(e.Policy().Rules),
				})
			}
		}, policy.WithDefaultShadows(a.cfg.ShadowMap))
		if err != nil {
			return err
		}
	}

	// Masking and shuffling settings apply to new documents without a
	// restart. Other sections need one.
	if a.configPath != "" {
		err := config.Watch(a.configPath, log.WithComponent("config").Logger, func(c *config.Config) {
			next, err := newTransformer(c, svc.Transformer().Engine(), log.WithComponent("gatekeeper").Logger)
			if err != nil {
				log.Warn("Keeping previous masking settings", zap.Error(err))
				return
			}
			svc.SetTransformer(next)
		})
		if err != nil {
			return err
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", a.cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout(a.cfg))
	defer cancelShutdown()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	log.Info("Server shutdown complete")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
