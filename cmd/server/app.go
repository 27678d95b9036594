package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/judgebox/config"
	"github.com/isdmx/judgebox/httpapi"
	"github.com/isdmx/judgebox/judge"
	"github.com/isdmx/judgebox/mcpserver"
	"github.com/isdmx/judgebox/pool"
	"github.com/isdmx/judgebox/runner"
	"github.com/isdmx/judgebox/sandbox"
)

// Module wires everything below config and logger.
var Module = fx.Options(
	fx.Provide(
		newEngine,
		newLanguages,
		newPool,
		newReaper,
		newRunner,
		newJudge,
		newMCPServer,
		newHTTPServer,
	),
	fx.Invoke(registerLifecycle),
)

func newEngine(cfg *config.Config, logger *zap.Logger) (sandbox.Engine, error) {
	return sandbox.NewEngine(logger, cfg.EngineConfig())
}

func newLanguages(cfg *config.Config) (sandbox.LanguageTable, error) {
	return sandbox.DefaultLanguages().Merge(cfg.LanguageOverrides())
}

func newPool(cfg *config.Config, logger *zap.Logger, engine sandbox.Engine) *pool.Pool {
	return pool.New(logger, engine, pool.Config{
		MaxInstances:     cfg.Sandbox.MaxInstances,
		ProvisionRetries: cfg.Sandbox.ProvisionRetries,
		ProvisionBackoff: cfg.Sandbox.ProvisionBackoff,
	})
}

func newReaper(cfg *config.Config, logger *zap.Logger, p *pool.Pool) *pool.Reaper {
	return pool.NewReaper(logger, p, cfg.Sandbox.ReapInterval, cfg.Sandbox.InstanceTTL)
}

func newRunner(cfg *config.Config, logger *zap.Logger, engine sandbox.Engine) *runner.Runner {
	return runner.New(logger, engine, runner.Config{
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * 1024,
		CompileTimeout: cfg.GetCompileTimeout(),
	})
}

func newJudge(cfg *config.Config, logger *zap.Logger, p *pool.Pool, r *runner.Runner, languages sandbox.LanguageTable) *judge.Service {
	return judge.New(logger, p, r, languages, judge.Config{
		DefaultTimeout: cfg.GetTimeout(),
		MaxTimeout:     cfg.GetMaxTimeout(),
		DefaultLimits:  cfg.Limits(),
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
		MaxTestCases:   cfg.Sandbox.MaxTestCases,
		MaxCodeBytes:   cfg.Sandbox.MaxCodeKB * 1024,
	})
}

func newMCPServer(cfg *config.Config, logger *zap.Logger, svc *judge.Service) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, logger, svc)
}

func newHTTPServer(cfg *config.Config, logger *zap.Logger, svc *judge.Service, engine sandbox.Engine, p *pool.Pool, mcp *mcpserver.MCPServer) *httpapi.Server {
	return httpapi.New(logger, svc, engine, p, httpapi.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		MCPPath:        cfg.Server.MCPPath,
		MCPHandler:     mcp.HTTPHandler(),
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *zap.Logger
	Engine     sandbox.Engine
	Pool       *pool.Pool
	Reaper     *pool.Reaper
	Judge      *judge.Service
	MCP        *mcpserver.MCPServer
	HTTP       *httpapi.Server
}

func registerLifecycle(p lifecycleParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	log := p.Logger
	var prewarm sync.WaitGroup

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Engine.Ping(ctx); err != nil {
				log.Warn("Execution engine not reachable yet", zap.String("engine", p.Engine.Name()), zap.Error(err))
			} else if _, err := p.Pool.PurgeOrphans(ctx); err != nil {
				log.Warn("Failed to list orphaned instances", zap.Error(err))
			}

			p.Reaper.Start()

			if langs := p.Config.Sandbox.PrewarmLanguages; len(langs) > 0 {
				prewarm.Add(1)
				go func() {
					defer prewarm.Done()
					n := p.Judge.Prewarm(runCtx, langs)
					log.Info("Prewarmed sandbox instances", zap.Int("count", n))
				}()
			}

			switch p.Config.Server.Transport {
			case "stdio":
				go func() {
					if err := p.MCP.ServeStdio(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("MCP stdio server stopped", zap.Error(err))
					}
					// stdin closed: the client is gone
					_ = p.Shutdowner.Shutdown()
				}()
			case "http":
				ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.Config.Server.HTTPPort))
				if err != nil {
					return fmt.Errorf("listen on port %d: %w", p.Config.Server.HTTPPort, err)
				}
				go func() {
					if err := p.HTTP.Serve(ln); err != nil {
						log.Error("HTTP server stopped", zap.Error(err))
						_ = p.Shutdowner.Shutdown()
					}
				}()
				go sweepLimiter(runCtx, p.HTTP.Limiter())
			default:
				return fmt.Errorf("unsupported transport: %s", p.Config.Server.Transport)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			prewarm.Wait()

			var errs []error
			if p.Config.Server.Transport == "http" {
				if err := p.HTTP.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("http shutdown: %w", err))
				}
			}
			if err := p.Reaper.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("reaper stop: %w", err))
			}
			if err := p.Pool.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
			}
			if closer, ok := p.Engine.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, fmt.Errorf("engine close: %w", err))
				}
			}
			return errors.Join(errs...)
		},
	})
}

func sweepLimiter(ctx context.Context, rl *httpapi.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep(10 * time.Minute)
		}
	}
}
