package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/metalagman/stepflow/internal/artifact"
	"github.com/metalagman/stepflow/internal/config"
	"github.com/metalagman/stepflow/internal/engine"
	"github.com/metalagman/stepflow/internal/ledger"
	"github.com/metalagman/stepflow/internal/metrics"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/oracle/gemini"
	"github.com/metalagman/stepflow/internal/oracle/openaichat"
	"github.com/metalagman/stepflow/internal/tools"
	"github.com/metalagman/stepflow/internal/tools/cliexec"
	"github.com/metalagman/stepflow/internal/tools/httpreq"
	"github.com/metalagman/stepflow/internal/tools/inject"
	"github.com/metalagman/stepflow/internal/tools/mcpbridge"
	"github.com/metalagman/stepflow/internal/tools/websearch"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
)

// engineFactory builds an engine writing under the given run id.
type engineFactory func(runID string) *engine.Engine

// deps is what the run command needs from the container.
type deps struct {
	Ledger  *ledger.Ledger
	Sink    *artifact.FS
	Engines engineFactory
}

// newApp assembles the run dependencies. Ledger and sink are nil when artifacts are disabled.
func newApp(cfg config.Config, out *deps) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(
			newOracle,
			newRegistry,
			newLedger,
			newSink,
			newMetrics,
			newReporter,
			newEngineFactory,
		),
		fx.Invoke(serveMetrics),
		fx.Populate(&out.Ledger, &out.Sink, &out.Engines),
	)
}

func newOracle(cfg config.Config) (oracle.Oracle, error) {
	oc := cfg.Oracle
	switch oc.Provider {
	case config.ProviderGemini:
		client, err := gemini.NewClient(context.Background(), gemini.Config{
			Model:     oc.Model,
			BaseURL:   oc.BaseURL,
			APIKey:    oc.APIKey,
			APIKeyEnv: oc.APIKeyEnv,
		})
		if err != nil {
			return nil, fmt.Errorf("create oracle: %w", err)
		}
		return client, nil
	default:
		client, err := openaichat.NewClient(openaichat.Config{
			Model:     oc.Model,
			BaseURL:   oc.BaseURL,
			APIKey:    oc.APIKey,
			APIKeyEnv: oc.APIKeyEnv,
			Timeout:   oc.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("create oracle: %w", err)
		}
		return client, nil
	}
}

// newRegistry registers the built-in tools. MCP servers are started with the
// app and their tools registered once connected.
func newRegistry(lc fx.Lifecycle, cfg config.Config) (*tools.Registry, error) {
	tc := cfg.Tools
	var builtin []tools.Tool
	if tc.IsEnabled(httpreq.Name) {
		builtin = append(builtin, httpreq.New(nil, httpreq.Options{
			Timeout:      tc.HTTP.Timeout,
			MaxBodyBytes: tc.HTTP.MaxBodyBytes,
			Markdown:     tc.HTTP.Markdown,
		}))
	}
	if tc.IsEnabled(cliexec.Name) {
		builtin = append(builtin, cliexec.New(cliexec.Options{
			Shell:          tc.CLIExec.Shell,
			DefaultTimeout: tc.CLIExec.Timeout,
			Dir:            tc.CLIExec.Dir,
		}))
	}
	if tc.IsEnabled(websearch.Name) {
		builtin = append(builtin, websearch.New(nil, websearch.Options{
			BaseURL:   tc.WebSearch.BaseURL,
			APIKeyEnv: tc.WebSearch.APIKeyEnv,
		}))
	}
	if tc.IsEnabled(inject.Name) {
		builtin = append(builtin, inject.New(inject.Options{
			MaxSteps: cfg.Budgets.ProposalMaxSteps,
			MaxEdges: cfg.Budgets.ProposalMaxEdges,
			Strict:   cfg.Invariants.Strict,
		}))
	}
	reg, err := tools.NewRegistry(builtin...)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	if len(tc.MCP) == 0 {
		return reg, nil
	}
	bridge := mcpbridge.New("stepflow", version)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// OnStop does not run for a failed OnStart, so failures close the bridge here.
			if err := bridge.StartAll(ctx, tc.MCP); err != nil {
				return err
			}
			remote, err := bridge.Tools(ctx)
			if err != nil {
				return errors.Join(err, bridge.Close())
			}
			for _, t := range remote {
				if !tc.IsEnabled(t.Definition().Name) {
					continue
				}
				if err := reg.Register(t); err != nil {
					return errors.Join(fmt.Errorf("register mcp tool: %w", err), bridge.Close())
				}
			}
			log.Debug().Int("servers", len(tc.MCP)).Int("tools", len(remote)).Msg("mcp tools registered")
			return nil
		},
		OnStop: func(context.Context) error {
			return bridge.Close()
		},
	})
	return reg, nil
}

func newLedger(lc fx.Lifecycle, cfg config.Config) (*ledger.Ledger, error) {
	if !cfg.Artifacts.Enabled {
		return nil, nil
	}
	db, err := ledger.Open(cfg.Artifacts.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
	return ledger.New(db), nil
}

func newSink(cfg config.Config) *artifact.FS {
	if !cfg.Artifacts.Enabled {
		return nil
	}
	return artifact.NewFS(cfg.Artifacts.Dir)
}

func newMetrics() *metrics.Collector {
	return metrics.New()
}

func newReporter(cfg config.Config) engine.Reporter {
	if cfg.Output.Quiet {
		return engine.NopReporter{}
	}
	return engine.NewConsoleReporter(os.Stderr, engine.ReportOptions{
		LogSteps: cfg.Output.LogSteps,
		LogTools: cfg.Output.LogTools,
	})
}

type engineParams struct {
	fx.In

	Config   config.Config
	Oracle   oracle.Oracle
	Registry *tools.Registry
	Ledger   *ledger.Ledger
	Sink     *artifact.FS
	Metrics  *metrics.Collector
	Reporter engine.Reporter
}

func newEngineFactory(p engineParams) engineFactory {
	return func(runID string) *engine.Engine {
		opts := engine.Options{
			Model:         p.Config.Oracle.Model,
			RunID:         runID,
			MaxIterations: p.Config.Budgets.MaxIterationsPerStep,
			MaxToolExec:   p.Config.Budgets.MaxToolExecPerStep,
			MaxDepth:      p.Config.Budgets.MaxDepth,
			Temperature:   p.Config.Oracle.Temperature,
			MaxTokens:     p.Config.Oracle.MaxTokens,
		}
		extra := []engine.Option{
			engine.WithReporter(p.Reporter),
			engine.WithMetrics(p.Metrics),
		}
		if p.Sink != nil {
			extra = append(extra, engine.WithSink(p.Sink))
		}
		if p.Ledger != nil {
			extra = append(extra, engine.WithRecorder(p.Ledger))
		}
		return engine.New(p.Oracle, p.Registry, opts, extra...)
	}
}

// serveMetrics exposes /metrics for the lifetime of the app when metrics.addr is set.
func serveMetrics(lc fx.Lifecycle, cfg config.Config, m *metrics.Collector) {
	if cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen metrics: %w", err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn().Err(err).Msg("metrics server stopped")
				}
			}()
			log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
