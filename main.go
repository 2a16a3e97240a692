package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flow-runner/config"
	"flow-runner/connectors"
	"flow-runner/engine"
	"flow-runner/queue"
	"flow-runner/shared"
	"flow-runner/store"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "flow-runner",
	Short: "Executes workflow graphs delivered through a job queue",
	Long: `flow-runner takes "execute this run" jobs off a queue, runs the
workflow graph's nodes one at a time through the registered connectors and
records every node attempt and the run's terminal status in the database.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(workerCmd, enqueueCmd, runCmd, statusCmd)
}

// Execute runs the root command, cancelling its context on SIGINT/SIGTERM
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func main() {
	if err := Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is what every command needs, built from the loaded config
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.SQLStore
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	st, err := store.Open(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func (a *app) registry() *connectors.Registry {
	httpClient := connectors.NewHTTPClient()
	opts := []connectors.Option{
		connectors.WithTimeout(a.cfg.Engine.ConnectorTimeout),
		connectors.WithConnector(connectors.TypeHTTPFetch, connectors.NewHTTPFetch(httpClient, a.logger)),
		connectors.WithConnector(connectors.TypeHTTPPost, connectors.NewHTTPPost(httpClient, a.logger)),
		connectors.WithConnector(connectors.TypeTransform, connectors.NewTransform(a.cfg.Engine.MaxExpressionBytes, a.logger)),
	}

	model, err := connectors.NewOpenAIModel(a.cfg.LLM.APIKey, a.cfg.LLM.Model, a.cfg.LLM.BaseURL)
	if err != nil {
		a.logger.Warn("LLM connector unavailable", zap.Error(err))
		opts = append(opts, connectors.WithConnector(connectors.TypeLLM, unavailable(err)))
	} else {
		opts = append(opts, connectors.WithConnector(connectors.TypeLLM, connectors.NewLLM(model, a.cfg.LLMDefaults(), a.logger)))
	}

	var mailer connectors.Mailer
	smtp := a.cfg.SMTPSettings()
	if smtp.Host != "" {
		mailer = connectors.NewSMTPMailer(smtp)
	}
	opts = append(opts, connectors.WithConnector(connectors.TypeEmail, connectors.NewEmail(mailer, smtp.From, a.logger)))

	return connectors.NewRegistry(a.logger, opts...)
}

// unavailable stands in for a connector whose client could not be built
func unavailable(cause error) connectors.Connector {
	return connectors.Func(func(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
		return nil, fmt.Errorf("LLM call failed: %w", cause)
	})
}

func (a *app) runner() (*engine.Runner, error) {
	ordering, err := engine.ParseOrdering(a.cfg.Engine.Ordering)
	if err != nil {
		return nil, err
	}
	return engine.NewRunner(a.store, a.registry(), a.logger,
		engine.WithOrdering(ordering),
		engine.WithTracer(otel.Tracer("flow-runner")),
	), nil
}

func (a *app) queue() (queue.Queue, error) {
	switch a.cfg.Queue.Backend {
	case "temporal":
		c, err := queue.DialTemporal(a.cfg.TemporalOptions(), a.logger)
		if err != nil {
			return nil, err
		}
		return queue.NewTemporalQueue(c, a.cfg.Temporal.TaskQueue, a.cfg.QueuePolicy(), nil, a.logger), nil
	default:
		return queue.NewMemoryQueue(a.cfg.QueuePolicy(), a.logger), nil
	}
}
