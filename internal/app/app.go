// Package app wires configuration, AWS clients and the domain services into
// a runnable agent shared by the server and Lambda entrypoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vetalok777/instaAgent/handler"
	"github.com/vetalok777/instaAgent/internal/catalog"
	"github.com/vetalok777/instaAgent/internal/config"
	"github.com/vetalok777/instaAgent/internal/correlation"
	"github.com/vetalok777/instaAgent/internal/domain"
	"github.com/vetalok777/instaAgent/internal/integrations/gemini"
	"github.com/vetalok777/instaAgent/internal/integrations/instagram"
	"github.com/vetalok777/instaAgent/internal/integrations/openai"
	"github.com/vetalok777/instaAgent/internal/integrations/paramstore"
	"github.com/vetalok777/instaAgent/internal/knowledge"
	"github.com/vetalok777/instaAgent/internal/observability"
	"github.com/vetalok777/instaAgent/internal/rag"
	"github.com/vetalok777/instaAgent/internal/reply"
	"github.com/vetalok777/instaAgent/internal/repository"
	"github.com/vetalok777/instaAgent/internal/tenant"
	"github.com/vetalok777/instaAgent/internal/usecase"
	"github.com/vetalok777/instaAgent/internal/workerpool"
)

// llmClient is what both providers implement.
type llmClient interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

type knowledgeIndex interface {
	rag.Searcher
	catalog.Index
}

type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Registry     *prometheus.Registry
	Orchestrator *usecase.Orchestrator
	Tenants      *tenant.Directory
	Catalog      *catalog.Service

	cache   correlator
	pool    *workerpool.Pool
	closeDB func()
}

// NewLogger returns the JSON logger used by every entrypoint.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// New loads the default AWS configuration and builds the agent.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}
	return Build(ctx, cfg, awsCfg, logger)
}

// Build assembles the agent from an AWS configuration. Nothing here calls
// out to AWS; clients connect lazily.
func Build(ctx context.Context, cfg config.Config, awsCfg aws.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	secrets, err := paramstore.NewSecrets(ssmClient)
	if err != nil {
		return nil, err
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, repository.WithTTL(cfg.InteractionTTL))
	if err != nil {
		return nil, err
	}

	llm, err := newLLM(cfg, secrets, httpClient)
	if err != nil {
		return nil, err
	}

	index, closeDB, err := newIndex(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry(), closeDB: closeDB}
	if err := a.assemble(ctx, store, secrets, llm, index, httpClient); err != nil {
		closeDB()
		return nil, err
	}
	return a, nil
}

func (a *App) assemble(ctx context.Context, store *repository.Client, secrets *paramstore.Secrets, llm llmClient, index knowledgeIndex, httpClient *http.Client) error {
	cfg := a.Config
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(a.Registry)

	directory, err := tenant.NewDirectory(store, secrets, cfg.TenantCacheTTL)
	if err != nil {
		return err
	}
	catalogSvc, err := catalog.NewService(store, llm, index, a.Logger)
	if err != nil {
		return err
	}
	retriever, err := rag.NewRetriever(llm, index, cfg.RetrievalTopK)
	if err != nil {
		return err
	}
	dispatcher, err := reply.New(
		instagram.NewClient(instagram.WithBaseURL(cfg.GraphAPIURL), instagram.WithHTTPClient(httpClient)),
		reply.WithLimits(cfg.MaxReplyLength, cfg.ReplyChunkLength),
		reply.WithChunkDelay(cfg.ReplyChunkDelay),
		reply.WithLogger(a.Logger.With("component", "reply")),
		reply.WithObserver(metrics.ReplyChunk),
	)
	if err != nil {
		return err
	}

	cache, err := newCorrelator(cfg, store, a.Logger)
	if err != nil {
		return err
	}
	a.cache = cache
	a.pool = workerpool.New(ctx, cfg.Workers, cfg.QueueSize, a.Logger.With("component", "workerpool"))
	observability.RegisterGauges(a.Registry,
		func() float64 { return float64(a.cache.Len()) },
		func() float64 { return float64(a.pool.QueueDepth()) },
	)

	orch, err := usecase.NewOrchestrator(usecase.Dependencies{
		Store:    store,
		Tenants:  directory,
		Objects:  catalogSvc,
		Grounder: retriever,
		LLM:      llm,
		Replies:  dispatcher,
		Cache:    a.cache,
		Pool:     a.pool,
		Metrics:  metrics,
		Logger:   a.Logger,
	}, usecase.Options{
		CompletionModel: cfg.CompletionModel,
		HistoryLimit:    cfg.HistoryLimit,
		RegreetAfter:    cfg.RegreetAfter,
	})
	if err != nil {
		return err
	}
	a.Orchestrator = orch
	a.Tenants = directory
	a.Catalog = catalogSvc
	return nil
}

// correlator is the orchestrator's view of pending shares plus shutdown.
type correlator interface {
	usecase.Correlator
	Close()
}

func newCorrelator(cfg config.Config, store correlation.Store, logger *slog.Logger) (correlator, error) {
	switch cfg.CorrelationBackend {
	case config.CorrelationDynamoDB:
		shared, err := correlation.NewShared(store, cfg.CorrelationWindow, logger)
		if err != nil {
			return nil, fmt.Errorf("app: correlation: %w", err)
		}
		return shared, nil
	default:
		return correlation.New(cfg.CorrelationWindow), nil
	}
}

func newLLM(cfg config.Config, secrets *paramstore.Secrets, httpClient *http.Client) (llmClient, error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		return gemini.NewClient(secrets, cfg.ParamPrefix, cfg.CompletionModel, cfg.EmbeddingModel,
			gemini.WithBaseURL(cfg.LLMBaseURL),
			gemini.WithHTTPClient(httpClient),
			gemini.WithDimensions(cfg.EmbeddingDimensions),
		)
	case config.ProviderOpenAI:
		return openai.NewClient(secrets, cfg.ParamPrefix, cfg.CompletionModel, cfg.EmbeddingModel,
			openai.WithBaseURL(cfg.LLMBaseURL),
			openai.WithHTTPClient(httpClient),
			openai.WithDimensions(cfg.EmbeddingDimensions),
		)
	}
	return nil, fmt.Errorf("app: unsupported LLM provider %q", cfg.LLMProvider)
}

func newIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (knowledgeIndex, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, knowledge index is in memory and lost on restart")
		return knowledge.NewMemoryIndex(cfg.EmbeddingDimensions), func() {}, nil
	}
	pg, err := knowledge.OpenPgVectorIndex(ctx, cfg.DatabaseURL, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseAutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	return pg, pg.Close, nil
}

func (a *App) webhookConfig() handler.WebhookConfig {
	return handler.WebhookConfig{VerifyToken: a.Config.WebhookVerifyToken, AppSecret: a.Config.WebhookAppSecret}
}

// Router returns the long-running HTTP surface: webhook, health, metrics and
// the management API.
func (a *App) Router() (*gin.Engine, error) {
	return handler.NewRouter(handler.RouterConfig{
		Processor: a.Orchestrator,
		Webhook:   a.webhookConfig(),
		Management: handler.ManagementConfig{
			Token:   a.Config.ManagementToken,
			Catalog: a.Catalog,
			Tenants: a.Tenants,
		},
		Gatherer: a.Registry,
		Logger:   a.Logger,
	})
}

// LambdaHandler returns the API Gateway entrypoint.
func (a *App) LambdaHandler() (*handler.Handler, error) {
	return handler.NewHandler(a.Orchestrator, a.webhookConfig())
}

// Close drops pending shares, drains the worker pool and closes the
// knowledge index.
func (a *App) Close() error {
	var errs []error
	if a.cache != nil {
		a.cache.Close()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.closeDB != nil {
		a.closeDB()
	}
	return errors.Join(errs...)
}
