package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/chat-agent/internal/api/router"
	"github.com/wolfman30/chat-agent/internal/capabilities"
	"github.com/wolfman30/chat-agent/internal/compliance"
	appconfig "github.com/wolfman30/chat-agent/internal/config"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/delay"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/chat-agent/internal/http/middleware"
	"github.com/wolfman30/chat-agent/internal/inbound"
	"github.com/wolfman30/chat-agent/internal/modes"
	"github.com/wolfman30/chat-agent/internal/observability/metrics"
	"github.com/wolfman30/chat-agent/internal/outbound"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/internal/ratelimit"
	"github.com/wolfman30/chat-agent/internal/stages"
	"github.com/wolfman30/chat-agent/internal/tasks"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Options are the process-level inputs to Build.
type Options struct {
	Config *appconfig.Config
	Logger *logging.Logger
	// AWS enables SQS, DynamoDB, Bedrock and SES. Nil leaves them off.
	AWS *aws.Config
	// Registerer receives the Prometheus collectors. Nil uses a private registry.
	Registerer prometheus.Registerer
	// Redis and Postgres override the connections built from Config.
	Redis    *redis.Client
	Postgres *pgxpool.Pool
	// Generator overrides the Bedrock/Gemini chain.
	Generator conversation.Generator
}

// runLedger is both sides of the inbound run ledger.
type runLedger interface {
	inbound.RunRecorder
	inbound.RunUpdater
}

// Services is the wired application.
type Services struct {
	Config       *appconfig.Config
	Logger       *logging.Logger
	Metrics      *metrics.AgentMetrics
	Tasks        *tasks.Supervisor
	Events       *events.Bus
	Repository   conversation.Repository
	Dispatcher   *outbound.Dispatcher
	Modes        *modes.Router
	Orchestrator *pipeline.Orchestrator
	Queue        inbound.Queue
	Runs         runLedger
	Inbound      *inbound.Publisher
	Audit        *compliance.AuditTrail

	closers []func() error
}

// Build wires every component. Memory fallbacks replace Redis, Postgres and
// SQS/DynamoDB when they are not configured.
func Build(ctx context.Context, opts Options) (*Services, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Services{Config: cfg, Logger: logger}
	s.Metrics = metrics.NewAgentMetrics(reg)
	s.Tasks = tasks.NewSupervisor(logger, tasks.WithFailureRecorder(s.Metrics))

	redisClient := opts.Redis
	if redisClient == nil {
		// A configured Redis that is down at startup stays wired so the
		// limiter's fail-closed checks and the shared dedup keys apply.
		redisClient = BuildRedisClient(ctx, cfg, logger, false)
		if redisClient != nil {
			s.closers = append(s.closers, redisClient.Close)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable at startup, sends will fail closed until it recovers",
					"addr", cfg.RedisAddr, "error", err)
			}
		}
	}

	pool := opts.Postgres
	var sqlDB *sql.DB
	if pool != nil {
		sqlDB = stdlib.OpenDBFromPool(pool)
	} else {
		var err error
		pool, sqlDB, err = BuildPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if pool != nil {
			s.closers = append(s.closers, sqlDB.Close, func() error { pool.Close(); return nil })
		}
	}

	// Decision records
	sinks := []events.Sink{events.NewLogSink(logger)}
	if sqlDB != nil {
		s.Audit = compliance.NewAuditTrail(sqlDB)
		sinks = append(sinks, s.Audit)
	}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, "chat-agent", logger)
		if err != nil {
			logger.Warn("decision records will not reach RabbitMQ", "error", err)
		} else {
			sinks = append(sinks, amqpPub)
			s.closers = append(s.closers, amqpPub.Close)
		}
	}
	s.Events = events.NewBus(s.Tasks, sinks...)

	// Persistence
	var (
		history     conversation.HistoryStore
		policyStore outbound.PolicyStore
		reserver    outbound.Reserver
		modeStore   modes.Store
	)
	if pool != nil {
		s.Repository = conversation.NewPostgresRepository(pool)
		policyStore = outbound.NewPostgresPolicyStore(pool)
	} else {
		memRepo := conversation.NewMemoryRepository()
		s.Repository = memRepo
		policyStore = repositoryPolicyStore{contacts: memRepo}
		logger.Warn("no database configured; using in-memory persistence")
	}
	if redisClient != nil {
		history = conversation.NewRedisHistory(redisClient, cfg.HistoryTTL, cfg.HistoryLimit)
		reserver = outbound.NewRedisReserver(redisClient)
		modeStore = modes.NewRedisStore(redisClient, 0)
	} else {
		history = conversation.NewMemoryHistory()
		reserver = newMemoryReserver()
		modeStore = modes.NewMemoryStore()
		logger.Warn("no redis configured; rate limits disabled and state kept in memory")
	}

	dispatcher, err := buildDispatcher(cfg, logger, s, redisClient, pool, policyStore, reserver)
	if err != nil {
		return nil, err
	}
	s.Dispatcher = dispatcher

	// Mode routing
	keywords, err := modes.LoadKeywordConfig(cfg.IntentsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	detector := modes.NewIntentDetector(keywords)
	validator := modes.NewValidator(modes.ValidatorConfig{
		PendingTimeout: cfg.PendingTransitionTimeout,
		Cooldown:       cfg.TransitionCooldown,
	}, detector)
	s.Modes = modes.NewRouter(modeStore, detector, validator,
		modes.WithDecisionObserver(s.Metrics),
		modes.WithRouterLogger(logger),
	)

	generator := opts.Generator
	if generator == nil {
		var closeGenerator func() error
		generator, closeGenerator, err = BuildGenerator(ctx, cfg, opts.AWS, s.Metrics, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeGenerator)
	}

	orch, err := buildOrchestrator(cfg, logger, s, generator, history, opts.AWS)
	if err != nil {
		return nil, err
	}
	s.Orchestrator = orch

	if err := buildInbound(cfg, logger, s, opts.AWS); err != nil {
		return nil, err
	}
	return s, nil
}

func buildDispatcher(cfg *appconfig.Config, logger *logging.Logger, s *Services, redisClient *redis.Client, pool *pgxpool.Pool, policyStore outbound.PolicyStore, reserver outbound.Reserver) (*outbound.Dispatcher, error) {
	quiet, err := compliance.ParseQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd, cfg.QuietHoursTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	loc, err := time.LoadLocation(cfg.QuietHoursTimezone)
	if err != nil {
		loc = time.UTC
	}
	guardrail := outbound.NewGuardrail(outbound.GuardrailConfig{
		Restricted:       cfg.RestrictedEnv,
		Allowlist:        cfg.RecipientAllowlist,
		ContactDailyCap:  cfg.ContactDailyCap,
		CampaignDailyCap: cfg.CampaignDailyCap,
		QuietHours:       quiet,
		Location:         loc,
	}, policyStore)

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []outbound.DispatcherOption{
		outbound.WithPublisher(s.Events),
		outbound.WithMetrics(s.Metrics),
		outbound.WithLogger(logger),
		outbound.WithDedupWindow(cfg.DedupBucket, cfg.DedupTTL),
	}
	if redisClient != nil {
		limits := ratelimit.Limits{
			GlobalHourly:         cfg.GlobalHourlyLimit,
			GlobalDaily:          cfg.GlobalDailyLimit,
			RecipientMinInterval: cfg.RecipientMinInterval,
			RecipientHourly:      cfg.RecipientHourlyLimit,
			CategoryHourly:       cfg.CategoryHourlyLimit,
			FailOpen:             ratelimit.FailOpenSet(cfg.RateLimitFailOpenChecks),
		}
		limiterOpts := []ratelimit.Option{ratelimit.WithRecorder(s.Metrics)}
		if pool != nil && cfg.RateLimitDurableFallback {
			limiterOpts = append(limiterOpts, ratelimit.WithDurableCounter(ratelimit.NewPostgresCounter(pool)))
		}
		opts = append(opts, outbound.WithRateLimiter(ratelimit.New(redisClient, limits, logger, limiterOpts...)))
	}
	if pool != nil {
		opts = append(opts, outbound.WithOutcomeStore(outbound.NewPostgresOutcomeStore(pool)))
	}
	return outbound.NewDispatcher(reserver, guardrail, transport, opts...), nil
}

func buildTransport(cfg *appconfig.Config, logger *logging.Logger) (outbound.Transport, error) {
	if cfg.GatewayURL == "" {
		logger.Warn("no messaging gateway configured; outbound messages are logged only")
		return logTransport{logger: logger}, nil
	}
	primary, err := outbound.NewGatewayTransport(outbound.GatewayConfig{
		BaseURL:     cfg.GatewayURL,
		APIKey:      cfg.GatewayAPIKey,
		SenderID:    cfg.GatewaySenderID,
		MaxAttempts: cfg.GatewayMaxAttempts,
		BaseDelay:   cfg.GatewayRetryBaseDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gateway transport: %w", err)
	}
	if cfg.FailoverGatewayURL == "" {
		return primary, nil
	}
	secondary, err := outbound.NewGatewayTransport(outbound.GatewayConfig{
		BaseURL:     cfg.FailoverGatewayURL,
		APIKey:      cfg.FailoverGatewayAPIKey,
		SenderID:    cfg.GatewaySenderID,
		MaxAttempts: cfg.GatewayMaxAttempts,
		BaseDelay:   cfg.GatewayRetryBaseDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failover transport: %w", err)
	}
	return outbound.NewFailoverTransport(primary, secondary, outbound.DefaultClassifier(), logger), nil
}

func buildOrchestrator(cfg *appconfig.Config, logger *logging.Logger, s *Services, generator conversation.Generator, history conversation.HistoryStore, awsCfg *aws.Config) (*pipeline.Orchestrator, error) {
	gate, err := capabilities.LoadGate(cfg.CapabilitiesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	catalog, err := stages.LoadCatalog(cfg.ToolCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	handoffs := stages.NewHandoffs(s.Repository, BuildHandoffNotifier(cfg, awsCfg, logger), s.Tasks, s.Events, logger)
	registry, err := capabilities.NewRegistry(stages.NewToolbox(catalog, handoffs, s.Events).Handlers()...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: tool registry: %w", err)
	}

	post := []pipeline.Stage{
		stages.NewOutputValidation(capabilities.NewOutputValidator(gate), gate, s.Events, logger),
		stages.NewSend(s.Dispatcher),
		stages.NewPersist(s.Repository, history, s.Events),
		stages.NewMetrics(s.Events),
		stages.NewExtract(s.Repository),
	}
	if cfg.DelayEnabled {
		loc, err := time.LoadLocation(cfg.DelayTimezone)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: delay timezone: %w", err)
		}
		post = append(post, stages.NewHumanize(delay.New(delay.Config{
			PeakStartHour:  cfg.DelayPeakStartHour,
			PeakEndHour:    cfg.DelayPeakEndHour,
			PeakMultiplier: cfg.DelayPeakMultiplier,
			Location:       loc,
		})))
	}

	core := stages.NewGeneration(generator, history, registry, gate, stages.GenerationConfig{
		SystemPrompt:       cfg.SystemPrompt,
		IntermediaryNotice: cfg.IntermediaryNotice,
		Timeout:            cfg.GenerationTimeout,
		MaxToolRounds:      cfg.MaxToolRounds,
		HistoryLimit:       cfg.HistoryLimit,
		TimeoutReply:       cfg.FallbackReply,
	}, logger)

	return pipeline.New(core,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(s.Metrics),
		pipeline.WithFallbackReply(cfg.ApologyReply),
		pipeline.WithPreProcessors(
			stages.NewParse(),
			stages.NewEntities(s.Repository),
			stages.NewOptOut(compliance.NewDetector(nil, nil), s.Repository, s.Events, stages.OptOutConfig{
				Confirmation: cfg.OptOutConfirmation,
				Help:         cfg.HelpReply,
			}, logger),
			stages.NewHandoff(handoffs, cfg.HandoffKeywords, cfg.HandoffAck),
			stages.NewMedia(cfg.MediaAutoReply),
			stages.NewMode(s.Modes, s.Repository, s.Events, logger),
			stages.NewCapabilities(gate, registry),
		),
		pipeline.WithPostProcessors(post...),
	), nil
}

func buildInbound(cfg *appconfig.Config, logger *logging.Logger, s *Services, awsCfg *aws.Config) error {
	if cfg.UseMemoryQueue || awsCfg == nil {
		s.Queue = inbound.NewMemoryQueue(0)
		s.Runs = inbound.NewMemoryRunStore()
		logger.Info("using in-memory inbound queue")
	} else {
		if cfg.InboundQueueURL == "" {
			return errors.New("bootstrap: INBOUND_QUEUE_URL is required without USE_MEMORY_QUEUE")
		}
		s.Queue = inbound.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.InboundQueueURL)
		s.Runs = inbound.NewDynamoRunStore(dynamodb.NewFromConfig(*awsCfg), cfg.InboundRunsTable, logger)
	}
	s.Inbound = inbound.NewPublisher(s.Queue, s.Runs, logger)
	return nil
}

// NewWorker returns a worker draining the inbound queue into the orchestrator.
func (s *Services) NewWorker(opts ...inbound.WorkerOption) *inbound.Worker {
	base := []inbound.WorkerOption{
		inbound.WithWorkerCount(s.Config.WorkerCount),
		inbound.WithRunTimeout(s.Config.RunTimeout),
		inbound.WithObserver(s.Metrics),
	}
	return inbound.NewWorker(s.Orchestrator, s.Queue, s.Runs, s.Logger, append(base, opts...)...)
}

// Handler builds the HTTP surface.
func (s *Services) Handler(metricsHandler http.Handler) http.Handler {
	var audit handlers.AuditQuerier
	if s.Audit != nil {
		audit = s.Audit
	}
	return router.New(&router.Config{
		Logger:          s.Logger,
		InboundWebhook:  handlers.NewInboundWebhookHandler(s.Inbound, s.Logger),
		AdminOutbound:   handlers.NewAdminOutboundHandler(s.Dispatcher, s.Logger),
		AdminModes:      handlers.NewAdminModesHandler(s.Modes, s.Logger),
		AdminOps:        handlers.NewAdminOpsHandler(audit, s.Tasks, s.Logger),
		AdminAuthSecret: s.Config.AdminJWTSecret,
		MetricsHandler:  metricsHandler,
		WebhookLimiter:  httpmiddleware.NewRateLimiter(s.Config.WebhookRatePerSecond, s.Config.WebhookBurst),
	})
}

// Close drains background tasks and releases connections in reverse order.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if err := s.Tasks.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("bootstrap: drain tasks: %w", err))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
