package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/experiment-callouts/internal/agent"
	"github.com/ignite/experiment-callouts/internal/batch"
	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/config"
	"github.com/ignite/experiment-callouts/internal/delivery"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/awsclient"
	"github.com/ignite/experiment-callouts/internal/pkg/backoff"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
	"github.com/ignite/experiment-callouts/internal/reflection"
	"github.com/ignite/experiment-callouts/internal/report"
	"github.com/ignite/experiment-callouts/internal/snowflake"
	"github.com/ignite/experiment-callouts/internal/storage"
	"github.com/ignite/experiment-callouts/internal/validate"
)

// app is the wired process.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *snowflake.Client
	redis   *redis.Client
	archive storage.Store
	driver  *batch.Driver
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close warehouse", "error", err)
		}
	}
}

// build loads the configuration and wires every component. A non-empty
// model replaces the configured model name.
func build(ctx context.Context, path, model string) (*app, error) {
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if model != "" {
		cfg.Model.Name = model
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedact(cfg.Log.RedactEnabled())
	log := logger.Default().With("service", "callout")

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	catalog := domain.NewCatalog(cfg.Catalog.Primary, cfg.Catalog.Guardrail)
	a.store, err = snowflake.NewClient(cfg.Snowflake, catalog)
	if err != nil {
		return nil, err
	}

	a.redis = connectRedis(ctx, cfg.Redis.URL, log)

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsclient.Load(ctx, cfg.AWS)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &c
		return c, nil
	}

	llm, err := buildModel(cfg.Model, loadAWS)
	if err != nil {
		return nil, err
	}
	var cache agent.ResponseCache = agent.NewMemoryCache(cfg.Redis.CacheTTL())
	if a.redis != nil {
		cache = agent.NewRedisCache(a.redis, "", cfg.Redis.CacheTTL())
	}
	shared := agent.NewSharedModel(llm, cfg.Agent.Shared, cache, log)

	var s3Client storage.ObjectAPI
	if cfg.Storage.UsesS3() {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		s3Client = s3.NewFromConfig(c)
	}
	a.archive, err = storage.New(cfg.Storage, s3Client)
	if err != nil {
		return nil, err
	}

	var notifiers []delivery.Notifier
	if cfg.Slack.Enabled {
		client := &http.Client{Timeout: 30 * time.Second}
		notifiers = append(notifiers, delivery.NewSlackNotifier(cfg.Slack.WebhookURL, client, cfg.Slack.MaxRetries))
	}
	if cfg.Email.Enabled {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, delivery.NewEmailNotifier(sesv2.NewFromConfig(c), cfg.Email.From, cfg.Email.To, cfg.Email.SubjectPrefix))
	}

	renderer, err := report.NewRenderer()
	if err != nil {
		return nil, err
	}
	policy, err := agent.LoadPolicy(cfg.Agent.PolicyPath)
	if err != nil {
		return nil, err
	}

	a.driver, err = batch.NewDriver(batch.Deps{
		Agent: agent.Deps{
			Model:      shared,
			Classifier: classify.New(cfg.Classifier),
			Reflector:  reflection.New(a.store, cfg.Reflection, log),
			Validator:  validate.New(cfg.Validator),
			Renderer:   renderer,
			Policy:     policy,
			Budget:     cfg.Agent.Budget,
			Retry: backoff.Policy{
				Attempts:  cfg.Agent.Retry.Attempts,
				BaseDelay: seconds(cfg.Agent.Retry.BaseDelaySeconds),
				MaxDelay:  seconds(cfg.Agent.Retry.MaxDelaySeconds),
			},
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
		Store:       a.store,
		Archive:     a.archive,
		Notifier:    delivery.NewFanout(notifiers...),
		Redis:       a.redis,
		LockTTL:     cfg.Redis.LockTTL(),
		Concurrency: cfg.Batch.Concurrency,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	log.Info("callout wired",
		"model", shared.Name(), "storage", cfg.Storage.Type,
		"redis", a.redis != nil, "notifiers", len(notifiers))
	return a, nil
}

func buildModel(cfg config.ModelConfig, loadAWS func() (aws.Config, error)) (agent.Model, error) {
	switch cfg.Provider {
	case "openai":
		return agent.NewOpenAIModel(agent.OpenAIConfig{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			PortkeyAPIKey:  cfg.PortkeyAPIKey,
			PortkeyVirtual: cfg.PortkeyVirtualKey,
			PortkeyConfig:  cfg.PortkeyConfig,
			Model:          cfg.Name,
			Timeout:        cfg.Timeout(),
		}), nil
	case "bedrock":
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return agent.NewBedrockModelFromConfig(c, cfg.Name), nil
	default:
		return nil, &domain.ConfigurationError{Problems: []string{fmt.Sprintf("model.provider %q is not supported", cfg.Provider)}}
	}
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// cache and run lock then stay in-process.
func connectRedis(ctx context.Context, url string, log *logger.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("invalid redis url, using in-process cache and lock", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, using in-process cache and lock", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
